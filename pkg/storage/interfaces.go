package storage

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a transaction lost a concurrent race and may be retried
	ErrConflict = errors.New("concurrent modification")
)

// TxFunc is the body of a transaction. Returning a non-nil error rolls back
// every write made through tx.
type TxFunc func(ctx context.Context, tx Tx) error

// SubscriberReader reads the records of the locked subscriber
type SubscriberReader interface {
	// Snapshot loads subscriber, subscription, plan, active extra slot count
	// and devices in one consistent read.
	Snapshot(ctx context.Context) (*entitlements.Snapshot, error)
	GetDevice(ctx context.Context, deviceID int64) (*entitlements.Device, error)
	GetExtraSlot(ctx context.Context, slotID int64) (*entitlements.ExtraSlot, error)
	ListExtraSlots(ctx context.Context) ([]*entitlements.ExtraSlot, error)
	GetPlan(ctx context.Context, planID int64) (*entitlements.Plan, error)
}

// SubscriberWriter mutates the records of the locked subscriber
type SubscriberWriter interface {
	CreateDevice(ctx context.Context, device *entitlements.Device) error
	UpdateDevice(ctx context.Context, device *entitlements.Device) error
	CreateExtraSlot(ctx context.Context, slot *entitlements.ExtraSlot) error
	CancelExtraSlot(ctx context.Context, slotID int64, at time.Time) error
	UpdateSubscription(ctx context.Context, sub *entitlements.Subscription) error
	UpdateSubscriberRole(ctx context.Context, role entitlements.Role) error
	CreateSuspensionRecord(ctx context.Context, record *entitlements.SuspensionRecord) error
	// UpdateSuspensionRecord stores the notification outcome of a record
	UpdateSuspensionRecord(ctx context.Context, record *entitlements.SuspensionRecord) error
}

// Tx is a transaction scoped to one subscriber
type Tx interface {
	SubscriberReader
	SubscriberWriter
	SubscriberID() int64
}

// PlanReader reads the plan catalog
type PlanReader interface {
	ListPlans(ctx context.Context) ([]*entitlements.Plan, error)
	GetPlan(ctx context.Context, planID int64) (*entitlements.Plan, error)
}

// PlanWriter publishes plan definitions into the catalog
type PlanWriter interface {
	UpsertPlan(ctx context.Context, plan *entitlements.Plan) error
}

// Store is the persistent relational store behind slotkeeper.
//
// InTx is the serialization point for every slot-affecting operation: it
// holds an exclusive lock on the subscriber for the duration of fn, so two
// concurrent mutations for the same subscriber never interleave.
type Store interface {
	PlanReader

	// InTx runs fn in a read-write transaction holding the subscriber lock
	InTx(ctx context.Context, subscriberID int64, fn TxFunc) error

	// View runs fn in a read-only transaction without taking the lock
	View(ctx context.Context, subscriberID int64, fn TxFunc) error

	// ListPastDueSubscriptions returns subscriptions awaiting a grace decision
	ListPastDueSubscriptions(ctx context.Context) ([]*entitlements.Subscription, error)

	// ListScheduledChanges returns subscriptions with a plan change pending at period end
	ListScheduledChanges(ctx context.Context, dueBefore time.Time) ([]*entitlements.Subscription, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config for storage backend
type Config struct {
	Type string // "memory", "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	// LockTimeout bounds how long InTx waits for the subscriber lock
	LockTimeout time.Duration

	// Redis config (state store and task queue)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "memory",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		LockTimeout:      5 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
	}
}
