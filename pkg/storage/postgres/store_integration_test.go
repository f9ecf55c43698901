//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

func setupPostgresContainer(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("slotkeeper_test"),
		tcpostgres.WithUsername("slotkeeper"),
		tcpostgres.WithPassword("slotkeeper_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, EnsureSchema(ctx, db))
	return db
}

func seedSubscriber(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	ctx := context.Background()

	var planID, subscriberID, subscriptionID int64
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO plans (slug, name, device_limit, monthly_price_cents, yearly_price_cents) VALUES ('basic', 'Basic', 1, 500, 5000) RETURNING id`,
	).Scan(&planID))
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO subscribers (email) VALUES ('owner@example.com') RETURNING id`,
	).Scan(&subscriberID))
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (subscriber_id, plan_id, status) VALUES ($1, $2, 'active') RETURNING id`,
		subscriberID, planID,
	).Scan(&subscriptionID))
	for i := 0; i < 5; i++ {
		_, err := db.ExecContext(ctx, `INSERT INTO devices (subscriber_id, status) VALUES ($1, 'pending')`, subscriberID)
		require.NoError(t, err)
	}
	return subscriberID
}

// Five concurrent activations against a one-slot plan must leave exactly one
// device active.
func TestStoreIntegration_ConcurrentActivationRespectsLimit(t *testing.T) {
	db := setupPostgresContainer(t)
	subscriberID := seedSubscriber(t, db)
	store := NewStoreWithConnections(NewConnectionManagerFromDB(db, nil), 5*time.Second, nil)
	ctx := context.Background()

	var pending []int64
	require.NoError(t, store.View(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		for _, d := range snap.Devices {
			pending = append(pending, d.ID)
		}
		return err
	}))
	require.Len(t, pending, 5)

	var wg sync.WaitGroup
	for _, id := range pending {
		wg.Add(1)
		go func(deviceID int64) {
			defer wg.Done()
			_ = store.InTx(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
				snap, err := tx.Snapshot(ctx)
				if err != nil {
					return err
				}
				if !entitlements.NewCalculator(snap).CanActivateDevice() {
					return entitlements.NewFailure(entitlements.CodeOverLimit, "no capacity")
				}
				d := snap.Device(deviceID)
				d.Status = entitlements.DeviceStatusActive
				return tx.UpdateDevice(ctx, d)
			})
		}(id)
	}
	wg.Wait()

	require.NoError(t, store.View(ctx, subscriberID, func(ctx context.Context, tx storage.Tx) error {
		snap, err := tx.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, entitlements.NewCalculator(snap).UsedSlots())
		return nil
	}))
}
