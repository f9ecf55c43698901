package grace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/statestore"
	"github.com/platinummonkey/slotkeeper/pkg/tasks"
)

// Status is the position of a subscription in the grace state machine
type Status string

const (
	StatusGracePending Status = "grace_pending"
	StatusResolved     Status = "resolved"
	StatusSuspended    Status = "suspended"
)

const (
	// stateTTL keeps pending state well past any grace period
	stateTTL = 90 * 24 * time.Hour
	// settledTTL is how long resolved and suspended state is kept around
	settledTTL = 7 * 24 * time.Hour
	// markerTTL bounds the suspension notification marker
	markerTTL = 30 * 24 * time.Hour
)

// State is the grace bookkeeping of one subscription
type State struct {
	SubscriberID int64        `json:"subscriber_id"`
	Status       Status       `json:"status"`
	FailedAt     time.Time    `json:"failed_at"`
	Deadline     time.Time    `json:"deadline"`
	Handle       tasks.Handle `json:"handle,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func stateKey(subscriberID int64) string {
	return fmt.Sprintf("grace:state:%d", subscriberID)
}

func markerKey(subscriberID int64, failedAt time.Time) string {
	return fmt.Sprintf("grace:notified:%d:%d", subscriberID, failedAt.Unix())
}

func (s *Scheduler) loadState(ctx context.Context, subscriberID int64) (*State, error) {
	var st State
	err := statestore.GetJSON(ctx, s.state, stateKey(subscriberID), &st)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grace state: %w", err)
	}
	return &st, nil
}

func (s *Scheduler) saveState(ctx context.Context, st *State) error {
	st.UpdatedAt = s.opts.Now()
	ttl := stateTTL
	if st.Status != StatusGracePending {
		ttl = settledTTL
	}
	if err := statestore.SetJSON(ctx, s.state, stateKey(st.SubscriberID), st, ttl); err != nil {
		return fmt.Errorf("failed to save grace state: %w", err)
	}
	return nil
}

// State returns the stored grace state of a subscriber, or nil
func (s *Scheduler) State(ctx context.Context, subscriberID int64) (*State, error) {
	return s.loadState(ctx, subscriberID)
}

// settle cancels the pending task and records the final status. Bookkeeping
// failures are logged; the subscription records are the source of truth.
func (s *Scheduler) settle(ctx context.Context, subscriberID int64, status Status) {
	logger := s.opts.Logger.WithField("subscriber_id", subscriberID)
	st, err := s.loadState(ctx, subscriberID)
	if err != nil {
		logger.WithError(err).Warn("failed to read grace state")
	}
	if st == nil {
		st = &State{SubscriberID: subscriberID}
	}
	s.cancelTask(ctx, st)
	st.Status = status
	if err := s.saveState(ctx, st); err != nil {
		logger.WithError(err).Warn("failed to record grace state")
	}
}

func (s *Scheduler) cancelTask(ctx context.Context, st *State) {
	if st.Handle == "" {
		return
	}
	if err := s.scheduler.Cancel(ctx, st.Handle); err != nil {
		s.opts.Logger.WithError(err).WithField("handle", string(st.Handle)).Warn("failed to cancel grace check")
	}
	st.Handle = ""
}

// arm replaces any scheduled check with one firing at deadline
func (s *Scheduler) arm(ctx context.Context, subscriberID int64, failedAt, deadline time.Time) *State {
	logger := s.opts.Logger.WithField("subscriber_id", subscriberID)
	st, err := s.loadState(ctx, subscriberID)
	if err != nil {
		logger.WithError(err).Warn("failed to read grace state")
	}
	if st == nil {
		st = &State{SubscriberID: subscriberID}
	}
	s.cancelTask(ctx, st)

	delay := deadline.Sub(s.opts.Now())
	if delay < 0 {
		delay = 0
	}
	handle, err := s.scheduler.Schedule(ctx, TaskCheck, CheckArgs{SubscriberID: subscriberID}, delay)
	if err != nil {
		logger.WithError(err).Warn("failed to schedule grace check, the sweep will pick it up")
	}

	st.Status = StatusGracePending
	st.FailedAt = failedAt
	st.Deadline = deadline
	st.Handle = handle
	if err := s.saveState(ctx, st); err != nil {
		logger.WithError(err).Warn("failed to record grace state")
	}
	return st
}
