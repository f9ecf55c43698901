package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
)

// TestDefaultConfig tests the DefaultConfig function
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "memory", cfg.Type)
	assert.Equal(t, 20, cfg.PostgresMaxConns)
	assert.Equal(t, 2, cfg.PostgresMinConns)
	assert.Equal(t, 10*time.Second, cfg.PostgresTimeout)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 3, cfg.RedisMaxRetries)
	assert.Equal(t, 10, cfg.RedisPoolSize)
}

func TestFailureFrom(t *testing.T) {
	assert.Nil(t, FailureFrom(nil))

	business := entitlements.NewFailure(entitlements.CodeOverLimit, "no slot")
	assert.Same(t, business, FailureFrom(fmt.Errorf("wrapped: %w", business)))

	assert.Equal(t, entitlements.CodeNotFound, FailureFrom(fmt.Errorf("subscriber 1: %w", ErrNotFound)).Code)

	conflict := FailureFrom(fmt.Errorf("lock: %w", ErrConflict))
	assert.Equal(t, entitlements.CodeConflict, conflict.Code)
	assert.True(t, conflict.Retryable)

	timeout := FailureFrom(fmt.Errorf("failed to acquire subscriber lock: %w", context.DeadlineExceeded))
	assert.True(t, timeout.Retryable)

	internal := FailureFrom(errors.New("pq: syntax error"))
	assert.Equal(t, entitlements.CodeInternal, internal.Code)
	assert.NotContains(t, internal.Message, "pq")
}
