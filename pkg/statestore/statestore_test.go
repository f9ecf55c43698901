package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := storage.DefaultConfig()
	config.RedisURL = "redis://" + mr.Addr()
	client, err := NewRedisClient(config)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client, ""), mr
}

// exercise runs the shared contract against a store; advance moves the
// store's clock forward.
func exercise(t *testing.T, s Store, advance func(time.Duration)) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "grace:1", "grace_pending", 0))
	value, ok, err := s.Get(ctx, "grace:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "grace_pending", value)

	set, err := s.SetNX(ctx, "marker:1", "sent", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)
	set, err = s.SetNX(ctx, "marker:1", "again", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.Set(ctx, "short", "x", 10*time.Second))
	require.NoError(t, s.Expire(ctx, "grace:1", 30*time.Second))
	advance(20 * time.Second)

	_, ok, err = s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "short-lived key must expire")
	_, ok, err = s.Get(ctx, "grace:1")
	require.NoError(t, err)
	assert.True(t, ok)

	advance(20 * time.Second)
	_, ok, err = s.Get(ctx, "grace:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "marker:1"))
	set, err = s.SetNX(ctx, "marker:1", "sent", 0)
	require.NoError(t, err)
	assert.True(t, set)
	require.NoError(t, s.Delete(ctx, "never-set"))
}

func TestRedisStore(t *testing.T) {
	s, mr := setupRedisStore(t)
	exercise(t, s, mr.FastForward)

	assert.True(t, mr.Exists(DefaultKeyPrefix+"marker:1"), "keys are namespaced")
	assert.NoError(t, s.Ping(context.Background()))
}

func TestRedisStore_ExpireZeroPersists(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	require.NoError(t, s.Expire(ctx, "k", 0))
	mr.FastForward(time.Minute)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRedisClient_Errors(t *testing.T) {
	config := storage.DefaultConfig()
	config.RedisURL = "not a url"
	_, err := NewRedisClient(config)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	config.RedisURL = "redis://" + mr.Addr()
	mr.Close()
	_, err = NewRedisClient(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisStore_ConnectionFailure(t *testing.T) {
	s, mr := setupRedisStore(t)
	mr.Close()

	_, _, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(100, 0)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	exercise(t, s, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryStore_Bounded(t *testing.T) {
	s := NewMemoryStore(2, 0)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "2", 0))
	require.NoError(t, s.Set(ctx, "c", "3", 0))

	assert.Equal(t, 2, s.Len())
	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStore(10, time.Hour)
	ctx := context.Background()

	type state struct {
		Status string `json:"status"`
		Handle string `json:"handle"`
	}
	require.NoError(t, SetJSON(ctx, s, "st", state{Status: "grace_pending", Handle: "h1"}, 0))

	var got state
	require.NoError(t, GetJSON(ctx, s, "st", &got))
	assert.Equal(t, state{Status: "grace_pending", Handle: "h1"}, got)

	assert.ErrorIs(t, GetJSON(ctx, s, "absent", &got), ErrNotFound)

	require.NoError(t, s.Set(ctx, "bad", "{", 0))
	assert.Error(t, GetJSON(ctx, s, "bad", &got))
}
