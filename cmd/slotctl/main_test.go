package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/slotkeeper/pkg/app"
	"github.com/platinummonkey/slotkeeper/pkg/config"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
	"github.com/platinummonkey/slotkeeper/pkg/storage/storagetest"
)

func newEngine(t *testing.T) *app.App {
	t.Helper()
	cfg := &config.Config{
		Storage: storage.DefaultConfig(),
		Entitlements: config.EntitlementsConfig{
			SlotCostCents:    500,
			DefaultGraceDays: 7,
			CandidateOrder:   entitlements.OrderAscending,
		},
		Jobs: config.JobsConfig{GraceSweepSchedule: "@hourly", TaskPollInterval: time.Second},
	}
	engine, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	mem := engine.Store.(*storage.MemoryStore)
	for _, p := range storagetest.Plans() {
		mem.PutPlan(p)
	}
	storagetest.SeedAccount(t, mem, storagetest.Account{
		SubscriberID:  7,
		PlanID:        storagetest.PlanBasic,
		ActiveDevices: 3,
	})
	return engine
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDispatch(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	run := func(args ...string) (map[string]interface{}, error) {
		var out bytes.Buffer
		err := dispatch(ctx, engine, &out, quietLogger(), args)
		if err != nil || out.Len() == 0 {
			return nil, err
		}
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		return decoded, nil
	}

	t.Run("summary", func(t *testing.T) {
		got, err := run("summary", "7")
		require.NoError(t, err)
		assert.Equal(t, true, got["success"])
	})

	t.Run("options", func(t *testing.T) {
		got, err := run("options", "7")
		require.NoError(t, err)
		data, ok := got["data"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(1), data["excess"])
	})

	t.Run("grace-check without failure", func(t *testing.T) {
		got, err := run("grace-check", "7")
		require.NoError(t, err)
		assert.Equal(t, true, got["success"])
	})

	t.Run("grace-sweep", func(t *testing.T) {
		_, err := run("grace-sweep")
		assert.NoError(t, err)
	})

	t.Run("activity needs postgres", func(t *testing.T) {
		_, err := run("activity", "-since", "24h", "7")
		assert.ErrorContains(t, err, "postgres")
	})

	t.Run("bad arguments", func(t *testing.T) {
		_, err := run("summary")
		assert.Error(t, err)
		_, err = run("summary", "abc")
		assert.Error(t, err)
		_, err = run("reticulate")
		assert.ErrorContains(t, err, "unknown command")
	})
}
