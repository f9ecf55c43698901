package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "sweep")
		panic("boom")
	})

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "PANIC recovered", entry["msg"])
	assert.Equal(t, "sweep", entry["context"])
	assert.Equal(t, "boom", entry["panic"])
	assert.NotEmpty(t, entry["stack"])
}

func TestRecoverTo(t *testing.T) {
	run := func(fail bool) (err error) {
		defer RecoverTo(NopLogger(), "task", &err)
		if fail {
			panic("nil plan")
		}
		return nil
	}

	require.NoError(t, run(false))
	err := run(true)
	require.Error(t, err)
	assert.Equal(t, "panic: nil plan", err.Error())

	assert.NoError(t, MustRecover(nil))
}
