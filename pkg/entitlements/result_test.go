package entitlements

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_Success(t *testing.T) {
	r := Succeed(Summary{TotalSlots: 3})
	assert.True(t, r.OK())
	assert.Empty(t, r.Code())

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Contains(t, decoded, "data")
}

func TestResult_Failure(t *testing.T) {
	r := Failf[Summary](CodeNotOwned, "device %d is not owned by subscriber %d", 7, 1)
	assert.False(t, r.OK())
	assert.Equal(t, CodeNotOwned, r.Code())
	assert.Equal(t, "device 7 is not owned by subscriber 1", r.Failure.Message)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":{"code":"not_owned","message":"device 7 is not owned by subscriber 1"}}`, string(data))
}

func TestFailure_AsErrorRoundTrip(t *testing.T) {
	f := NewFailure(CodeSelectionMismatch, "expected %d devices", 2)
	wrapped := fmt.Errorf("transaction aborted: %w", f)

	got, ok := AsFailure(wrapped)
	require.True(t, ok)
	assert.Same(t, f, got)
	assert.Equal(t, "selection_count_mismatch: expected 2 devices", f.Error())

	_, ok = AsFailure(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestFailure_Ignorable(t *testing.T) {
	assert.True(t, NewFailure(CodeAlreadySuspended, "x").Ignorable())
	assert.True(t, NewFailure(CodeAlreadyActive, "x").Ignorable())
	assert.True(t, NewFailure(CodeSlotCancelled, "x").Ignorable())
	assert.False(t, NewFailure(CodeOverLimit, "x").Ignorable())

	var nilFailure *Failure
	assert.False(t, nilFailure.Ignorable())
}
