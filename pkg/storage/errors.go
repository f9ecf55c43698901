package storage

import (
	"context"
	"errors"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
)

// FailureFrom converts a transaction error into the failure returned to
// callers. Business failures pass through unchanged; lock and serialization
// conflicts become retryable conflicts; anything else is internal.
func FailureFrom(err error) *entitlements.Failure {
	if err == nil {
		return nil
	}
	if f, ok := entitlements.AsFailure(err); ok {
		return f
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return entitlements.NewFailure(entitlements.CodeNotFound, "record not found")
	case errors.Is(err, ErrConflict), errors.Is(err, context.DeadlineExceeded):
		f := entitlements.NewFailure(entitlements.CodeConflict, "concurrent modification, retry the operation")
		f.Retryable = true
		return f
	default:
		return entitlements.NewFailure(entitlements.CodeInternal, "internal error")
	}
}
