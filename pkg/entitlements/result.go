package entitlements

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is a machine-readable failure code
type Code string

const (
	CodeNotFound             Code = "not_found"
	CodeNotOwned             Code = "not_owned"
	CodeAlreadyActive        Code = "already_active"
	CodeAlreadySuspended     Code = "already_suspended"
	CodeAlreadyDisabled      Code = "already_disabled"
	CodeNotActive            Code = "not_active"
	CodeNotSuspended         Code = "not_suspended"
	CodeDeviceDisabled       Code = "device_disabled"
	CodeOverLimit            Code = "over_limit"
	CodeNoActiveSubscription Code = "no_active_subscription"
	CodePlanNotFound         Code = "plan_not_found"
	CodeSlotNotFound         Code = "slot_not_found"
	CodeSlotCancelled        Code = "slot_already_cancelled"
	CodeNeedsSelection       Code = "needs_device_selection"
	CodeSelectionMismatch    Code = "selection_count_mismatch"
	CodeInvalidSelection     Code = "invalid_selection"
	CodeStrategyRequired     Code = "strategy_required"
	CodeStrategyUnavailable  Code = "strategy_unavailable"
	CodeInvalidStrategy      Code = "invalid_strategy"
	CodeConflict             Code = "conflict"
	CodeInternal             Code = "internal"
)

// Failure is a structured business-rule or transactional failure. It
// implements error so it can abort a transaction and surface unchanged.
type Failure struct {
	Code                 Code        `json:"code"`
	Message              string      `json:"message"`
	NeedsDeviceSelection bool        `json:"needs_device_selection,omitempty"`
	ExcessCount          int         `json:"excess_count,omitempty"`
	Candidates           []Candidate `json:"candidates,omitempty"`
	Resolution           *Menu       `json:"resolution,omitempty"`
	Summary              *Summary    `json:"summary,omitempty"`
	Retryable            bool        `json:"retryable,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Ignorable reports whether the failure only says the target state was
// already reached, so re-invocations can treat it as a no-op.
func (f *Failure) Ignorable() bool {
	if f == nil {
		return false
	}
	switch f.Code {
	case CodeAlreadyActive, CodeAlreadySuspended, CodeAlreadyDisabled, CodeSlotCancelled:
		return true
	}
	return false
}

// NewFailure creates a failure with a formatted message
func NewFailure(code Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsFailure extracts a *Failure from an error chain
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Result is the shared success/failure envelope of every operation
type Result[T any] struct {
	Data    T
	Failure *Failure
}

// OK reports whether the result is a success
func (r Result[T]) OK() bool {
	return r.Failure == nil
}

// Code returns the failure code, or "" on success
func (r Result[T]) Code() Code {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Code
}

// MarshalJSON renders {"success": true, "data": ...} or {"success": false, "error": ...}
func (r Result[T]) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return json.Marshal(struct {
			Success bool     `json:"success"`
			Error   *Failure `json:"error"`
		}{false, r.Failure})
	}
	return json.Marshal(struct {
		Success bool `json:"success"`
		Data    T    `json:"data"`
	}{true, r.Data})
}

// Succeed wraps data in a successful result
func Succeed[T any](data T) Result[T] {
	return Result[T]{Data: data}
}

// Fail wraps a failure in a result
func Fail[T any](f *Failure) Result[T] {
	return Result[T]{Failure: f}
}

// Failf builds a failed result from a code and message
func Failf[T any](code Code, format string, args ...any) Result[T] {
	return Fail[T](NewFailure(code, format, args...))
}
