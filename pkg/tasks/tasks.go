package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/observability"
)

// ErrUnknownTask is returned when no handler is registered for a task ref
var ErrUnknownTask = errors.New("no handler registered for task")

// Handle identifies a scheduled task so it can be cancelled
type Handle string

// Task is one delayed unit of work
type Task struct {
	ID       Handle          `json:"id"`
	Ref      string          `json:"ref"`
	Args     json.RawMessage `json:"args,omitempty"`
	RunAt    time.Time       `json:"run_at"`
	Attempts int             `json:"attempts"`
}

// Decode unmarshals the task arguments into v
func (t Task) Decode(v interface{}) error {
	if len(t.Args) == 0 {
		return fmt.Errorf("task %s has no arguments", t.ID)
	}
	if err := json.Unmarshal(t.Args, v); err != nil {
		return fmt.Errorf("failed to decode arguments of task %s: %w", t.ID, err)
	}
	return nil
}

// Scheduler runs a registered handler once after a delay. Delivery is
// at-least-once, so handlers must be idempotent.
type Scheduler interface {
	Schedule(ctx context.Context, ref string, args interface{}, delay time.Duration) (Handle, error)
	Cancel(ctx context.Context, handle Handle) error
}

// HandlerFunc processes a task
type HandlerFunc func(ctx context.Context, task Task) error

// Mux routes tasks to handlers by ref
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux creates an empty task mux
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers the handler for ref, replacing any previous one
func (m *Mux) Handle(ref string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[ref] = fn
}

// Dispatch runs the handler registered for the task. A panicking handler
// is reported as an error so the task is retried.
func (m *Mux) Dispatch(ctx context.Context, task Task) (err error) {
	m.mu.RLock()
	fn, ok := m.handlers[task.Ref]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.Ref)
	}
	defer observability.RecoverTo(observability.FromContext(ctx), "task "+task.Ref, &err)
	return fn(ctx, task)
}

func encodeArgs(args interface{}) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task arguments: %w", err)
	}
	return data, nil
}
