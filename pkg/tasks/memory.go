package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/slotkeeper/pkg/observability"
)

// MemoryScheduler runs tasks on in-process timers. Scheduled tasks are lost
// on restart; the grace sweep covers that for grace checks.
type MemoryScheduler struct {
	mux    *Mux
	logger *observability.Logger

	mu     sync.Mutex
	timers map[Handle]*time.Timer
	wg     sync.WaitGroup
}

// NewMemoryScheduler creates a timer-based scheduler dispatching to mux
func NewMemoryScheduler(mux *Mux, logger *observability.Logger) *MemoryScheduler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MemoryScheduler{
		mux:    mux,
		logger: logger.WithField("component", "task_scheduler"),
		timers: make(map[Handle]*time.Timer),
	}
}

// Schedule runs the task after delay
func (s *MemoryScheduler) Schedule(ctx context.Context, ref string, args interface{}, delay time.Duration) (Handle, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	task := Task{
		ID:    Handle(uuid.NewString()),
		Ref:   ref,
		Args:  encoded,
		RunAt: time.Now().Add(delay).UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.wg.Add(1)
	s.timers[task.ID] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		_, live := s.timers[task.ID]
		delete(s.timers, task.ID)
		s.mu.Unlock()
		if !live {
			return
		}
		defer observability.RecoverPanic(s.logger, "task "+task.Ref)
		if err := s.mux.Dispatch(context.Background(), task); err != nil {
			s.logger.WithError(err).WithField("task", task.Ref).Warn("task failed")
		}
	})
	return task.ID, nil
}

// Cancel stops a scheduled task
func (s *MemoryScheduler) Cancel(ctx context.Context, handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[handle]; ok {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, handle)
	}
	return nil
}

// Pending returns the number of scheduled tasks
func (s *MemoryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending task and waits for running ones
func (s *MemoryScheduler) Stop() {
	s.mu.Lock()
	for handle, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, handle)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
