package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scheduled is a task captured by a Recorder together with its delay
type Scheduled struct {
	Task
	Delay time.Duration
}

// Recorder is a Scheduler that keeps tasks in memory without running them
type Recorder struct {
	mu      sync.Mutex
	seq     int
	pending map[Handle]Scheduled
	order   []Handle
	err     error
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{pending: make(map[Handle]Scheduled)}
}

// Fail makes every subsequent Schedule call return err
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Schedule records the task
func (r *Recorder) Schedule(ctx context.Context, ref string, args interface{}, delay time.Duration) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	r.seq++
	handle := Handle(fmt.Sprintf("task-%d", r.seq))
	r.pending[handle] = Scheduled{
		Task:  Task{ID: handle, Ref: ref, Args: raw, RunAt: time.Now().Add(delay)},
		Delay: delay,
	}
	r.order = append(r.order, handle)
	return handle, nil
}

// Cancel forgets the task. Unknown handles are ignored.
func (r *Recorder) Cancel(ctx context.Context, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, handle)
	return nil
}

// Pending returns the tasks still scheduled for ref, in scheduling order
func (r *Recorder) Pending(ref string) []Scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Scheduled
	for _, h := range r.order {
		if s, ok := r.pending[h]; ok && s.Ref == ref {
			out = append(out, s)
		}
	}
	return out
}
