package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/slotkeeper/pkg/async"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
)

// WorkerConfig configures the queue worker
type WorkerConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int
	MaxAttempts       int
	RetryDelay        time.Duration
	VisibilityTimeout time.Duration
	HandlerTimeout    time.Duration
}

// DefaultWorkerConfig returns the default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:      time.Second,
		BatchSize:         20,
		Concurrency:       4,
		MaxAttempts:       5,
		RetryDelay:        30 * time.Second,
		VisibilityTimeout: 2 * time.Minute,
		HandlerTimeout:    time.Minute,
	}
}

// Worker polls a RedisQueue and dispatches due tasks to a Mux
type Worker struct {
	queue   *RedisQueue
	mux     *Mux
	config  WorkerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewWorker creates a queue worker
func NewWorker(queue *RedisQueue, mux *Mux, config WorkerConfig, logger *observability.Logger, metrics *observability.Metrics) *Worker {
	defaults := DefaultWorkerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaults.HandlerTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Worker{
		queue:   queue,
		mux:     mux,
		config:  config,
		logger:  logger.WithField("component", "task_worker"),
		metrics: metrics,
	}
}

// Run polls until ctx is cancelled, then waits for running tasks to finish
func (w *Worker) Run(ctx context.Context) error {
	pool := async.NewWorkerPool(observability.WithLogger(context.WithoutCancel(ctx), w.logger),
		w.config.Concurrency, "task worker", w.config.HandlerTimeout)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Infof("task worker started (poll every %s)", w.config.PollInterval)
	for {
		select {
		case <-ctx.Done():
			err := pool.Shutdown(w.config.HandlerTimeout)
			w.logger.Info("task worker stopped")
			return err
		case <-ticker.C:
			if _, err := w.Poll(ctx, pool); err != nil {
				w.logger.WithError(err).Warn("task poll failed")
			}
		}
	}
}

// Poll claims one batch of due tasks and submits them to pool
func (w *Worker) Poll(ctx context.Context, pool *async.WorkerPool) (int, error) {
	if n, err := w.queue.Requeue(ctx); err != nil {
		return 0, err
	} else if n > 0 {
		w.logger.Warnf("requeued %d task(s) whose worker timed out", n)
	}

	tasks, err := w.queue.Claim(ctx, w.config.BatchSize, w.config.VisibilityTimeout)
	for _, task := range tasks {
		if submitErr := pool.Submit(func(ctx context.Context) error {
			w.Process(ctx, task)
			return nil
		}); submitErr != nil {
			return 0, submitErr
		}
	}
	return len(tasks), err
}

// Process runs one claimed task and acks, retries or drops it
func (w *Worker) Process(ctx context.Context, task Task) {
	logger := w.logger.WithFields(map[string]interface{}{
		"task":     task.Ref,
		"task_id":  string(task.ID),
		"attempts": task.Attempts,
	})

	err := w.mux.Dispatch(observability.WithRequestID(ctx, string(task.ID)), task)
	w.metrics.TaskProcessed(task.Ref, err)

	// finalising must not depend on the handler deadline
	ctx = context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, task); ackErr != nil {
			logger.WithError(ackErr).Warn("failed to ack task")
		}
	case errors.Is(err, ErrUnknownTask) || task.Attempts+1 >= w.config.MaxAttempts:
		logger.WithError(err).Error("dropping task")
		if ackErr := w.queue.Ack(ctx, task); ackErr != nil {
			logger.WithError(ackErr).Warn("failed to drop task")
		}
	default:
		logger.WithError(err).Warn("task failed, retrying")
		if retryErr := w.queue.Retry(ctx, task, w.config.RetryDelay); retryErr != nil {
			logger.WithError(retryErr).Error("failed to reschedule task")
		}
	}
}
