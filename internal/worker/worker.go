// Package worker pulls task ids off the queue and runs them
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/metrics"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/models"
	"github.com/Bald0Wang/DeepSeek-Oracle/internal/queue"
)

// Runner executes one task. A non-nil error means the task was left queued.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// TaskStore is the part of the task store the worker keeps consistent with
// the queue: abandoned running tasks, queued tasks without a delivery and
// runs that panicked.
type TaskStore interface {
	FailStale(ctx context.Context, cutoff time.Time, taskErr models.TaskError) (int64, error)
	RequeueStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	MarkFailed(ctx context.Context, taskID string, taskErr models.TaskError) error
}

// requeueBatch bounds one RequeueStale call
const requeueBatch = 100

// Options configure a Worker
type Options struct {
	Concurrency     int
	ShutdownTimeout time.Duration
	// StaleAfter fails running tasks silent for that long; 0 disables
	StaleAfter time.Duration
	// RequeueAfter re-enqueues queued tasks untouched for that long
	RequeueAfter time.Duration
	// RequeueOnStart re-enqueues every queued task before the first
	// dequeue. Set it when the queue does not survive restarts.
	RequeueOnStart bool
	SweepInterval  time.Duration
	// NackDelay throttles redelivery after an infrastructure error
	NackDelay time.Duration
}

// Worker runs up to Concurrency tasks at a time
type Worker struct {
	queue  queue.Queue
	runner Runner
	tasks  TaskStore
	opts   Options
}

// New creates a worker. tasks may be nil, which disables sweeping and
// failure recording for panicking runs.
func New(q queue.Queue, runner Runner, tasks TaskStore, opts Options) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.NackDelay <= 0 {
		opts.NackDelay = time.Second
	}
	if opts.RequeueAfter <= 0 {
		opts.RequeueAfter = 30 * time.Minute
	}
	return &Worker{queue: q, runner: runner, tasks: tasks, opts: opts}
}

// Run blocks until ctx is done. In-flight tasks then get ShutdownTimeout to
// finish before their context is cancelled too.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "concurrency", w.opts.Concurrency)

	// tasks keep running past ctx until the shutdown grace period ends
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	if w.tasks != nil && w.opts.RequeueOnStart {
		w.requeue(ctx, time.Now())
	}

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, taskCtx, slot)
		}(i)
	}
	if w.tasks != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.sweep(ctx)
		}()
	}

	<-ctx.Done()
	slog.Info("worker stopping, waiting for in-flight tasks", "timeout", w.opts.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.opts.ShutdownTimeout):
		slog.Warn("shutdown timeout reached, aborting in-flight tasks")
		cancelTasks()
		<-done
	}

	slog.Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx, taskCtx context.Context, slot int) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			slog.Error("dequeue failed", "slot", slot, "error", err)
			if !sleep(ctx, w.opts.NackDelay) {
				return
			}
			continue
		}
		w.handle(taskCtx, slot, d)
	}
}

func (w *Worker) handle(ctx context.Context, slot int, d *queue.Delivery) {
	log := slog.With("task_id", d.TaskID, "slot", slot)

	err := w.run(ctx, log, d.TaskID)
	// acks outlive task cancellation so a finished delivery is not redelivered
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		log.Error("task run failed, returning it to the queue", "error", err)
		sleep(ctx, w.opts.NackDelay)
		if nackErr := d.Nack(ackCtx); nackErr != nil {
			log.Error("nack failed", "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(ackCtx); ackErr != nil {
		log.Error("ack failed", "error", ackErr)
	}
}

// run shields the worker from a panicking task. The task is failed retryable
// and its delivery acked.
func (w *Worker) run(ctx context.Context, log *slog.Logger, taskID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("task run panicked", "panic", p)
			w.failPanicked(ctx, log, taskID, p)
			err = nil
		}
	}()
	return w.runner.Run(ctx, taskID)
}

func (w *Worker) failPanicked(ctx context.Context, log *slog.Logger, taskID string, p any) {
	if w.tasks == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := w.tasks.MarkFailed(writeCtx, taskID, models.TaskError{
		Code:      apperr.CodeInternal,
		Message:   fmt.Sprintf("internal error: %v", p),
		Retryable: true,
	})
	if err != nil {
		log.Warn("could not fail panicked task", "error", err)
		return
	}
	metrics.TasksFinished.WithLabelValues(models.TaskStatusFailed).Inc()
}

// sweep periodically fails running tasks that stopped reporting progress and
// re-enqueues queued tasks whose delivery was lost
func (w *Worker) sweep(ctx context.Context) {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()

	for {
		w.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := w.queue.Len(ctx); err == nil {
			metrics.QueueDepth.Set(float64(n))
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	if w.opts.StaleAfter > 0 {
		w.failStale(ctx)
	}
	w.requeue(ctx, time.Now().Add(-w.opts.RequeueAfter))
}

// requeue enqueues queued tasks not touched since cutoff
func (w *Worker) requeue(ctx context.Context, cutoff time.Time) {
	total := 0
	for {
		ids, err := w.tasks.RequeueStale(ctx, cutoff, requeueBatch)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("queued task sweep failed", "error", err)
			}
			return
		}
		for _, id := range ids {
			if err := w.queue.Enqueue(ctx, id); err != nil {
				// the row was touched, it comes back after RequeueAfter
				slog.Error("failed to requeue task", "task_id", id, "error", err)
				return
			}
			total++
		}
		if len(ids) < requeueBatch {
			break
		}
	}
	if total > 0 {
		slog.Warn("requeued queued tasks without a delivery", "count", total, "cutoff", cutoff)
	}
}

func (w *Worker) failStale(ctx context.Context) {
	cutoff := time.Now().Add(-w.opts.StaleAfter)
	n, err := w.tasks.FailStale(ctx, cutoff, models.TaskError{
		Code:      apperr.CodeWorkerLost,
		Message:   "worker lost while running the task",
		Retryable: true,
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("stale task sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Warn("failed stale running tasks", "count", n, "cutoff", cutoff)
		metrics.TasksFinished.WithLabelValues(models.TaskStatusFailed).Add(float64(n))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
