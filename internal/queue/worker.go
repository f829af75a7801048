package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/bernard/internal/events"
)

// Processor runs one task attempt. Returning an error retries the task
// unless it is wrapped with Permanent or ErrValidation. Processors must
// honor ctx: it is cancelled on cancel requests, lost leases, shutdown
// and when the run exceeds the maximum runtime.
type Processor func(ctx context.Context, ec *ExecContext) error

// ExecContext is what a processor sees of its task.
type ExecContext struct {
	Task    *Task
	Payload Payload
	Attempt int

	queue *Queue
}

// RecordEvent persists a progress event for the task, updates its
// counters and publishes it on the bus.
func (ec *ExecContext) RecordEvent(ctx context.Context, e events.Event) {
	ec.queue.RecordEvent(context.WithoutCancel(ctx), ec.Task, e)
}

var (
	errCancelRequested = errors.New("task cancelled")
	errLeaseLost       = errors.New("task lease lost")
	errMaxRuntime      = errors.New("task exceeded maximum runtime")
)

// Worker claims tasks from a Queue and runs them with bounded
// concurrency.
type Worker struct {
	queue  *Queue
	cfg    Config
	id     string
	logger *slog.Logger

	mu         sync.RWMutex
	processors map[string]Processor

	active atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker for q. Register processors, then Start.
func NewWorker(q *Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		queue:      q,
		cfg:        q.cfg,
		id:         id,
		logger:     logger.With("component", "worker", "worker_id", id),
		processors: make(map[string]Processor),
		done:       make(chan struct{}),
	}
}

// Register installs the processor for tasks with the given tool name.
func (w *Worker) Register(toolName string, p Processor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processors[toolName] = p
}

func (w *Worker) processor(toolName string) (Processor, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.processors[toolName]
	return p, ok
}

// Start begins claiming tasks.
func (w *Worker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels running tasks, hands them back to the queue and waits
// for every goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency)
	w.prune(ctx)
	lastPrune := time.Now()

	for ctx.Err() == nil {
		if time.Since(lastPrune) >= w.cfg.PruneInterval {
			w.prune(ctx)
			lastPrune = time.Now()
		}

		if w.active.Load() < int64(w.cfg.Concurrency) {
			t, err := w.queue.claim(ctx, w.id)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("claim failed", "error", err)
			}
			if t != nil {
				w.active.Add(1)
				g.Go(func() error {
					defer w.active.Add(-1)
					w.execute(ctx, t)
					return nil
				})
				continue
			}
		}

		if !sleepCtx(ctx, w.cfg.PollInterval) {
			break
		}
	}

	_ = g.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) prune(ctx context.Context) {
	if _, err := w.queue.Prune(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("task prune failed", "error", err)
	}
}

// execute runs one attempt of t and records its outcome.
func (w *Worker) execute(ctx context.Context, t *Task) {
	// Bookkeeping outlives shutdown so the task is handed back cleanly.
	bg := context.WithoutCancel(ctx)
	started := time.Now()
	log := w.logger.With("task_id", t.ID, "tool", t.ToolName, "attempt", t.AttemptsMade)

	w.queue.RecordEvent(bg, t, events.Event{
		Type: events.TypeTaskStarted,
		Data: map[string]any{"attempt": t.AttemptsMade, "max_attempts": t.MaxAttempts},
	})
	log.Debug("task started")

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	runCtx, cancelTimeout := context.WithTimeoutCause(runCtx, w.cfg.MaxRuntime, errMaxRuntime)
	defer cancelTimeout()

	hbDone := make(chan struct{})
	go w.heartbeat(runCtx, t.ID, cancelRun, hbDone)

	err := w.process(runCtx, t)
	cause := context.Cause(runCtx)
	cancelRun(nil)
	<-hbDone

	runtimeMs := time.Since(started).Milliseconds()
	o := outcome{runtimeMs: runtimeMs}

	switch {
	case errors.Is(cause, errLeaseLost):
		log.Warn("task lease lost, abandoning result", "error", err)
		return
	case err == nil:
		o.status = StatusCompleted
	case errors.Is(cause, errCancelRequested):
		o.status = StatusCancelled
		o.err = errCancelRequested
	case ctx.Err() != nil:
		if rerr := w.queue.release(bg, t.ID, w.id); rerr != nil {
			log.Error("failed to release task on shutdown", "error", rerr)
		} else {
			log.Info("task released on shutdown")
		}
		return
	case errors.Is(cause, errMaxRuntime):
		o.status = StatusUncompleted
		o.err = fmt.Errorf("%w (%s)", errMaxRuntime, w.cfg.MaxRuntime)
	case IsPermanent(err):
		o.status = StatusErrored
		o.err = err
	case t.AttemptsMade < t.MaxAttempts:
		o.status = StatusQueued
		o.err = err
		o.retryAt = time.Now().Add(w.cfg.Backoff(t.AttemptsMade))
	default:
		o.status = StatusErrored
		o.err = err
	}

	if o.err != nil {
		w.queue.RecordEvent(bg, t, events.Event{
			Type: events.TypeError,
			Data: map[string]any{
				"error":    o.err.Error(),
				"attempt":  t.AttemptsMade,
				"retrying": o.status == StatusQueued,
			},
		})
	}

	ok, ferr := w.queue.finish(bg, t.ID, w.id, o)
	if ferr != nil {
		log.Error("failed to record task outcome", "status", o.status, "error", ferr)
		return
	}
	if !ok {
		log.Warn("task lease lost before outcome was recorded", "status", o.status)
		return
	}

	if o.status == StatusQueued {
		log.Warn("task attempt failed, retrying",
			"error", o.err,
			"retry_at", o.retryAt.Format(time.RFC3339Nano),
		)
		return
	}

	data := map[string]any{"status": string(o.status), "runtime_ms": runtimeMs}
	if o.err != nil {
		data["error"] = o.err.Error()
	}
	w.queue.RecordEvent(bg, t, events.Event{Type: events.TypeTaskCompleted, Data: data})
	log.Info("task finished", "status", o.status, "elapsed", time.Duration(runtimeMs)*time.Millisecond, "error", o.err)
}

// process dispatches to the registered processor, converting panics and
// unknown tools into errors.
func (w *Worker) process(ctx context.Context, t *Task) (err error) {
	p, ok := w.processor(t.ToolName)
	if !ok {
		return Permanent(fmt.Errorf("no processor for tool %q", t.ToolName))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p(ctx, &ExecContext{
		Task:    t,
		Payload: t.Payload,
		Attempt: t.AttemptsMade,
		queue:   w.queue,
	})
}

// heartbeat renews the lease until ctx ends, cancelling the run when a
// cancel is requested or the lease is lost.
func (w *Worker) heartbeat(ctx context.Context, id string, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)

	interval := w.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.queue.heartbeat(ctx, id, w.id)
			switch {
			case errors.Is(err, ErrNotFound):
				cancel(errLeaseLost)
				return
			case err != nil:
				if ctx.Err() == nil {
					w.logger.Warn("heartbeat failed", "task_id", id, "error", err)
				}
			case requested:
				cancel(errCancelRequested)
				return
			}
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns true if the
// sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
