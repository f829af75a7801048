package harness

import (
	"context"
	"log/slog"
	"time"
)

// SystemUserID owns jobs that no user asked for.
const SystemUserID = "system"

// Dispatcher submits follow-up jobs. *Utility implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (string, error)
}

// ReindexSchedule queues a memory re-index job on an interval until
// stopped, so records stored while the embedder was failing get their
// embeddings back.
type ReindexSchedule struct {
	utility  Dispatcher
	interval time.Duration
	batch    int
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReindexSchedule creates a schedule. Call Start to begin.
func NewReindexSchedule(u Dispatcher, interval time.Duration, batch int, logger *slog.Logger) *ReindexSchedule {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 100
	}
	return &ReindexSchedule{
		utility:  u,
		interval: interval,
		batch:    batch,
		logger:   logger.With("component", "reindex"),
		done:     make(chan struct{}),
	}
}

// Start queues one job immediately, then one on every tick.
func (r *ReindexSchedule) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(runCtx)
}

// Stop cancels the schedule and waits for its goroutine to exit.
func (r *ReindexSchedule) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Dispatch queues one re-index job now and returns its task ID.
func (r *ReindexSchedule) Dispatch(ctx context.Context) (string, error) {
	return r.utility.Dispatch(ctx, ReindexJob(SystemUserID, r.batch))
}

func (r *ReindexSchedule) run(ctx context.Context) {
	defer close(r.done)

	r.logger.Info("reindex schedule started", "interval", r.interval, "batch", r.batch)
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *ReindexSchedule) tick(ctx context.Context) {
	id, err := r.Dispatch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("reindex dispatch failed", "error", err)
		}
		return
	}
	r.logger.Debug("reindex queued", "task_id", id)
}
