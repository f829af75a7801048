package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs CloseIfIdle on an interval until stopped.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. Call Start to begin.
func NewSweeper(l *Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		ledger:   l,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately, then on every tick.
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(sweepCtx)
}

// Stop cancels the sweeper and waits for its goroutine to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("sweeper started", "interval", s.interval, "idle_timeout", s.ledger.IdleTimeout())
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.ledger.CloseIfIdle(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("idle sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("idle conversations closed", "count", n)
	}
}
