package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Redeliverer retries alert channels that were attempted but never confirmed.
type Redeliverer interface {
	RedeliverPending(ctx context.Context, window time.Duration, limit int) (int, error)
}

type Config struct {
	Interval  time.Duration // time between passes
	Window    time.Duration // how far back alerts are retried
	BatchSize int
}

// RedeliveryWorker runs redelivery passes on a ticker until its context ends.
type RedeliveryWorker struct {
	target Redeliverer
	cfg    Config
	logger *zap.Logger
}

func NewRedeliveryWorker(target Redeliverer, cfg Config, logger *zap.Logger) *RedeliveryWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &RedeliveryWorker{target: target, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled.
func (w *RedeliveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("redelivery worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("window", w.cfg.Window),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("redelivery worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass and returns the number of channel
// deliveries it confirmed.
func (w *RedeliveryWorker) RunOnce(ctx context.Context) int {
	n, err := w.target.RedeliverPending(ctx, w.cfg.Window, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("redelivery pass failed", zap.Error(err))
		return n
	}
	if n > 0 {
		w.logger.Info("alert channels redelivered", zap.Int("confirmed", n))
	}
	return n
}
