package goRefresh

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs [Engine.ExpireStale] on a fixed interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper returns a Sweeper ticking at cfg.Interval. A nil logger falls
// back to the engine's.
func NewSweeper(engine *Engine, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		if engine != nil && engine.logger != nil {
			logger = engine.logger
		} else {
			logger = zap.NewNop()
		}
	}
	return &Sweeper{
		engine:   engine,
		interval: cfg.Interval,
		logger:   logger.Named("sweeper"),
	}
}

// RunOnce performs one sweep and logs its outcome.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.engine.ExpireStale(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("expiry sweep failed",
				zap.Int("expired", n),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
		return n, err
	}
	if n > 0 {
		s.logger.Info("expiry sweep revoked stale tokens",
			zap.Int("expired", n),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return n, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
// Failures are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_, _ = s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
