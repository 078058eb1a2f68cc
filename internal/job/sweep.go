package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caselens/citeminer/internal/store"
)

// StuckReason is the error message written to jobs failed by the sweeper.
const StuckReason = "stuck job timeout"

// SweeperConfig carries the sweeper tuning knobs.
type SweeperConfig struct {
	Interval     time.Duration
	StuckTimeout time.Duration
	Retention    time.Duration
}

// Sweeper periodically fails processing jobs whose heartbeat went silent and
// deletes terminal jobs past their retention window. Both operations are
// conditional database updates, so overlapping sweeps from multiple instances
// are harmless.
type Sweeper struct {
	store store.Store
	cfg   SweeperConfig

	nowFunc func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(st store.Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Sweeper{store: st, cfg: cfg, nowFunc: time.Now}
}

// Run sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one sweep pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.nowFunc().UTC()

	failed, err := s.store.SweepStuck(ctx, now.Add(-s.cfg.StuckTimeout), StuckReason)
	if err != nil {
		zap.L().Error("sweep: stuck jobs", zap.Error(err))
	} else if failed > 0 {
		zap.L().Warn("sweep: failed stuck jobs", zap.Int("count", failed))
	}

	deleted, err := s.store.DeleteTerminalBefore(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		zap.L().Error("sweep: expired jobs", zap.Error(err))
	} else if deleted > 0 {
		zap.L().Info("sweep: deleted expired jobs", zap.Int("count", deleted))
	}
}
