package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the part of the connection manager the scheduler drives.
// *soul.Manager implements it.
type Sweeper interface {
	RetireBroken(ctx context.Context) int
	RecoverWeakening(ctx context.Context) int
}

// SweepResult counts what one maintenance pass changed.
type SweepResult struct {
	Retired   int
	Recovered int
}

// Maintenance periodically retires Broken bindings and rescores
// Weakening ones.
type Maintenance struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewMaintenance creates a scheduler. A non-positive interval means five
// minutes.
func NewMaintenance(s Sweeper, interval time.Duration, logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Maintenance{sweeper: s, interval: interval, logger: logger.Named("maintenance")}
}

// Sweep runs one pass: retire first, then recover.
func (m *Maintenance) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{Retired: m.sweeper.RetireBroken(ctx)}
	if ctx.Err() == nil {
		res.Recovered = m.sweeper.RecoverWeakening(ctx)
	}
	if res.Retired > 0 || res.Recovered > 0 {
		m.logger.Info("maintenance sweep",
			zap.Int("retired", res.Retired),
			zap.Int("recovered", res.Recovered))
	}
	return res
}

// Run sweeps every interval until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	m.logger.Info("maintenance starting", zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
