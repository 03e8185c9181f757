package server

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/store"
)

// sweepYieldEvery bounds how many evictions one sweep performs before
// yielding the scheduler.
const sweepYieldEvery = 1000

// Sweeper periodically deletes matches that sat in one phase past its
// deadline and evicts their live connections from the registered
// managers. It is the backstop for lobbies and battles whose players
// walked away without disconnecting.
type Sweeper struct {
	logger   *zap.Logger
	store    store.Store
	cfg      Config
	managers []*Manager
}

// NewSweeper wires a sweeper over the store and the managers whose
// connections it may evict.
func NewSweeper(logger *zap.Logger, st store.Store, cfg Config, managers ...*Manager) *Sweeper {
	return &Sweeper{
		logger:   logger.Named("sweeper"),
		store:    st,
		cfg:      cfg,
		managers: managers,
	}
}

// Run sweeps immediately and then once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Duration("placement_ttl", s.cfg.PlacementTTL),
		zap.Duration("battle_ttl", s.cfg.BattleTTL))
	defer s.logger.Info("sweeper stopped")

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep deletes every match past its phase deadline and closes the
// surviving live connections. Failures are logged and the next tick
// tries again.
func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	cutoffs := []store.PhaseCutoff{
		{Phase: game.PhasePlacement, Before: now.Add(-s.cfg.PlacementTTL)},
		{Phase: game.PhaseBattle, Before: now.Add(-s.cfg.BattleTTL)},
	}

	ids, err := s.store.BulkDeleteStale(ctx, cutoffs)
	if err != nil {
		s.logger.Error("stale match deletion failed", zap.Error(err))
	}
	if len(ids) == 0 {
		return
	}
	s.logger.Info("stale matches deleted", zap.Int("count", len(ids)))

	evictions := 0
	for _, id := range ids {
		for _, m := range s.managers {
			if m.Evict(id, ClosePolicyViolation, "Match removed due to timeout") {
				s.logger.Info("evicted live connections of a stale match",
					zap.Stringer("match", id),
					zap.Stringer("phase", m.Phase()))
			}
			evictions++
			if evictions%sweepYieldEvery == 0 {
				runtime.Gosched()
			}
		}
	}
}
