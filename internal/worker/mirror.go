package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MirrorSync replays the local purchase ledger into the Postgres mirror.
// Records that reached the mirror on the write path are skipped by the
// insert's conflict clause, so the sync only fills gaps left by mirror
// outages. The local ledger stays authoritative.
type MirrorSync struct {
	manager *WorkerManager
	logger  *zap.Logger
}

// NewMirrorSync creates a new mirror sync worker
func NewMirrorSync(manager *WorkerManager) *MirrorSync {
	return &MirrorSync{
		manager: manager,
		logger:  manager.logger.Named("mirror"),
	}
}

// Run starts the sync loop
func (s *MirrorSync) Run(ctx context.Context) {
	s.logger.Info("Mirror sync started",
		zap.Duration("interval", MirrorSyncInterval))

	ticker := time.NewTicker(MirrorSyncInterval)
	defer ticker.Stop()

	s.sync(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Mirror sync stopping")
			return
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

// sync executes one reconciliation cycle: replay the local ledger into the
// mirror, then compare row counts to surface any divergence that remains.
func (s *MirrorSync) sync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, MirrorSyncTimeout)
	defer cancel()

	records, err := s.manager.store.Purchases()
	if err != nil {
		s.logger.Error("Failed to read local purchases", zap.Error(err))
		return
	}

	if err := s.manager.db.ReplayPurchases(syncCtx, records); err != nil {
		s.logger.Warn("Mirror replay failed", zap.Error(err))
		return
	}

	mirrored, err := s.manager.db.CountPurchases(syncCtx)
	if err != nil {
		s.logger.Warn("Failed to count mirrored purchases", zap.Error(err))
		return
	}
	if mirrored != len(records) {
		s.logger.Warn("Mirror diverges from local ledger",
			zap.Int("local", len(records)),
			zap.Int("mirrored", mirrored))
		return
	}

	s.logger.Debug("Mirror sync cycle complete",
		zap.Int("records", len(records)))
}
