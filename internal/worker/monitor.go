package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Monitor periodically refreshes exchange rate quotes from the external
// price feed so chain amount conversions stay current.
type Monitor struct {
	manager *WorkerManager
	logger  *zap.Logger
}

// NewMonitor creates a new price feed monitor
func NewMonitor(manager *WorkerManager) *Monitor {
	return &Monitor{
		manager: manager,
		logger:  manager.logger.Named("monitor"),
	}
}

// Run starts the monitor polling loop
func (m *Monitor) Run(ctx context.Context) {
	interval := m.manager.pollInterval()
	m.logger.Info("Monitor started",
		zap.Duration("poll_interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial poll
	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll executes one refresh cycle. A failed refresh keeps the previous
// quotes; the fallback ETH rate covers a feed that never comes up.
func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, MonitorTimeout)
	defer cancel()

	m.logger.Debug("Starting refresh cycle")

	if err := m.manager.feed.Refresh(pollCtx); err != nil {
		m.logger.Warn("Price feed refresh failed", zap.Error(err))
		return
	}

	m.logger.Debug("Refresh cycle complete")
}
