package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/config"
	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
	"github.com/kaleo-labs/presale-service/internal/service"
)

// Constants for worker configuration
const (
	DefaultPollInterval = 60 * time.Second
	MonitorTimeout      = 15 * time.Second
	MirrorSyncInterval  = 5 * time.Minute
	MirrorSyncTimeout   = 30 * time.Second
)

// MirrorDB is the slice of the Postgres layer the mirror sync uses.
type MirrorDB interface {
	ReplayPurchases(ctx context.Context, records []models.PurchaseRecord) error
	CountPurchases(ctx context.Context) (int, error)
}

// WorkerManager orchestrates the background workers: the price feed monitor
// and, when a Postgres mirror is configured, the mirror sync.
type WorkerManager struct {
	cfg    *config.Config
	feed   *service.PriceFeed
	store  *localstore.Store
	db     MirrorDB // nil when no mirror is configured
	logger *zap.Logger

	monitor *Monitor
	syncer  *MirrorSync

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerManager creates a new worker manager. db may be nil.
func NewWorkerManager(
	cfg *config.Config,
	feed *service.PriceFeed,
	store *localstore.Store,
	db MirrorDB,
	logger *zap.Logger,
) *WorkerManager {
	logger = logger.Named("worker")

	ctx, cancel := context.WithCancel(context.Background())

	wm := &WorkerManager{
		cfg:    cfg,
		feed:   feed,
		store:  store,
		db:     db,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	wm.monitor = NewMonitor(wm)
	if db != nil {
		wm.syncer = NewMirrorSync(wm)
	}

	return wm
}

// Start starts all worker goroutines
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Bool("mirror_enabled", wm.syncer != nil))

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.monitor.Run(wm.ctx)
	}()

	if wm.syncer != nil {
		wm.wg.Add(1)
		go func() {
			defer wm.wg.Done()
			wm.syncer.Run(wm.ctx)
		}()
	}

	wm.logger.Info("Worker manager started")
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	wm.cancel()

	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
	}

	wm.logger.Info("Worker manager shutdown complete")
	return nil
}

// pollInterval returns the configured price feed refresh interval.
func (wm *WorkerManager) pollInterval() time.Duration {
	if wm.cfg.PriceFeed.IntervalSeconds > 0 {
		return time.Duration(wm.cfg.PriceFeed.IntervalSeconds) * time.Second
	}
	return DefaultPollInterval
}
