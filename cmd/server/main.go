package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaleo-labs/presale-service/internal/api"
	"github.com/kaleo-labs/presale-service/internal/blockchain/bitcoin"
	"github.com/kaleo-labs/presale-service/internal/blockchain/evm"
	"github.com/kaleo-labs/presale-service/internal/blockchain/solana"
	"github.com/kaleo-labs/presale-service/internal/config"
	"github.com/kaleo-labs/presale-service/internal/database"
	"github.com/kaleo-labs/presale-service/internal/deeplink"
	"github.com/kaleo-labs/presale-service/internal/ledger"
	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
	"github.com/kaleo-labs/presale-service/internal/reconcile"
	"github.com/kaleo-labs/presale-service/internal/service"
	"github.com/kaleo-labs/presale-service/internal/stage"
	"github.com/kaleo-labs/presale-service/internal/wallet"
	"github.com/kaleo-labs/presale-service/internal/worker"

	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Kaleo Presale Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("mirror_enabled", cfg.Database.Enabled()),
		zap.Int64("evm_chain_id", cfg.EVM.ChainID))

	stages := stage.Default
	if err := stages.Validate(); err != nil {
		logger.Fatal("Invalid stage table", zap.Error(err))
	}

	// Open the local ledger store
	store, err := localstore.Open(cfg.LocalStore.Dir, cfg.LocalStore.Filename)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer store.Close()

	logger.Info("Local store opened",
		zap.String("dir", cfg.LocalStore.Dir))

	// Connect to the optional Postgres mirror
	var db *database.DB
	if cfg.Database.Enabled() {
		db, err = database.Connect(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Fatal("Failed to connect to mirror database", zap.Error(err))
		}
		defer db.Close()

		logger.Info("Mirror database connected")

		migrationPath := "internal/database/migrations/001_schema.sql"
		if err := database.RunMigrations(db, migrationPath); err != nil {
			logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
		} else {
			logger.Info("Database migrations applied successfully")
		}
	}

	// Initialize the price feed
	feed, err := service.NewPriceFeed(&cfg.PriceFeed, cfg.Presale.FallbackETHUSD, logger)
	if err != nil {
		logger.Fatal("Failed to initialize price feed", zap.Error(err))
	}

	// Initialize chain builders
	var evmClient *evm.Client
	if cfg.EVM.RPCEndpoint != "" {
		evmClient, err = evm.NewClient(cfg.EVM.RPCEndpoint, cfg.EVM.ChainID, logger)
		if err != nil {
			logger.Fatal("Failed to initialize EVM client", zap.Error(err))
		}
		defer evmClient.Close()
	}

	var solanaClient *solana.Client
	if cfg.Solana.RPCEndpoint != "" {
		solanaClient = solana.NewClient(cfg.Solana.RPCEndpoint, logger)
	}

	bitcoinBuilder, err := bitcoin.NewBuilder(&cfg.Bitcoin, logger)
	if err != nil {
		logger.Fatal("Failed to initialize bitcoin builder", zap.Error(err))
	}

	// Wallet sessions and deeplink channels
	sessions := wallet.NewSessions(store, logger)
	registry := wallet.NewRegistry(logger)
	env := wallet.MapEnvironment{}
	deeplinks := map[models.ChainFamily]*deeplink.Session{
		models.FamilySolana: deeplink.NewSession(models.FamilySolana, deeplink.WalletPhantom, store, logger),
	}
	sessions.RestoreAll(env, registry)

	// Ledger, reconciler and services
	var mirror ledger.MirrorStore
	if db != nil {
		mirror = db
	}
	writer := ledger.NewWriter(store, stages, feed, mirror, logger)
	reconciler := reconcile.New(store, deeplinks, writer, cfg.Presale.MinManualTxIDLength, logger)

	purchases := service.NewPurchaseService(
		cfg, stages, feed, sessions,
		evm.NewBuilder(&cfg.EVM, evmClient, logger),
		solana.NewBuilder(&cfg.Solana, solanaClient, logger),
		deeplinks[models.FamilySolana],
		bitcoinBuilder,
		writer, reconciler, logger,
	)
	checkout := service.NewCheckoutService(&cfg.Stripe, logger)

	logger.Info("Services initialized",
		zap.Bool("card_checkout", checkout.Enabled()))

	// Live purchase feed over websocket
	feedHub := api.NewFeedHub(logger)
	writer.Subscribe(feedHub)
	defer feedHub.Close()

	// Initialize API handlers
	apiHandler := api.NewHandler(
		cfg, stages, writer, purchases, checkout,
		reconciler, sessions, registry, env, deeplinks, feedHub, logger,
	)
	router := api.SetupRouter(apiHandler, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Start background workers
	var mirrorDB worker.MirrorDB
	if db != nil {
		mirrorDB = db
	}
	workerManager := worker.NewWorkerManager(cfg, feed, store, mirrorDB, logger)
	workerManager.Start()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown workers first
	if err := workerManager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
