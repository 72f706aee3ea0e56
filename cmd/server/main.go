// Package main provides the API server entry point for the custody service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/ark-custody/internal/adapter"
	"github.com/ark-custody/internal/api"
	"github.com/ark-custody/internal/circuitbreaker"
	"github.com/ark-custody/internal/config"
	"github.com/ark-custody/internal/keychain"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/service"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/worker"
)

func main() {
	fmt.Println("Ark Custody API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()
	logger.WithFields(map[string]interface{}{
		"level":   cfg.Logging.Level,
		"format":  cfg.Logging.Format,
		"network": cfg.Network,
	}).Info("Structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the ledger database
	logger.WithField("driver", cfg.Database.Driver).Info("Connecting to database...")
	db, err := storage.Open(ctx, &cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	// Redis is optional. Without it fee rates and coordinator info are
	// cached in process only.
	var cache *storage.CacheService
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
		cache = storage.NewCacheService(redis, cfg.Fees.CacheTTL)
	}

	logger.Info("Storage initialized")

	// Remote collaborators, each behind its own breaker and limiter
	breakers := circuitbreaker.NewCircuitBreakerManager()
	indexer := adapter.NewResilientIndexer(
		adapter.NewEsploraClient(cfg.Indexer.URL, cfg.Indexer.Timeout),
		adapter.NewPolicy("indexer", cfg.Indexer.Timeout, cfg.Indexer.RequestsPerSecond, breakers),
	)
	coordinator := adapter.NewResilientCoordinator(
		adapter.NewArkClient(cfg.Coordinator.URL, cfg.Coordinator.Timeout),
		adapter.NewPolicy("coordinator", cfg.Coordinator.Timeout, 0, breakers),
	)

	logger.WithFields(map[string]interface{}{
		"indexer":     cfg.Indexer.URL,
		"coordinator": cfg.Coordinator.URL,
	}).Info("Remote clients initialized")

	// Repositories
	walletRepo := storage.NewWalletRepository(db)
	addressRepo := storage.NewAddressRepository(db)
	balanceRepo := storage.NewBalanceRepository(db)
	txRepo := storage.NewTransactionRepository(db)
	ledger := storage.NewLedgerStore(db)

	// Services
	logger.Info("Initializing services...")

	clk := clock.NewDefaultClock()
	locks := service.NewWalletLocks()
	keyRing := keychain.NewKeyRing(cfg.Network, cfg.ChainParams(), []byte(cfg.Keys.EncryptionKey), keychain.DefaultSealParams())
	info := service.NewCoordinatorInfoCache(coordinator, cache, clk)

	walletService := service.NewWalletService(walletRepo, keyRing, clk)
	addressManager := service.NewAddressManager(walletRepo, addressRepo, keyRing, coordinator, info, locks, clk)
	feeEstimator := service.NewFeeEstimator(indexer, cache, cfg.Fees.FloorSatPerVB, cfg.Fees.MinFeeSats, cfg.Fees.CacheTTL, clk)
	aggregator := service.NewBalanceAggregator(walletRepo, addressRepo, balanceRepo, ledger, indexer, coordinator, locks, clk)
	syncEngine := service.NewSyncEngine(walletRepo, txRepo, ledger, indexer, aggregator, locks, clk)
	sendOrchestrator := service.NewSendOrchestrator(service.SendOrchestratorDeps{
		Wallets:      walletRepo,
		Transactions: txRepo,
		Ledger:      ledger,
		Indexer:     indexer,
		Coordinator: coordinator,
		Aggregator:  aggregator,
		AddressMgr:  addressManager,
		Fees:        feeEstimator,
		Signer:      keyRing,
		Params:      cfg.ChainParams(),
		Network:     cfg.Network,
		Locks:       locks,
		Clock:       clk,
	})
	roundCoordinator := service.NewRoundCoordinator(
		walletRepo, txRepo, ledger, coordinator, aggregator, locks, clk,
		cfg.Coordinator.RoundTimeout, service.DefaultRenewalThreshold,
	)
	exitHandler := service.NewExitHandler(walletRepo, txRepo, ledger, indexer, coordinator, info, aggregator, locks, clk)
	transactionService := service.NewTransactionService(walletRepo, txRepo)

	logger.Info("Services initialized")

	// Sync worker
	syncWorker, err := worker.NewSyncWorker(&worker.SyncWorkerConfig{
		Syncer:      syncEngine,
		Wallets:     walletService,
		Renewer:     roundCoordinator,
		Exits:       exitHandler,
		Locks:       locks,
		Interval:    cfg.Sync.Interval,
		Concurrency: cfg.Sync.Concurrency,
		Clock:       clk,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create sync worker")
	}
	if err := syncWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync worker")
	}

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Coordinator.RoundTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
	}

	server := api.NewServer(serverConfig, api.Services{
		Wallets:      walletService,
		Addresses:    addressManager,
		Balances:     aggregator,
		Transactions: transactionService,
		Sends:        sendOrchestrator,
		Fees:         feeEstimator,
		Rounds:       roundCoordinator,
		Exits:        exitHandler,
		Sync:         syncEngine,
		SyncQueue:    syncWorker,
	}, logger)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := syncWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Sync worker did not stop cleanly")
	}

	logger.Info("Server exited")
}
