// Package main provides the standalone sync worker entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/ark-custody/internal/adapter"
	"github.com/ark-custody/internal/circuitbreaker"
	"github.com/ark-custody/internal/config"
	"github.com/ark-custody/internal/keychain"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/service"
	"github.com/ark-custody/internal/storage"
	"github.com/ark-custody/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "Sync every active wallet once and exit")
	flag.Parse()

	fmt.Println("Ark Custody Sync Worker")
	log.Println("Worker starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.WithField("driver", cfg.Database.Driver).Info("Connecting to database...")
	db, err := storage.Open(ctx, &cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	breakers := circuitbreaker.NewCircuitBreakerManager()
	indexer := adapter.NewResilientIndexer(
		adapter.NewEsploraClient(cfg.Indexer.URL, cfg.Indexer.Timeout),
		adapter.NewPolicy("indexer", cfg.Indexer.Timeout, cfg.Indexer.RequestsPerSecond, breakers),
	)
	coordinator := adapter.NewResilientCoordinator(
		adapter.NewArkClient(cfg.Coordinator.URL, cfg.Coordinator.Timeout),
		adapter.NewPolicy("coordinator", cfg.Coordinator.Timeout, 0, breakers),
	)

	walletRepo := storage.NewWalletRepository(db)
	addressRepo := storage.NewAddressRepository(db)
	balanceRepo := storage.NewBalanceRepository(db)
	txRepo := storage.NewTransactionRepository(db)
	ledger := storage.NewLedgerStore(db)

	clk := clock.NewDefaultClock()
	locks := service.NewWalletLocks()
	keyRing := keychain.NewKeyRing(cfg.Network, cfg.ChainParams(), []byte(cfg.Keys.EncryptionKey), keychain.DefaultSealParams())

	walletService := service.NewWalletService(walletRepo, keyRing, clk)
	aggregator := service.NewBalanceAggregator(walletRepo, addressRepo, balanceRepo, ledger, indexer, coordinator, locks, clk)
	syncEngine := service.NewSyncEngine(walletRepo, txRepo, ledger, indexer, aggregator, locks, clk)
	info := service.NewCoordinatorInfoCache(coordinator, nil, clk)
	roundCoordinator := service.NewRoundCoordinator(
		walletRepo, txRepo, ledger, coordinator, aggregator, locks, clk,
		cfg.Coordinator.RoundTimeout, service.DefaultRenewalThreshold,
	)
	exitHandler := service.NewExitHandler(walletRepo, txRepo, ledger, indexer, coordinator, info, aggregator, locks, clk)

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

	if *once {
		start := time.Now()
		if err := syncWorker.SyncOnce(ctx); err != nil {
			logger.WithError(err).Fatal("Sync pass failed")
		}
		status := syncWorker.GetStatus()
		logger.WithFields(map[string]interface{}{
			"synced":     status.Synced,
			"failed":     status.Failed,
			"durationMs": time.Since(start).Milliseconds(),
		}).Info("Sync pass complete")
		return
	}

	if err := syncWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync worker")
	}

	logger.WithFields(map[string]interface{}{
		"interval":    cfg.Sync.Interval.String(),
		"concurrency": cfg.Sync.Concurrency,
	}).Info("Sync worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down sync worker...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := syncWorker.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Sync worker did not stop cleanly")
	}

	logger.Info("Worker exited")
}
