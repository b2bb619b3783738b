// Package main provides the API server entry point for the token custody
// service.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/token-custody/internal/api"
	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/ledger"
	"github.com/token-custody/internal/lock"
	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/provision"
	"github.com/token-custody/internal/reconcile"
	"github.com/token-custody/internal/settle"
	"github.com/token-custody/internal/storage"
	"github.com/token-custody/internal/wallet"
	"github.com/token-custody/internal/worker"
)

func main() {
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
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Account store: Postgres for multi-writer deployments, snapshot file
	// for single-node ones.
	var store storage.AccountStore
	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		postgres, err := storage.NewPostgresDB(&cfg.Postgres)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Postgres")
		}
		defer postgres.Close()
		store = storage.NewPostgresStore(postgres)
		logger.Info("Using Postgres account store")
	default:
		snapshot, err := storage.NewSnapshotStore(cfg.Store.SnapshotFile, logger)
		if err != nil {
			// Startup load failures are fatal: running with unknown account
			// state is worse than not running.
			logger.WithError(err).Fatal("Failed to load account snapshot")
		}
		store = snapshot
		logger.WithField("file", cfg.Store.SnapshotFile).Info("Using snapshot account store")
	}
	defer store.Close()

	// Balance cache
	var balanceCache *storage.BalanceCache
	if cfg.Cache.Enabled {
		redis, err := storage.NewRedisCache(&cfg.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
		balanceCache = storage.NewBalanceCache(redis, cfg.Cache.FreshnessWindow)
		logger.Info("Balance cache enabled")
	}

	// Background runner for post-reply reconciliation and journal writes
	background := worker.NewRunner(4, 256, 60*time.Second, logger)

	// Settlement journal, written off the request path
	var journal reconcile.Journal
	if cfg.Audit.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Audit)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()
		journal = storage.NewAsyncJournal(storage.NewSettlementJournal(clickhouse), background)
		logger.Info("Settlement journal enabled")
	}

	// Wallets and signing
	deriver, err := wallet.NewDeriver(&cfg.Wallet, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize wallet deriver")
	}
	masterSigner := wallet.NewKeySigner(deriver.MasterKey())
	logger.WithField("primaryAddress", deriver.PrimaryAddress()).Info("Wallet deriver initialized")

	// Remote ledger client
	client := ledger.NewGatewayClient(&cfg.Ledger, logger)

	// Core services share one account lock map so settlements, provisioning,
	// and reconciliation on the same account are serialized.
	locks := lock.NewKeyedMutex()
	provisioner := provision.NewProvisioner(client, store, deriver, masterSigner, &cfg.Ledger, locks, logger)
	reconciler := reconcile.NewReconciler(client, store, balanceCache, deriver, masterSigner, journal, &cfg.Ledger, cfg.Cache.FreshnessWindow, locks, logger)
	settler := settle.NewSettler(client, store, provisioner, reconciler, journal, masterSigner, &cfg.Ledger, locks, logger)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestsPerSec:  cfg.Server.RequestsPerSec,
	}
	server := api.NewServer(serverConfig, provisioner, reconciler, settler, background, logger)

	go func() {
		if err := server.Start(); err != nil {
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

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	// Drain queued reconciliations and journal writes before exit
	if err := background.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Background runner did not drain in time")
	}

	logger.Info("Server exited")
}
