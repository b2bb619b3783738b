// Package main provides an operator CLI for inspecting and reconciling
// custodial account balances.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/ledger"
	"github.com/token-custody/internal/lock"
	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/reconcile"
	"github.com/token-custody/internal/storage"
	"github.com/token-custody/internal/wallet"
)

func main() {
	var (
		userID    = flag.String("user", "", "Reconcile and print one user's balance")
		listAll   = flag.Bool("all", false, "Print every stored account without reconciling")
		reconcAll = flag.Bool("reconcile-all", false, "Reconcile every stored account")
		timeout   = flag.Duration("timeout", 2*time.Minute, "Overall run timeout")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	store, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open account store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch {
	case *listAll:
		if err := printAccounts(ctx, store); err != nil {
			log.Fatalf("Failed to list accounts: %v", err)
		}

	case *userID != "":
		reconciler, err := buildReconciler(cfg, store, logger)
		if err != nil {
			log.Fatalf("Failed to initialize reconciler: %v", err)
		}
		summary, err := reconciler.Reconcile(ctx, *userID)
		if err != nil {
			log.Fatalf("Reconciliation failed for %s: %v", *userID, err)
		}
		fmt.Printf("%s\t%s\t%s\n", *userID, summary.Balance.String(), summary.Message)

	case *reconcAll:
		reconciler, err := buildReconciler(cfg, store, logger)
		if err != nil {
			log.Fatalf("Failed to initialize reconciler: %v", err)
		}
		accounts, err := store.All(ctx)
		if err != nil {
			log.Fatalf("Failed to load accounts: %v", err)
		}
		failures := 0
		for _, account := range accounts {
			summary, err := reconciler.Reconcile(ctx, account.UserID)
			if err != nil {
				failures++
				fmt.Fprintf(os.Stderr, "%s\tFAILED\t%v\n", account.UserID, err)
				continue
			}
			fmt.Printf("%s\t%s\n", account.UserID, summary.Balance.String())
		}
		if failures > 0 {
			log.Fatalf("%d of %d accounts failed to reconcile", failures, len(accounts))
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func openStore(cfg *config.Config, logger *logging.Logger) (storage.AccountStore, error) {
	if cfg.Store.Backend == config.StoreBackendPostgres {
		postgres, err := storage.NewPostgresDB(&cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgresStore(postgres), nil
	}
	return storage.NewSnapshotStore(cfg.Store.SnapshotFile, logger)
}

func buildReconciler(cfg *config.Config, store storage.AccountStore, logger *logging.Logger) (*reconcile.Reconciler, error) {
	deriver, err := wallet.NewDeriver(&cfg.Wallet, logger)
	if err != nil {
		return nil, err
	}
	client := ledger.NewGatewayClient(&cfg.Ledger, logger)
	signer := wallet.NewKeySigner(deriver.MasterKey())
	return reconcile.NewReconciler(client, store, nil, deriver, signer, nil, &cfg.Ledger, cfg.Cache.FreshnessWindow, lock.NewKeyedMutex(), logger), nil
}

func printAccounts(ctx context.Context, store storage.AccountStore) error {
	accounts, err := store.All(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-24s %-14s %-44s %s\n", "USER", "BALANCE", "DEPOSIT ADDRESS", "LAST SYNCED")
	for _, account := range accounts {
		synced := "never"
		if !account.LastSyncedAt.IsZero() {
			synced = account.LastSyncedAt.Format(time.RFC3339)
		}
		fmt.Printf("%-24s %-14s %-44s %s\n", account.UserID, account.InternalBalance.String(), account.DepositAddress, synced)
	}
	fmt.Printf("%d accounts\n", len(accounts))
	return nil
}
