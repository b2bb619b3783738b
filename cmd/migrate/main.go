// Package main runs schema migrations for the account store and the
// settlement journal.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "postgres", "Target: postgres (account store), clickhouse (settlement journal)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch *dbType {
	case "postgres":
		if err := migrateAccountStore(cfg, *action); err != nil {
			log.Fatalf("Account store migration failed: %v", err)
		}
	case "clickhouse":
		if err := migrateJournal(cfg, *action); err != nil {
			log.Fatalf("Settlement journal migration failed: %v", err)
		}
	default:
		log.Fatalf("Unknown database type: %s", *dbType)
	}
}

func migrateAccountStore(cfg *config.Config, action string) error {
	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.Database,
	)
	migrationsPath := "migrations/postgres"

	switch action {
	case "up":
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Account store migrated")

	case "down":
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Account store migration rolled back")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		log.Printf("Account store migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func migrateJournal(cfg *config.Config, action string) error {
	// The journal schema is append-only; there is nothing to roll back.
	if action != "up" {
		return fmt.Errorf("the settlement journal only supports the 'up' action")
	}

	db, err := storage.NewClickHouseDB(&cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing ClickHouse connection: %v", err)
		}
	}()

	migrationsPath := "migrations/clickhouse"
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	if err := storage.RunClickHouseMigrations(db, migrationsPath); err != nil {
		return err
	}
	log.Println("Settlement journal migrated")
	return nil
}
