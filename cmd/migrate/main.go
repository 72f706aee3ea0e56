// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/ark-custody/internal/config"
	"github.com/ark-custody/internal/storage"
)

func main() {
	action := flag.String("action", "", "Migration action: up, down, version")
	flag.Parse()

	// The action may also be given positionally: migrate up
	if *action == "" {
		*action = "up"
		if flag.NArg() > 0 {
			*action = flag.Arg(0)
		}
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := runMigrations(cfg, *action); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func runMigrations(cfg *config.Config, action string) error {
	db, err := storage.Open(context.Background(), &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	switch action {
	case "up":
		log.Printf("Running %s migrations...", db.Driver())
		if err := db.RunMigrations(); err != nil {
			return err
		}
		log.Println("Migrations completed successfully")

	case "down":
		log.Printf("Rolling back %s migration...", db.Driver())
		if err := db.RollbackMigrations(); err != nil {
			return err
		}
		log.Println("Migration rolled back successfully")

	case "version":
		version, dirty, err := db.MigrationVersion()
		if err != nil {
			return err
		}
		log.Printf("Current %s migration version: %d (dirty: %v)", db.Driver(), version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
