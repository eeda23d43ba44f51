// Package main applies the Postgres schema (golang-migrate) and the ClickHouse
// audit log schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/eigensurance/internal/config"
	"github.com/eigensurance/internal/storage"
)

func main() {
	var (
		action  = flag.String("action", "up", "Migration action: up, down, version, force")
		dbType  = flag.String("db", "postgres", "Database type: postgres, clickhouse")
		path    = flag.String("path", "", "Migrations directory (default migrations/<db>)")
		version = flag.Int("version", -1, "Version to record with -action force")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dir := *path
	if dir == "" {
		dir = "migrations/" + *dbType
	}
	if _, err := os.Stat(dir); err != nil {
		log.Fatalf("Migrations directory not usable: %v", err)
	}

	switch *dbType {
	case "postgres":
		err = migratePostgres(cfg.Database.Postgres, *action, dir, *version)
	case "clickhouse":
		err = migrateClickHouse(cfg.Database.ClickHouse, *action, dir)
	default:
		err = fmt.Errorf("unknown database type %q", *dbType)
	}
	if err != nil {
		log.Fatalf("%s migration failed: %v", *dbType, err)
	}
}

func migratePostgres(pg config.PostgresConfig, action, dir string, version int) error {
	url := pg.URL()

	switch action {
	case "up":
		if err := storage.RunMigrations(url, dir); err != nil {
			return err
		}
	case "down":
		if err := storage.RollbackMigrations(url, dir); err != nil {
			return err
		}
	case "force":
		if version < 0 {
			return fmt.Errorf("-version is required with -action force")
		}
		if err := storage.ForceMigrationVersion(url, dir, version); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	current, dirty, err := storage.MigrationVersion(url, dir)
	if err != nil {
		return err
	}
	log.Printf("Postgres schema at version %d (dirty: %v) after %s", current, dirty, action)
	return nil
}

func migrateClickHouse(ch config.ClickHouseConfig, action, dir string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up'")
	}
	if ch.Host == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is not set")
	}

	ctx := context.Background()
	db, err := storage.NewClickHouseDB(ctx, &ch)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing ClickHouse connection: %v", err)
		}
	}()

	if err := storage.RunClickHouseMigrations(ctx, db, dir); err != nil {
		return err
	}
	log.Println("ClickHouse audit schema is up to date")
	return nil
}
