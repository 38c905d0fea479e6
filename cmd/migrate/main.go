package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/openbid/auction-backend/internal/infrastructure/config"
)

func main() {
	var (
		action     = flag.String("action", "up", "Migration action: up, down, version")
		configPath = flag.String("config", "", "Path to configuration file")
		source     = flag.String("source", "file://migrations", "Migration source URL")
	)
	flag.Parse()

	if err := run(*action, *configPath, *source); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(action, configPath, source string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("opening store connection: %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initializing migrator: %w", err)
	}

	switch action {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		slog.Info("migrations applied")
	case "down":
		if err := m.Steps(-1); err != nil {
			return err
		}
		slog.Info("rolled back one migration")
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return err
		}
		slog.Info("schema version", "version", version, "dirty", dirty)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}
