// Command coordinatord runs the model-competition coordinator: feed
// ingestion, predict dispatch, scoring, snapshotting, leaderboard and
// checkpoint building, and the read API, all under one process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	app "github.com/modelcoordinator/coordinator/internal/app"
	"github.com/modelcoordinator/coordinator/internal/app/httpapi"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/storage/postgres"
	"github.com/modelcoordinator/coordinator/internal/platform/database"
	"github.com/modelcoordinator/coordinator/internal/platform/migrations"
	"github.com/modelcoordinator/coordinator/pkg/config"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()

	dsnVal := resolveDSN(*dsn, cfg)
	stores := app.Stores{}

	var db *sql.DB
	if dsnVal != "" {
		cfg.Database.DSN = dsnVal
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.WithError(err).Fatal("connect to postgres")
		}
		configurePool(db, cfg)

		if *runMigrations {
			if err := migrations.Apply(db); err != nil {
				log.WithError(err).Fatal("apply migrations")
			}
		}

		store := postgres.New(db)
		stores = app.Stores{
			Feeds: store, Backfill: store, Schedules: store, Inputs: store,
			Predictions: store, Scores: store, Models: store, Snapshots: store,
			Leaderboards: store, Merkle: store, Checkpoints: store,
		}
	}
	if db != nil {
		defer db.Close()
	}

	spec := challenge.PriceReturn(challenge.PriceReturnConfig{})

	application, err := app.New(rootCtx, cfg, stores, spec, db, log)
	if err != nil {
		log.WithError(err).Fatal("initialise application")
	}

	httpService := httpapi.NewService(application, cfg, log)
	if err := application.Attach(httpService); err != nil {
		log.WithError(err).Fatal("attach http service")
	}

	if err := application.Start(rootCtx); err != nil {
		log.WithError(err).Fatal("start application")
	}
	log.WithField("addr", httpService.Addr()).Info("coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Fatal("shutdown")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}
