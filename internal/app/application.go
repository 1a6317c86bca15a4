package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	core "github.com/modelcoordinator/coordinator/internal/app/core/service"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/ensemble"
	"github.com/modelcoordinator/coordinator/internal/app/events"
	merkle "github.com/modelcoordinator/coordinator/internal/app/merkle"
	"github.com/modelcoordinator/coordinator/internal/app/services/backfillengine"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/services/checkpointbuilder"
	"github.com/modelcoordinator/coordinator/internal/app/services/dispatcher"
	"github.com/modelcoordinator/coordinator/internal/app/services/feedadapter"
	"github.com/modelcoordinator/coordinator/internal/app/services/feedworker"
	"github.com/modelcoordinator/coordinator/internal/app/services/inputassembler"
	"github.com/modelcoordinator/coordinator/internal/app/services/leaderboardbuilder"
	"github.com/modelcoordinator/coordinator/internal/app/services/modelrunner"
	"github.com/modelcoordinator/coordinator/internal/app/services/resolver"
	"github.com/modelcoordinator/coordinator/internal/app/services/scheduleloader"
	"github.com/modelcoordinator/coordinator/internal/app/services/scorer"
	"github.com/modelcoordinator/coordinator/internal/app/services/snapshotter"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/internal/app/storage/memory"
	"github.com/modelcoordinator/coordinator/internal/app/system"
	"github.com/modelcoordinator/coordinator/internal/platform/parquetsink"
	"github.com/modelcoordinator/coordinator/pkg/config"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation, so the coordinator can run without Postgres
// configured (tests, local development).
type Stores struct {
	Feeds        storage.FeedStore
	Backfill     storage.BackfillStore
	Schedules    storage.ScheduleStore
	Inputs       storage.InputStore
	Predictions  storage.PredictionStore
	Scores       storage.ScoreStore
	Models       storage.ModelStore
	Snapshots    storage.SnapshotStore
	Leaderboards storage.LeaderboardStore
	Merkle       storage.MerkleStore
	Checkpoints  storage.CheckpointStore
}

func (s *Stores) applyDefaults(mem *memory.Store) {
	if s == nil || mem == nil {
		return
	}
	if s.Feeds == nil {
		s.Feeds = mem
	}
	if s.Backfill == nil {
		s.Backfill = mem
	}
	if s.Schedules == nil {
		s.Schedules = mem
	}
	if s.Inputs == nil {
		s.Inputs = mem
	}
	if s.Predictions == nil {
		s.Predictions = mem
	}
	if s.Scores == nil {
		s.Scores = mem
	}
	if s.Models == nil {
		s.Models = mem
	}
	if s.Snapshots == nil {
		s.Snapshots = mem
	}
	if s.Leaderboards == nil {
		s.Leaderboards = mem
	}
	if s.Merkle == nil {
		s.Merkle = mem
	}
	if s.Checkpoints == nil {
		s.Checkpoints = mem
	}
}

// Application ties the coordinator's pipeline stages together and manages
// their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Stores Stores
	Bus    *events.Bus

	FeedWorkers []*feedworker.Worker
	Backfill    *backfillengine.Engine
	Dispatcher  *dispatcher.Dispatcher
	Resolver    *resolver.Resolver
	Scorer      *scorer.Scorer
	Snapshotter *snapshotter.Pipeline
	Leaderboard *leaderboardbuilder.Builder
	Checkpoint  *checkpointbuilder.Builder
	Merkle      *merkle.Service
	ParquetSink *parquetsink.Sink

	descriptors []core.Descriptor
}

// New builds a fully wired application from configuration, storage, an
// (optional, shared) database handle, and the challenge-owned scoring
// contract. Any store left unset in stores falls back to the in-memory
// implementation. db may be nil, in which case no event bus is opened and
// workers run on their fallback polling only.
func New(ctx context.Context, cfg *config.Config, stores Stores, spec challenge.Spec, db *sql.DB, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("challenge spec: %w", err)
	}

	mem := memory.New()
	stores.applyDefaults(mem)

	manager := system.NewManager()

	var bus *events.Bus
	if db != nil {
		b, err := events.NewWithDB(db, cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Warn("app failed to start event bus; workers will run on fallback polling only")
		} else {
			bus = b
		}
	}

	httpAdapter, err := feedadapter.NewHTTPAdapter(cfg.Feed.Endpoint, cfg.Feed.Provider, time.Duration(cfg.Feed.PollSeconds)*time.Second, log)
	if err != nil {
		return nil, fmt.Errorf("build feed adapter: %w", err)
	}
	var adapter feedadapter.Adapter = httpAdapter
	if strings.EqualFold(cfg.Feed.Transport, "ws") {
		wsAdapter, err := feedadapter.NewWSAdapter(cfg.Feed.Endpoint, cfg.Feed.Provider, httpAdapter, log)
		if err != nil {
			return nil, fmt.Errorf("build websocket feed adapter: %w", err)
		}
		adapter = wsAdapter
	}

	feedWorker := feedworker.New(feedworker.Config{
		Source:          cfg.Feed.Provider,
		Subjects:        cfg.Feed.Subjects,
		Kind:            feed.Kind(cfg.Feed.Kind),
		Granularity:     cfg.Feed.Granularity,
		BackfillMinutes: cfg.Feed.BackfillMinutes,
		RecordTTLDays:   cfg.Feed.RecordTTLDays,
		RetentionEvery:  time.Duration(cfg.Feed.RetentionCheckSeconds) * time.Second,
	}, adapter, stores.Feeds, bus, log)
	feedWorkers := []*feedworker.Worker{feedWorker}

	var sink *parquetsink.Sink
	if cfg.Feed.DataDir != "" {
		sink = parquetsink.New(cfg.Feed.DataDir)
	}
	backfill := backfillengine.New(adapter, stores.Feeds, stores.Backfill, sink, log)

	primarySubject := cfg.Feed.Provider
	if len(cfg.Feed.Subjects) > 0 {
		primarySubject = cfg.Feed.Subjects[0]
	}

	assembler := inputassembler.New(stores.Feeds, cfg.Feed.Provider, cfg.Feed.CandlesWindow)

	runner, err := modelrunner.NewHTTPRunner(cfg.ModelRunner.Target, cfg.Gateway.CertDir, cfg.ModelRunner.Timeout(),
		cfg.ModelRunner.RateLimitPerSecond, cfg.ModelRunner.RateLimitBurst)
	if err != nil {
		return nil, fmt.Errorf("build model runner: %w", err)
	}

	disp := dispatcher.New(dispatcher.Config{Symbol: primarySubject}, assembler, runner, spec,
		stores.Schedules, stores.Inputs, stores.Predictions, stores.Models, bus, log)

	resolv := resolver.New(stores.Feeds, stores.Inputs, spec, cfg.Feed.Provider, log)

	merkleSvc := merkle.New(stores.Merkle)

	snap := snapshotter.New(snapshotter.Config{
		Metrics:   []string{"ic", "ic_sharpe", "mean_return", "hit_rate", "max_drawdown", "sortino_ratio"},
		Ensembles: []ensemble.Config{{Name: "ensemble_top10", Filter: ensemble.TopN(10), Strategy: ensemble.InverseVariance}},
	}, stores.Predictions, stores.Scores, stores.Snapshots, spec, merkleSvc, bus, log)

	sc := scorer.New(resolv, stores.Inputs, stores.Predictions, stores.Scores, spec, bus, 30*time.Second, snap.Handle, log)

	lb := leaderboardbuilder.New(leaderboardbuilder.Config{
		Windows: []leaderboardbuilder.Window{
			{Name: "24h", Hours: 24},
			{Name: "7d", Hours: 24 * 7},
			{Name: "30d", Hours: 24 * 30},
		},
		PrimaryWindow: "7d",
		TieBreakers:   []string{"ic", "mean_return"},
	}, spec, stores.Models, stores.Snapshots, stores.Leaderboards, log)
	lbWorker := leaderboardbuilder.NewWorker(lb, bus, 5*time.Minute, log)

	cpBuilder := checkpointbuilder.New(checkpointbuilder.Config{
		Interval: time.Duration(cfg.Checkpoint.IntervalSeconds) * time.Second,
		CronExpr: cfg.Checkpoint.CronExpr,
	}, spec, stores.Models, stores.Snapshots, stores.Checkpoints, merkleSvc, bus, log)
	cpWorker := checkpointbuilder.NewWorker(cpBuilder, log)

	if seeds, err := scheduleloader.LoadFile(cfg.Schedule.ConfigsPath); err != nil {
		log.WithError(err).Warn("app failed to load static schedule manifest")
	} else if len(seeds) > 0 {
		if err := scheduleloader.Seed(ctx, stores.Schedules, seeds); err != nil {
			log.WithError(err).Warn("app failed to seed schedule configs")
		}
	}

	registrations := []system.Service{feedWorker, disp, sc, lbWorker, cpWorker}
	for _, svc := range registrations {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Stores:      stores,
		Bus:         bus,
		FeedWorkers: feedWorkers,
		Backfill:    backfill,
		Dispatcher:  disp,
		Resolver:    resolv,
		Scorer:      sc,
		Snapshotter: snap,
		Leaderboard: lb,
		Checkpoint:  cpBuilder,
		Merkle:      merkleSvc,
		ParquetSink: sink,
		descriptors: manager.Descriptors(),
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services, then closes the event bus if one was opened.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.Bus != nil {
		if closeErr := a.Bus.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// Descriptors returns advertised service descriptors for orchestration/CLI
// introspection.
func (a *Application) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, len(a.descriptors))
	copy(out, a.descriptors)
	return out
}
