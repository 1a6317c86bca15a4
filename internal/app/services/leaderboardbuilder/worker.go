package leaderboardbuilder

import (
	"context"
	"time"

	core "github.com/modelcoordinator/coordinator/internal/app/core/service"
	"github.com/modelcoordinator/coordinator/internal/app/events"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Worker rebuilds the leaderboard whenever a snapshot_ready event arrives,
// falling back to a poll interval if events are never published.
type Worker struct {
	builder *Builder
	bus     *events.Bus
	log     *logger.Logger

	loop *core.TickerWorker
}

// NewWorker wraps a Builder in a subscribed, always-running lifecycle.
func NewWorker(builder *Builder, bus *events.Bus, fallback time.Duration, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewDefault("leaderboard-worker")
	}
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	w := &Worker{builder: builder, bus: bus, log: log}
	w.loop = &core.TickerWorker{WorkerName: "leaderboard-builder", Interval: fallback, Log: log, Tick: w.rebuild}
	return w
}

// Name identifies the worker for the system lifecycle manager.
func (w *Worker) Name() string { return w.loop.Name() }

// Start begins the fallback loop and subscribes to snapshot_ready.
func (w *Worker) Start(ctx context.Context) error {
	if w.bus != nil {
		_ = w.bus.Subscribe(events.ChannelSnapshotReady, func(evCtx context.Context, _ events.Event) error {
			w.rebuild(evCtx)
			return nil
		})
	}
	return w.loop.Start(ctx)
}

// Stop stops the fallback loop.
func (w *Worker) Stop(ctx context.Context) error { return w.loop.Stop(ctx) }

func (w *Worker) rebuild(ctx context.Context) {
	if _, err := w.builder.Build(ctx, time.Now().UTC()); err != nil {
		w.log.WithError(err).Warn("leaderboard builder failed to rebuild board")
	}
}
