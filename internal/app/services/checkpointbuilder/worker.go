package checkpointbuilder

import (
	"context"
	"time"

	core "github.com/modelcoordinator/coordinator/internal/app/core/service"
	"github.com/modelcoordinator/coordinator/internal/app/system"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Worker runs Build on the configured checkpoint cadence, either a fixed
// interval or a cron expression (Config.CronExpr takes precedence).
type Worker struct {
	builder *Builder
	log     *logger.Logger
	loop    system.Service
}

// NewWorker wraps a Builder in a ticker- or cron-driven lifecycle, depending
// on whether Config.CronExpr is set. A malformed CronExpr falls back to the
// fixed interval.
func NewWorker(builder *Builder, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewDefault("checkpoint-worker")
	}
	w := &Worker{builder: builder, log: log}
	if builder.cfg.CronExpr != "" {
		if cronLoop, err := core.NewCronWorker("checkpoint-builder", builder.cfg.CronExpr, w.tick, log); err == nil {
			w.loop = cronLoop
			return w
		}
		log.WithField("cron", builder.cfg.CronExpr).Warn("checkpoint builder cron expression invalid, falling back to fixed interval")
	}
	w.loop = &core.TickerWorker{WorkerName: "checkpoint-builder", Interval: builder.cfg.Interval, Log: log, Tick: w.tick}
	return w
}

// Name identifies the worker for the system lifecycle manager.
func (w *Worker) Name() string { return w.loop.Name() }

// Start begins the checkpoint loop.
func (w *Worker) Start(ctx context.Context) error { return w.loop.Start(ctx) }

// Stop stops the checkpoint loop.
func (w *Worker) Stop(ctx context.Context) error { return w.loop.Stop(ctx) }

func (w *Worker) tick(ctx context.Context) {
	if _, committed, err := w.builder.Build(ctx, time.Now().UTC()); err != nil {
		w.log.WithError(err).Warn("checkpoint builder failed")
	} else if committed {
		w.log.Info("checkpoint committed")
	}
}
