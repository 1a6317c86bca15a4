// Package feedworker implements the feed-data worker (C4): catches a
// subject up via backfill, then switches to live listen, publishing
// new_feed_data on every batch and pruning expired rows on a separate
// cadence.
package feedworker

import (
	"context"
	"time"

	core "github.com/modelcoordinator/coordinator/internal/app/core/service"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/events"
	"github.com/modelcoordinator/coordinator/internal/app/metrics"
	"github.com/modelcoordinator/coordinator/internal/app/services/feedadapter"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Config controls catch-up depth and retention.
type Config struct {
	Source          string
	Subjects        []string
	Kind            feed.Kind
	Granularity     string
	BackfillMinutes int
	RecordTTLDays   int
	RetentionEvery  time.Duration
}

// Worker owns live ingest (listen handle) plus the retention loop.
type Worker struct {
	cfg     Config
	adapter feedadapter.Adapter
	store   storage.FeedStore
	bus     *events.Bus
	log     *logger.Logger

	listenHandle feedadapter.Handle
	retention    *core.TickerWorker
}

// New builds a feed-data worker for one (source, subjects) group.
func New(cfg Config, adapter feedadapter.Adapter, store storage.FeedStore, bus *events.Bus, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewDefault("feed-worker")
	}
	if cfg.RetentionEvery <= 0 {
		cfg.RetentionEvery = time.Hour
	}
	w := &Worker{cfg: cfg, adapter: adapter, store: store, bus: bus, log: log}
	w.retention = &core.TickerWorker{
		WorkerName: "feed-retention:" + cfg.Source,
		Interval:   cfg.RetentionEvery,
		Log:        log,
		Tick:       w.pruneTick,
	}
	return w
}

// Name identifies the worker for the system lifecycle manager.
func (w *Worker) Name() string { return "feed-worker:" + w.cfg.Source }

// Start runs the initial backfill, opens the live listen subscription, and
// starts the retention loop.
func (w *Worker) Start(ctx context.Context) error {
	now := time.Now().UTC()
	for _, subject := range w.cfg.Subjects {
		scope := feed.Scope{Source: w.cfg.Source, Subject: subject, Kind: w.cfg.Kind, Granularity: w.cfg.Granularity}
		since := now.Add(-time.Duration(w.cfg.BackfillMinutes) * time.Minute)
		if wm, err := w.store.GetWatermark(ctx, scope); err == nil && wm.LastEventTS.After(since) {
			since = wm.LastEventTS
		}

		records, err := w.adapter.Fetch(ctx, feed.FetchRequest{Scope: scope, StartTS: &since, EndTS: &now})
		if err != nil {
			w.log.WithField("subject", subject).WithError(err).Warn("feed worker startup catch-up fetch failed")
			continue
		}
		if len(records) > 0 {
			w.ingest(ctx, records)
		}
	}

	handle, err := w.adapter.Listen(ctx, feed.Subscription{Subjects: w.cfg.Subjects, Kind: w.cfg.Kind, Granularity: w.cfg.Granularity}, func(rec feed.Record) {
		w.ingest(ctx, []feed.Record{rec})
	})
	if err != nil {
		w.log.WithError(err).Warn("feed worker listen failed to start")
	} else {
		w.listenHandle = handle
	}

	return w.retention.Start(ctx)
}

// Stop tears down the listen handle and the retention loop.
func (w *Worker) Stop(ctx context.Context) error {
	if w.listenHandle != nil {
		w.listenHandle.Stop()
	}
	return w.retention.Stop(ctx)
}

func (w *Worker) ingest(ctx context.Context, records []feed.Record) {
	if len(records) == 0 {
		return
	}
	if _, err := w.store.AppendRecords(ctx, records); err != nil {
		w.log.WithError(err).Warn("feed worker append_records failed")
		return
	}

	latest := records[0]
	for _, r := range records[1:] {
		if r.TsEvent.After(latest.TsEvent) {
			latest = r
		}
	}
	_ = w.store.SetWatermark(ctx, feed.IngestionState{
		Scope:       latest.Scope,
		LastEventTS: latest.TsEvent,
		UpdatedAt:   time.Now().UTC(),
	})

	for _, r := range records {
		metrics.RecordFeedIngest(r.Source, r.Subject, string(r.Kind))
	}

	if w.bus != nil {
		_ = w.bus.Publish(ctx, events.ChannelNewFeedData, map[string]any{
			"source":  latest.Source,
			"subject": latest.Subject,
			"count":   len(records),
		})
	}
}

func (w *Worker) pruneTick(ctx context.Context) {
	if w.cfg.RecordTTLDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -w.cfg.RecordTTLDays)
	if _, err := w.store.PruneBefore(ctx, cutoff); err != nil {
		w.log.WithError(err).Warn("feed retention prune failed")
	}
}
