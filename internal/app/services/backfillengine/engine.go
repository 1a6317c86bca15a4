// Package backfillengine implements the resumable paginated historical
// fetch described by C3: it walks one subject at a time from a cursor to an
// end bound, persisting progress as it goes, and enforces the single
// non-terminal job invariant (I4) via storage.BackfillStore.GetActive.
package backfillengine

import (
	"context"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/backfill"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/metrics"
	"github.com/modelcoordinator/coordinator/internal/app/services/feedadapter"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/internal/platform/parquetsink"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

const defaultPageSize = 500

// Engine drives one backfill job to completion.
type Engine struct {
	adapter feedadapter.Adapter
	feeds   storage.FeedStore
	jobs    storage.BackfillStore
	sink    *parquetsink.Sink
	log     *logger.Logger
}

// New builds a backfill engine. sink may be nil, in which case pages are
// persisted to the feed store only and no parquet files are written.
func New(adapter feedadapter.Adapter, feeds storage.FeedStore, jobs storage.BackfillStore, sink *parquetsink.Sink, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("backfill-engine")
	}
	return &Engine{adapter: adapter, feeds: feeds, jobs: jobs, sink: sink, log: log}
}

// Submit creates a new job for req, rejecting the request if one is already
// active (I4, P7).
func (e *Engine) Submit(ctx context.Context, req backfill.Request) (backfill.Job, error) {
	if active, err := e.jobs.GetActive(ctx); err != nil {
		return backfill.Job{}, err
	} else if active != nil {
		return backfill.Job{}, apperr.Conflict("a backfill job is already active: %s", active.ID)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	job := backfill.Job{
		Source:      req.Source,
		Subjects:    req.Subjects,
		Kind:        req.Kind,
		Granularity: req.Granularity,
		StartTS:     req.Start.UTC(),
		EndTS:       req.End.UTC(),
		CursorTS:    req.Start.UTC(),
		Status:      backfill.StatusPending,
	}
	if req.Cursor != nil {
		job.CursorTS = req.Cursor.UTC()
	}

	created, err := e.jobs.CreateJob(ctx, job)
	if err != nil {
		return backfill.Job{}, err
	}
	return created, nil
}

// Run executes job to completion, updating progress after every page. It
// blocks until all subjects are exhausted or an unrecoverable store error
// occurs.
func (e *Engine) Run(ctx context.Context, job backfill.Job) {
	job.Status = backfill.StatusRunning
	job, err := e.jobs.UpdateJob(ctx, job)
	if err != nil {
		e.log.WithField("job_id", job.ID).WithError(err).Warn("backfill engine failed to mark job running")
		return
	}

	pageSize := defaultPageSize

	for _, subject := range job.Subjects {
		cursor := job.CursorTS
		if cursor.IsZero() {
			cursor = job.StartTS
		}

		for {
			select {
			case <-ctx.Done():
				e.fail(ctx, job, ctx.Err())
				return
			default:
			}

			page, err := e.adapter.Fetch(ctx, feed.FetchRequest{
				Scope: feed.Scope{
					Source:      job.Source,
					Subject:     subject,
					Kind:        feed.Kind(job.Kind),
					Granularity: job.Granularity,
				},
				StartTS: &cursor,
				EndTS:   &job.EndTS,
				Limit:   pageSize,
			})
			if err != nil {
				e.fail(ctx, job, err)
				return
			}
			if len(page) == 0 {
				break
			}

			written, err := e.feeds.AppendRecords(ctx, page)
			if err != nil {
				e.fail(ctx, job, err)
				return
			}
			if e.sink != nil {
				if err := e.sink.Write(page); err != nil {
					e.log.WithField("job_id", job.ID).WithError(err).Warn("backfill engine failed to write parquet partition")
				}
			}
			metrics.RecordBackfillPage(job.Source, subject, written)

			maxTS := page[0].TsEvent
			for _, r := range page[1:] {
				if r.TsEvent.After(maxTS) {
					maxTS = r.TsEvent
				}
			}
			if !maxTS.After(cursor) {
				break
			}
			cursor = maxTS.Add(time.Second)

			job.CursorTS = cursor
			job.RecordsWritten += int64(written)
			job.PagesFetched++
			job, err = e.jobs.UpdateJob(ctx, job)
			if err != nil {
				e.log.WithField("job_id", job.ID).WithError(err).Warn("backfill engine progress persist failed")
				return
			}

			_ = e.feeds.SetWatermark(ctx, feed.IngestionState{
				Scope: feed.Scope{
					Source:      job.Source,
					Subject:     subject,
					Kind:        feed.Kind(job.Kind),
					Granularity: job.Granularity,
				},
				LastEventTS: maxTS,
				UpdatedAt:   time.Now().UTC(),
			})
		}
	}

	completedAt := time.Now().UTC()
	job.Status = backfill.StatusCompleted
	job.CompletedAt = &completedAt
	if _, err := e.jobs.UpdateJob(ctx, job); err != nil {
		e.log.WithField("job_id", job.ID).WithError(err).Warn("backfill engine failed to mark job completed")
	}
}

func (e *Engine) fail(ctx context.Context, job backfill.Job, cause error) {
	completedAt := time.Now().UTC()
	job.Status = backfill.StatusFailed
	job.Error = cause.Error()
	job.CompletedAt = &completedAt
	if _, err := e.jobs.UpdateJob(ctx, job); err != nil {
		e.log.WithField("job_id", job.ID).WithError(err).Warn("backfill engine failed to persist failure")
	}
	_ = apperr.TransientStore(cause, "backfill job %s failed", job.ID)
}
