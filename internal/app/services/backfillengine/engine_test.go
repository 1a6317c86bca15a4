package backfillengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/backfill"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/services/feedadapter"
	"github.com/modelcoordinator/coordinator/internal/app/storage/memory"
)

// pagingAdapter hands out fixed pages of records per subject, one page per
// Fetch call, then an empty page to signal exhaustion.
type pagingAdapter struct {
	pages [][]feed.Record
	calls int
}

func (a *pagingAdapter) ListSubjects(context.Context) ([]feed.SubjectDescriptor, error) {
	return nil, nil
}

func (a *pagingAdapter) Fetch(_ context.Context, _ feed.FetchRequest) ([]feed.Record, error) {
	if a.calls >= len(a.pages) {
		return nil, nil
	}
	page := a.pages[a.calls]
	a.calls++
	return page, nil
}

func (a *pagingAdapter) Listen(context.Context, feed.Subscription, func(feed.Record)) (feedadapter.Handle, error) {
	return nil, nil
}

func recordAt(subject string, ts time.Time) feed.Record {
	return feed.Record{
		Scope:      feed.Scope{Source: "binance", Subject: subject, Kind: feed.KindCandle, Granularity: "1m"},
		TsEvent:    ts,
		TsIngested: ts,
		Values:     map[string]float64{"close": 1},
	}
}

func TestEngineRunPaginatesUntilExhaustedAndMarksCompleted(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	adapter := &pagingAdapter{
		pages: [][]feed.Record{
			{recordAt("BTCUSDT", start.Add(1*time.Minute)), recordAt("BTCUSDT", start.Add(2*time.Minute))},
			{recordAt("BTCUSDT", start.Add(3*time.Minute))},
		},
	}
	store := memory.New()
	engine := New(adapter, store, store, nil, nil)

	job, err := engine.Submit(context.Background(), backfill.Request{
		Source:      "binance",
		Subjects:    []string{"BTCUSDT"},
		Kind:        "candle",
		Granularity: "1m",
		Start:       start,
		End:         start.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, backfill.StatusPending, job.Status)

	engine.Run(context.Background(), job)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, backfill.StatusCompleted, final.Status)
	assert.Equal(t, int64(3), final.RecordsWritten)
	assert.Equal(t, int64(2), final.PagesFetched)
	assert.NotNil(t, final.CompletedAt)
	// cursor must have advanced monotonically past every fetched record (P3).
	assert.True(t, final.CursorTS.After(start.Add(3*time.Minute)))
}

func TestEngineSubmitRejectsSecondJobWhileOneActive(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memory.New()
	engine := New(&pagingAdapter{}, store, store, nil, nil)

	first, err := engine.Submit(context.Background(), backfill.Request{
		Source: "binance", Subjects: []string{"BTCUSDT"}, Kind: "candle", Granularity: "1m",
		Start: start, End: start.Add(time.Hour),
	})
	require.NoError(t, err)
	require.False(t, first.Status.Terminal())

	_, err = engine.Submit(context.Background(), backfill.Request{
		Source: "binance", Subjects: []string{"ETHUSDT"}, Kind: "candle", Granularity: "1m",
		Start: start, End: start.Add(time.Hour),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "expected a conflict error when a job is already active, got %v", err)
}

func TestEngineSubmitAllowsNewJobAfterPriorCompletion(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	adapter := &pagingAdapter{pages: [][]feed.Record{{recordAt("BTCUSDT", start.Add(time.Minute))}}}
	store := memory.New()
	engine := New(adapter, store, store, nil, nil)

	first, err := engine.Submit(context.Background(), backfill.Request{
		Source: "binance", Subjects: []string{"BTCUSDT"}, Kind: "candle", Granularity: "1m",
		Start: start, End: start.Add(time.Hour),
	})
	require.NoError(t, err)
	engine.Run(context.Background(), first)

	_, err = engine.Submit(context.Background(), backfill.Request{
		Source: "binance", Subjects: []string{"ETHUSDT"}, Kind: "candle", Granularity: "1m",
		Start: start, End: start.Add(time.Hour),
	})
	assert.NoError(t, err, "a completed job must not block a new submission (I4/P7)")
}
