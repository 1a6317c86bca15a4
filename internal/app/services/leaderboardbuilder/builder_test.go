package leaderboardbuilder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
	"github.com/modelcoordinator/coordinator/internal/app/domain/model"
	"github.com/modelcoordinator/coordinator/internal/app/domain/snapshot"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/storage/memory"
)

func seedSnapshot(t *testing.T, store *memory.Store, modelID string, ic float64, at time.Time) {
	t.Helper()
	_, err := store.CreateSnapshot(context.Background(), snapshot.Record{
		ModelID:         modelID,
		PeriodStart:     at.Add(-time.Hour),
		PeriodEnd:       at,
		PredictionCount: 10,
		ResultSummary:   map[string]any{"ic": ic},
		CreatedAt:       at,
	})
	require.NoError(t, err)
}

func TestLeaderboardBuilderRanksDescendingByPrimaryWindow(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, m := range []string{"best", "mid", "worst"} {
		_, err := store.UpsertModel(ctx, model.Model{ID: m, Name: m})
		require.NoError(t, err)
	}
	seedSnapshot(t, store, "best", 0.9, now)
	seedSnapshot(t, store, "mid", 0.5, now)
	seedSnapshot(t, store, "worst", 0.1, now)

	spec := challenge.Spec{Name: "ic", RankingKey: "ic", RankingDirection: leaderboard.DirectionDescending}
	cfg := Config{Windows: []Window{{Name: "24h", Hours: 24}}, PrimaryWindow: "24h"}
	b := New(cfg, spec, store, store, store, nil)

	board, err := b.Build(ctx, now)
	require.NoError(t, err)
	require.Len(t, board.Entries, 3)

	assert.Equal(t, "best", board.Entries[0].ModelID)
	assert.Equal(t, 1, board.Entries[0].Rank)
	assert.Equal(t, "mid", board.Entries[1].ModelID)
	assert.Equal(t, 2, board.Entries[1].Rank)
	assert.Equal(t, "worst", board.Entries[2].ModelID)
	assert.Equal(t, 3, board.Entries[2].Rank)
}

func TestLeaderboardBuilderAscendingDirectionInvertsOrder(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, m := range []string{"low-err", "high-err"} {
		_, err := store.UpsertModel(ctx, model.Model{ID: m, Name: m})
		require.NoError(t, err)
	}
	seedSnapshot(t, store, "low-err", 0.1, now)
	seedSnapshot(t, store, "high-err", 0.9, now)

	spec := challenge.Spec{Name: "ic", RankingKey: "ic", RankingDirection: leaderboard.DirectionAscending}
	cfg := Config{Windows: []Window{{Name: "24h", Hours: 24}}, PrimaryWindow: "24h"}
	b := New(cfg, spec, store, store, store, nil)

	board, err := b.Build(ctx, now)
	require.NoError(t, err)
	require.Len(t, board.Entries, 2)
	assert.Equal(t, "low-err", board.Entries[0].ModelID)
	assert.Equal(t, "high-err", board.Entries[1].ModelID)
}

func TestLeaderboardBuilderTieBreaksOnSecondaryWindow(t *testing.T) {
	// Windows are rolling time ranges over the same ranking key: a model's
	// "24h" and "7d" averages can tie on the short window while differing on
	// the long one, and the tie-breaker window should decide rank order.
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, m := range []string{"a", "b"} {
		_, err := store.UpsertModel(ctx, model.Model{ID: m, Name: m})
		require.NoError(t, err)
	}

	// both tie on the 24h window (single recent snapshot, ic=0.5)...
	seedSnapshot(t, store, "a", 0.5, now)
	seedSnapshot(t, store, "b", 0.5, now)
	// ...but diverge once the 7d window pulls in an older snapshot.
	seedSnapshot(t, store, "a", 0.3, now.Add(-48*time.Hour))
	seedSnapshot(t, store, "b", 0.8, now.Add(-48*time.Hour))

	spec := challenge.Spec{Name: "ic", RankingKey: "ic", RankingDirection: leaderboard.DirectionDescending}
	cfg := Config{
		Windows:       []Window{{Name: "24h", Hours: 24}, {Name: "7d", Hours: 24 * 7}},
		PrimaryWindow: "24h",
		TieBreakers:   []string{"7d"},
	}
	b := New(cfg, spec, store, store, store, nil)

	board, err := b.Build(ctx, now)
	require.NoError(t, err)
	require.Len(t, board.Entries, 2)
	assert.InDelta(t, board.Entries[0].Score.Metrics["24h"], board.Entries[1].Score.Metrics["24h"], 1e-9, "both models tie on the primary window")
	assert.Equal(t, "b", board.Entries[0].ModelID, "higher 7d average should win the tie-break")
	assert.Equal(t, "a", board.Entries[1].ModelID)
}

func TestLeaderboardBuilderModelWithNoSnapshotsScoresZero(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.UpsertModel(ctx, model.Model{ID: "quiet", Name: "quiet"})
	require.NoError(t, err)

	spec := challenge.Spec{Name: "ic", RankingKey: "ic", RankingDirection: leaderboard.DirectionDescending}
	cfg := Config{Windows: []Window{{Name: "24h", Hours: 24}}, PrimaryWindow: "24h"}
	b := New(cfg, spec, store, store, store, nil)

	board, err := b.Build(ctx, now)
	require.NoError(t, err)
	require.Len(t, board.Entries, 1)
	assert.Equal(t, float64(0), board.Entries[0].Score.Ranking.Value)
}
