// Package leaderboardbuilder implements the leaderboard builder (C11): for
// every known model it averages the challenge's ranking metric across each
// configured rolling window, ranks by the primary window's value, and
// appends a new leaderboard row.
package leaderboardbuilder

import (
	"context"
	"sort"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
	"github.com/modelcoordinator/coordinator/internal/app/domain/snapshot"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Window is one rolling averaging window, named for display (e.g. "24h").
type Window struct {
	Name  string
	Hours float64
}

// Config controls which windows are computed and which one ranks the board.
type Config struct {
	Windows       []Window
	PrimaryWindow string
	TieBreakers   []string
}

// Builder computes and appends leaderboard rows.
type Builder struct {
	cfg       Config
	challenge challenge.Spec
	models    storage.ModelStore
	snapshots storage.SnapshotStore
	boards    storage.LeaderboardStore
	log       *logger.Logger
}

// New builds a leaderboard builder.
func New(cfg Config, spec challenge.Spec, models storage.ModelStore, snapshots storage.SnapshotStore, boards storage.LeaderboardStore, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault("leaderboard-builder")
	}
	if cfg.PrimaryWindow == "" && len(cfg.Windows) > 0 {
		cfg.PrimaryWindow = cfg.Windows[0].Name
	}
	return &Builder{cfg: cfg, challenge: spec, models: models, snapshots: snapshots, boards: boards, log: log}
}

// Build computes a fresh ranked board as of now and appends it.
func (b *Builder) Build(ctx context.Context, now time.Time) (leaderboard.Board, error) {
	models, err := b.models.ListModels(ctx)
	if err != nil {
		return leaderboard.Board{}, err
	}

	entries := make([]leaderboard.Entry, 0, len(models))
	for _, m := range models {
		metrics, err := b.windowMetrics(ctx, m.ID, now)
		if err != nil {
			b.log.WithField("model_id", m.ID).WithError(err).Warn("leaderboard builder failed to compute window metrics")
			continue
		}
		entries = append(entries, leaderboard.Entry{
			ModelID:      m.ID,
			ModelName:    m.Name,
			CruncherName: m.PlayerName,
			Score: leaderboard.Score{
				Metrics: metrics,
				Ranking: leaderboard.Ranking{
					Key:         b.challenge.RankingKey,
					Value:       metrics[b.cfg.PrimaryWindow],
					Direction:   b.challenge.RankingDirection,
					TieBreakers: b.cfg.TieBreakers,
				},
			},
		})
	}

	sortEntries(entries)
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return b.boards.CreateBoard(ctx, leaderboard.Board{CreatedAt: now, Entries: entries})
}

func (b *Builder) windowMetrics(ctx context.Context, modelID string, now time.Time) (map[string]float64, error) {
	out := make(map[string]float64, len(b.cfg.Windows))
	for _, w := range b.cfg.Windows {
		cutoff := now.Add(-time.Duration(w.Hours * float64(time.Hour)))
		snaps, err := b.snapshots.ListByModelSince(ctx, modelID, cutoff)
		if err != nil {
			return nil, err
		}
		out[w.Name] = meanRankingValue(snaps, b.challenge.RankingKey)
	}
	return out, nil
}

func meanRankingValue(snaps []snapshot.Record, key string) float64 {
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, s := range snaps {
		if v, ok := s.ResultSummary[key]; ok {
			if f, ok := toFloat(v); ok {
				sum += f
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func sortEntries(entries []leaderboard.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, c := entries[i].Score.Ranking, entries[j].Score.Ranking
		if a.Value != c.Value {
			if a.Direction == leaderboard.DirectionAscending {
				return a.Value < c.Value
			}
			return a.Value > c.Value
		}
		for _, tb := range entries[i].Score.Ranking.TieBreakers {
			av, aok := entries[i].Score.Metrics[tb]
			cv, cok := entries[j].Score.Metrics[tb]
			if aok && cok && av != cv {
				return av > cv
			}
		}
		return entries[i].ModelID < entries[j].ModelID
	})
}
