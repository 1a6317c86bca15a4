// Package checkpointbuilder implements the checkpoint & emission builder
// (C13): it periodically rolls up the cycle window's snapshots into a
// ranked per-model summary, converts that ranking into a fixed-point
// emission via the configured strategy, commits the period's Merkle
// checkpoint tree, and persists the PENDING CheckpointRecord.
package checkpointbuilder

import (
	"context"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/checkpoint"
	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
	"github.com/modelcoordinator/coordinator/internal/app/domain/snapshot"
	"github.com/modelcoordinator/coordinator/internal/app/emission"
	"github.com/modelcoordinator/coordinator/internal/app/events"
	merkle "github.com/modelcoordinator/coordinator/internal/app/merkle"
	"github.com/modelcoordinator/coordinator/internal/app/metrics"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Strategy selects which emission strategy a cycle converts its ranking
// into.
type Strategy string

const (
	StrategyTierDefault          Strategy = "tier_default"
	StrategyContributionWeighted Strategy = "contribution_weighted"
)

// Config controls checkpoint cadence and emission strategy selection.
type Config struct {
	Interval               time.Duration
	// CronExpr, when set, drives the worker's fire schedule instead of a
	// fixed ticker on Interval (e.g. "0 0 * * 0" for a weekly Sunday
	// midnight cut). Interval still determines the checkpoint's lookback
	// window regardless of which cadence triggers the build.
	CronExpr               string
	Strategy               Strategy
	ContributionWeights    emission.Weights
	ComputeProviderWallet  string
	DataProviderWallet     string
}

// Builder drives the periodic checkpoint/emission/Merkle commit.
type Builder struct {
	cfg        Config
	challenge  challenge.Spec
	models     storage.ModelStore
	snapshots  storage.SnapshotStore
	checkpoints storage.CheckpointStore
	merkle     *merkle.Service
	bus        *events.Bus
	log        *logger.Logger
}

// New builds a checkpoint builder.
func New(cfg Config, spec challenge.Spec, models storage.ModelStore, snapshots storage.SnapshotStore, checkpoints storage.CheckpointStore,
	merkleSvc *merkle.Service, bus *events.Bus, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewDefault("checkpoint-builder")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 7 * 24 * time.Hour
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyTierDefault
	}
	if cfg.ContributionWeights == (emission.Weights{}) {
		cfg.ContributionWeights = emission.DefaultWeights()
	}
	return &Builder{cfg: cfg, challenge: spec, models: models, snapshots: snapshots, checkpoints: checkpoints, merkle: merkleSvc, bus: bus, log: log}
}

// Build runs one checkpoint cycle as of now, skipping if no snapshots fall
// in the period window.
func (b *Builder) Build(ctx context.Context, now time.Time) (checkpoint.Record, bool, error) {
	periodStart := now.Add(-b.cfg.Interval)
	if latest, err := b.checkpoints.GetLatestCheckpoint(ctx); err == nil && !latest.PeriodEnd.IsZero() {
		periodStart = latest.PeriodEnd
	}

	snaps, err := b.snapshots.ListSnapshotsByWindow(ctx, periodStart, now)
	if err != nil {
		return checkpoint.Record{}, false, err
	}
	if len(snaps) == 0 {
		return checkpoint.Record{}, false, nil
	}

	perModel := aggregatePerModel(snaps, b.challenge.RankingKey)
	if models, err := b.models.ListModels(ctx); err == nil {
		for _, m := range models {
			if agg, ok := perModel[m.ID]; ok {
				agg.modelName = m.Name
			}
		}
	}
	ranked := rankModels(perModel, b.challenge.RankingDirection)

	entries := []emission.RankedEntry{}
	rankingSnapshot := make([]checkpoint.RankingEntry, 0, len(ranked))
	for i, m := range ranked {
		entries = append(entries, emission.RankedEntry{
			ModelID:      m.modelID,
			ModelName:    m.modelName,
			RankingValue: m.value,
			Contribution: m.value,
		})
		rankingSnapshot = append(rankingSnapshot, checkpoint.RankingEntry{
			CruncherIndex: i, ModelID: m.modelID, ModelName: m.modelName, Value: m.value,
		})
	}

	var cruncherRewards []checkpoint.CruncherReward
	switch b.cfg.Strategy {
	case StrategyContributionWeighted:
		cruncherRewards = emission.ContributionWeighted(entries, b.cfg.ContributionWeights)
	default:
		cruncherRewards = emission.TierDefault(entries)
	}

	em := checkpoint.Emission{
		Crunch:                 "coordinator",
		CruncherRewards:        cruncherRewards,
		ComputeProviderRewards: emission.ProviderReward(b.cfg.ComputeProviderWallet),
		DataProviderRewards:    emission.ProviderReward(b.cfg.DataProviderWallet),
	}

	rec := checkpoint.Record{
		PeriodStart: periodStart,
		PeriodEnd:   now,
		Status:      checkpoint.StatusPending,
		Entries:     []checkpoint.Emission{em},
		Ranking:     rankingSnapshot,
		CreatedAt:   now,
	}
	created, err := b.checkpoints.CreateCheckpoint(ctx, rec)
	if err != nil {
		metrics.RecordCheckpointBuilt("failed")
		return checkpoint.Record{}, false, apperr.TransientStore(err, "persist checkpoint for period [%s, %s]", periodStart, now)
	}
	metrics.RecordCheckpointBuilt(string(created.Status))

	root, err := b.merkle.CommitCheckpoint(ctx, created.ID, periodStart, now)
	if err != nil {
		b.log.WithField("checkpoint_id", created.ID).WithError(err).Warn("checkpoint builder failed to commit merkle tree")
	} else if root != "" {
		created.MerkleRoot = root
		if created, err = b.checkpoints.UpdateCheckpoint(ctx, created); err != nil {
			b.log.WithField("checkpoint_id", created.ID).WithError(err).Warn("checkpoint builder failed to persist merkle root")
		}
	}

	if b.bus != nil {
		_ = b.bus.Publish(ctx, events.ChannelCheckpointDone, map[string]any{"checkpoint_id": created.ID})
	}

	return created, true, nil
}

type modelAgg struct {
	modelID         string
	modelName       string
	value           float64
	predictionCount int
}

func aggregatePerModel(snaps []snapshot.Record, rankingKey string) map[string]*modelAgg {
	out := make(map[string]*modelAgg)
	for _, s := range snaps {
		agg, ok := out[s.ModelID]
		if !ok {
			agg = &modelAgg{modelID: s.ModelID}
			out[s.ModelID] = agg
		}
		weight := float64(s.PredictionCount)
		if weight <= 0 {
			weight = 1
		}
		if v, ok := s.ResultSummary[rankingKey]; ok {
			if f, ok := v.(float64); ok {
				agg.value = (agg.value*float64(agg.predictionCount) + f*weight) / (float64(agg.predictionCount) + weight)
			}
		}
		agg.predictionCount += s.PredictionCount
	}
	return out
}

func rankModels(perModel map[string]*modelAgg, direction leaderboard.Direction) []*modelAgg {
	ranked := make([]*modelAgg, 0, len(perModel))
	for _, m := range perModel {
		ranked = append(ranked, m)
	}
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			swap := ranked[j].value > ranked[i].value
			if direction == leaderboard.DirectionAscending {
				swap = ranked[j].value < ranked[i].value
			}
			if swap {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}
	return ranked
}
