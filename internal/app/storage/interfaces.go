// Package storage declares the repository contracts every coordinator
// component depends on. Concrete implementations live in storage/memory and
// storage/postgres.
package storage

import (
	"context"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/domain/backfill"
	"github.com/modelcoordinator/coordinator/internal/app/domain/checkpoint"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
	"github.com/modelcoordinator/coordinator/internal/app/domain/merkle"
	"github.com/modelcoordinator/coordinator/internal/app/domain/model"
	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/schedule"
	"github.com/modelcoordinator/coordinator/internal/app/domain/score"
	"github.com/modelcoordinator/coordinator/internal/app/domain/snapshot"
)

// FeedStore persists market-data records and per-scope ingestion watermarks.
type FeedStore interface {
	AppendRecords(ctx context.Context, records []feed.Record) (int, error)
	FetchRecords(ctx context.Context, req feed.FetchRequest) ([]feed.Record, error)
	FetchLatestRecord(ctx context.Context, scope feed.Scope, atOrBefore *time.Time) (feed.Record, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListIndexedFeeds(ctx context.Context) ([]feed.IndexedSummary, error)
	TailRecords(ctx context.Context, scope *feed.Scope, limit int) ([]feed.Record, error)
	GetWatermark(ctx context.Context, scope feed.Scope) (feed.IngestionState, error)
	SetWatermark(ctx context.Context, state feed.IngestionState) error
}

// BackfillStore persists historical-ingest jobs and enforces the at-most-one
// non-terminal job invariant.
type BackfillStore interface {
	CreateJob(ctx context.Context, job backfill.Job) (backfill.Job, error)
	UpdateJob(ctx context.Context, job backfill.Job) (backfill.Job, error)
	GetJob(ctx context.Context, id string) (backfill.Job, error)
	ListJobs(ctx context.Context, limit int) ([]backfill.Job, error)
	GetActive(ctx context.Context) (*backfill.Job, error)
}

// ScheduleStore persists scheduled-prediction configs.
type ScheduleStore interface {
	CreateConfig(ctx context.Context, cfg schedule.Config) (schedule.Config, error)
	UpdateConfig(ctx context.Context, cfg schedule.Config) (schedule.Config, error)
	GetConfig(ctx context.Context, id string) (schedule.Config, error)
	ListActiveConfigs(ctx context.Context) ([]schedule.Config, error)
}

// InputStore persists per-cycle input envelopes and tracks which remain
// awaiting ground-truth resolution.
type InputStore interface {
	CreateInput(ctx context.Context, in input.Record) (input.Record, error)
	UpdateInput(ctx context.Context, in input.Record) (input.Record, error)
	GetInput(ctx context.Context, id string) (input.Record, error)
	ListResolvable(ctx context.Context, now time.Time) ([]input.Record, error)
}

// PredictionStore persists per-model, per-cycle prediction rows.
type PredictionStore interface {
	CreatePredictions(ctx context.Context, preds []prediction.Record) error
	UpdatePrediction(ctx context.Context, pred prediction.Record) (prediction.Record, error)
	GetPrediction(ctx context.Context, id string) (prediction.Record, error)
	ListByInput(ctx context.Context, inputID string) ([]prediction.Record, error)
	ListPendingResolved(ctx context.Context) ([]prediction.Record, error)
	ListPredictionsByWindow(ctx context.Context, start, end time.Time) ([]prediction.Record, error)
	ListByModelWindow(ctx context.Context, modelID string, start, end time.Time) ([]prediction.Record, error)
}

// ScoreStore persists scoring outcomes.
type ScoreStore interface {
	CreateScore(ctx context.Context, s score.Record) (score.Record, error)
	GetByPrediction(ctx context.Context, predictionID string) (score.Record, error)
	ListScoresByWindow(ctx context.Context, start, end time.Time) ([]score.Record, error)
}

// ModelStore persists the known-model registry.
type ModelStore interface {
	UpsertModel(ctx context.Context, m model.Model) (model.Model, error)
	GetModel(ctx context.Context, id string) (model.Model, error)
	ListModels(ctx context.Context) ([]model.Model, error)
}

// SnapshotStore persists per-cycle per-model snapshots.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s snapshot.Record) (snapshot.Record, error)
	ListByModelSince(ctx context.Context, modelID string, since time.Time) ([]snapshot.Record, error)
	ListSnapshotsByWindow(ctx context.Context, start, end time.Time) ([]snapshot.Record, error)
	GetByID(ctx context.Context, id string) (snapshot.Record, error)
}

// LeaderboardStore persists append-only leaderboard rows.
type LeaderboardStore interface {
	CreateBoard(ctx context.Context, b leaderboard.Board) (leaderboard.Board, error)
	GetLatest(ctx context.Context) (leaderboard.Board, error)
}

// MerkleStore persists cycle/checkpoint trees and their nodes.
type MerkleStore interface {
	CreateCycle(ctx context.Context, c merkle.Cycle) (merkle.Cycle, error)
	GetLatestCycle(ctx context.Context) (*merkle.Cycle, error)
	ListCyclesByWindow(ctx context.Context, start, end time.Time) ([]merkle.Cycle, error)
	CreateNodes(ctx context.Context, nodes []merkle.Node) error
	ListCycleNodes(ctx context.Context, cycleID string) ([]merkle.Node, error)
	ListCheckpointNodes(ctx context.Context, checkpointID string) ([]merkle.Node, error)
	GetNode(ctx context.Context, id string) (merkle.Node, error)
}

// CheckpointStore persists settlement checkpoints.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, c checkpoint.Record) (checkpoint.Record, error)
	UpdateCheckpoint(ctx context.Context, c checkpoint.Record) (checkpoint.Record, error)
	GetCheckpoint(ctx context.Context, id string) (checkpoint.Record, error)
	GetLatestCheckpoint(ctx context.Context) (checkpoint.Record, error)
	ListCheckpoints(ctx context.Context, limit int) ([]checkpoint.Record, error)
}
