// Package snapshotter implements the snapshotter & metrics pipeline (C10):
// given a cycle's freshly scored predictions, it computes each model's
// challenge summary and built-in metric subset into a SnapshotRecord, and
// builds/scores/snapshots virtual ensemble models alongside the real ones.
package snapshotter

import (
	"context"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/score"
	"github.com/modelcoordinator/coordinator/internal/app/domain/snapshot"
	"github.com/modelcoordinator/coordinator/internal/app/ensemble"
	"github.com/modelcoordinator/coordinator/internal/app/events"
	merkle "github.com/modelcoordinator/coordinator/internal/app/merkle"
	"github.com/modelcoordinator/coordinator/internal/app/metrics"
	"github.com/modelcoordinator/coordinator/internal/app/scoremetrics"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Config names the built-in metrics to run and the ensembles to build each
// cycle.
type Config struct {
	Metrics   []string
	Ensembles []ensemble.Config
}

// Pipeline wires storage, the metric registry, and ensemble construction
// into one per-cycle snapshot step.
type Pipeline struct {
	cfg       Config
	preds     storage.PredictionStore
	scores    storage.ScoreStore
	snapshots storage.SnapshotStore
	challenge challenge.Spec
	merkle    *merkle.Service
	bus       *events.Bus
	log       *logger.Logger
}

// New builds a snapshotter pipeline.
func New(cfg Config, preds storage.PredictionStore, scores storage.ScoreStore, snapshots storage.SnapshotStore,
	spec challenge.Spec, merkleSvc *merkle.Service, bus *events.Bus, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewDefault("snapshotter")
	}
	return &Pipeline{cfg: cfg, preds: preds, scores: scores, snapshots: snapshots, challenge: spec, merkle: merkleSvc, bus: bus, log: log}
}

// Handle is the scorer's per-cycle handoff: scored carries every prediction
// that advanced to SCORED this cycle, across every real model.
func (p *Pipeline) Handle(ctx context.Context, scored []prediction.Record) {
	if len(scored) == 0 {
		return
	}
	now := time.Now().UTC()

	byModel := make(map[string][]prediction.Record)
	for _, pred := range scored {
		byModel[pred.ModelID] = append(byModel[pred.ModelID], pred)
	}

	modelScores := make(map[string][]score.Record)
	modelValues := make(map[string][]float64)
	for modelID, preds := range byModel {
		for _, pred := range preds {
			s, err := p.scores.GetByPrediction(ctx, pred.ID)
			if err != nil {
				continue
			}
			modelScores[modelID] = append(modelScores[modelID], s)
			modelValues[modelID] = append(modelValues[modelID], s.Value())
		}
	}

	periodStart, periodEnd := cyclePeriod(scored, now)

	cycleSnapshots := make([]snapshot.Record, 0, len(byModel))
	for modelID, preds := range byModel {
		if s, ok := p.snapshotModel(ctx, modelID, preds, modelScores[modelID], modelValues, periodStart, periodEnd, ""); ok {
			cycleSnapshots = append(cycleSnapshots, s)
		}
	}

	cycleSnapshots = append(cycleSnapshots, p.buildEnsembles(ctx, byModel, modelValues, periodStart, periodEnd)...)

	if p.merkle != nil {
		if _, committed, err := p.merkle.CommitCycle(ctx, cycleSnapshots); err != nil {
			p.log.WithError(err).Warn("snapshotter failed to commit merkle cycle")
		} else if committed {
			p.log.Info("merkle cycle committed")
			metrics.RecordMerkleCycleCommitted()
		}
	}

	if p.bus != nil {
		_ = p.bus.Publish(ctx, events.ChannelSnapshotReady, map[string]any{"models": len(byModel)})
	}
}

func (p *Pipeline) snapshotModel(ctx context.Context, modelID string, preds []prediction.Record, scores []score.Record,
	allValues map[string][]float64, periodStart, periodEnd time.Time, ensembleName string) (snapshot.Record, bool) {

	results := make([]challenge.ScoredResult, 0, len(preds))
	scoreByPred := make(map[string]score.Record, len(scores))
	for _, s := range scores {
		scoreByPred[s.PredictionID] = s
	}
	for _, pred := range preds {
		s := scoreByPred[pred.ID]
		results = append(results, challenge.ScoredResult{
			InferenceOutput: pred.InferenceOutput,
			ScoreResult:     s.Result,
		})
	}
	summary := p.challenge.AggregateSnapshot(results)
	if summary == nil {
		summary = map[string]any{}
	}

	metricCtx := scoremetrics.Context{
		AllModelPredictions: peerValues(allValues, modelID),
		SelfModelID:         modelID,
	}
	for _, name := range p.cfg.Metrics {
		if _, ok := scoremetrics.Registry[name]; !ok {
			continue
		}
		summary[name] = scoremetrics.Compute(name, preds, scores, metricCtx)
	}

	rec := snapshot.Record{
		ModelID:         modelID,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		PredictionCount: len(preds),
		ResultSummary:   summary,
		CreatedAt:       time.Now().UTC(),
	}
	if ensembleName != "" {
		rec.Meta = map[string]string{"ensemble_name": ensembleName}
	}

	created, err := p.snapshots.CreateSnapshot(ctx, rec)
	if err != nil {
		p.log.WithField("model_id", modelID).WithError(err).Warn("snapshotter failed to persist snapshot")
		return snapshot.Record{}, false
	}
	metrics.RecordSnapshotCreated(modelID)
	return created, true
}

func (p *Pipeline) buildEnsembles(ctx context.Context, byModel map[string][]prediction.Record,
	modelValues map[string][]float64, periodStart, periodEnd time.Time) []snapshot.Record {

	if len(p.cfg.Ensembles) == 0 {
		return nil
	}

	members := make([]ensemble.MemberPredictions, 0, len(byModel))
	for modelID, preds := range byModel {
		if prediction.IsEnsemble(modelID) {
			continue
		}
		values := modelValues[modelID]
		primary := 0.0
		if len(values) > 0 {
			primary = values[len(values)-1]
		}
		members = append(members, ensemble.MemberPredictions{ModelID: modelID, Predictions: preds, PrimaryMetricValue: primary})
	}

	created := make([]snapshot.Record, 0, len(p.cfg.Ensembles))
	for _, cfg := range p.cfg.Ensembles {
		synthetic := ensemble.Build(cfg, members)
		if len(synthetic) == 0 {
			continue
		}

		scoredSynthetic := make([]prediction.Record, 0, len(synthetic))
		scores := make([]score.Record, 0, len(synthetic))
		for _, pred := range synthetic {
			if _, err := p.preds.CreatePredictions(ctx, []prediction.Record{pred}); err != nil {
				p.log.WithField("ensemble", cfg.Name).WithError(err).Warn("snapshotter failed to persist ensemble prediction")
				continue
			}
			outcome := p.challenge.ScorePrediction(pred.InferenceOutput, nil)
			s := score.Record{PredictionID: pred.ID, Result: outcome.Result, Success: outcome.Success, FailedReason: outcome.FailedReason, ScoredAt: time.Now().UTC()}
			if savedScore, err := p.scores.CreateScore(ctx, s); err == nil {
				scores = append(scores, savedScore)
			}
			scoredSynthetic = append(scoredSynthetic, pred)
		}

		virtualID := prediction.EnsembleModelID(cfg.Name)
		if snap, ok := p.snapshotModel(ctx, virtualID, scoredSynthetic, scores, modelValues, periodStart, periodEnd, cfg.Name); ok {
			created = append(created, snap)
		}
	}
	return created
}

func peerValues(all map[string][]float64, self string) map[string][]float64 {
	out := make(map[string][]float64, len(all))
	for modelID, values := range all {
		if modelID == self {
			continue
		}
		out[modelID] = values
	}
	return out
}

func cyclePeriod(scored []prediction.Record, now time.Time) (time.Time, time.Time) {
	start, end := scored[0].PerformedAt, scored[0].PerformedAt
	for _, p := range scored[1:] {
		if p.PerformedAt.Before(start) {
			start = p.PerformedAt
		}
		if p.PerformedAt.After(end) {
			end = p.PerformedAt
		}
	}
	if end.IsZero() {
		end = now
	}
	return start, end
}
