// Package scorer implements the scorer (C9): it resolves pending inputs via
// the ground-truth resolver, then runs the challenge scoring function over
// every PENDING prediction whose input has become RESOLVED.
package scorer

import (
	"context"
	"time"

	core "github.com/modelcoordinator/coordinator/internal/app/core/service"
	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/score"
	"github.com/modelcoordinator/coordinator/internal/app/events"
	"github.com/modelcoordinator/coordinator/internal/app/metrics"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/services/resolver"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Handoff is invoked with the set of predictions scored this cycle, so the
// snapshotter/leaderboard/merkle pipeline can react without its own poll.
type Handoff func(ctx context.Context, scored []prediction.Record)

// Scorer drives one scoring cycle on an interval.
type Scorer struct {
	resolver  *resolver.Resolver
	inputs    storage.InputStore
	preds     storage.PredictionStore
	scores    storage.ScoreStore
	challenge challenge.Spec
	bus       *events.Bus
	log       *logger.Logger
	onScored  Handoff

	loop *core.TickerWorker
}

// New builds a scorer that ticks every interval.
func New(r *resolver.Resolver, inputs storage.InputStore, preds storage.PredictionStore, scores storage.ScoreStore,
	spec challenge.Spec, bus *events.Bus, interval time.Duration, onScored Handoff, log *logger.Logger) *Scorer {
	if log == nil {
		log = logger.NewDefault("scorer")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &Scorer{resolver: r, inputs: inputs, preds: preds, scores: scores, challenge: spec, bus: bus, onScored: onScored, log: log}
	s.loop = &core.TickerWorker{WorkerName: "scorer", Interval: interval, Log: log, Tick: s.runCycle}
	return s
}

// Name identifies the worker for the system lifecycle manager.
func (s *Scorer) Name() string { return s.loop.Name() }

// Start begins the scoring loop.
func (s *Scorer) Start(ctx context.Context) error { return s.loop.Start(ctx) }

// Stop stops the scoring loop.
func (s *Scorer) Stop(ctx context.Context) error { return s.loop.Stop(ctx) }

func (s *Scorer) runCycle(ctx context.Context) {
	now := time.Now().UTC()
	cycleStart := time.Now()

	if _, err := s.resolver.ResolvePending(ctx, now); err != nil {
		s.log.WithError(err).Warn("scorer resolve_pending failed, will retry next cycle")
		return
	}

	pending, err := s.preds.ListPendingResolved(ctx)
	if err != nil {
		s.log.WithError(err).Warn("scorer failed to list pending-resolved predictions")
		return
	}
	if len(pending) == 0 {
		return
	}

	seenScopes := make(map[string]bool)
	defer func() {
		duration := time.Since(cycleStart)
		for scopeKey := range seenScopes {
			metrics.RecordScoringCycle(scopeKey, duration)
		}
	}()

	scored := make([]prediction.Record, 0, len(pending))
	for _, pred := range pending {
		seenScopes[pred.ScopeKey] = true

		in, err := s.inputs.GetInput(ctx, pred.InputID)
		if err != nil {
			s.log.WithField("prediction_id", pred.ID).WithError(err).Warn("scorer failed to load input for prediction")
			continue
		}

		outcome := s.scoreOne(pred, in.Actuals)

		if _, err := s.scores.CreateScore(ctx, score.Record{
			PredictionID: pred.ID,
			Result:       outcome.Result,
			Success:      outcome.Success,
			FailedReason: outcome.FailedReason,
			ScoredAt:     now,
		}); err != nil {
			s.log.WithField("prediction_id", pred.ID).WithError(err).Warn("scorer failed to persist score")
			continue
		}

		pred.Status = prediction.StatusScored
		updated, err := s.preds.UpdatePrediction(ctx, pred)
		if err != nil {
			s.log.WithField("prediction_id", pred.ID).WithError(err).Warn("scorer failed to advance prediction status")
			continue
		}
		scored = append(scored, updated)
	}

	if len(scored) == 0 {
		return
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.ChannelScoreComplete, map[string]any{"count": len(scored)})
	}
	if s.onScored != nil {
		s.onScored(ctx, scored)
	}
}

func (s *Scorer) scoreOne(pred prediction.Record, actuals map[string]any) challenge.ScoreOutcome {
	outcome := func() (out challenge.ScoreOutcome) {
		defer func() {
			if r := recover(); r != nil {
				out = challenge.ScoreOutcome{Success: false, FailedReason: "scoring function panicked"}
			}
		}()
		return s.challenge.ScorePrediction(pred.InferenceOutput, actuals)
	}()

	if outcome.Success {
		if err := s.challenge.ValidateScore(outcome.Result); err != nil {
			outcome.Success = false
			outcome.FailedReason = err.Error()
		}
	}
	return outcome
}
