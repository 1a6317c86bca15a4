// Package challenge declares the pluggable, challenge-owned function
// registry the pipeline calls out to: output/score shape validation, ground
// truth resolution over a replayed feed slice, prediction scoring, and
// per-cycle summary aggregation. A Spec is constructed once at process init
// and injected into the services that need it; nothing here performs
// runtime class instantiation.
package challenge

import (
	"fmt"

	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
)

// ScoredResult is one scored prediction, as handed to AggregateSnapshot.
type ScoredResult struct {
	InferenceOutput map[string]any
	Actuals         map[string]any
	ScoreResult     map[string]any
}

// ScoreOutcome is the outcome of ScorePrediction.
type ScoreOutcome struct {
	Value        *float64
	Success      bool
	FailedReason string
	Result       map[string]any
}

// Spec bundles every challenge-owned hook the coordinator calls into. All
// fields are required except where noted.
type Spec struct {
	Name string

	// ValidateOutput checks a SUCCESS prediction's inference_output against
	// the challenge's expected shape.
	ValidateOutput func(output map[string]any) error

	// ValidateScore checks a score_prediction result against the challenge's
	// expected shape before it is persisted.
	ValidateScore func(result map[string]any) error

	// ResolveGroundTruth computes actuals from the feed records covering an
	// input's [received_at, resolvable_at] window. A nil map with ok=false
	// means "not yet resolvable, retry next cycle".
	ResolveGroundTruth func(records []feed.Record) (actuals map[string]any, ok bool)

	// ScorePrediction compares inference output against resolved actuals.
	ScorePrediction func(output, actuals map[string]any) ScoreOutcome

	// AggregateSnapshot reduces one model's scored results for a cycle into
	// the snapshot's result_summary payload.
	AggregateSnapshot func(results []ScoredResult) map[string]any

	// RankingKey names the result_summary field the leaderboard and
	// emission rank on.
	RankingKey string
	// RankingDirection is ascending or descending on RankingKey.
	RankingDirection leaderboard.Direction
}

// Validate reports a configuration error if any required hook is missing.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("challenge: name is required")
	}
	if s.ValidateOutput == nil || s.ValidateScore == nil {
		return fmt.Errorf("challenge %s: output/score validators are required", s.Name)
	}
	if s.ResolveGroundTruth == nil || s.ScorePrediction == nil || s.AggregateSnapshot == nil {
		return fmt.Errorf("challenge %s: resolve/score/aggregate hooks are required", s.Name)
	}
	if s.RankingKey == "" {
		return fmt.Errorf("challenge %s: ranking key is required", s.Name)
	}
	return nil
}

// RequireFields returns a validator rejecting a payload missing any of the
// listed keys, or carrying a non-numeric value for a numeric-typed key.
func RequireFields(numeric ...string) func(map[string]any) error {
	return func(payload map[string]any) error {
		for _, key := range numeric {
			v, ok := payload[key]
			if !ok {
				return fmt.Errorf("missing required field %q", key)
			}
			if _, ok := v.(float64); !ok {
				return fmt.Errorf("field %q must be numeric, got %T", key, v)
			}
		}
		return nil
	}
}
