package challenge

import (
	"fmt"
	"math"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
)

// PriceReturnConfig parameterizes the built-in price-return challenge: models
// predict a signed direction/magnitude signal for a symbol's close price over
// a horizon, and are scored on the realized return in that direction.
type PriceReturnConfig struct {
	// SignalField is the inference_output key models report their prediction
	// under, e.g. "signal" for a value in [-1, 1]. A value starting with "$"
	// is evaluated as a JSONPath expression against the full output object,
	// letting models nest the signal arbitrarily deep instead of at the top
	// level (e.g. "$.prediction.direction.signal").
	SignalField string
}

// PriceReturn builds the default challenge shipped with the coordinator: a
// directional price-return prediction task. It is a reference
// implementation, not the only valid Spec — challenge authors supply their
// own by constructing a Spec directly.
func PriceReturn(cfg PriceReturnConfig) Spec {
	signalField := cfg.SignalField
	if signalField == "" {
		signalField = "signal"
	}

	return Spec{
		Name:               "price_return",
		ValidateOutput:     requireSignal(signalField),
		ValidateScore:      RequireFields("value"),
		ResolveGroundTruth: resolveCloseReturn,
		ScorePrediction:    scoreSignedReturn(signalField),
		AggregateSnapshot:  aggregateMeanValue,
		RankingKey:         "mean_return",
		RankingDirection:   leaderboard.DirectionDescending,
	}
}

// resolveCloseReturn computes the realized fractional return between the
// first and last close price in the resolution window. It returns ok=false
// (retry next cycle) until at least two priced records are available.
func resolveCloseReturn(records []feed.Record) (map[string]any, bool) {
	var first, last float64
	var haveFirst, haveLast bool
	priced := 0

	for _, r := range records {
		v, ok := r.Values["close"]
		if !ok {
			v, ok = r.Values["price"]
		}
		if !ok {
			continue
		}
		if !haveFirst {
			first, haveFirst = v, true
		}
		last, haveLast = v, true
		priced++
	}

	if !haveFirst || !haveLast || priced < 2 || first == 0 {
		return nil, false
	}

	return map[string]any{
		"start_price":    first,
		"end_price":      last,
		"realized_return": (last - first) / first,
	}, true
}

// scoreSignedReturn scores a model's directional signal against the realized
// return: value = signal * realized_return, clamped to [-1, 1] signal range
// first. A positive value rewards correctly-directioned, larger-magnitude
// calls; a negative value penalizes wrong-direction calls.
func scoreSignedReturn(signalField string) func(output, actuals map[string]any) ScoreOutcome {
	return func(output, actuals map[string]any) ScoreOutcome {
		signal, ok := extractSignal(signalField, output)
		if !ok {
			return ScoreOutcome{Success: false, FailedReason: "inference_output signal is not numeric"}
		}
		realized, ok := toFloat(actuals["realized_return"])
		if !ok {
			return ScoreOutcome{Success: false, FailedReason: "actuals missing realized_return"}
		}

		signal = clamp(signal, -1, 1)
		value := signal * realized

		return ScoreOutcome{
			Value:   &value,
			Success: true,
			Result: map[string]any{
				"value":           value,
				"signal":          signal,
				"realized_return": realized,
			},
		}
	}
}

// aggregateMeanValue folds a cycle's scored results for one model into their
// mean score value, matching the mean_return metric family.
func aggregateMeanValue(results []ScoredResult) map[string]any {
	var sum float64
	var n int
	for _, r := range results {
		if v, ok := toFloat(r.ScoreResult["value"]); ok {
			sum += v
			n++
		}
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}
	return map[string]any{"mean_return": mean, "scored_count": n}
}

// requireSignal validates that field resolves to a numeric value in output,
// via extractSignal's flat-key-or-JSONPath rule.
func requireSignal(field string) func(map[string]any) error {
	return func(payload map[string]any) error {
		if _, ok := extractSignal(field, payload); !ok {
			return fmt.Errorf("missing or non-numeric signal field %q", field)
		}
		return nil
	}
}

// extractSignal reads field from output, either as a flat top-level key or,
// when field starts with "$", as a JSONPath expression evaluated against the
// whole output object.
func extractSignal(field string, output map[string]any) (float64, bool) {
	if !strings.HasPrefix(field, "$") {
		return toFloat(output[field])
	}
	v, err := jsonpath.Get(field, output)
	if err != nil {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
