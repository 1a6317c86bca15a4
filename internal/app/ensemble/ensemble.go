// Package ensemble builds virtual combined-model predictions from a set of
// member models' cycle predictions, per a configured filter and weight
// strategy.
package ensemble

import (
	"fmt"
	"sort"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
)

// Config is one configured ensemble: its reserved virtual model name, which
// member filter to apply, and which weight strategy to combine with.
type Config struct {
	Name     string
	Filter   Filter
	Strategy WeightStrategy
}

// MemberPredictions is one model's predictions for the cycle, keyed for
// filtering/weighting by model id.
type MemberPredictions struct {
	ModelID     string
	Predictions []prediction.Record
	// PrimaryMetricValue is used by the top_n filter to rank members.
	PrimaryMetricValue float64
	// Metrics is consulted by the min_metric filter.
	Metrics map[string]float64
}

// Filter narrows the member set an ensemble combines.
type Filter func(members []MemberPredictions) []MemberPredictions

// TopN keeps the n members with the highest PrimaryMetricValue.
func TopN(n int) Filter {
	return func(members []MemberPredictions) []MemberPredictions {
		sorted := make([]MemberPredictions, len(members))
		copy(sorted, members)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].PrimaryMetricValue > sorted[j].PrimaryMetricValue
		})
		if n < len(sorted) {
			sorted = sorted[:n]
		}
		return sorted
	}
}

// MinMetric keeps members whose named metric meets or exceeds threshold.
func MinMetric(name string, threshold float64) Filter {
	return func(members []MemberPredictions) []MemberPredictions {
		var out []MemberPredictions
		for _, m := range members {
			if v, ok := m.Metrics[name]; ok && v >= threshold {
				out = append(out, m)
			}
		}
		return out
	}
}

// WeightStrategy computes one weight per member, in the same order given.
type WeightStrategy func(members []MemberPredictions) []float64

func extractValues(preds []prediction.Record) []float64 {
	var out []float64
	for _, p := range preds {
		if v, ok := p.InferenceOutput["value"]; ok {
			if f, ok := v.(float64); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(values))
}

// InverseVariance weighs each member by 1/variance of its predicted values,
// falling back to equal weight when a member has fewer than two values or
// near-zero variance, and normalizing across the member set.
func InverseVariance(members []MemberPredictions) []float64 {
	raw := make([]float64, len(members))
	for i, m := range members {
		values := extractValues(m.Predictions)
		v := variance(values)
		if len(values) < 2 || v < 1e-12 {
			raw[i] = 1.0
			continue
		}
		raw[i] = 1.0 / v
	}
	return normalize(raw)
}

// EqualWeight assigns every member the same weight.
func EqualWeight(members []MemberPredictions) []float64 {
	out := make([]float64, len(members))
	if len(members) == 0 {
		return out
	}
	w := 1.0 / float64(len(members))
	for i := range out {
		out[i] = w
	}
	return out
}

func normalize(weights []float64) []float64 {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total < 1e-12 {
		return EqualWeight(make([]MemberPredictions, len(weights)))
	}
	out := make([]float64, len(weights))
	for i, w := range weights {
		out[i] = w / total
	}
	return out
}

// memberKey groups predictions by (input, scope) for cross-model alignment.
func memberKey(p prediction.Record) string {
	return p.InputID + "|" + p.ScopeKey
}

// Build combines the filtered, weighted member predictions into synthetic
// PredictionRecords for the virtual ensemble model, one per distinct
// (input, scope) pair. Members missing a value for a given pair are ignored
// in that pair's weighted average.
func Build(cfg Config, members []MemberPredictions) []prediction.Record {
	filtered := members
	if cfg.Filter != nil {
		filtered = cfg.Filter(members)
	}
	if len(filtered) == 0 {
		return nil
	}
	weights := cfg.Strategy(filtered)

	type accum struct {
		weightedSum float64
		weightSum   float64
		scope       map[string]any
		scopeKey    string
		inputID     string
		configID    string
	}
	groups := make(map[string]*accum)
	order := make([]string, 0)

	virtualModelID := prediction.EnsembleModelID(cfg.Name)

	for mi, m := range filtered {
		w := weights[mi]
		for _, p := range m.Predictions {
			v, ok := p.InferenceOutput["value"]
			if !ok {
				continue
			}
			fv, ok := v.(float64)
			if !ok {
				continue
			}
			key := memberKey(p)
			g, ok := groups[key]
			if !ok {
				g = &accum{scope: p.Scope, scopeKey: p.ScopeKey, inputID: p.InputID, configID: p.PredictionConfigID}
				groups[key] = g
				order = append(order, key)
			}
			g.weightedSum += fv * w
			g.weightSum += w
		}
	}

	out := make([]prediction.Record, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		if g.weightSum <= 0 {
			continue
		}
		ensembleValue := g.weightedSum / g.weightSum
		out = append(out, prediction.Record{
			ID:                 fmt.Sprintf("pred_%s_%s_%s", virtualModelID, g.inputID, g.scopeKey),
			InputID:            g.inputID,
			ModelID:            virtualModelID,
			PredictionConfigID: g.configID,
			ScopeKey:           g.scopeKey,
			Scope:              g.scope,
			Status:             prediction.StatusScored,
			InferenceOutput:    map[string]any{"value": ensembleValue},
			PerformedAt:        time.Now().UTC(),
			Meta: map[string]string{
				"ensemble_name": cfg.Name,
			},
		})
	}
	return out
}
