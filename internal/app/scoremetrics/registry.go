// Package scoremetrics implements the named metric functions the
// snapshotter runs over a model's scored predictions each cycle. Every
// function shares the signature (predictions, scores, context) -> float64;
// an unregistered name is skipped by the caller, and a panic inside a metric
// is recovered to 0.0.
package scoremetrics

import (
	"math"
	"sort"

	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/score"
)

// Context carries cross-model state a handful of metrics need beyond one
// model's own predictions/scores.
type Context struct {
	// AllModelPredictions maps model id -> that model's prediction values
	// for the same ordered set of (input, scope) pairs as the subject
	// model, excluding the subject itself.
	AllModelPredictions map[string][]float64
	// EnsemblePredictions maps ensemble name -> its prediction values over
	// the same ordered set.
	EnsemblePredictions map[string][]float64
	// SelfModelID is the model the metric is being computed for, used to
	// exclude self-comparison and ensemble rows from peer sets.
	SelfModelID string
}

// Func is a named metric's implementation.
type Func func(preds []prediction.Record, scores []score.Record, ctx Context) float64

// Registry is the built-in named metric set.
var Registry = map[string]Func{
	"ic":                  IC,
	"ic_sharpe":           ICSharpe,
	"mean_return":         MeanReturn,
	"hit_rate":            HitRate,
	"max_drawdown":        MaxDrawdown,
	"sortino_ratio":       SortinoRatio,
	"turnover":            Turnover,
	"model_correlation":   ModelCorrelation,
	"fnc":                 FNC,
	"ensemble_correlation": EnsembleCorrelation,
	"contribution":        Contribution,
}

// Compute runs a named metric, returning 0.0 for unknown names and
// recovering any panic inside the metric to 0.0.
func Compute(name string, preds []prediction.Record, scores []score.Record, ctx Context) (value float64) {
	fn, ok := Registry[name]
	if !ok {
		return 0
	}
	defer func() {
		if recover() != nil {
			value = 0
		}
	}()
	return fn(preds, scores, ctx)
}

func extractPredValue(p prediction.Record) (float64, bool) {
	for _, key := range []string{"value", "expected_return", "signal", "prediction"} {
		if v, ok := p.InferenceOutput[key]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func extractActualReturn(s score.Record) float64 {
	for _, key := range []string{"actual_return", "return"} {
		if v, ok := s.Result[key]; ok {
			if f, ok := toFloat(v); ok {
				return f
			}
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// alignedSeries pairs each prediction's value with the actual return of its
// score, dropping predictions with no extractable value or no score.
func alignedSeries(preds []prediction.Record, scores []score.Record) (predVals, actuals []float64) {
	byPrediction := make(map[string]score.Record, len(scores))
	for _, s := range scores {
		byPrediction[s.PredictionID] = s
	}
	for _, p := range preds {
		v, ok := extractPredValue(p)
		if !ok {
			continue
		}
		s, ok := byPrediction[p.ID]
		if !ok {
			continue
		}
		predVals = append(predVals, v)
		actuals = append(actuals, extractActualReturn(s))
	}
	return predVals, actuals
}

func rank(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return values[idx[i]] < values[idx[j]] })
	ranks := make([]float64, len(values))
	i := 0
	for i < len(idx) {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avgRank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avgRank
		}
		i = j + 1
	}
	return ranks
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// spearman computes rank-based Pearson correlation between two equal-length
// series, returning 0 when either series has no variance or lengths differ.
func spearman(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	ra, rb := rank(a), rank(b)
	ma, mb := mean(ra), mean(rb)

	var num, denA, denB float64
	for i := 0; i < n; i++ {
		da, db := ra[i]-ma, rb[i]-mb
		num += da * db
		denA += da * da
		denB += db * db
	}
	if denA <= 0 || denB <= 0 {
		return 0
	}
	return num / math.Sqrt(denA*denB)
}

// IC is the Spearman rank correlation between prediction signal and actual
// return.
func IC(preds []prediction.Record, scores []score.Record, _ Context) float64 {
	predVals, actuals := alignedSeries(preds, scores)
	return spearman(predVals, actuals)
}

// ICSharpe is the mean over standard deviation of IC computed on
// sequential chunks of the series.
func ICSharpe(preds []prediction.Record, scores []score.Record, _ Context) float64 {
	predVals, actuals := alignedSeries(preds, scores)
	n := len(predVals)
	if n < 2 {
		return 0
	}

	divisor := n / 10
	if divisor < 3 {
		divisor = 3
	}
	chunkSize := n / divisor
	if chunkSize < 2 {
		chunkSize = 2
	}

	var ics []float64
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		if end-start < 2 {
			continue
		}
		ics = append(ics, spearman(predVals[start:end], actuals[start:end]))
	}
	if len(ics) < 2 {
		return 0
	}

	m, sd := mean(ics), stddev(ics)
	if sd < 1e-12 {
		if m != 0 {
			return math.Inf(int(math.Copysign(1, m)))
		}
		return 0
	}
	return m / sd
}

// MeanReturn averages sign(prediction) * actual return.
func MeanReturn(preds []prediction.Record, scores []score.Record, _ Context) float64 {
	predVals, actuals := alignedSeries(preds, scores)
	if len(predVals) == 0 {
		return 0
	}
	var sum float64
	for i := range predVals {
		if v := signOrZero(predVals[i]); v != 0 {
			sum += math.Copysign(1, v) * actuals[i]
		}
	}
	return sum / float64(len(predVals))
}

func signOrZero(v float64) float64 {
	if v == 0 {
		return 0
	}
	return v
}

func sameSign(a, b float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	return (a > 0) == (b > 0)
}

// HitRate is the fraction of predictions whose sign matched the actual
// return's sign.
func HitRate(preds []prediction.Record, scores []score.Record, _ Context) float64 {
	predVals, actuals := alignedSeries(preds, scores)
	if len(predVals) == 0 {
		return 0
	}
	hits := 0
	for i := range predVals {
		if sameSign(predVals[i], actuals[i]) {
			hits++
		}
	}
	return float64(hits) / float64(len(predVals))
}

// returnsSeries builds the per-prediction realized return sign(pred)*actual,
// the series max_drawdown/sortino_ratio operate over.
func returnsSeries(preds []prediction.Record, scores []score.Record) []float64 {
	predVals, actuals := alignedSeries(preds, scores)
	out := make([]float64, len(predVals))
	for i := range predVals {
		sign := 1.0
		if predVals[i] < 0 {
			sign = -1
		} else if predVals[i] == 0 {
			sign = 0
		}
		out[i] = sign * actuals[i]
	}
	return out
}

// MaxDrawdown is the most negative peak-to-trough excursion of the
// cumulative return series; always <= 0.
func MaxDrawdown(preds []prediction.Record, scores []score.Record, _ Context) float64 {
	returns := returnsSeries(preds, scores)
	if len(returns) == 0 {
		return 0
	}
	var cumulative, peak, worst float64
	peak = 0
	for _, r := range returns {
		cumulative += r
		if cumulative > peak {
			peak = cumulative
		}
		if dd := cumulative - peak; dd < worst {
			worst = dd
		}
	}
	return worst
}

// SortinoRatio is mean return over downside deviation of negative returns.
func SortinoRatio(preds []prediction.Record, scores []score.Record, _ Context) float64 {
	returns := returnsSeries(preds, scores)
	if len(returns) == 0 {
		return 0
	}
	meanRet := mean(returns)

	var negatives []float64
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	if len(negatives) == 0 {
		return meanRet / 1e-9
	}
	downside := stddev(negatives)
	if downside < 1e-12 {
		return meanRet / 1e-9
	}
	return meanRet / downside
}

// Turnover is the mean absolute consecutive delta of prediction values.
func Turnover(preds []prediction.Record, scores []score.Record, _ Context) float64 {
	predVals, _ := alignedSeries(preds, scores)
	if len(predVals) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(predVals); i++ {
		sum += math.Abs(predVals[i] - predVals[i-1])
	}
	return sum / float64(len(predVals)-1)
}

// ModelCorrelation is the mean pairwise Spearman correlation between this
// model's predictions and every other non-ensemble model's, over the cycle's
// shared (input, scope) ordering.
func ModelCorrelation(preds []prediction.Record, scores []score.Record, ctx Context) float64 {
	predVals, _ := alignedSeries(preds, scores)
	if len(predVals) == 0 || len(ctx.AllModelPredictions) == 0 {
		return 0
	}
	var sum float64
	var n int
	for modelID, vals := range ctx.AllModelPredictions {
		if modelID == ctx.SelfModelID || prediction.IsEnsemble(modelID) {
			continue
		}
		if len(vals) != len(predVals) {
			continue
		}
		sum += spearman(predVals, vals)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// FNC is the forward-neutralized correlation: IC of the prediction residual
// against the mean of peer models' predictions (or plain IC when this is the
// only model in the cycle).
func FNC(preds []prediction.Record, scores []score.Record, ctx Context) float64 {
	predVals, actuals := alignedSeries(preds, scores)
	if len(predVals) == 0 {
		return 0
	}

	var peers [][]float64
	for modelID, vals := range ctx.AllModelPredictions {
		if modelID == ctx.SelfModelID || prediction.IsEnsemble(modelID) {
			continue
		}
		if len(vals) == len(predVals) {
			peers = append(peers, vals)
		}
	}
	if len(peers) == 0 {
		return spearman(predVals, actuals)
	}

	peerMean := make([]float64, len(predVals))
	for _, vals := range peers {
		for i, v := range vals {
			peerMean[i] += v
		}
	}
	for i := range peerMean {
		peerMean[i] /= float64(len(peers))
	}

	residual := make([]float64, len(predVals))
	for i := range predVals {
		residual[i] = predVals[i] - peerMean[i]
	}
	return spearman(residual, actuals)
}

// EnsembleCorrelation is the Spearman correlation between this model's
// predictions and one ensemble's predictions from ctx.EnsemblePredictions
// over the same ordering; when the map holds several ensembles, which one is
// used follows map iteration order and is not defined.
func EnsembleCorrelation(preds []prediction.Record, scores []score.Record, ctx Context) float64 {
	predVals, _ := alignedSeries(preds, scores)
	if len(predVals) == 0 || len(ctx.EnsemblePredictions) == 0 {
		return 0
	}
	var first []float64
	for _, vals := range ctx.EnsemblePredictions {
		first = vals
		break
	}
	if len(first) != len(predVals) {
		return 0
	}
	return spearman(predVals, first)
}

// Contribution is the leave-one-out IC delta: the IC of an equal-weighted
// ensemble of every other non-ensemble model with this model's predictions
// folded in, minus the IC of that same ensemble without them.
func Contribution(preds []prediction.Record, scores []score.Record, ctx Context) float64 {
	predVals, actuals := alignedSeries(preds, scores)
	if len(predVals) == 0 {
		return 0
	}

	var peers [][]float64
	for modelID, vals := range ctx.AllModelPredictions {
		if modelID == ctx.SelfModelID || prediction.IsEnsemble(modelID) {
			continue
		}
		if len(vals) == len(predVals) {
			peers = append(peers, vals)
		}
	}
	if len(peers) == 0 {
		return 0
	}

	withoutSelf := make([]float64, len(predVals))
	for _, vals := range peers {
		for i, v := range vals {
			withoutSelf[i] += v
		}
	}
	for i := range withoutSelf {
		withoutSelf[i] /= float64(len(peers))
	}
	icWithout := spearman(withoutSelf, actuals)

	withSelf := make([]float64, len(predVals))
	for i := range withSelf {
		withSelf[i] = (withoutSelf[i]*float64(len(peers)) + predVals[i]) / float64(len(peers)+1)
	}
	icWith := spearman(withSelf, actuals)

	return icWith - icWithout
}
