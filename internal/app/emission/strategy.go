// Package emission computes fixed-point reward distributions from a ranked
// set of models. All percentages are expressed as integer fractions of the
// protocol multiplier M, and every strategy must leave the cruncher rewards
// summing to exactly M (I6 / P5).
package emission

import (
	"sort"

	"github.com/modelcoordinator/coordinator/internal/app/domain/checkpoint"
)

// FracMultiplier (M) is the fixed-point denominator representing 100%.
const FracMultiplier int64 = 1_000_000_000

// RankedEntry is one model's inputs to an emission strategy: its rank
// position and the raw components a strategy may weigh.
type RankedEntry struct {
	ModelID          string
	ModelName        string
	RankingValue     float64
	Contribution     float64
	ModelCorrelation float64 // used to derive a diversity component (1 - correlation)
}

// Weights configures the contribution-weighted strategy's component blend.
// Components are min-max normalized across entries before weighting.
type Weights struct {
	Rank         float64
	Contribution float64
	Diversity    float64
	MinPct       float64 // floor percentage before re-normalization, e.g. 1.0 for 1%
}

// DefaultWeights matches the reference strategy's defaults.
func DefaultWeights() Weights {
	return Weights{Rank: 0.5, Contribution: 0.3, Diversity: 0.2, MinPct: 1.0}
}

func pctToFrac64(pct float64) int64 {
	return int64(pct / 100 * float64(FracMultiplier))
}

// absorbResidual nudges index 0 so the fixed-point values sum to exactly M,
// per I6's rounding-residual rule.
func absorbResidual(values []int64) []int64 {
	if len(values) == 0 {
		return values
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	values[0] += FracMultiplier - sum
	return values
}

// TierDefault implements the fixed-tier strategy: rank 1 gets 35%, ranks
// 2-5 get 10% each, ranks 6-10 get 5% each. When fewer than 10 models are
// ranked, the share of a tier's missing slots is split equally among that
// tier's present slots; a tier with no ranked model at all adds its share to
// rank 1 through the residual adjustment that makes the rewards sum to
// FracMultiplier.
func TierDefault(ranked []RankedEntry) []checkpoint.CruncherReward {
	if len(ranked) == 0 {
		return nil
	}

	type tier struct {
		from, to int // inclusive rank range, 1-based
		pct      float64
	}
	tiers := []tier{
		{1, 1, 35},
		{2, 5, 10},
		{6, 10, 5},
	}

	n := len(ranked)
	pcts := make([]float64, n)
	for _, t := range tiers {
		present, missing := 0, 0
		for rank := t.from; rank <= t.to; rank++ {
			if rank <= n {
				present++
			} else {
				missing++
			}
		}
		if present == 0 {
			continue
		}
		share := t.pct
		if missing > 0 {
			share += float64(missing) * t.pct / float64(present)
		}
		for rank := t.from; rank <= t.to && rank <= n; rank++ {
			pcts[rank-1] = share
		}
	}

	frac := make([]int64, n)
	for i, pct := range pcts {
		frac[i] = pctToFrac64(pct)
	}
	frac = absorbResidual(frac)

	out := make([]checkpoint.CruncherReward, n)
	for i := range ranked {
		out[i] = checkpoint.CruncherReward{CruncherIndex: i, RewardPct: frac[i]}
	}
	return out
}

func normalizeMinMax(values []float64) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max-min < 1e-12 {
		equal := 1.0 / float64(n)
		for i := range out {
			out[i] = equal
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}

// ContributionWeighted implements the composite strategy: a weighted blend
// of min-max normalized rank-inverse, contribution, and diversity
// (1 - model_correlation) components, floored at w.MinPct and renormalized
// to sum to 100% before conversion to fixed point.
func ContributionWeighted(ranked []RankedEntry, w Weights) []checkpoint.CruncherReward {
	n := len(ranked)
	if n == 0 {
		return nil
	}

	rankInv := make([]float64, n)
	contrib := make([]float64, n)
	diversity := make([]float64, n)
	for i, e := range ranked {
		rankInv[i] = 1.0 / float64(i+1)
		contrib[i] = e.Contribution
		diversity[i] = 1.0 - e.ModelCorrelation
	}

	normRank := normalizeMinMax(rankInv)
	normContrib := normalizeMinMax(contrib)
	normDiv := normalizeMinMax(diversity)

	composite := make([]float64, n)
	var totalComposite float64
	for i := range composite {
		composite[i] = w.Rank*normRank[i] + w.Contribution*normContrib[i] + w.Diversity*normDiv[i]
		totalComposite += composite[i]
	}

	rawPcts := make([]float64, n)
	if totalComposite <= 0 {
		equal := 100.0 / float64(n)
		for i := range rawPcts {
			rawPcts[i] = equal
		}
	} else {
		for i, c := range composite {
			pct := c / totalComposite * 100
			if pct < w.MinPct {
				pct = w.MinPct
			}
			rawPcts[i] = pct
		}
	}

	var sumPct float64
	for _, p := range rawPcts {
		sumPct += p
	}
	renormalized := make([]float64, n)
	for i, p := range rawPcts {
		renormalized[i] = p / sumPct * 100
	}

	frac := make([]int64, n)
	for i, pct := range renormalized {
		frac[i] = pctToFrac64(pct)
	}
	frac = absorbResidual(frac)

	out := make([]checkpoint.CruncherReward, n)
	for i := range ranked {
		out[i] = checkpoint.CruncherReward{CruncherIndex: i, RewardPct: frac[i]}
	}
	return out
}

// SortByRankingDescending orders entries by RankingValue, highest first,
// suitable input for either strategy.
func SortByRankingDescending(entries []RankedEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].RankingValue > entries[j].RankingValue })
}

// ProviderReward builds a single flat-rate reward entry at full weight for a
// configured compute/data provider wallet. Returns nil if no wallet is
// configured.
func ProviderReward(wallet string) []checkpoint.ProviderReward {
	if wallet == "" {
		return nil
	}
	return []checkpoint.ProviderReward{{Provider: wallet, RewardPct: FracMultiplier}}
}
