package emission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rankedOf(n int) []RankedEntry {
	out := make([]RankedEntry, n)
	for i := range out {
		out[i] = RankedEntry{ModelID: string(rune('a' + i)), RankingValue: float64(n - i)}
	}
	return out
}

func TestTierDefaultSumsToMultiplierAcrossSizes(t *testing.T) {
	for _, n := range []int{1, 2, 5, 6, 7, 9, 10, 11, 23} {
		rewards := TierDefault(rankedOf(n))
		require.Len(t, rewards, n)
		var sum int64
		for _, r := range rewards {
			sum += r.RewardPct
		}
		assert.Equal(t, FracMultiplier, sum, "n=%d", n)
	}
}

func TestTierDefaultSevenModelsRankOneStaysFlat35Pct(t *testing.T) {
	rewards := TierDefault(rankedOf(7))
	require.Len(t, rewards, 7)

	var sum int64
	for _, r := range rewards {
		sum += r.RewardPct
	}
	assert.Equal(t, FracMultiplier, sum)

	// rank 1 (index 0) must stay at the flat 35% share: the tier-1 band has
	// no missing slots at N=7, so nothing should inflate it.
	assert.InDelta(t, 350_000_000, rewards[0].RewardPct, 1)

	// tier2 (ranks 2-5, all present) stays flat at 10% each.
	for i := 1; i <= 4; i++ {
		assert.InDelta(t, 100_000_000, rewards[i].RewardPct, 1, "rank %d", i+1)
	}

	// tier3 (ranks 6-10): only ranks 6,7 present (2 of 5 slots), so the
	// missing 3 slots' 5% each must redistribute only across those two,
	// giving each 5 + 3*5/2 = 12.5%.
	for i := 5; i <= 6; i++ {
		assert.InDelta(t, 125_000_000, rewards[i].RewardPct, 1, "rank %d", i+1)
	}
}

func TestTierDefaultTenModelsMatchesLiteralTierPercentages(t *testing.T) {
	rewards := TierDefault(rankedOf(10))
	require.Len(t, rewards, 10)

	assert.InDelta(t, 350_000_000, rewards[0].RewardPct, 1)
	for i := 1; i <= 4; i++ {
		assert.InDelta(t, 100_000_000, rewards[i].RewardPct, 1, "rank %d", i+1)
	}
	for i := 5; i <= 9; i++ {
		assert.InDelta(t, 50_000_000, rewards[i].RewardPct, 1, "rank %d", i+1)
	}
}

func TestTierDefaultEmptyInput(t *testing.T) {
	assert.Nil(t, TierDefault(nil))
}

func TestTierDefaultSingleModelTakesWholeMultiplier(t *testing.T) {
	rewards := TierDefault(rankedOf(1))
	require.Len(t, rewards, 1)
	assert.Equal(t, FracMultiplier, rewards[0].RewardPct)
}

func TestContributionWeightedSumsToMultiplier(t *testing.T) {
	entries := []RankedEntry{
		{ModelID: "a", Contribution: 0.9, ModelCorrelation: 0.1},
		{ModelID: "b", Contribution: 0.4, ModelCorrelation: 0.5},
		{ModelID: "c", Contribution: -0.2, ModelCorrelation: 0.9},
		{ModelID: "d", Contribution: 0.0, ModelCorrelation: 0.3},
	}
	rewards := ContributionWeighted(entries, DefaultWeights())
	require.Len(t, rewards, 4)

	var sum int64
	for _, r := range rewards {
		sum += r.RewardPct
	}
	assert.Equal(t, FracMultiplier, sum)
}

func TestContributionWeightedRespectsMinPctFloor(t *testing.T) {
	// b's raw composite share would round to 0%; the 10% floor lifts it
	// before renormalization spreads the excess back across both entries.
	entries := []RankedEntry{
		{ModelID: "a", Contribution: 100, ModelCorrelation: 0},
		{ModelID: "b", Contribution: 0.001, ModelCorrelation: 0.999},
	}
	w := Weights{Rank: 0, Contribution: 1, Diversity: 0, MinPct: 10}
	rewards := ContributionWeighted(entries, w)
	require.Len(t, rewards, 2)

	// floor(10) / (100+10) * 100 = 9.0909...% once renormalized.
	assert.InDelta(t, 90_909_090, rewards[1].RewardPct, 2)
	assert.Greater(t, rewards[1].RewardPct, int64(0))

	var sum int64
	for _, r := range rewards {
		sum += r.RewardPct
	}
	assert.Equal(t, FracMultiplier, sum)
}

func TestContributionWeightedEmptyInput(t *testing.T) {
	assert.Nil(t, ContributionWeighted(nil, DefaultWeights()))
}

func TestContributionWeightedAllEqualComponentsSplitsEvenly(t *testing.T) {
	// Isolate the contribution/diversity components (zero rank weight): with
	// identical contribution and correlation across entries, the composite
	// score ties and the split must be even regardless of rank position.
	entries := []RankedEntry{
		{ModelID: "a", Contribution: 1, ModelCorrelation: 0.5},
		{ModelID: "b", Contribution: 1, ModelCorrelation: 0.5},
		{ModelID: "c", Contribution: 1, ModelCorrelation: 0.5},
	}
	w := Weights{Rank: 0, Contribution: 0.5, Diversity: 0.5, MinPct: 1.0}
	rewards := ContributionWeighted(entries, w)
	require.Len(t, rewards, 3)

	for _, r := range rewards {
		assert.InDelta(t, FracMultiplier/3, r.RewardPct, 5)
	}
}

func TestSortByRankingDescending(t *testing.T) {
	entries := []RankedEntry{
		{ModelID: "low", RankingValue: 0.1},
		{ModelID: "high", RankingValue: 0.9},
		{ModelID: "mid", RankingValue: 0.5},
	}
	SortByRankingDescending(entries)
	require.Len(t, entries, 3)
	assert.Equal(t, "high", entries[0].ModelID)
	assert.Equal(t, "mid", entries[1].ModelID)
	assert.Equal(t, "low", entries[2].ModelID)
}

func TestProviderRewardEmptyWalletReturnsNil(t *testing.T) {
	assert.Nil(t, ProviderReward(""))
}

func TestProviderRewardFlatFullWeight(t *testing.T) {
	rewards := ProviderReward("wallet-123")
	require.Len(t, rewards, 1)
	assert.Equal(t, "wallet-123", rewards[0].Provider)
	assert.Equal(t, FracMultiplier, rewards[0].RewardPct)
}
