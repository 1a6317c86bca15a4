// Package checkpoint models periodic roll-ups of cycles into on-chain
// settlement payloads.
package checkpoint

import "time"

// Status is the on-chain settlement lattice; transitions outside this order
// are rejected as conflicts.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusClaimable Status = "CLAIMABLE"
	StatusPaid      Status = "PAID"
)

// Next reports the only status this one may legally advance to, or "" if
// terminal.
func (s Status) Next() Status {
	switch s {
	case StatusPending:
		return StatusSubmitted
	case StatusSubmitted:
		return StatusClaimable
	case StatusClaimable:
		return StatusPaid
	default:
		return ""
	}
}

// CruncherReward is one model's fixed-point reward share, addressed by its
// index into the checkpoint's ranking snapshot.
type CruncherReward struct {
	CruncherIndex int
	RewardPct     int64
}

// ProviderReward is a flat-rate reward paid to a compute or data provider
// wallet.
type ProviderReward struct {
	Provider  string
	RewardPct int64
}

// Emission is the wire-format reward distribution for one checkpoint period.
// RewardPct fields are fixed-point fractions of the protocol multiplier M.
type Emission struct {
	Crunch                 string
	CruncherRewards        []CruncherReward
	ComputeProviderRewards []ProviderReward
	DataProviderRewards    []ProviderReward
}

// RankingEntry records which model occupied which index in the ranking used
// to build an Emission, so cruncher_index can later be mapped back to a
// model id.
type RankingEntry struct {
	CruncherIndex int
	ModelID       string
	ModelName     string
	Value         float64
}

// Record is one settlement period's checkpoint: its emission payload, the
// ranking snapshot needed to resolve it, and its Merkle anchor.
type Record struct {
	ID          string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      Status
	Entries     []Emission
	Ranking     []RankingEntry
	Meta        map[string]string
	MerkleRoot  string
	CreatedAt   time.Time
	TxHash      string
	SubmittedAt *time.Time
}
