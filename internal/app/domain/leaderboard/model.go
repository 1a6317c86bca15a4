// Package leaderboard models the append-only ranked view built from rolling
// windows of snapshot metrics.
package leaderboard

import "time"

// Direction controls whether a higher or lower ranking value wins.
type Direction string

const (
	DirectionDescending Direction = "desc"
	DirectionAscending  Direction = "asc"
)

// Ranking is the scalar a leaderboard entry is sorted by, plus the tie-break
// keys applied in order when values are equal.
type Ranking struct {
	Key          string
	Value        float64
	Direction    Direction
	TieBreakers  []string
}

// Score bundles the windowed metrics a leaderboard entry carries alongside
// its primary ranking value.
type Score struct {
	Metrics map[string]float64
	Ranking Ranking
}

// Entry is one model's row in a leaderboard snapshot.
type Entry struct {
	ModelID      string
	ModelName    string
	CruncherName string
	Score        Score
	Rank         int
}

// Board is one append-only leaderboard row; readers always query the latest
// by CreatedAt.
type Board struct {
	ID        string
	CreatedAt time.Time
	Entries   []Entry
	Meta      map[string]string
}
