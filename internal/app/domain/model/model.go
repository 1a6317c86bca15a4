// Package model identifies competitor predictors known to the coordinator.
package model

import "time"

// ScopeScore is one model's rolling score within a single scope.
type ScopeScore struct {
	ScopeKey string
	Metrics  map[string]float64
}

// Model is a competitor's predictor, tracked by its deployment identifier and
// registered/refreshed whenever it responds to a dispatcher tick.
type Model struct {
	ID                   string
	Name                 string
	PlayerID             string
	PlayerName           string
	DeploymentIdentifier string
	OverallScore         map[string]float64
	ScoresByScope        []ScopeScore
	Meta                 map[string]string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
