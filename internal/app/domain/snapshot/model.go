// Package snapshot models the immutable per-model, per-cycle summary of
// score and metrics the rest of the pipeline rolls up.
package snapshot

import "time"

// Record is one model's result for one cycle window. Virtual ensemble models
// share the same shape, distinguished only by their reserved model id.
type Record struct {
	ID             string
	ModelID        string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	PredictionCount int
	ResultSummary  map[string]any
	Meta           map[string]string
	CreatedAt      time.Time
	ContentHash    string
}
