// Package prediction models a single model's response to one dispatch cycle.
package prediction

import "time"

// Status is the lifecycle state of a prediction.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusScored  Status = "SCORED"
	StatusFailed  Status = "FAILED"
	StatusAbsent  Status = "ABSENT"
)

// Record is one model's prediction for one InputRecord/scope. ABSENT rows
// mark a known model that did not respond within a dispatch cycle; they
// never carry inference output and never produce a ScoreRecord.
type Record struct {
	ID                 string
	InputID            string
	ModelID             string
	PredictionConfigID string
	ScopeKey           string
	Scope              map[string]any
	Status             Status
	ExecTimeMS         int64
	InferenceOutput    map[string]any
	Meta               map[string]string
	PerformedAt        time.Time
	ResolvableAt       time.Time
}

// IsEnsemble reports whether the model id belongs to a virtual ensemble.
func IsEnsemble(modelID string) bool {
	const prefix, suffix = "__ensemble_", "__"
	return len(modelID) > len(prefix)+len(suffix) &&
		modelID[:len(prefix)] == prefix &&
		modelID[len(modelID)-len(suffix):] == suffix
}

// EnsembleModelID builds the reserved virtual model id for an ensemble name.
func EnsembleModelID(name string) string {
	return "__ensemble_" + name + "__"
}
