// Package schedule models the persisted set of scheduled prediction configs
// that drive the dispatcher's fan-out cadence.
package schedule

// Cadence controls how often a config fires and how far out its predictions
// resolve.
type Cadence struct {
	PredictionIntervalSeconds int `yaml:"prediction_interval_seconds"`
	ResolveAfterSeconds       int `yaml:"resolve_after_seconds"`
}

// Config is one scheduled-prediction entry: a scope template fanned out to
// models on the configured cadence.
type Config struct {
	ID            string            `yaml:"id"`
	ScopeKey      string            `yaml:"scope_key"`
	ScopeTemplate map[string]any    `yaml:"scope_template"`
	Schedule      Cadence           `yaml:"schedule"`
	Active        bool              `yaml:"active"`
	Order         int               `yaml:"order"`
	Meta          map[string]string `yaml:"meta"`
}
