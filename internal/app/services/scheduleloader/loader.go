// Package scheduleloader seeds the schedule registry from a static YAML
// manifest at process startup, so operators can declare a coordinator's
// prediction cadence as a file under version control instead of issuing
// admin API calls by hand.
package scheduleloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/modelcoordinator/coordinator/internal/app/domain/schedule"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
)

type manifest struct {
	Configs []schedule.Config `yaml:"configs"`
}

// LoadFile parses a schedule manifest from disk. A missing file is not an
// error — it returns an empty manifest so deployments without a static
// schedule still start cleanly.
func LoadFile(path string) ([]schedule.Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scheduleloader: read %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("scheduleloader: parse %s: %w", path, err)
	}
	return m.Configs, nil
}

// Seed creates any manifest config missing from the store (matched by ID),
// leaving already-persisted configs untouched so in-place admin edits
// survive a restart.
func Seed(ctx context.Context, store storage.ScheduleStore, configs []schedule.Config) error {
	for _, cfg := range configs {
		if _, err := store.GetConfig(ctx, cfg.ID); err == nil {
			continue
		}
		if _, err := store.CreateConfig(ctx, cfg); err != nil {
			return fmt.Errorf("scheduleloader: seed %s: %w", cfg.ID, err)
		}
	}
	return nil
}
