package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
	"github.com/modelcoordinator/coordinator/internal/app/domain/schedule"
)

// --- ScheduleStore ------------------------------------------------------------

func (s *Store) CreateConfig(ctx context.Context, cfg schedule.Config) (schedule.Config, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	templateJSON, err := marshalJSON(cfg.ScopeTemplate)
	if err != nil {
		return schedule.Config{}, err
	}
	metaJSON, err := marshalJSON(cfg.Meta)
	if err != nil {
		return schedule.Config{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedule_configs (id, scope_key, scope_template, prediction_interval_seconds, resolve_after_seconds, active, "order", meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cfg.ID, cfg.ScopeKey, templateJSON, cfg.Schedule.PredictionIntervalSeconds, cfg.Schedule.ResolveAfterSeconds, cfg.Active, cfg.Order, metaJSON)
	if err != nil {
		return schedule.Config{}, err
	}
	return cfg, nil
}

func (s *Store) UpdateConfig(ctx context.Context, cfg schedule.Config) (schedule.Config, error) {
	templateJSON, err := marshalJSON(cfg.ScopeTemplate)
	if err != nil {
		return schedule.Config{}, err
	}
	metaJSON, err := marshalJSON(cfg.Meta)
	if err != nil {
		return schedule.Config{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedule_configs
		SET scope_key = $2, scope_template = $3, prediction_interval_seconds = $4, resolve_after_seconds = $5, active = $6, "order" = $7, meta = $8
		WHERE id = $1
	`, cfg.ID, cfg.ScopeKey, templateJSON, cfg.Schedule.PredictionIntervalSeconds, cfg.Schedule.ResolveAfterSeconds, cfg.Active, cfg.Order, metaJSON)
	if err != nil {
		return schedule.Config{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return schedule.Config{}, sql.ErrNoRows
	}
	return cfg, nil
}

func (s *Store) GetConfig(ctx context.Context, id string) (schedule.Config, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope_key, scope_template, prediction_interval_seconds, resolve_after_seconds, active, "order", meta
		FROM schedule_configs WHERE id = $1
	`, id)
	cfg, err := scanScheduleConfig(row)
	if err == sql.ErrNoRows {
		return schedule.Config{}, apperr.NotFound("schedule config %s", id)
	}
	return cfg, err
}

func (s *Store) ListActiveConfigs(ctx context.Context) ([]schedule.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope_key, scope_template, prediction_interval_seconds, resolve_after_seconds, active, "order", meta
		FROM schedule_configs WHERE active = true ORDER BY "order" ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Config
	for rows.Next() {
		cfg, err := scanScheduleConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanScheduleConfig(scanner rowScanner) (schedule.Config, error) {
	var (
		cfg          schedule.Config
		templateJSON []byte
		metaJSON     []byte
	)
	if err := scanner.Scan(&cfg.ID, &cfg.ScopeKey, &templateJSON, &cfg.Schedule.PredictionIntervalSeconds, &cfg.Schedule.ResolveAfterSeconds, &cfg.Active, &cfg.Order, &metaJSON); err != nil {
		return schedule.Config{}, err
	}
	unmarshalJSONMap(templateJSON, &cfg.ScopeTemplate)
	unmarshalJSONStringMap(metaJSON, &cfg.Meta)
	return cfg, nil
}

// --- InputStore -----------------------------------------------------------

func (s *Store) CreateInput(ctx context.Context, in input.Record) (input.Record, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}
	if in.Status == "" {
		in.Status = input.StatusReceived
	}

	rawJSON, err := marshalJSON(in.RawData)
	if err != nil {
		return input.Record{}, err
	}
	actualsJSON, err := marshalJSON(in.Actuals)
	if err != nil {
		return input.Record{}, err
	}
	scopeJSON, err := marshalJSON(in.Scope)
	if err != nil {
		return input.Record{}, err
	}
	metaJSON, err := marshalJSON(in.Meta)
	if err != nil {
		return input.Record{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO input_records (id, raw_data, actuals, status, scope, received_at, resolvable_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, in.ID, rawJSON, actualsJSON, string(in.Status), scopeJSON, in.ReceivedAt, in.ResolvableAt.UTC(), metaJSON)
	if err != nil {
		return input.Record{}, err
	}
	return in, nil
}

func (s *Store) UpdateInput(ctx context.Context, in input.Record) (input.Record, error) {
	existing, err := s.GetInput(ctx, in.ID)
	if err != nil {
		return input.Record{}, err
	}
	in.RawData = existing.RawData
	in.Scope = existing.Scope
	in.ReceivedAt = existing.ReceivedAt
	in.ResolvableAt = existing.ResolvableAt

	actualsJSON, err := marshalJSON(in.Actuals)
	if err != nil {
		return input.Record{}, err
	}
	metaJSON, err := marshalJSON(in.Meta)
	if err != nil {
		return input.Record{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE input_records SET actuals = $2, status = $3, meta = $4 WHERE id = $1
	`, in.ID, actualsJSON, string(in.Status), metaJSON)
	if err != nil {
		return input.Record{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return input.Record{}, sql.ErrNoRows
	}
	return in, nil
}

func (s *Store) GetInput(ctx context.Context, id string) (input.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, raw_data, actuals, status, scope, received_at, resolvable_at, meta
		FROM input_records WHERE id = $1
	`, id)
	r, err := scanInputRecord(row)
	if err == sql.ErrNoRows {
		return input.Record{}, apperr.NotFound("input %s", id)
	}
	return r, err
}

func (s *Store) ListResolvable(ctx context.Context, now time.Time) ([]input.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, raw_data, actuals, status, scope, received_at, resolvable_at, meta
		FROM input_records
		WHERE status = $1 AND resolvable_at <= $2
		ORDER BY resolvable_at ASC
	`, string(input.StatusReceived), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []input.Record
	for rows.Next() {
		r, err := scanInputRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanInputRecord(scanner rowScanner) (input.Record, error) {
	var (
		r           input.Record
		rawJSON     []byte
		actualsJSON []byte
		scopeJSON   []byte
		metaJSON    []byte
		status      string
	)
	if err := scanner.Scan(&r.ID, &rawJSON, &actualsJSON, &status, &scopeJSON, &r.ReceivedAt, &r.ResolvableAt, &metaJSON); err != nil {
		return input.Record{}, err
	}
	r.Status = input.Status(status)
	unmarshalJSONMap(rawJSON, &r.RawData)
	unmarshalJSONMap(actualsJSON, &r.Actuals)
	unmarshalJSONMap(scopeJSON, &r.Scope)
	unmarshalJSONStringMap(metaJSON, &r.Meta)
	return r, nil
}
