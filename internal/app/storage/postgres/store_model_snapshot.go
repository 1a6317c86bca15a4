package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/model"
	"github.com/modelcoordinator/coordinator/internal/app/domain/snapshot"
)

// --- ModelStore -------------------------------------------------------------

func (s *Store) UpsertModel(ctx context.Context, m model.Model) (model.Model, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.UpdatedAt = now

	overallJSON, err := marshalJSON(m.OverallScore)
	if err != nil {
		return model.Model{}, err
	}
	scopesJSON, err := marshalJSON(m.ScoresByScope)
	if err != nil {
		return model.Model{}, err
	}
	metaJSON, err := marshalJSON(m.Meta)
	if err != nil {
		return model.Model{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (id, name, player_id, player_name, deployment_identifier, overall_score, scores_by_scope, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			player_id = EXCLUDED.player_id,
			player_name = EXCLUDED.player_name,
			deployment_identifier = EXCLUDED.deployment_identifier,
			overall_score = EXCLUDED.overall_score,
			scores_by_scope = EXCLUDED.scores_by_scope,
			meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at
	`, m.ID, m.Name, m.PlayerID, m.PlayerName, m.DeploymentIdentifier, overallJSON, scopesJSON, metaJSON, now, m.UpdatedAt)
	if err != nil {
		return model.Model{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return m, nil
}

func (s *Store) GetModel(ctx context.Context, id string) (model.Model, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, player_id, player_name, deployment_identifier, overall_score, scores_by_scope, meta, created_at, updated_at
		FROM models WHERE id = $1
	`, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return model.Model{}, apperr.NotFound("model %s", id)
	}
	return m, err
}

func (s *Store) ListModels(ctx context.Context) ([]model.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, player_id, player_name, deployment_identifier, overall_score, scores_by_scope, meta, created_at, updated_at
		FROM models ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanModel(scanner rowScanner) (model.Model, error) {
	var (
		m           model.Model
		overallJSON []byte
		scopesJSON  []byte
		metaJSON    []byte
	)
	if err := scanner.Scan(&m.ID, &m.Name, &m.PlayerID, &m.PlayerName, &m.DeploymentIdentifier, &overallJSON, &scopesJSON, &metaJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return model.Model{}, err
	}
	unmarshalJSONFloatMap(overallJSON, &m.OverallScore)
	if len(scopesJSON) > 0 {
		_ = json.Unmarshal(scopesJSON, &m.ScoresByScope)
	}
	unmarshalJSONStringMap(metaJSON, &m.Meta)
	return m, nil
}

// --- SnapshotStore ------------------------------------------------------------

func (s *Store) CreateSnapshot(ctx context.Context, sn snapshot.Record) (snapshot.Record, error) {
	if sn.ID == "" {
		sn.ID = uuid.NewString()
	}
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = time.Now().UTC()
	}

	summaryJSON, err := marshalJSON(sn.ResultSummary)
	if err != nil {
		return snapshot.Record{}, err
	}
	metaJSON, err := marshalJSON(sn.Meta)
	if err != nil {
		return snapshot.Record{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshot_records (id, model_id, period_start, period_end, prediction_count, result_summary, meta, created_at, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sn.ID, sn.ModelID, sn.PeriodStart.UTC(), sn.PeriodEnd.UTC(), sn.PredictionCount, summaryJSON, metaJSON, sn.CreatedAt, sn.ContentHash)
	if err != nil {
		return snapshot.Record{}, err
	}
	return sn, nil
}

func (s *Store) ListByModelSince(ctx context.Context, modelID string, since time.Time) ([]snapshot.Record, error) {
	rows, err := s.db.QueryContext(ctx, snapshotSelect+" WHERE model_id = $1 AND period_end >= $2 ORDER BY period_end", modelID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshotRows(rows)
}

func (s *Store) ListSnapshotsByWindow(ctx context.Context, start, end time.Time) ([]snapshot.Record, error) {
	rows, err := s.db.QueryContext(ctx, snapshotSelect+" WHERE period_start >= $1 AND period_end <= $2 ORDER BY period_end", start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshotRows(rows)
}

func (s *Store) GetByID(ctx context.Context, id string) (snapshot.Record, error) {
	row := s.db.QueryRowContext(ctx, snapshotSelect+" WHERE id = $1", id)
	sn, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return snapshot.Record{}, apperr.NotFound("snapshot %s", id)
	}
	return sn, err
}

const snapshotSelect = `
	SELECT id, model_id, period_start, period_end, prediction_count, result_summary, meta, created_at, content_hash
	FROM snapshot_records
`

func scanSnapshotRows(rows interface {
	Next() bool
	Err() error
	Scan(dest ...any) error
}) ([]snapshot.Record, error) {
	var out []snapshot.Record
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

func scanSnapshot(scanner rowScanner) (snapshot.Record, error) {
	var (
		sn          snapshot.Record
		summaryJSON []byte
		metaJSON    []byte
	)
	if err := scanner.Scan(&sn.ID, &sn.ModelID, &sn.PeriodStart, &sn.PeriodEnd, &sn.PredictionCount, &summaryJSON, &metaJSON, &sn.CreatedAt, &sn.ContentHash); err != nil {
		return snapshot.Record{}, err
	}
	unmarshalJSONMap(summaryJSON, &sn.ResultSummary)
	unmarshalJSONStringMap(metaJSON, &sn.Meta)
	return sn, nil
}
