package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/score"
)

// --- PredictionStore ------------------------------------------------------

func (s *Store) CreatePredictions(ctx context.Context, preds []prediction.Record) error {
	if len(preds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range preds {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.PerformedAt.IsZero() {
			p.PerformedAt = time.Now().UTC()
		}

		scopeJSON, err := marshalJSON(p.Scope)
		if err != nil {
			return err
		}
		outputJSON, err := marshalJSON(p.InferenceOutput)
		if err != nil {
			return err
		}
		metaJSON, err := marshalJSON(p.Meta)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO prediction_records (id, input_id, model_id, prediction_config_id, scope_key, scope, status, exec_time_ms, inference_output, meta, performed_at, resolvable_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, p.ID, p.InputID, p.ModelID, p.PredictionConfigID, p.ScopeKey, scopeJSON, string(p.Status), p.ExecTimeMS, outputJSON, metaJSON, p.PerformedAt, p.ResolvableAt.UTC())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpdatePrediction(ctx context.Context, pred prediction.Record) (prediction.Record, error) {
	existing, err := s.GetPrediction(ctx, pred.ID)
	if err != nil {
		return prediction.Record{}, err
	}
	pred.InputID = existing.InputID
	pred.ModelID = existing.ModelID
	pred.ScopeKey = existing.ScopeKey
	pred.Scope = existing.Scope

	outputJSON, err := marshalJSON(pred.InferenceOutput)
	if err != nil {
		return prediction.Record{}, err
	}
	metaJSON, err := marshalJSON(pred.Meta)
	if err != nil {
		return prediction.Record{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE prediction_records
		SET status = $2, exec_time_ms = $3, inference_output = $4, meta = $5
		WHERE id = $1
	`, pred.ID, string(pred.Status), pred.ExecTimeMS, outputJSON, metaJSON)
	if err != nil {
		return prediction.Record{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return prediction.Record{}, sql.ErrNoRows
	}
	return pred, nil
}

func (s *Store) GetPrediction(ctx context.Context, id string) (prediction.Record, error) {
	row := s.db.QueryRowContext(ctx, predictionSelect+" WHERE id = $1", id)
	p, err := scanPredictionRecord(row)
	if err == sql.ErrNoRows {
		return prediction.Record{}, apperr.NotFound("prediction %s", id)
	}
	return p, err
}

func (s *Store) ListByInput(ctx context.Context, inputID string) ([]prediction.Record, error) {
	rows, err := s.db.QueryContext(ctx, predictionSelect+" WHERE input_id = $1 ORDER BY performed_at", inputID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPredictionRows(rows)
}

func (s *Store) ListPendingResolved(ctx context.Context) ([]prediction.Record, error) {
	rows, err := s.db.QueryContext(ctx, predictionSelect+`
		WHERE status = $1 AND input_id IN (SELECT id FROM input_records WHERE status = $2)
	`, string(prediction.StatusPending), string(input.StatusResolved))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPredictionRows(rows)
}

func (s *Store) ListPredictionsByWindow(ctx context.Context, start, end time.Time) ([]prediction.Record, error) {
	rows, err := s.db.QueryContext(ctx, predictionSelect+" WHERE performed_at >= $1 AND performed_at <= $2 ORDER BY performed_at", start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPredictionRows(rows)
}

func (s *Store) ListByModelWindow(ctx context.Context, modelID string, start, end time.Time) ([]prediction.Record, error) {
	rows, err := s.db.QueryContext(ctx, predictionSelect+" WHERE model_id = $1 AND performed_at >= $2 AND performed_at <= $3 ORDER BY performed_at", modelID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPredictionRows(rows)
}

const predictionSelect = `
	SELECT id, input_id, model_id, prediction_config_id, scope_key, scope, status, exec_time_ms, inference_output, meta, performed_at, resolvable_at
	FROM prediction_records
`

func scanPredictionRows(rows *sql.Rows) ([]prediction.Record, error) {
	var out []prediction.Record
	for rows.Next() {
		p, err := scanPredictionRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPredictionRecord(scanner rowScanner) (prediction.Record, error) {
	var (
		p          prediction.Record
		status     string
		scopeJSON  []byte
		outputJSON []byte
		metaJSON   []byte
	)
	if err := scanner.Scan(&p.ID, &p.InputID, &p.ModelID, &p.PredictionConfigID, &p.ScopeKey, &scopeJSON, &status, &p.ExecTimeMS, &outputJSON, &metaJSON, &p.PerformedAt, &p.ResolvableAt); err != nil {
		return prediction.Record{}, err
	}
	p.Status = prediction.Status(status)
	unmarshalJSONMap(scopeJSON, &p.Scope)
	unmarshalJSONMap(outputJSON, &p.InferenceOutput)
	unmarshalJSONStringMap(metaJSON, &p.Meta)
	return p, nil
}

// --- ScoreStore -------------------------------------------------------------

func (s *Store) CreateScore(ctx context.Context, sc score.Record) (score.Record, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.ScoredAt.IsZero() {
		sc.ScoredAt = time.Now().UTC()
	}

	resultJSON, err := marshalJSON(sc.Result)
	if err != nil {
		return score.Record{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO score_records (id, prediction_id, result, success, failed_reason, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sc.ID, sc.PredictionID, resultJSON, sc.Success, sc.FailedReason, sc.ScoredAt)
	if err != nil {
		return score.Record{}, err
	}
	return sc, nil
}

func (s *Store) GetByPrediction(ctx context.Context, predictionID string) (score.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, prediction_id, result, success, failed_reason, scored_at
		FROM score_records WHERE prediction_id = $1
	`, predictionID)
	r, err := scanScoreRecord(row)
	if err == sql.ErrNoRows {
		return score.Record{}, apperr.NotFound("score for prediction %s", predictionID)
	}
	return r, err
}

func (s *Store) ListScoresByWindow(ctx context.Context, start, end time.Time) ([]score.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prediction_id, result, success, failed_reason, scored_at
		FROM score_records WHERE scored_at >= $1 AND scored_at <= $2 ORDER BY scored_at
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []score.Record
	for rows.Next() {
		r, err := scanScoreRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanScoreRecord(scanner rowScanner) (score.Record, error) {
	var (
		r          score.Record
		resultJSON []byte
	)
	if err := scanner.Scan(&r.ID, &r.PredictionID, &resultJSON, &r.Success, &r.FailedReason, &r.ScoredAt); err != nil {
		return score.Record{}, err
	}
	unmarshalJSONMap(resultJSON, &r.Result)
	return r, nil
}
