package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/checkpoint"
)

// --- CheckpointStore ----------------------------------------------------------

func (s *Store) CreateCheckpoint(ctx context.Context, c checkpoint.Record) (checkpoint.Record, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = checkpoint.StatusPending
	}

	entriesJSON, err := marshalJSON(c.Entries)
	if err != nil {
		return checkpoint.Record{}, err
	}
	rankingJSON, err := marshalJSON(c.Ranking)
	if err != nil {
		return checkpoint.Record{}, err
	}
	metaJSON, err := marshalJSON(c.Meta)
	if err != nil {
		return checkpoint.Record{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_records (id, period_start, period_end, status, entries, ranking, meta, merkle_root, created_at, tx_hash, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.PeriodStart.UTC(), c.PeriodEnd.UTC(), string(c.Status), entriesJSON, rankingJSON, metaJSON, c.MerkleRoot, c.CreatedAt, toNullString(c.TxHash), toNullTimePtr(c.SubmittedAt))
	if err != nil {
		return checkpoint.Record{}, err
	}
	return c, nil
}

func (s *Store) UpdateCheckpoint(ctx context.Context, c checkpoint.Record) (checkpoint.Record, error) {
	existing, err := s.GetCheckpoint(ctx, c.ID)
	if err != nil {
		return checkpoint.Record{}, err
	}
	c.PeriodStart = existing.PeriodStart
	c.PeriodEnd = existing.PeriodEnd
	c.Entries = existing.Entries
	c.Ranking = existing.Ranking
	c.MerkleRoot = existing.MerkleRoot
	c.CreatedAt = existing.CreatedAt

	metaJSON, err := marshalJSON(c.Meta)
	if err != nil {
		return checkpoint.Record{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE checkpoint_records
		SET status = $2, meta = $3, tx_hash = $4, submitted_at = $5
		WHERE id = $1
	`, c.ID, string(c.Status), metaJSON, toNullString(c.TxHash), toNullTimePtr(c.SubmittedAt))
	if err != nil {
		return checkpoint.Record{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return checkpoint.Record{}, sql.ErrNoRows
	}
	return c, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (checkpoint.Record, error) {
	row := s.db.QueryRowContext(ctx, checkpointSelect+" WHERE id = $1", id)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return checkpoint.Record{}, apperr.NotFound("checkpoint %s", id)
	}
	return c, err
}

func (s *Store) GetLatestCheckpoint(ctx context.Context) (checkpoint.Record, error) {
	row := s.db.QueryRowContext(ctx, checkpointSelect+" ORDER BY period_end DESC LIMIT 1")
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return checkpoint.Record{}, apperr.NotFound("no checkpoint committed")
	}
	return c, err
}

func (s *Store) ListCheckpoints(ctx context.Context, limit int) ([]checkpoint.Record, error) {
	rows, err := s.db.QueryContext(ctx, checkpointSelect+" ORDER BY period_end DESC LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []checkpoint.Record
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const checkpointSelect = `
	SELECT id, period_start, period_end, status, entries, ranking, meta, merkle_root, created_at, tx_hash, submitted_at
	FROM checkpoint_records
`

func scanCheckpoint(scanner rowScanner) (checkpoint.Record, error) {
	var (
		c           checkpoint.Record
		status      string
		entriesJSON []byte
		rankingJSON []byte
		metaJSON    []byte
		txHash      sql.NullString
		submittedAt sql.NullTime
	)
	if err := scanner.Scan(&c.ID, &c.PeriodStart, &c.PeriodEnd, &status, &entriesJSON, &rankingJSON, &metaJSON, &c.MerkleRoot, &c.CreatedAt, &txHash, &submittedAt); err != nil {
		return checkpoint.Record{}, err
	}
	c.Status = checkpoint.Status(status)
	if len(entriesJSON) > 0 {
		if err := json.Unmarshal(entriesJSON, &c.Entries); err != nil {
			return checkpoint.Record{}, err
		}
	}
	if len(rankingJSON) > 0 {
		if err := json.Unmarshal(rankingJSON, &c.Ranking); err != nil {
			return checkpoint.Record{}, err
		}
	}
	unmarshalJSONStringMap(metaJSON, &c.Meta)
	c.TxHash = txHash.String
	if submittedAt.Valid {
		t := submittedAt.Time
		c.SubmittedAt = &t
	}
	return c, nil
}
