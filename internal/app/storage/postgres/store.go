// Package postgres implements the coordinator's storage interfaces on top of
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/backfill"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
)

// Store implements every coordinator storage interface backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.FeedStore = (*Store)(nil)
var _ storage.BackfillStore = (*Store)(nil)
var _ storage.ScheduleStore = (*Store)(nil)
var _ storage.InputStore = (*Store)(nil)
var _ storage.PredictionStore = (*Store)(nil)
var _ storage.ScoreStore = (*Store)(nil)
var _ storage.ModelStore = (*Store)(nil)
var _ storage.SnapshotStore = (*Store)(nil)
var _ storage.LeaderboardStore = (*Store)(nil)
var _ storage.MerkleStore = (*Store)(nil)
var _ storage.CheckpointStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toNullString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSONMap(raw []byte, out *map[string]any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}

func unmarshalJSONFloatMap(raw []byte, out *map[string]float64) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}

func unmarshalJSONStringMap(raw []byte, out *map[string]string) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}

func unmarshalJSONStrings(raw []byte, out *[]string) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}

// --- FeedStore ---------------------------------------------------------------

func (s *Store) AppendRecords(ctx context.Context, records []feed.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	written := 0
	for _, r := range records {
		valuesJSON, err := marshalJSON(r.Values)
		if err != nil {
			return written, err
		}
		metaJSON, err := marshalJSON(r.Meta)
		if err != nil {
			return written, err
		}
		if r.TsIngested.IsZero() {
			r.TsIngested = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO feed_records (source, subject, kind, granularity, ts_event, ts_ingested, values, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (source, subject, kind, granularity, ts_event)
			DO UPDATE SET values = EXCLUDED.values, meta = EXCLUDED.meta, ts_ingested = EXCLUDED.ts_ingested
		`, r.Source, r.Subject, string(r.Kind), r.Granularity, r.TsEvent.UTC(), r.TsIngested, valuesJSON, metaJSON)
		if err != nil {
			return written, err
		}
		written++
	}

	return written, tx.Commit()
}

func (s *Store) FetchRecords(ctx context.Context, req feed.FetchRequest) ([]feed.Record, error) {
	query := `
		SELECT source, subject, kind, granularity, ts_event, ts_ingested, values, meta
		FROM feed_records
		WHERE source = $1 AND subject = $2 AND kind = $3 AND granularity = $4
	`
	args := []any{req.Source, req.Subject, string(req.Kind), req.Granularity}
	if req.StartTS != nil {
		args = append(args, req.StartTS.UTC())
		query += " AND ts_event >= $" + itoa(len(args))
	}
	if req.EndTS != nil {
		args = append(args, req.EndTS.UTC())
		query += " AND ts_event <= $" + itoa(len(args))
	}
	query += " ORDER BY ts_event ASC"
	if req.Limit > 0 {
		args = append(args, req.Limit)
		query += " LIMIT $" + itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feed.Record
	for rows.Next() {
		r, err := scanFeedRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FetchLatestRecord(ctx context.Context, scope feed.Scope, atOrBefore *time.Time) (feed.Record, error) {
	query := `
		SELECT source, subject, kind, granularity, ts_event, ts_ingested, values, meta
		FROM feed_records
		WHERE source = $1 AND subject = $2 AND kind = $3 AND granularity = $4
	`
	args := []any{scope.Source, scope.Subject, string(scope.Kind), scope.Granularity}
	if atOrBefore != nil {
		args = append(args, atOrBefore.UTC())
		query += " AND ts_event <= $" + itoa(len(args))
	}
	query += " ORDER BY ts_event DESC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanFeedRecord(row)
}

func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM feed_records WHERE ts_event < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) ListIndexedFeeds(ctx context.Context) ([]feed.IndexedSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fr.source, fr.subject, fr.kind, fr.granularity,
		       COUNT(*), MIN(fr.ts_event), MAX(fr.ts_event),
		       COALESCE(w.last_event_ts, 'epoch'::timestamptz), COALESCE(w.updated_at, 'epoch'::timestamptz)
		FROM feed_records fr
		LEFT JOIN feed_watermarks w
		  ON w.source = fr.source AND w.subject = fr.subject AND w.kind = fr.kind AND w.granularity = fr.granularity
		GROUP BY fr.source, fr.subject, fr.kind, fr.granularity, w.last_event_ts, w.updated_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feed.IndexedSummary
	for rows.Next() {
		var sum feed.IndexedSummary
		var kind string
		if err := rows.Scan(&sum.Source, &sum.Subject, &kind, &sum.Granularity, &sum.RecordCount, &sum.Oldest, &sum.Newest, &sum.Watermark, &sum.WatermarkUpdated); err != nil {
			return nil, err
		}
		sum.Kind = feed.Kind(kind)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) TailRecords(ctx context.Context, scope *feed.Scope, limit int) ([]feed.Record, error) {
	query := `SELECT source, subject, kind, granularity, ts_event, ts_ingested, values, meta FROM feed_records`
	var args []any
	if scope != nil {
		args = []any{scope.Source, scope.Subject, string(scope.Kind), scope.Granularity}
		query += " WHERE source = $1 AND subject = $2 AND kind = $3 AND granularity = $4"
	}
	query += " ORDER BY ts_event DESC"
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $" + itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feed.Record
	for rows.Next() {
		r, err := scanFeedRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetWatermark(ctx context.Context, scope feed.Scope) (feed.IngestionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source, subject, kind, granularity, last_event_ts, meta, updated_at
		FROM feed_watermarks
		WHERE source = $1 AND subject = $2 AND kind = $3 AND granularity = $4
	`, scope.Source, scope.Subject, string(scope.Kind), scope.Granularity)

	var (
		st       feed.IngestionState
		kind     string
		metaJSON []byte
	)
	if err := row.Scan(&st.Source, &st.Subject, &kind, &st.Granularity, &st.LastEventTS, &metaJSON, &st.UpdatedAt); err != nil {
		return feed.IngestionState{}, err
	}
	st.Kind = feed.Kind(kind)
	unmarshalJSONStringMap(metaJSON, &st.Meta)
	return st, nil
}

func (s *Store) SetWatermark(ctx context.Context, state feed.IngestionState) error {
	metaJSON, err := marshalJSON(state.Meta)
	if err != nil {
		return err
	}
	state.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feed_watermarks (source, subject, kind, granularity, last_event_ts, meta, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source, subject, kind, granularity)
		DO UPDATE SET last_event_ts = EXCLUDED.last_event_ts, meta = EXCLUDED.meta, updated_at = EXCLUDED.updated_at
	`, state.Source, state.Subject, string(state.Kind), state.Granularity, state.LastEventTS.UTC(), metaJSON, state.UpdatedAt)
	return err
}

func scanFeedRecord(scanner rowScanner) (feed.Record, error) {
	var (
		r          feed.Record
		kind       string
		valuesJSON []byte
		metaJSON   []byte
	)
	if err := scanner.Scan(&r.Source, &r.Subject, &kind, &r.Granularity, &r.TsEvent, &r.TsIngested, &valuesJSON, &metaJSON); err != nil {
		return feed.Record{}, err
	}
	r.Kind = feed.Kind(kind)
	r.Values = make(map[string]float64)
	if len(valuesJSON) > 0 {
		_ = json.Unmarshal(valuesJSON, &r.Values)
	}
	unmarshalJSONStringMap(metaJSON, &r.Meta)
	return r, nil
}

// --- BackfillStore ------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, job backfill.Job) (backfill.Job, error) {
	active, err := s.GetActive(ctx)
	if err != nil {
		return backfill.Job{}, err
	}
	if active != nil {
		return backfill.Job{}, apperr.Conflict("an active backfill job already exists: %s", active.ID)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = backfill.StatusPending
	}

	subjectsJSON, err := marshalJSON(job.Subjects)
	if err != nil {
		return backfill.Job{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backfill_jobs (id, source, subjects, kind, granularity, start_ts, end_ts, cursor_ts, records_written, pages_fetched, status, error, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, job.ID, job.Source, subjectsJSON, job.Kind, job.Granularity, job.StartTS.UTC(), job.EndTS.UTC(), job.CursorTS.UTC(),
		job.RecordsWritten, job.PagesFetched, string(job.Status), job.Error, job.CreatedAt, job.UpdatedAt, toNullTimePtr(job.CompletedAt))
	if err != nil {
		return backfill.Job{}, err
	}
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job backfill.Job) (backfill.Job, error) {
	existing, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return backfill.Job{}, err
	}
	job.Source = existing.Source
	job.Subjects = existing.Subjects
	job.Kind = existing.Kind
	job.Granularity = existing.Granularity
	job.StartTS = existing.StartTS
	job.EndTS = existing.EndTS
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE backfill_jobs
		SET cursor_ts = $2, records_written = $3, pages_fetched = $4, status = $5, error = $6, updated_at = $7, completed_at = $8
		WHERE id = $1
	`, job.ID, job.CursorTS.UTC(), job.RecordsWritten, job.PagesFetched, string(job.Status), job.Error, job.UpdatedAt, toNullTimePtr(job.CompletedAt))
	if err != nil {
		return backfill.Job{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return backfill.Job{}, sql.ErrNoRows
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (backfill.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, subjects, kind, granularity, start_ts, end_ts, cursor_ts, records_written, pages_fetched, status, error, created_at, updated_at, completed_at
		FROM backfill_jobs WHERE id = $1
	`, id)
	return scanBackfillJob(row)
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]backfill.Job, error) {
	query := `
		SELECT id, source, subjects, kind, granularity, start_ts, end_ts, cursor_ts, records_written, pages_fetched, status, error, created_at, updated_at, completed_at
		FROM backfill_jobs ORDER BY created_at DESC
	`
	var args []any
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $1"
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backfill.Job
	for rows.Next() {
		job, err := scanBackfillJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) GetActive(ctx context.Context) (*backfill.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, subjects, kind, granularity, start_ts, end_ts, cursor_ts, records_written, pages_fetched, status, error, created_at, updated_at, completed_at
		FROM backfill_jobs WHERE status IN ('pending', 'running') ORDER BY created_at LIMIT 1
	`)
	job, err := scanBackfillJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func scanBackfillJob(scanner rowScanner) (backfill.Job, error) {
	var (
		job          backfill.Job
		subjectsJSON []byte
		status       string
		completedAt  sql.NullTime
	)
	if err := scanner.Scan(&job.ID, &job.Source, &subjectsJSON, &job.Kind, &job.Granularity, &job.StartTS, &job.EndTS, &job.CursorTS,
		&job.RecordsWritten, &job.PagesFetched, &status, &job.Error, &job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return backfill.Job{}, err
	}
	job.Status = backfill.Status(status)
	unmarshalJSONStrings(subjectsJSON, &job.Subjects)
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return toNullTime(*t)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
