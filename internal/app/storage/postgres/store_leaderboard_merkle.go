package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
	domain "github.com/modelcoordinator/coordinator/internal/app/domain/merkle"
)

// --- LeaderboardStore -------------------------------------------------------

func (s *Store) CreateBoard(ctx context.Context, b leaderboard.Board) (leaderboard.Board, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	entriesJSON, err := marshalJSON(b.Entries)
	if err != nil {
		return leaderboard.Board{}, err
	}
	metaJSON, err := marshalJSON(b.Meta)
	if err != nil {
		return leaderboard.Board{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leaderboard_boards (id, created_at, entries, meta)
		VALUES ($1, $2, $3, $4)
	`, b.ID, b.CreatedAt, entriesJSON, metaJSON)
	if err != nil {
		return leaderboard.Board{}, err
	}
	return b, nil
}

func (s *Store) GetLatest(ctx context.Context) (leaderboard.Board, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, entries, meta
		FROM leaderboard_boards ORDER BY created_at DESC LIMIT 1
	`)

	var (
		b           leaderboard.Board
		entriesJSON []byte
		metaJSON    []byte
	)
	if err := row.Scan(&b.ID, &b.CreatedAt, &entriesJSON, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return leaderboard.Board{}, apperr.NotFound("no leaderboard committed")
		}
		return leaderboard.Board{}, err
	}
	if len(entriesJSON) > 0 {
		_ = json.Unmarshal(entriesJSON, &b.Entries)
	}
	unmarshalJSONStringMap(metaJSON, &b.Meta)
	return b, nil
}

// --- MerkleStore --------------------------------------------------------------

func (s *Store) CreateCycle(ctx context.Context, c domain.Cycle) (domain.Cycle, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merkle_cycles (id, previous_cycle_id, previous_cycle_root, snapshots_root, chained_root, snapshot_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, toNullString(c.PreviousCycleID), toNullString(c.PreviousCycleRoot), c.SnapshotsRoot, c.ChainedRoot, c.SnapshotCount, c.CreatedAt)
	if err != nil {
		return domain.Cycle{}, err
	}
	return c, nil
}

func (s *Store) GetLatestCycle(ctx context.Context) (*domain.Cycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, previous_cycle_id, previous_cycle_root, snapshots_root, chained_root, snapshot_count, created_at
		FROM merkle_cycles ORDER BY created_at DESC LIMIT 1
	`)
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCyclesByWindow(ctx context.Context, start, end time.Time) ([]domain.Cycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, previous_cycle_id, previous_cycle_root, snapshots_root, chained_root, snapshot_count, created_at
		FROM merkle_cycles
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCycle(scanner rowScanner) (domain.Cycle, error) {
	var (
		c        domain.Cycle
		prevID   sql.NullString
		prevRoot sql.NullString
	)
	if err := scanner.Scan(&c.ID, &prevID, &prevRoot, &c.SnapshotsRoot, &c.ChainedRoot, &c.SnapshotCount, &c.CreatedAt); err != nil {
		return domain.Cycle{}, err
	}
	c.PreviousCycleID = prevID.String
	c.PreviousCycleRoot = prevRoot.String
	return c, nil
}

func (s *Store) CreateNodes(ctx context.Context, nodes []domain.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, n := range nodes {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO merkle_nodes (id, checkpoint_id, cycle_id, level, position, hash, left_child_id, right_child_id, snapshot_id, snapshot_content_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, n.ID, toNullString(n.CheckpointID), toNullString(n.CycleID), n.Level, n.Position, n.Hash,
			toNullString(n.LeftChildID), toNullString(n.RightChildID), toNullString(n.SnapshotID), toNullString(n.SnapshotContentHash), n.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListCycleNodes(ctx context.Context, cycleID string) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(ctx, nodeSelect+" WHERE cycle_id = $1", cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

func (s *Store) ListCheckpointNodes(ctx context.Context, checkpointID string) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(ctx, nodeSelect+" WHERE checkpoint_id = $1", checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodeRows(rows)
}

func (s *Store) GetNode(ctx context.Context, id string) (domain.Node, error) {
	row := s.db.QueryRowContext(ctx, nodeSelect+" WHERE id = $1", id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return domain.Node{}, apperr.NotFound("merkle node %s", id)
	}
	return n, err
}

const nodeSelect = `
	SELECT id, checkpoint_id, cycle_id, level, position, hash, left_child_id, right_child_id, snapshot_id, snapshot_content_hash, created_at
	FROM merkle_nodes
`

func scanNodeRows(rows *sql.Rows) ([]domain.Node, error) {
	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNode(scanner rowScanner) (domain.Node, error) {
	var (
		n                   domain.Node
		checkpointID        sql.NullString
		cycleID             sql.NullString
		leftChildID         sql.NullString
		rightChildID        sql.NullString
		snapshotID          sql.NullString
		snapshotContentHash sql.NullString
	)
	if err := scanner.Scan(&n.ID, &checkpointID, &cycleID, &n.Level, &n.Position, &n.Hash, &leftChildID, &rightChildID, &snapshotID, &snapshotContentHash, &n.CreatedAt); err != nil {
		return domain.Node{}, err
	}
	n.CheckpointID = checkpointID.String
	n.CycleID = cycleID.String
	n.LeftChildID = leftChildID.String
	n.RightChildID = rightChildID.String
	n.SnapshotID = snapshotID.String
	n.SnapshotContentHash = snapshotContentHash.String
	return n, nil
}
