// Package memory is a thread-safe in-memory implementation of the storage
// interfaces, used for tests and for running the coordinator without a
// configured Postgres DSN.
package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/backfill"
	"github.com/modelcoordinator/coordinator/internal/app/domain/checkpoint"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
	"github.com/modelcoordinator/coordinator/internal/app/domain/merkle"
	"github.com/modelcoordinator/coordinator/internal/app/domain/model"
	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/schedule"
	"github.com/modelcoordinator/coordinator/internal/app/domain/score"
	"github.com/modelcoordinator/coordinator/internal/app/domain/snapshot"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
)

// Store bundles every in-memory repository behind the storage package's
// interfaces.
type Store struct {
	mu sync.RWMutex

	nextID int64

	feeds      map[string]feed.Record
	watermarks map[string]feed.IngestionState

	backfillJobs map[string]backfill.Job

	scheduleConfigs map[string]schedule.Config

	inputs map[string]input.Record

	predictions map[string]prediction.Record

	scores map[string]score.Record

	models map[string]model.Model

	snapshots map[string]snapshot.Record

	boards []leaderboard.Board

	cycles     []merkle.Cycle
	merkleNode map[string]merkle.Node

	checkpoints map[string]checkpoint.Record
}

var (
	_ storage.FeedStore        = (*Store)(nil)
	_ storage.BackfillStore    = (*Store)(nil)
	_ storage.ScheduleStore    = (*Store)(nil)
	_ storage.InputStore       = (*Store)(nil)
	_ storage.PredictionStore  = (*Store)(nil)
	_ storage.ScoreStore       = (*Store)(nil)
	_ storage.ModelStore       = (*Store)(nil)
	_ storage.SnapshotStore    = (*Store)(nil)
	_ storage.LeaderboardStore = (*Store)(nil)
	_ storage.MerkleStore      = (*Store)(nil)
	_ storage.CheckpointStore  = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:          1,
		feeds:           make(map[string]feed.Record),
		watermarks:      make(map[string]feed.IngestionState),
		backfillJobs:    make(map[string]backfill.Job),
		scheduleConfigs: make(map[string]schedule.Config),
		inputs:          make(map[string]input.Record),
		predictions:     make(map[string]prediction.Record),
		scores:          make(map[string]score.Record),
		models:          make(map[string]model.Model),
		snapshots:       make(map[string]snapshot.Record),
		merkleNode:      make(map[string]merkle.Node),
		checkpoints:     make(map[string]checkpoint.Record),
	}
}

func (s *Store) nextIDLocked(prefix string) string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%s_%d", prefix, id)
}

func scopeKey(sc feed.Scope) string {
	return sc.Source + "|" + sc.Subject + "|" + string(sc.Kind) + "|" + sc.Granularity
}

// RecordIdentity is the SHA-1 of source|subject|kind|granularity|ts_event(ISO),
// matching I3's uniqueness rule.
func RecordIdentity(r feed.Record) string {
	raw := r.Source + "|" + r.Subject + "|" + string(r.Kind) + "|" + r.Granularity + "|" + r.TsEvent.UTC().Format(time.RFC3339)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// --- FeedStore ---------------------------------------------------------

func (s *Store) AppendRecords(_ context.Context, records []feed.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	processed := 0
	for _, r := range records {
		r.TsEvent = r.TsEvent.UTC()
		r.TsIngested = r.TsIngested.UTC()
		id := RecordIdentity(r)
		existing, ok := s.feeds[id]
		if ok {
			existing.Values = r.Values
			existing.Meta = r.Meta
			existing.TsIngested = r.TsIngested
			s.feeds[id] = existing
		} else {
			s.feeds[id] = r
		}
		processed++
	}
	return processed, nil
}

func (s *Store) FetchRecords(_ context.Context, req feed.FetchRequest) ([]feed.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []feed.Record
	for _, r := range s.feeds {
		if r.Source != req.Source || r.Subject != req.Subject || r.Kind != req.Kind || r.Granularity != req.Granularity {
			continue
		}
		if req.StartTS != nil && r.TsEvent.Before(*req.StartTS) {
			continue
		}
		if req.EndTS != nil && r.TsEvent.After(*req.EndTS) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsEvent.Before(out[j].TsEvent) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (s *Store) FetchLatestRecord(_ context.Context, sc feed.Scope, atOrBefore *time.Time) (feed.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *feed.Record
	for _, r := range s.feeds {
		if r.Scope != sc {
			continue
		}
		if atOrBefore != nil && r.TsEvent.After(*atOrBefore) {
			continue
		}
		if latest == nil || r.TsEvent.After(latest.TsEvent) {
			cp := r
			latest = &cp
		}
	}
	if latest == nil {
		return feed.Record{}, apperr.NotFound("no feed record for scope %v", sc)
	}
	return *latest, nil
}

func (s *Store) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.feeds {
		if r.TsEvent.Before(cutoff) {
			delete(s.feeds, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListIndexedFeeds(_ context.Context) ([]feed.IndexedSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[string]*feed.IndexedSummary)
	for _, r := range s.feeds {
		key := scopeKey(r.Scope)
		sum, ok := agg[key]
		if !ok {
			sum = &feed.IndexedSummary{Scope: r.Scope, Oldest: r.TsEvent, Newest: r.TsEvent}
			agg[key] = sum
		}
		sum.RecordCount++
		if r.TsEvent.Before(sum.Oldest) {
			sum.Oldest = r.TsEvent
		}
		if r.TsEvent.After(sum.Newest) {
			sum.Newest = r.TsEvent
		}
	}
	for key, w := range s.watermarks {
		if sum, ok := agg[key]; ok {
			sum.Watermark = w.LastEventTS
			sum.WatermarkUpdated = w.UpdatedAt
		}
	}
	out := make([]feed.IndexedSummary, 0, len(agg))
	for _, sum := range agg {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return scopeKey(out[i].Scope) < scopeKey(out[j].Scope) })
	return out, nil
}

func (s *Store) TailRecords(_ context.Context, sc *feed.Scope, limit int) ([]feed.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []feed.Record
	for _, r := range s.feeds {
		if sc != nil && r.Scope != *sc {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsEvent.After(out[j].TsEvent) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetWatermark(_ context.Context, sc feed.Scope) (feed.IngestionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.watermarks[scopeKey(sc)]
	if !ok {
		return feed.IngestionState{Scope: sc}, nil
	}
	return w, nil
}

func (s *Store) SetWatermark(_ context.Context, state feed.IngestionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()
	s.watermarks[scopeKey(state.Scope)] = state
	return nil
}

// --- BackfillStore -------------------------------------------------------

func (s *Store) CreateJob(_ context.Context, job backfill.Job) (backfill.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.backfillJobs {
		if !existing.Status.Terminal() {
			return backfill.Job{}, apperr.Conflict("a backfill job is already active: %s", existing.ID)
		}
	}

	if job.ID == "" {
		job.ID = s.nextIDLocked("job")
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.backfillJobs[job.ID] = job
	return job, nil
}

func (s *Store) UpdateJob(_ context.Context, job backfill.Job) (backfill.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.backfillJobs[job.ID]
	if !ok {
		return backfill.Job{}, apperr.NotFound("backfill job %s", job.ID)
	}
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	s.backfillJobs[job.ID] = job
	return job, nil
}

func (s *Store) GetJob(_ context.Context, id string) (backfill.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.backfillJobs[id]
	if !ok {
		return backfill.Job{}, apperr.NotFound("backfill job %s", id)
	}
	return job, nil
}

func (s *Store) ListJobs(_ context.Context, limit int) ([]backfill.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]backfill.Job, 0, len(s.backfillJobs))
	for _, job := range s.backfillJobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetActive(_ context.Context) (*backfill.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.backfillJobs {
		if !job.Status.Terminal() {
			cp := job
			return &cp, nil
		}
	}
	return nil, nil
}

// --- ScheduleStore ---------------------------------------------------------

func (s *Store) CreateConfig(_ context.Context, cfg schedule.Config) (schedule.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = s.nextIDLocked("sched")
	}
	s.scheduleConfigs[cfg.ID] = cfg
	return cfg, nil
}

func (s *Store) UpdateConfig(_ context.Context, cfg schedule.Config) (schedule.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduleConfigs[cfg.ID]; !ok {
		return schedule.Config{}, apperr.NotFound("schedule config %s", cfg.ID)
	}
	s.scheduleConfigs[cfg.ID] = cfg
	return cfg, nil
}

func (s *Store) GetConfig(_ context.Context, id string) (schedule.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.scheduleConfigs[id]
	if !ok {
		return schedule.Config{}, apperr.NotFound("schedule config %s", id)
	}
	return cfg, nil
}

func (s *Store) ListActiveConfigs(_ context.Context) ([]schedule.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schedule.Config, 0, len(s.scheduleConfigs))
	for _, cfg := range s.scheduleConfigs {
		if cfg.Active {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// --- InputStore --------------------------------------------------------

func (s *Store) CreateInput(_ context.Context, in input.Record) (input.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == "" {
		in.ID = s.nextIDLocked("input")
	}
	s.inputs[in.ID] = in
	return in, nil
}

func (s *Store) UpdateInput(_ context.Context, in input.Record) (input.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inputs[in.ID]; !ok {
		return input.Record{}, apperr.NotFound("input %s", in.ID)
	}
	s.inputs[in.ID] = in
	return in, nil
}

func (s *Store) GetInput(_ context.Context, id string) (input.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.inputs[id]
	if !ok {
		return input.Record{}, apperr.NotFound("input %s", id)
	}
	return in, nil
}

func (s *Store) ListResolvable(_ context.Context, now time.Time) ([]input.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []input.Record
	for _, in := range s.inputs {
		if in.Status == input.StatusReceived && !in.ResolvableAt.After(now) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvableAt.Before(out[j].ResolvableAt) })
	return out, nil
}

// --- PredictionStore -----------------------------------------------------

func (s *Store) CreatePredictions(_ context.Context, preds []prediction.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range preds {
		if p.ID == "" {
			p.ID = s.nextIDLocked("pred")
		}
		s.predictions[p.ID] = p
	}
	return nil
}

func (s *Store) UpdatePrediction(_ context.Context, p prediction.Record) (prediction.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.predictions[p.ID]; !ok {
		return prediction.Record{}, apperr.NotFound("prediction %s", p.ID)
	}
	s.predictions[p.ID] = p
	return p, nil
}

func (s *Store) GetPrediction(_ context.Context, id string) (prediction.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.predictions[id]
	if !ok {
		return prediction.Record{}, apperr.NotFound("prediction %s", id)
	}
	return p, nil
}

func (s *Store) ListByInput(_ context.Context, inputID string) ([]prediction.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []prediction.Record
	for _, p := range s.predictions {
		if p.InputID == inputID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerformedAt.Before(out[j].PerformedAt) })
	return out, nil
}

func (s *Store) ListPendingResolved(_ context.Context) ([]prediction.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []prediction.Record
	for _, p := range s.predictions {
		if p.Status != prediction.StatusPending {
			continue
		}
		in, ok := s.inputs[p.InputID]
		if !ok || in.Status != input.StatusResolved {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerformedAt.Before(out[j].PerformedAt) })
	return out, nil
}

func (s *Store) ListPredictionsByWindow(_ context.Context, start, end time.Time) ([]prediction.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []prediction.Record
	for _, p := range s.predictions {
		if !p.PerformedAt.Before(start) && !p.PerformedAt.After(end) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerformedAt.Before(out[j].PerformedAt) })
	return out, nil
}

func (s *Store) ListByModelWindow(_ context.Context, modelID string, start, end time.Time) ([]prediction.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []prediction.Record
	for _, p := range s.predictions {
		if p.ModelID != modelID {
			continue
		}
		if !p.PerformedAt.Before(start) && !p.PerformedAt.After(end) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerformedAt.Before(out[j].PerformedAt) })
	return out, nil
}

// --- ScoreStore ----------------------------------------------------------

func (s *Store) CreateScore(_ context.Context, sc score.Record) (score.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc.ID == "" {
		sc.ID = s.nextIDLocked("score")
	}
	s.scores[sc.ID] = sc
	return sc, nil
}

func (s *Store) GetByPrediction(_ context.Context, predictionID string) (score.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sc := range s.scores {
		if sc.PredictionID == predictionID {
			return sc, nil
		}
	}
	return score.Record{}, apperr.NotFound("score for prediction %s", predictionID)
}

func (s *Store) ListScoresByWindow(_ context.Context, start, end time.Time) ([]score.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []score.Record
	for _, sc := range s.scores {
		if !sc.ScoredAt.Before(start) && !sc.ScoredAt.After(end) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScoredAt.Before(out[j].ScoredAt) })
	return out, nil
}

// --- ModelStore ----------------------------------------------------------

func (s *Store) UpsertModel(_ context.Context, m model.Model) (model.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.models[m.ID]
	if ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.models[m.ID] = m
	return m, nil
}

func (s *Store) GetModel(_ context.Context, id string) (model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return model.Model{}, apperr.NotFound("model %s", id)
	}
	return m, nil
}

func (s *Store) ListModels(_ context.Context) ([]model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- SnapshotStore ---------------------------------------------------------

func (s *Store) CreateSnapshot(_ context.Context, snap snapshot.Record) (snapshot.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ID == "" {
		snap.ID = s.nextIDLocked("snap")
	}
	snap.CreatedAt = time.Now().UTC()
	s.snapshots[snap.ID] = snap
	return snap, nil
}

func (s *Store) ListByModelSince(_ context.Context, modelID string, since time.Time) ([]snapshot.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []snapshot.Record
	for _, snap := range s.snapshots {
		if snap.ModelID == modelID && !snap.PeriodEnd.Before(since) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodEnd.Before(out[j].PeriodEnd) })
	return out, nil
}

func (s *Store) ListSnapshotsByWindow(_ context.Context, start, end time.Time) ([]snapshot.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []snapshot.Record
	for _, snap := range s.snapshots {
		if !snap.PeriodEnd.Before(start) && !snap.PeriodEnd.After(end) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodEnd.Before(out[j].PeriodEnd) })
	return out, nil
}

func (s *Store) GetByID(_ context.Context, id string) (snapshot.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return snapshot.Record{}, apperr.NotFound("snapshot %s", id)
	}
	return snap, nil
}

// --- LeaderboardStore ------------------------------------------------------

func (s *Store) CreateBoard(_ context.Context, b leaderboard.Board) (leaderboard.Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = s.nextIDLocked("board")
	}
	b.CreatedAt = time.Now().UTC()
	s.boards = append(s.boards, b)
	return b, nil
}

func (s *Store) GetLatest(_ context.Context) (leaderboard.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.boards) == 0 {
		return leaderboard.Board{}, apperr.NotFound("no leaderboard committed")
	}
	latest := s.boards[0]
	for _, b := range s.boards[1:] {
		if b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	return latest, nil
}

// --- MerkleStore -----------------------------------------------------------

func (s *Store) CreateCycle(_ context.Context, c merkle.Cycle) (merkle.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = s.nextIDLocked("cycle")
	}
	c.CreatedAt = time.Now().UTC()
	s.cycles = append(s.cycles, c)
	return c, nil
}

func (s *Store) GetLatestCycle(_ context.Context) (*merkle.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.cycles) == 0 {
		return nil, nil
	}
	latest := s.cycles[0]
	for _, c := range s.cycles[1:] {
		if c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return &latest, nil
}

func (s *Store) ListCyclesByWindow(_ context.Context, start, end time.Time) ([]merkle.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []merkle.Cycle
	for _, c := range s.cycles {
		if !c.CreatedAt.Before(start) && !c.CreatedAt.After(end) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateNodes(_ context.Context, nodes []merkle.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range nodes {
		n.CreatedAt = time.Now().UTC()
		s.merkleNode[n.ID] = n
	}
	return nil
}

func (s *Store) ListCycleNodes(_ context.Context, cycleID string) ([]merkle.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []merkle.Node
	for _, n := range s.merkleNode {
		if n.CycleID == cycleID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (s *Store) ListCheckpointNodes(_ context.Context, checkpointID string) ([]merkle.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []merkle.Node
	for _, n := range s.merkleNode {
		if n.CheckpointID == checkpointID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (s *Store) GetNode(_ context.Context, id string) (merkle.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.merkleNode[id]
	if !ok {
		return merkle.Node{}, apperr.NotFound("merkle node %s", id)
	}
	return n, nil
}

// --- CheckpointStore ---------------------------------------------------

func (s *Store) CreateCheckpoint(_ context.Context, c checkpoint.Record) (checkpoint.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = s.nextIDLocked("chk")
	}
	c.CreatedAt = time.Now().UTC()
	s.checkpoints[c.ID] = c
	return c, nil
}

func (s *Store) UpdateCheckpoint(_ context.Context, c checkpoint.Record) (checkpoint.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.checkpoints[c.ID]
	if !ok {
		return checkpoint.Record{}, apperr.NotFound("checkpoint %s", c.ID)
	}
	c.CreatedAt = existing.CreatedAt
	s.checkpoints[c.ID] = c
	return c, nil
}

func (s *Store) GetCheckpoint(_ context.Context, id string) (checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.checkpoints[id]
	if !ok {
		return checkpoint.Record{}, apperr.NotFound("checkpoint %s", id)
	}
	return c, nil
}

func (s *Store) GetLatestCheckpoint(_ context.Context) (checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest checkpoint.Record
	found := false
	for _, c := range s.checkpoints {
		if !found || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
			found = true
		}
	}
	if !found {
		return checkpoint.Record{}, apperr.NotFound("no checkpoint committed")
	}
	return latest, nil
}

func (s *Store) ListCheckpoints(_ context.Context, limit int) ([]checkpoint.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]checkpoint.Record, 0, len(s.checkpoints))
	for _, c := range s.checkpoints {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
