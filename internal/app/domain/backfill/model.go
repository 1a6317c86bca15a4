// Package backfill models resumable historical-ingest jobs.
package backfill

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job tracks one historical-fetch request end to end. At most one Job may be
// non-terminal at a time (see storage.BackfillStore.GetActive).
type Job struct {
	ID             string
	Source         string
	Subjects       []string
	Kind           string
	Granularity    string
	StartTS        time.Time
	EndTS          time.Time
	CursorTS       time.Time
	RecordsWritten int64
	PagesFetched   int64
	Status         Status
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// ProgressPct reports 0-100 progress across the job's configured time range.
func (j Job) ProgressPct() float64 {
	span := j.EndTS.Sub(j.StartTS).Seconds()
	if span <= 0 {
		return 100
	}
	done := j.CursorTS.Sub(j.StartTS).Seconds()
	if done <= 0 {
		return 0
	}
	pct := done / span * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Request describes a backfill to run, either as a fresh job or resuming one.
type Request struct {
	Source      string
	Subjects    []string
	Kind        string
	Granularity string
	Start       time.Time
	End         time.Time
	PageSize    int
	Cursor      *time.Time
	JobID       string
}
