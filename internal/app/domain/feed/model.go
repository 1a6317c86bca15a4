// Package feed holds the canonical market-data record shape ingested from
// feed adapters and persisted by the feed store.
package feed

import "time"

// Kind enumerates the shapes a FeedRecord's values payload can take.
type Kind string

const (
	KindTick    Kind = "tick"
	KindCandle  Kind = "candle"
	KindDepth   Kind = "depth"
	KindFunding Kind = "funding"
)

// Scope identifies a feed series: source provider, trading subject, record
// kind and sampling granularity.
type Scope struct {
	Source      string
	Subject     string
	Kind        Kind
	Granularity string
}

// Record is a single immutable market-data observation. Identity is derived
// from Scope + TsEvent; re-ingesting the same identity overwrites
// Values/Meta/TsIngested only.
type Record struct {
	Scope
	TsEvent    time.Time
	TsIngested time.Time
	Values     map[string]float64
	Meta       map[string]string
}

// IngestionState is the per-scope watermark tracking ingestion progress.
type IngestionState struct {
	Scope
	LastEventTS time.Time
	Meta        map[string]string
	UpdatedAt   time.Time
}

// IndexedSummary describes one scope's footprint in the store, used by the
// feed index / diagnostics endpoints.
type IndexedSummary struct {
	Scope
	RecordCount      int64
	Oldest           time.Time
	Newest           time.Time
	Watermark        time.Time
	WatermarkUpdated time.Time
}

// FetchRequest parameterizes Store.FetchRecords and adapter Fetch calls.
type FetchRequest struct {
	Scope
	StartTS *time.Time
	EndTS   *time.Time
	Limit   int
	Fields  []string
}

// Subscription parameterizes an adapter Listen call.
type Subscription struct {
	Subjects    []string
	Kind        Kind
	Granularity string
	Fields      []string
}

// SubjectDescriptor is returned by an adapter's ListSubjects contract.
type SubjectDescriptor struct {
	Symbol       string
	DisplayName  string
	Kinds        []Kind
	Granularities []string
	Source       string
	Metadata     map[string]string
}
