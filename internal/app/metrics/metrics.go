// Package metrics exposes the coordinator's Prometheus collectors: HTTP
// serving metrics plus one gauge/counter/histogram family per pipeline
// stage (backfill, scoring, snapshotting, checkpointing).
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every coordinator-specific Prometheus collector.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coordinator",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	backfillPagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "backfill",
			Name:      "pages_fetched_total",
			Help:      "Total number of backfill pages fetched, by job subject.",
		},
		[]string{"source", "subject"},
	)

	backfillRecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "backfill",
			Name:      "records_written_total",
			Help:      "Total number of feed records written by backfill jobs.",
		},
		[]string{"source", "subject"},
	)

	feedRecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "feed",
			Name:      "records_ingested_total",
			Help:      "Total number of live feed records ingested.",
		},
		[]string{"source", "subject", "kind"},
	)

	predictionDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "predict",
			Name:      "dispatches_total",
			Help:      "Total number of model predict dispatches, by outcome.",
		},
		[]string{"model_id", "status"},
	)

	predictionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "predict",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of model predict dispatches.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"model_id"},
	)

	scoringCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "scoring",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full score-and-snapshot cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"scope_key"},
	)

	snapshotsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "snapshot",
			Name:      "created_total",
			Help:      "Total number of per-model snapshots created.",
		},
		[]string{"model_id"},
	)

	merkleCyclesCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "merkle",
			Name:      "cycles_committed_total",
			Help:      "Total number of score cycle Merkle trees committed.",
		},
	)

	checkpointsBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "checkpoint",
			Name:      "built_total",
			Help:      "Total number of checkpoints built, by final status.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		backfillPagesFetched,
		backfillRecordsWritten,
		feedRecordsIngested,
		predictionDispatches,
		predictionDuration,
		scoringCycleDuration,
		snapshotsCreated,
		merkleCyclesCommitted,
		checkpointsBuilt,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordBackfillPage records one fetched backfill page.
func RecordBackfillPage(source, subject string, recordsWritten int) {
	backfillPagesFetched.WithLabelValues(source, subject).Inc()
	if recordsWritten > 0 {
		backfillRecordsWritten.WithLabelValues(source, subject).Add(float64(recordsWritten))
	}
}

// RecordFeedIngest records one live feed record ingested.
func RecordFeedIngest(source, subject, kind string) {
	feedRecordsIngested.WithLabelValues(source, subject, kind).Inc()
}

// RecordPredictDispatch records a model predict dispatch outcome and its
// duration.
func RecordPredictDispatch(modelID, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	predictionDispatches.WithLabelValues(modelID, status).Inc()
	predictionDuration.WithLabelValues(modelID).Observe(duration.Seconds())
}

// RecordScoringCycle records the wall time of a scope's score-and-snapshot
// cycle.
func RecordScoringCycle(scopeKey string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	scoringCycleDuration.WithLabelValues(scopeKey).Observe(duration.Seconds())
}

// RecordSnapshotCreated records one persisted per-model snapshot.
func RecordSnapshotCreated(modelID string) {
	snapshotsCreated.WithLabelValues(modelID).Inc()
}

// RecordMerkleCycleCommitted records one committed score-cycle Merkle tree.
func RecordMerkleCycleCommitted() {
	merkleCyclesCommitted.Inc()
}

// RecordCheckpointBuilt records a checkpoint reaching a terminal or
// intermediate status.
func RecordCheckpointBuilt(status string) {
	checkpointsBuilt.WithLabelValues(status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "models", "leaderboards", "checkpoints", "snapshots", "predictions":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		return "/" + parts[0] + "/:id"
	default:
		return "/" + parts[0]
	}
}
