package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	app "github.com/modelcoordinator/coordinator/internal/app"
	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/backfill"
	"github.com/modelcoordinator/coordinator/internal/app/domain/checkpoint"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/metrics"
)

type handler struct {
	app *app.Application
	mux *mux.Router
}

func newHandler(application *app.Application) *handler {
	h := &handler{app: application, mux: mux.NewRouter()}

	h.mux.Handle("/metrics", metrics.Handler())
	h.mux.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	h.mux.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/schema", h.reportsSchema).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/models", h.listModels).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/models/global", h.modelsGlobal).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/models/params", h.modelsParams).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/models/{id}/diversity", h.modelDiversity).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/predictions", h.listPredictions).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/leaderboard", h.latestLeaderboard).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/feeds", h.listFeeds).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/feeds/tail", h.tailFeed).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/snapshots", h.listSnapshots).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/checkpoints", h.listCheckpoints).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/checkpoints/latest", h.latestCheckpoint).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/checkpoints/{id}", h.getCheckpoint).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/checkpoints/{id}/payload", h.checkpointPayload).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/checkpoints/{id}/emission", h.checkpointEmission).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/checkpoints/{id}/emission/cli-format", h.checkpointEmissionCLI).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/checkpoints/{id}/confirm", h.confirmCheckpoint).Methods(http.MethodPost)
	h.mux.HandleFunc("/reports/checkpoints/{id}/status", h.advanceCheckpoint).Methods(http.MethodPatch)
	h.mux.HandleFunc("/reports/emissions/latest", h.emissionsLatest).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/backfill", h.createBackfillJob).Methods(http.MethodPost)
	h.mux.HandleFunc("/reports/backfill/jobs", h.listBackfillJobs).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/backfill/jobs/{id}", h.getBackfillJob).Methods(http.MethodGet)
	h.mux.HandleFunc("/reports/backfill/feeds", h.backfillFeeds).Methods(http.MethodGet)
	h.mux.HandleFunc("/data/backfill/index", h.dataBackfillIndex).Methods(http.MethodGet)
	h.mux.HandleFunc("/data/backfill/{rel_path:.*}", h.dataBackfillFile).Methods(http.MethodGet)

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}

	if pct, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(pct) > 0 {
		body["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		body["memory_used_percent"] = vm.UsedPercent
		body["memory_available_bytes"] = vm.Available
	}

	writeJSON(w, http.StatusOK, body)
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handler) reportsSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version": 1,
		"leaderboard_columns": []map[string]any{
			{"id": "model_name", "type": "MODEL", "property": "model_name", "displayName": "Model", "order": 0},
			{"id": "rank", "type": "VALUE", "property": "rank", "displayName": "Rank", "order": 1},
			{"id": "cruncher_name", "type": "USERNAME", "property": "cruncher_name", "displayName": "Cruncher", "order": 2},
		},
		"metrics_widgets": []map[string]any{
			{"id": "leaderboard_trend", "type": "CHART", "displayName": "Leaderboard trend", "endpointUrl": "/reports/leaderboard", "order": 0},
		},
	})
}

func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.app.Stores.Models.ListModels(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(models))
	for _, m := range models {
		out = append(out, map[string]any{
			"model_id": m.ID, "model_name": m.Name, "cruncher_name": m.PlayerName,
			"cruncher_id": m.PlayerID, "deployment_id": m.DeploymentIdentifier,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) latestLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := h.app.Stores.Leaderboards.GetLatest(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(board.Entries))
	for _, e := range board.Entries {
		row := map[string]any{
			"rank": e.Rank, "model_id": e.ModelID, "model_name": e.ModelName, "cruncher_name": e.CruncherName,
		}
		for metric, value := range e.Score.Metrics {
			row["score_"+metric] = value
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"created_at": board.CreatedAt, "entries": out})
}

func (h *handler) tailFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	var scope *feed.Scope
	if source := q.Get("source"); source != "" {
		scope = &feed.Scope{
			Source: source, Subject: q.Get("subject"), Kind: feed.Kind(q.Get("kind")), Granularity: q.Get("granularity"),
		}
	}
	records, err := h.app.Stores.Feeds.TailRecords(r.Context(), scope, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	start, end := parseWindow(r, 7*24*time.Hour)
	snaps, err := h.app.Stores.Snapshots.ListSnapshotsByWindow(r.Context(), start, end)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cps, err := h.app.Stores.Checkpoints.ListCheckpoints(r.Context(), limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

func (h *handler) latestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.app.Stores.Checkpoints.GetLatestCheckpoint(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (h *handler) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cp, err := h.app.Stores.Checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (h *handler) confirmCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cp, err := h.app.Stores.Checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if cp.Status != checkpoint.StatusPending {
		writeError(w, http.StatusConflict, "checkpoint is not pending")
		return
	}
	cp.Status = checkpoint.StatusSubmitted
	cp.TxHash = body.TxHash
	now := time.Now().UTC()
	cp.SubmittedAt = &now

	updated, err := h.app.Stores.Checkpoints.UpdateCheckpoint(r.Context(), cp)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) advanceCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cp, err := h.app.Stores.Checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	target := checkpoint.Status(body.Status)
	if cp.Status.Next() != target {
		writeError(w, http.StatusConflict, "checkpoint status must advance one step at a time")
		return
	}
	cp.Status = target

	updated, err := h.app.Stores.Checkpoints.UpdateCheckpoint(r.Context(), cp)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) createBackfillJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source      string    `json:"source"`
		Subject     string    `json:"subject"`
		Kind        string    `json:"kind"`
		Granularity string    `json:"granularity"`
		Start       time.Time `json:"start"`
		End         time.Time `json:"end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.app.Backfill.Submit(r.Context(), backfill.Request{
		Source: body.Source, Subjects: []string{body.Subject}, Kind: body.Kind, Granularity: body.Granularity,
		Start: body.Start, End: body.End,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	go h.app.Backfill.Run(context.Background(), job)

	writeJSON(w, http.StatusAccepted, job)
}

func (h *handler) listBackfillJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.app.Stores.Backfill.ListJobs(r.Context(), limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) getBackfillJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.app.Stores.Backfill.GetJob(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": job.ID, "source": job.Source, "subjects": job.Subjects, "kind": job.Kind, "granularity": job.Granularity,
		"start_ts": job.StartTS, "end_ts": job.EndTS, "cursor_ts": job.CursorTS, "records_written": job.RecordsWritten,
		"pages_fetched": job.PagesFetched, "status": job.Status, "error": job.Error, "progress_pct": job.ProgressPct(),
	})
}

func parseWindow(r *http.Request, fallback time.Duration) (time.Time, time.Time) {
	now := time.Now().UTC()
	start, end := now.Add(-fallback), now
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}
	return start, end
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.Is(err, apperr.KindConflict):
		writeError(w, http.StatusConflict, err.Error())
	case apperr.Is(err, apperr.KindValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.Is(err, apperr.KindAuth):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
