package httpapi

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/modelcoordinator/coordinator/internal/app/domain/checkpoint"
	"github.com/modelcoordinator/coordinator/internal/app/domain/model"
	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/score"
	"github.com/modelcoordinator/coordinator/internal/app/emission"
	"github.com/modelcoordinator/coordinator/internal/app/scoremetrics"
)

// reportingMetrics is the built-in metric subset the global/params/diversity
// reports surface: the snapshotter's configured set plus turnover,
// model_correlation and contribution.
var reportingMetrics = []string{
	"ic", "ic_sharpe", "mean_return", "hit_rate", "max_drawdown", "sortino_ratio",
	"turnover", "model_correlation", "contribution",
}

// projectIDs normalizes the projectIds query parameter: repeated params
// (?projectIds=a&projectIds=b) and a single comma-separated value
// (?projectIds=a,b) both yield the same slice.
func projectIDs(r *http.Request) []string {
	raw := r.URL.Query()["projectIds"]
	if len(raw) == 1 && strings.Contains(raw[0], ",") {
		raw = strings.Split(raw[0], ",")
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// resolveModels returns the models named by the projectIds query parameter,
// or every known model when it is absent.
func (h *handler) resolveModels(r *http.Request) ([]model.Model, error) {
	ids := projectIDs(r)
	if len(ids) == 0 {
		return h.app.Stores.Models.ListModels(r.Context())
	}
	out := make([]model.Model, 0, len(ids))
	for _, id := range ids {
		m, err := h.app.Stores.Models.GetModel(r.Context(), id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// modelSeries holds one model's predictions over a window paired with their
// scores, index-aligned.
type modelSeries struct {
	preds  []prediction.Record
	scores []score.Record
	values []float64
}

// collectModelSeries fetches predictions for each modelID over [start,end]
// and pairs each with its score from a single ListScoresByWindow call. The
// resulting per-model value series is what scoremetrics.Context.
// AllModelPredictions compares peers against, the same pairing the
// snapshotter builds per cycle.
func (h *handler) collectModelSeries(ctx context.Context, modelIDs []string, start, end time.Time) (map[string]modelSeries, error) {
	scores, err := h.app.Stores.Scores.ListScoresByWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byPrediction := make(map[string]score.Record, len(scores))
	for _, s := range scores {
		byPrediction[s.PredictionID] = s
	}

	out := make(map[string]modelSeries, len(modelIDs))
	for _, modelID := range modelIDs {
		preds, err := h.app.Stores.Predictions.ListByModelWindow(ctx, modelID, start, end)
		if err != nil {
			return nil, err
		}
		var ms modelSeries
		for _, p := range preds {
			s, ok := byPrediction[p.ID]
			if !ok {
				continue
			}
			ms.preds = append(ms.preds, p)
			ms.scores = append(ms.scores, s)
			ms.values = append(ms.values, s.Value())
		}
		out[modelID] = ms
	}
	return out, nil
}

func peerValueSeries(all map[string]modelSeries, self string) map[string][]float64 {
	out := make(map[string][]float64, len(all))
	for modelID, ms := range all {
		if modelID == self {
			continue
		}
		out[modelID] = ms.values
	}
	return out
}

func computeMetrics(names []string, ms modelSeries, ctx scoremetrics.Context) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = scoremetrics.Compute(name, ms.preds, ms.scores, ctx)
	}
	return out
}

// modelsGlobal serves per-model rolling metrics over a window, one row per
// model with no scope breakdown.
func (h *handler) modelsGlobal(w http.ResponseWriter, r *http.Request) {
	start, end := parseWindow(r, 7*24*time.Hour)
	models, err := h.resolveModels(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	modelIDs := make([]string, 0, len(models))
	byID := make(map[string]model.Model, len(models))
	for _, m := range models {
		modelIDs = append(modelIDs, m.ID)
		byID[m.ID] = m
	}

	series, err := h.collectModelSeries(r.Context(), modelIDs, start, end)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(modelIDs))
	for _, modelID := range modelIDs {
		ms := series[modelID]
		metricCtx := scoremetrics.Context{AllModelPredictions: peerValueSeries(series, modelID), SelfModelID: modelID}
		row := map[string]any{
			"model_id": modelID, "model_name": byID[modelID].Name, "prediction_count": len(ms.preds),
		}
		for metric, value := range computeMetrics(reportingMetrics, ms, metricCtx) {
			row[metric] = value
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

// modelsParams serves per-(model, scope_key) rolling metrics over a window,
// peer comparison restricted to models sharing the same scope.
func (h *handler) modelsParams(w http.ResponseWriter, r *http.Request) {
	start, end := parseWindow(r, 7*24*time.Hour)
	models, err := h.resolveModels(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	modelIDs := make([]string, 0, len(models))
	byID := make(map[string]model.Model, len(models))
	for _, m := range models {
		modelIDs = append(modelIDs, m.ID)
		byID[m.ID] = m
	}

	series, err := h.collectModelSeries(r.Context(), modelIDs, start, end)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	byScope := make(map[string]map[string]modelSeries)
	for modelID, ms := range series {
		for i, p := range ms.preds {
			scoped := byScope[p.ScopeKey]
			if scoped == nil {
				scoped = make(map[string]modelSeries)
				byScope[p.ScopeKey] = scoped
			}
			entry := scoped[modelID]
			entry.preds = append(entry.preds, p)
			entry.scores = append(entry.scores, ms.scores[i])
			entry.values = append(entry.values, ms.values[i])
			scoped[modelID] = entry
		}
	}

	scopeKeys := make([]string, 0, len(byScope))
	for k := range byScope {
		scopeKeys = append(scopeKeys, k)
	}
	sort.Strings(scopeKeys)

	out := make([]map[string]any, 0)
	for _, scopeKey := range scopeKeys {
		scoped := byScope[scopeKey]
		for _, modelID := range modelIDs {
			ms, ok := scoped[modelID]
			if !ok {
				continue
			}
			metricCtx := scoremetrics.Context{AllModelPredictions: peerValueSeries(scoped, modelID), SelfModelID: modelID}
			row := map[string]any{
				"model_id": modelID, "model_name": byID[modelID].Name, "scope_key": scopeKey, "prediction_count": len(ms.preds),
			}
			for metric, value := range computeMetrics(reportingMetrics, ms, metricCtx) {
				row[metric] = value
			}
			out = append(out, row)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// listPredictions serves flattened prediction+score rows over a window,
// optionally restricted to the models named by projectIds.
func (h *handler) listPredictions(w http.ResponseWriter, r *http.Request) {
	start, end := parseWindow(r, 24*time.Hour)

	ids := projectIDs(r)
	var preds []prediction.Record
	var err error
	if len(ids) == 0 {
		preds, err = h.app.Stores.Predictions.ListPredictionsByWindow(r.Context(), start, end)
	} else {
		for _, id := range ids {
			ps, pErr := h.app.Stores.Predictions.ListByModelWindow(r.Context(), id, start, end)
			if pErr != nil {
				err = pErr
				break
			}
			preds = append(preds, ps...)
		}
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}

	scores, err := h.app.Stores.Scores.ListScoresByWindow(r.Context(), start, end)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	byPrediction := make(map[string]score.Record, len(scores))
	for _, s := range scores {
		byPrediction[s.PredictionID] = s
	}

	out := make([]map[string]any, 0, len(preds))
	for _, p := range preds {
		row := map[string]any{
			"prediction_id": p.ID, "input_id": p.InputID, "model_id": p.ModelID,
			"scope_key": p.ScopeKey, "status": p.Status, "performed_at": p.PerformedAt,
			"inference_output": p.InferenceOutput,
		}
		if s, ok := byPrediction[p.ID]; ok {
			row["score_result"] = s.Result
			row["score_success"] = s.Success
			row["score_value"] = s.Value()
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

// modelDiversity reports how differentiated one model's signal is from the
// rest of the crowd, per the diversity_score=1-model_correlation contract.
func (h *handler) modelDiversity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.app.Stores.Models.GetModel(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}

	start, end := parseWindow(r, 7*24*time.Hour)
	models, err := h.app.Stores.Models.ListModels(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	modelIDs := make([]string, 0, len(models))
	for _, m := range models {
		modelIDs = append(modelIDs, m.ID)
	}

	series, err := h.collectModelSeries(r.Context(), modelIDs, start, end)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	ms := series[id]
	metricCtx := scoremetrics.Context{AllModelPredictions: peerValueSeries(series, id), SelfModelID: id}

	ic := scoremetrics.Compute("ic", ms.preds, ms.scores, metricCtx)
	correlation := scoremetrics.Compute("model_correlation", ms.preds, ms.scores, metricCtx)
	contribution := scoremetrics.Compute("contribution", ms.preds, ms.scores, metricCtx)
	diversityScore := 1 - correlation

	var rank *int
	if board, err := h.app.Stores.Leaderboards.GetLatest(r.Context()); err == nil {
		for _, e := range board.Entries {
			if e.ModelID == id {
				v := e.Rank
				rank = &v
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model_id":        id,
		"rank":            rank,
		"diversity_score": diversityScore,
		"metrics": map[string]any{
			"ic": ic, "model_correlation": correlation, "contribution": contribution,
		},
		"guidance": diversityGuidance(correlation, contribution),
	})
}

func diversityGuidance(correlation, contribution float64) []string {
	var out []string
	switch {
	case correlation > 0.8:
		out = append(out, "predictions are highly correlated with the crowd; consider a distinct signal source")
	case correlation < 0.2:
		out = append(out, "predictions are already well differentiated from the crowd")
	}
	switch {
	case contribution < 0:
		out = append(out, "model is currently a net negative contributor to the ensemble")
	case contribution > 0:
		out = append(out, "model is a net positive contributor to the ensemble")
	}
	if len(out) == 0 {
		out = append(out, "no actionable guidance for the current window")
	}
	return out
}

// listFeeds serves the feed index summary: one row per ingested scope.
func (h *handler) listFeeds(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.app.Stores.Feeds.ListIndexedFeeds(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// backfillFeeds serves the feed index joined with each scope's most recent
// backfill job, for the admin backfill-coverage view.
func (h *handler) backfillFeeds(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.app.Stores.Feeds.ListIndexedFeeds(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	jobs, err := h.app.Stores.Backfill.ListJobs(r.Context(), 0)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	type jobSummary struct {
		id          string
		status      string
		createdAt   time.Time
		progressPct float64
	}
	latestByScope := make(map[string]jobSummary, len(jobs))
	for _, j := range jobs {
		for _, subject := range j.Subjects {
			key := scopeKey(j.Source, subject, j.Kind, j.Granularity)
			if cur, ok := latestByScope[key]; ok && !j.CreatedAt.After(cur.createdAt) {
				continue
			}
			latestByScope[key] = jobSummary{id: j.ID, status: string(j.Status), createdAt: j.CreatedAt, progressPct: j.ProgressPct()}
		}
	}

	out := make([]map[string]any, 0, len(summaries))
	for _, s := range summaries {
		row := map[string]any{
			"source": s.Source, "subject": s.Subject, "kind": s.Kind, "granularity": s.Granularity,
			"record_count": s.RecordCount, "oldest": s.Oldest, "newest": s.Newest, "watermark": s.Watermark,
		}
		if j, ok := latestByScope[scopeKey(s.Source, s.Subject, string(s.Kind), s.Granularity)]; ok {
			row["last_backfill_job_id"] = j.id
			row["last_backfill_status"] = j.status
			row["last_backfill_progress_pct"] = j.progressPct
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func scopeKey(source, subject, kind, granularity string) string {
	return source + "|" + subject + "|" + kind + "|" + granularity
}

// checkpointPayload serves the raw checkpoint record, the same shape as
// getCheckpoint, kept as its own route for parity with the emission/payload
// split other checkpoint consumers expect.
func (h *handler) checkpointPayload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cp, err := h.app.Stores.Checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// checkpointEmission serves the wire-format EmissionCheckpoint for a
// checkpoint's single emission entry.
func (h *handler) checkpointEmission(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cp, err := h.app.Stores.Checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	em, err := soleEmission(cp)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emissionWireFormat(em))
}

// checkpointEmissionCLI serves the CLI-friendly emission form: cruncher_index
// resolved to model_id via the checkpoint's ranking snapshot, reward_pct
// rendered as a decimal fraction rounded to 6 digits.
func (h *handler) checkpointEmissionCLI(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cp, err := h.app.Stores.Checkpoints.GetCheckpoint(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	em, err := soleEmission(cp)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emissionCLIFormat(cp, em))
}

// emissionsLatest serves the CLI-friendly emission of the most recent
// checkpoint regardless of status.
func (h *handler) emissionsLatest(w http.ResponseWriter, r *http.Request) {
	cp, err := h.app.Stores.Checkpoints.GetLatestCheckpoint(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	em, err := soleEmission(cp)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emissionCLIFormat(cp, em))
}

func soleEmission(cp checkpoint.Record) (checkpoint.Emission, error) {
	if len(cp.Entries) == 0 {
		return checkpoint.Emission{}, fmt.Errorf("checkpoint %s has no emission entries", cp.ID)
	}
	return cp.Entries[0], nil
}

func emissionWireFormat(em checkpoint.Emission) map[string]any {
	cruncherRewards := make([]map[string]any, 0, len(em.CruncherRewards))
	for _, cr := range em.CruncherRewards {
		cruncherRewards = append(cruncherRewards, map[string]any{"cruncher_index": cr.CruncherIndex, "reward_pct": cr.RewardPct})
	}
	computeRewards := providerRewardsWireFormat(em.ComputeProviderRewards)
	dataRewards := providerRewardsWireFormat(em.DataProviderRewards)
	return map[string]any{
		"crunch":                    em.Crunch,
		"cruncher_rewards":          cruncherRewards,
		"compute_provider_rewards":  computeRewards,
		"data_provider_rewards":     dataRewards,
	}
}

func providerRewardsWireFormat(rewards []checkpoint.ProviderReward) []map[string]any {
	out := make([]map[string]any, 0, len(rewards))
	for _, pr := range rewards {
		out = append(out, map[string]any{"provider": pr.Provider, "reward_pct": pr.RewardPct})
	}
	return out
}

// emissionCLIFormat maps cruncher_index back to model_id via the checkpoint's
// ranking snapshot and renders reward_pct as a decimal fraction of M rounded
// to 6 digits.
func emissionCLIFormat(cp checkpoint.Record, em checkpoint.Emission) map[string]any {
	byIndex := make(map[int]checkpoint.RankingEntry, len(cp.Ranking))
	for _, entry := range cp.Ranking {
		byIndex[entry.CruncherIndex] = entry
	}

	cruncherRewards := make([]map[string]any, 0, len(em.CruncherRewards))
	for _, cr := range em.CruncherRewards {
		row := map[string]any{
			"cruncher_index": cr.CruncherIndex,
			"reward_pct":     roundDecimal(float64(cr.RewardPct)/float64(emission.FracMultiplier), 6),
		}
		if entry, ok := byIndex[cr.CruncherIndex]; ok {
			row["model_id"] = entry.ModelID
			row["model_name"] = entry.ModelName
		}
		cruncherRewards = append(cruncherRewards, row)
	}

	return map[string]any{
		"checkpoint_id":             cp.ID,
		"crunch":                    em.Crunch,
		"cruncher_rewards":          cruncherRewards,
		"compute_provider_rewards":  providerRewardsCLIFormat(em.ComputeProviderRewards),
		"data_provider_rewards":     providerRewardsCLIFormat(em.DataProviderRewards),
	}
}

func providerRewardsCLIFormat(rewards []checkpoint.ProviderReward) []map[string]any {
	out := make([]map[string]any, 0, len(rewards))
	for _, pr := range rewards {
		out = append(out, map[string]any{
			"provider":   pr.Provider,
			"reward_pct": roundDecimal(float64(pr.RewardPct)/float64(emission.FracMultiplier), 6),
		})
	}
	return out
}

func roundDecimal(v float64, digits int) float64 {
	mult := math.Pow(10, float64(digits))
	return math.Round(v*mult) / mult
}

// dataBackfillIndex serves the parquet sink's manifest for the data-file
// index endpoint. 404s when no sink is configured (FEED_DATA_DIR unset).
func (h *handler) dataBackfillIndex(w http.ResponseWriter, r *http.Request) {
	if h.app.ParquetSink == nil {
		writeError(w, http.StatusNotFound, "backfill data sink is not configured")
		return
	}
	manifest, err := h.app.ParquetSink.Manifest()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// dataBackfillFile streams the raw parquet bytes of one partition file.
func (h *handler) dataBackfillFile(w http.ResponseWriter, r *http.Request) {
	if h.app.ParquetSink == nil {
		writeError(w, http.StatusNotFound, "backfill data sink is not configured")
		return
	}
	relPath := mux.Vars(r)["rel_path"]
	data, err := h.app.ParquetSink.ReadRaw(relPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "backfill data file not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
