// Package dispatcher implements the schedule registry and predict
// dispatcher (C6, C7): on every wake it builds a fresh input envelope,
// broadcasts it to every connected model, then fans out predict(scope)
// calls for each due scheduled-prediction config, persisting a
// PredictionRecord per (model, scope_key, cycle).
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
	"github.com/modelcoordinator/coordinator/internal/app/domain/model"
	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/schedule"
	"github.com/modelcoordinator/coordinator/internal/app/events"
	"github.com/modelcoordinator/coordinator/internal/app/metrics"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/services/inputassembler"
	"github.com/modelcoordinator/coordinator/internal/app/services/modelrunner"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Config controls the dispatcher's market scope and fallback poll cadence.
type Config struct {
	Symbol         string
	FallbackPoll   time.Duration
	WakeChannel    string // defaults to events.ChannelNewFeedData
}

// Dispatcher drives the per-cycle tick/predict loop described by §4.6.
type Dispatcher struct {
	cfg       Config
	assembler *inputassembler.Assembler
	runner    modelrunner.Runner
	challenge challenge.Spec
	schedules storage.ScheduleStore
	inputs    storage.InputStore
	preds     storage.PredictionStore
	models    storage.ModelStore
	bus       *events.Bus
	log       *logger.Logger

	mu          sync.Mutex
	nextRun     map[string]time.Time
	initialized bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a dispatcher. bus may be nil, in which case the loop runs
// purely on FallbackPoll.
func New(cfg Config, assembler *inputassembler.Assembler, runner modelrunner.Runner, spec challenge.Spec,
	schedules storage.ScheduleStore, inputs storage.InputStore, preds storage.PredictionStore, models storage.ModelStore,
	bus *events.Bus, log *logger.Logger) *Dispatcher {
	if cfg.FallbackPoll <= 0 {
		cfg.FallbackPoll = 30 * time.Second
	}
	if cfg.WakeChannel == "" {
		cfg.WakeChannel = events.ChannelNewFeedData
	}
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}
	return &Dispatcher{
		cfg: cfg, assembler: assembler, runner: runner, challenge: spec,
		schedules: schedules, inputs: inputs, preds: preds, models: models,
		bus: bus, log: log, nextRun: make(map[string]time.Time),
	}
}

// Name identifies the worker for the system lifecycle manager.
func (d *Dispatcher) Name() string { return "predict-dispatcher:" + d.cfg.Symbol }

// Start runs the dispatch loop until ctx or Stop cancels it.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	wake := make(chan struct{}, 1)
	if d.bus != nil {
		_ = d.bus.Subscribe(d.cfg.WakeChannel, func(_ context.Context, _ events.Event) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.FallbackPoll)
		defer ticker.Stop()
		for {
			d.runCycle(runCtx)
			select {
			case <-runCtx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	}()

	return nil
}

// Stop cancels the dispatch loop and waits for the in-flight cycle.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runCycle(ctx context.Context) {
	now := time.Now().UTC()

	if !d.initialized {
		if err := d.runner.Init(ctx); err != nil {
			d.log.WithError(err).Warn("predict dispatcher runner init failed, retrying next cycle")
			return
		}
		d.initialized = true
	}

	env, err := d.assembler.Build(ctx, d.cfg.Symbol, now)
	if err != nil {
		d.log.WithError(err).Warn("predict dispatcher failed to build input envelope")
		return
	}

	rawData := map[string]any{
		"symbol":  env.Symbol,
		"candles": env.Candles1m,
	}
	rec := input.Record{
		RawData:      rawData,
		Status:       input.StatusReceived,
		Scope:        map[string]any{"symbol": env.Symbol},
		ReceivedAt:   now,
		ResolvableAt: now.Add(365 * 24 * time.Hour), // unconstrained until a config tightens it below
	}
	rec, err = d.inputs.CreateInput(ctx, rec)
	if err != nil {
		d.log.WithError(err).Warn("predict dispatcher failed to persist input record")
		return
	}

	handshakes, err := d.runner.Broadcast(ctx, env)
	if err != nil {
		d.log.WithError(err).Warn("predict dispatcher broadcast failed")
	}
	for _, h := range handshakes {
		if _, err := d.models.UpsertModel(ctx, model.Model{
			ID: h.ModelID, Name: h.Name, PlayerID: h.PlayerID, PlayerName: h.PlayerName,
			DeploymentIdentifier: h.DeploymentIdentifier, UpdatedAt: now,
		}); err != nil {
			d.log.WithField("model_id", h.ModelID).WithError(err).Warn("predict dispatcher failed to upsert model")
		}
	}

	known, err := d.models.ListModels(ctx)
	if err != nil {
		d.log.WithError(err).Warn("predict dispatcher failed to list known models")
	}

	configs, err := d.schedules.ListActiveConfigs(ctx)
	if err != nil {
		d.log.WithError(err).Warn("predict dispatcher failed to list active schedule configs")
		return
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Order < configs[j].Order })

	var tightestResolvable time.Time
	var allPreds []prediction.Record

	for _, cfg := range configs {
		d.mu.Lock()
		next, seen := d.nextRun[cfg.ID]
		d.mu.Unlock()
		if seen && now.Before(next) {
			continue
		}

		scope := mergeScope(map[string]any{"symbol": env.Symbol}, cfg.ScopeTemplate)
		scope["scope_key"] = cfg.ScopeKey

		resolveAfter := time.Duration(cfg.Schedule.ResolveAfterSeconds) * time.Second
		if cfg.Schedule.ResolveAfterSeconds == 0 {
			if horizon, ok := scope["horizon_seconds"]; ok {
				if secs, ok := toFloat(horizon); ok {
					resolveAfter = time.Duration(secs) * time.Second
				}
			}
		}
		resolvableAt := now.Add(resolveAfter)
		if tightestResolvable.IsZero() || resolvableAt.Before(tightestResolvable) {
			tightestResolvable = resolvableAt
		}

		predictStart := time.Now()
		results, err := d.runner.Predict(ctx, scope)
		predictDuration := time.Since(predictStart)
		if err != nil {
			d.log.WithField("config_id", cfg.ID).WithError(err).Warn("predict dispatcher predict call failed")
			continue
		}

		responded := make(map[string]bool, len(results))
		for modelID, result := range results {
			responded[modelID] = true
			pred := d.buildPrediction(rec.ID, cfg, scope, modelID, result, now, resolvableAt)
			allPreds = append(allPreds, pred)
			metrics.RecordPredictDispatch(modelID, string(pred.Status), predictDuration)
		}
		for _, m := range known {
			if responded[m.ID] {
				continue
			}
			allPreds = append(allPreds, prediction.Record{
				ID:           predictionID(m.ID, cfg.ScopeKey, now),
				InputID:      rec.ID,
				ModelID:      m.ID,
				PredictionConfigID: cfg.ID,
				ScopeKey:     cfg.ScopeKey,
				Scope:        scope,
				Status:       prediction.StatusAbsent,
				PerformedAt:  now,
				ResolvableAt: resolvableAt,
			})
		}

		d.mu.Lock()
		d.nextRun[cfg.ID] = now.Add(time.Duration(cfg.Schedule.PredictionIntervalSeconds) * time.Second)
		d.mu.Unlock()
	}

	if !tightestResolvable.IsZero() && tightestResolvable.Before(rec.ResolvableAt) {
		rec.ResolvableAt = tightestResolvable
		if _, err := d.inputs.UpdateInput(ctx, rec); err != nil {
			d.log.WithError(err).Warn("predict dispatcher failed to tighten input resolvable_at")
		}
	}

	if len(allPreds) > 0 {
		if err := d.preds.CreatePredictions(ctx, allPreds); err != nil {
			_ = apperr.TransientStore(err, "persist %d predictions for cycle", len(allPreds))
			d.log.WithError(err).Warn("predict dispatcher failed to persist cycle predictions")
		}
	}
}

func (d *Dispatcher) buildPrediction(inputID string, cfg schedule.Config, scope map[string]any, modelID string, result modelrunner.PredictResult, now, resolvableAt time.Time) prediction.Record {
	rec := prediction.Record{
		ID:                 predictionID(modelID, cfg.ScopeKey, now),
		InputID:            inputID,
		ModelID:            modelID,
		PredictionConfigID: cfg.ID,
		ScopeKey:           cfg.ScopeKey,
		Scope:              scope,
		ExecTimeMS:         result.ExecTimeMS,
		InferenceOutput:    result.InferenceOutput,
		PerformedAt:        now,
		ResolvableAt:       resolvableAt,
		Meta:               map[string]string{},
	}

	if result.Status != "SUCCESS" {
		rec.Status = prediction.StatusFailed
		rec.Meta["error"] = result.Error
		return rec
	}
	if err := d.challenge.ValidateOutput(result.InferenceOutput); err != nil {
		rec.Status = prediction.StatusFailed
		rec.Meta["error"] = err.Error()
		return rec
	}
	rec.Status = prediction.StatusPending
	return rec
}

func predictionID(modelID, scopeKey string, now time.Time) string {
	return fmt.Sprintf("pred_%s_%s_%d", modelID, scopeKey, now.UnixNano())
}

func mergeScope(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
