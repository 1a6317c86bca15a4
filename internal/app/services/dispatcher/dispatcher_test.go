package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
	"github.com/modelcoordinator/coordinator/internal/app/domain/leaderboard"
	"github.com/modelcoordinator/coordinator/internal/app/domain/model"
	"github.com/modelcoordinator/coordinator/internal/app/domain/prediction"
	"github.com/modelcoordinator/coordinator/internal/app/domain/schedule"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/services/inputassembler"
	"github.com/modelcoordinator/coordinator/internal/app/services/modelrunner"
	"github.com/modelcoordinator/coordinator/internal/app/storage/memory"
)

// onlyM1Runner responds for m1 only, leaving m2 silent, simulating the
// absence scenario m2 never answering within the cycle.
type onlyM1Runner struct{}

func (onlyM1Runner) Init(context.Context) error { return nil }

func (onlyM1Runner) Broadcast(context.Context, input.Envelope) ([]modelrunner.Handshake, error) {
	return nil, nil
}

func (onlyM1Runner) Predict(context.Context, map[string]any) (map[string]modelrunner.PredictResult, error) {
	return map[string]modelrunner.PredictResult{
		"m1": {ModelID: "m1", Status: "SUCCESS", InferenceOutput: map[string]any{"signal": 1.0}},
	}, nil
}

func passthroughSpec() challenge.Spec {
	return challenge.Spec{
		Name:           "test-challenge",
		ValidateOutput: func(map[string]any) error { return nil },
	}
}

func TestDispatcherMarksUnrespondedKnownModelAbsent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.UpsertModel(ctx, model.Model{ID: "m1", Name: "model-one"})
	require.NoError(t, err)
	_, err = store.UpsertModel(ctx, model.Model{ID: "m2", Name: "model-two"})
	require.NoError(t, err)

	_, err = store.CreateConfig(ctx, schedule.Config{
		ID: "cfg-1", ScopeKey: "btc-1h", Active: true,
		Schedule: schedule.Cadence{PredictionIntervalSeconds: 3600, ResolveAfterSeconds: 3600},
	})
	require.NoError(t, err)

	assembler := inputassembler.New(store, "binance", 10)
	d := New(Config{Symbol: "BTCUSDT", FallbackPoll: time.Hour}, assembler, onlyM1Runner{}, passthroughSpec(),
		store, store, store, store, nil, nil)

	d.runCycle(ctx)

	inputs, err := store.ListResolvable(ctx, time.Now().UTC().Add(2*365*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, inputs, 1, "exactly one input envelope should have been persisted for the cycle")

	preds, err := store.ListByInput(ctx, inputs[0].ID)
	require.NoError(t, err)
	require.Len(t, preds, 2)

	byModel := make(map[string]prediction.Record, len(preds))
	for _, p := range preds {
		byModel[p.ModelID] = p
	}

	m1 := byModel["m1"]
	assert.Equal(t, prediction.StatusPending, m1.Status)
	assert.NotEmpty(t, m1.InferenceOutput)

	m2 := byModel["m2"]
	assert.Equal(t, prediction.StatusAbsent, m2.Status)
	assert.Empty(t, m2.InferenceOutput, "an ABSENT record must never carry inference output")
}

func TestDispatcherFailsValidationForInvalidOutput(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.UpsertModel(ctx, model.Model{ID: "m1", Name: "model-one"})
	require.NoError(t, err)
	_, err = store.CreateConfig(ctx, schedule.Config{
		ID: "cfg-1", ScopeKey: "btc-1h", Active: true,
		Schedule: schedule.Cadence{PredictionIntervalSeconds: 3600, ResolveAfterSeconds: 3600},
	})
	require.NoError(t, err)

	spec := challenge.Spec{
		Name:           "test-challenge",
		ValidateOutput: func(map[string]any) error { return assertionError{"signal out of range"} },
		RankingDirection: leaderboard.DirectionDescending,
	}

	assembler := inputassembler.New(store, "binance", 10)
	d := New(Config{Symbol: "BTCUSDT", FallbackPoll: time.Hour}, assembler, onlyM1Runner{}, spec,
		store, store, store, store, nil, nil)

	d.runCycle(ctx)

	inputs, err := store.ListResolvable(ctx, time.Now().UTC().Add(2*365*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, inputs, 1)

	preds, err := store.ListByInput(ctx, inputs[0].ID)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, prediction.StatusFailed, preds[0].Status)
	assert.Equal(t, "signal out of range", preds[0].Meta["error"])
}

type assertionError struct{ msg string }

func (e assertionError) Error() string { return e.msg }
