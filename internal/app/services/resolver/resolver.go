// Package resolver implements the ground-truth resolver (C8): for every
// input awaiting resolution whose horizon has passed, it replays the feed
// window the input covered and asks the challenge to compute actuals.
// Resolution is purely functional over the feed slice and retryable — a nil
// result just leaves the input RECEIVED for the next cycle.
package resolver

import (
	"context"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
	"github.com/modelcoordinator/coordinator/internal/app/services/challenge"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Resolver computes ground truth for resolvable inputs.
type Resolver struct {
	feeds     storage.FeedStore
	inputs    storage.InputStore
	challenge challenge.Spec
	source    string
	log       *logger.Logger
}

// New builds a ground-truth resolver reading replay windows from source.
func New(feeds storage.FeedStore, inputs storage.InputStore, spec challenge.Spec, source string, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewDefault("gt-resolver")
	}
	return &Resolver{feeds: feeds, inputs: inputs, challenge: spec, source: source, log: log}
}

// ResolvePending walks every input in state RECEIVED whose resolvable_at has
// passed, attempting resolution. Returns the count successfully resolved.
func (r *Resolver) ResolvePending(ctx context.Context, now time.Time) (int, error) {
	pending, err := r.inputs.ListResolvable(ctx, now)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, in := range pending {
		if r.resolveOne(ctx, in) {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Resolver) resolveOne(ctx context.Context, in input.Record) bool {
	symbol, _ := in.Scope["symbol"].(string)
	start, end := in.ReceivedAt, in.ResolvableAt

	records, err := r.feeds.FetchRecords(ctx, feed.FetchRequest{
		Scope: feed.Scope{Source: r.source, Subject: symbol, Kind: feed.KindCandle, Granularity: "1m"},
		StartTS: &start,
		EndTS:   &end,
	})
	if err != nil {
		r.log.WithField("input_id", in.ID).WithError(err).Warn("ground truth resolver failed to fetch replay window")
		return false
	}

	actuals, ok := r.challenge.ResolveGroundTruth(records)
	if !ok {
		return false
	}

	in.Actuals = actuals
	in.Status = input.StatusResolved
	if _, err := r.inputs.UpdateInput(ctx, in); err != nil {
		r.log.WithField("input_id", in.ID).WithError(err).Warn("ground truth resolver failed to persist resolution")
		return false
	}
	return true
}
