// Package feedadapter implements the provider-agnostic pull/push contract
// feed ingestion runs against (C1). Adapters are responsible for per-subject
// monotonicity: they must never emit a record whose ts_event is at or before
// the last one emitted for that subject.
package feedadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// Handle lets a caller stop a Listen subscription.
type Handle interface {
	Stop()
}

// Adapter is the feed provider contract every ingest worker depends on.
type Adapter interface {
	ListSubjects(ctx context.Context) ([]feed.SubjectDescriptor, error)
	Fetch(ctx context.Context, req feed.FetchRequest) ([]feed.Record, error)
	Listen(ctx context.Context, sub feed.Subscription, sink func(feed.Record)) (Handle, error)
}

// HTTPAdapter polls a REST candle endpoint on an interval and implements
// Listen as repeated Fetch calls, matching §4.1's "may be implemented as
// polling" allowance.
type HTTPAdapter struct {
	client      *http.Client
	baseURL     *url.URL
	source      string
	pollEvery   time.Duration
	log         *logger.Logger
	mu          sync.Mutex
	lastEventTS map[string]time.Time
}

// NewHTTPAdapter builds an adapter against a Binance-shaped klines endpoint
// (GET {base}/klines?symbol=..&interval=..&startTime=..&endTime=..&limit=..).
func NewHTTPAdapter(endpoint, source string, pollEvery time.Duration, log *logger.Logger) (*HTTPAdapter, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("feed adapter endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse feed adapter endpoint: %w", err)
	}
	if log == nil {
		log = logger.NewDefault("feed-adapter")
	}
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	return &HTTPAdapter{
		client:      &http.Client{Timeout: 10 * time.Second},
		baseURL:     u,
		source:      source,
		pollEvery:   pollEvery,
		log:         log,
		lastEventTS: make(map[string]time.Time),
	}, nil
}

// ListSubjects reports nothing dynamically discoverable for the HTTP
// klines-shaped provider; subjects are configured out of band (§6.5
// FEED_SUBJECTS).
func (a *HTTPAdapter) ListSubjects(ctx context.Context) ([]feed.SubjectDescriptor, error) {
	return nil, nil
}

// Fetch retrieves candles for one subject within [StartTS, EndTS], used by
// both the backfill engine and the ground-truth resolver.
func (a *HTTPAdapter) Fetch(ctx context.Context, req feed.FetchRequest) ([]feed.Record, error) {
	reqURL := *a.baseURL
	reqURL.Path = strings.TrimRight(reqURL.Path, "/") + "/klines"
	q := reqURL.Query()
	q.Set("symbol", req.Subject)
	q.Set("interval", req.Granularity)
	if req.StartTS != nil {
		q.Set("startTime", strconv.FormatInt(req.StartTS.UnixMilli(), 10))
	}
	if req.EndTS != nil {
		q.Set("endTime", strconv.FormatInt(req.EndTS.UnixMilli(), 10))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	reqURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, apperr.FeedAdapter(err, "build fetch request for %s", req.Subject)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, apperr.FeedAdapter(err, "fetch %s from %s", req.Subject, a.source)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.FeedAdapter(fmt.Errorf("status %d", resp.StatusCode), "fetch %s", req.Subject)
	}

	// Binance klines: [[openTime, open, high, low, close, volume, closeTime, ...], ...]
	var raw [][]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, apperr.FeedAdapter(err, "decode klines for %s", req.Subject)
	}

	out := make([]feed.Record, 0, len(raw))
	for _, bar := range raw {
		rec, ok := parseKline(bar, req.Source, req.Subject, req.Kind, req.Granularity)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Listen polls Fetch on an interval, emitting only records newer than the
// last one seen per subject (monotonicity).
func (a *HTTPAdapter) Listen(ctx context.Context, sub feed.Subscription, sink func(feed.Record)) (Handle, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &pollHandle{cancel: cancel}

	go func() {
		ticker := time.NewTicker(a.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				a.pollOnce(loopCtx, sub, sink)
			}
		}
	}()

	return h, nil
}

func (a *HTTPAdapter) pollOnce(ctx context.Context, sub feed.Subscription, sink func(feed.Record)) {
	now := time.Now().UTC()
	for _, subject := range sub.Subjects {
		a.mu.Lock()
		since := a.lastEventTS[subject]
		a.mu.Unlock()

		start := since
		if start.IsZero() {
			start = now.Add(-5 * time.Minute)
		}
		records, err := a.Fetch(ctx, feed.FetchRequest{
			Scope: feed.Scope{
				Source:      a.source,
				Subject:     subject,
				Kind:        sub.Kind,
				Granularity: sub.Granularity,
			},
			StartTS: &start,
			Limit:   500,
		})
		if err != nil {
			a.log.WithField("subject", subject).WithError(err).Warn("feed adapter poll failed, retrying next cycle")
			continue
		}

		for _, rec := range records {
			if !rec.TsEvent.After(since) {
				continue
			}
			sink(rec)
			a.mu.Lock()
			if rec.TsEvent.After(a.lastEventTS[subject]) {
				a.lastEventTS[subject] = rec.TsEvent
			}
			a.mu.Unlock()
		}
	}
}

func parseKline(bar []any, source, subject string, kind feed.Kind, granularity string) (feed.Record, bool) {
	if len(bar) < 6 {
		return feed.Record{}, false
	}
	openTimeMs, ok := toFloat(bar[0])
	if !ok {
		return feed.Record{}, false
	}
	open, _ := toFloatString(bar[1])
	high, _ := toFloatString(bar[2])
	low, _ := toFloatString(bar[3])
	closeP, _ := toFloatString(bar[4])
	volume, _ := toFloatString(bar[5])

	return feed.Record{
		Scope: feed.Scope{
			Source:      source,
			Subject:     subject,
			Kind:        kind,
			Granularity: granularity,
		},
		TsEvent:    time.UnixMilli(int64(openTimeMs)).UTC(),
		TsIngested: time.Now().UTC(),
		Values: map[string]float64{
			"open":   open,
			"high":   high,
			"low":    low,
			"close":  closeP,
			"volume": volume,
		},
	}, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toFloatString(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return toFloat(v)
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

type pollHandle struct {
	cancel context.CancelFunc
}

func (h *pollHandle) Stop() { h.cancel() }
