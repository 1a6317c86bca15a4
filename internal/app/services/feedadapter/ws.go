package feedadapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/pkg/logger"
)

// WSAdapter implements Listen as a genuine push subscription over a
// websocket connection rather than HTTPAdapter's polling loop, for
// providers that stream ticks directly. Fetch falls back to polling an
// HTTPAdapter for the same provider, since backfill has no push equivalent.
type WSAdapter struct {
	dialURL string
	source  string
	http    *HTTPAdapter
	log     *logger.Logger

	mu       sync.Mutex
	fieldMap map[string]string // output field -> gjson path
}

// DefaultWSFieldMap is the gjson path each output field is read from in a
// push message. NewWSAdapter always installs this map; WSAdapter has no
// option to replace it.
func DefaultWSFieldMap() map[string]string {
	return map[string]string{
		"subject": "s",
		"ts":      "E",
		"open":    "k.o",
		"high":    "k.h",
		"low":     "k.l",
		"close":   "k.c",
		"volume":  "k.v",
	}
}

// NewWSAdapter builds a push adapter dialing wsURL. http backs Fetch, since
// a websocket stream has no historical replay.
func NewWSAdapter(wsURL, source string, http *HTTPAdapter, log *logger.Logger) (*WSAdapter, error) {
	if strings.TrimSpace(wsURL) == "" {
		return nil, fmt.Errorf("feed adapter websocket url is required")
	}
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("parse feed adapter websocket url: %w", err)
	}
	if log == nil {
		log = logger.NewDefault("feed-adapter-ws")
	}
	return &WSAdapter{dialURL: wsURL, source: source, http: http, log: log, fieldMap: DefaultWSFieldMap()}, nil
}

// ListSubjects delegates to the backing HTTP adapter.
func (a *WSAdapter) ListSubjects(ctx context.Context) ([]feed.SubjectDescriptor, error) {
	return a.http.ListSubjects(ctx)
}

// Fetch delegates to the backing HTTP adapter for historical ranges.
func (a *WSAdapter) Fetch(ctx context.Context, req feed.FetchRequest) ([]feed.Record, error) {
	return a.http.Fetch(ctx, req)
}

// Listen dials the websocket endpoint and decodes each message with gjson,
// tolerating provider payloads whose shape varies per field (flat, nested
// under "k", or wrapped in a "data" envelope) without a fixed struct.
func (a *WSAdapter) Listen(ctx context.Context, sub feed.Subscription, sink func(feed.Record)) (Handle, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.dialURL, nil)
	if err != nil {
		return nil, apperr.FeedAdapter(err, "dial websocket feed at %s", a.dialURL)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &wsHandle{cancel: cancel, conn: conn}

	go func() {
		defer conn.Close()
		lastEventTS := make(map[string]time.Time)
		for {
			select {
			case <-loopCtx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				a.log.WithError(err).Warn("feed adapter websocket read failed, closing stream")
				return
			}
			rec, ok := a.decode(msg, sub)
			if !ok {
				continue
			}
			if !rec.TsEvent.After(lastEventTS[rec.Subject]) {
				continue
			}
			lastEventTS[rec.Subject] = rec.TsEvent
			sink(rec)
		}
	}()

	return h, nil
}

func (a *WSAdapter) decode(msg []byte, sub feed.Subscription) (feed.Record, bool) {
	root := gjson.ParseBytes(msg)
	if data := root.Get("data"); data.Exists() {
		root = data
	}

	a.mu.Lock()
	fields := a.fieldMap
	a.mu.Unlock()

	subject := root.Get(fields["subject"]).String()
	if subject == "" && len(sub.Subjects) == 1 {
		subject = sub.Subjects[0]
	}
	if subject == "" {
		return feed.Record{}, false
	}

	tsResult := root.Get(fields["ts"])
	var tsEvent time.Time
	switch {
	case tsResult.Type == gjson.Number && tsResult.Num > 1e12:
		tsEvent = time.UnixMilli(tsResult.Int()).UTC()
	case tsResult.Type == gjson.Number:
		tsEvent = time.Unix(tsResult.Int(), 0).UTC()
	default:
		tsEvent = time.Now().UTC()
	}

	values := map[string]float64{
		"open":   root.Get(fields["open"]).Float(),
		"high":   root.Get(fields["high"]).Float(),
		"low":    root.Get(fields["low"]).Float(),
		"close":  root.Get(fields["close"]).Float(),
		"volume": root.Get(fields["volume"]).Float(),
	}

	return feed.Record{
		Scope: feed.Scope{
			Source:      a.source,
			Subject:     subject,
			Kind:        sub.Kind,
			Granularity: sub.Granularity,
		},
		TsEvent:    tsEvent,
		TsIngested: time.Now().UTC(),
		Values:     values,
	}, true
}

type wsHandle struct {
	cancel context.CancelFunc
	conn   *websocket.Conn
}

func (h *wsHandle) Stop() {
	h.cancel()
	_ = h.conn.Close()
}
