// Package inputassembler builds the per-tick input envelope (C5): native
// 1-minute candles rolled up into higher timeframes, plus the latest
// microstructure snapshots, read from the feed store.
package inputassembler

import (
	"context"
	"sort"
	"time"

	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
	"github.com/modelcoordinator/coordinator/internal/app/storage"
)

// Assembler builds input envelopes from a feed store.
type Assembler struct {
	store         storage.FeedStore
	source        string
	windowSize    int
	recoveryBound time.Duration
}

// New builds an assembler reading 1-minute candles from source.
func New(store storage.FeedStore, source string, windowSize int) *Assembler {
	if windowSize <= 0 {
		windowSize = 240
	}
	return &Assembler{store: store, source: source, windowSize: windowSize, recoveryBound: time.Hour}
}

// Build assembles the envelope for symbol as of now (§4.5).
func (a *Assembler) Build(ctx context.Context, symbol string, now time.Time) (input.Envelope, error) {
	now = now.UTC()
	need := maxInt(a.windowSize, 60*4)

	scope := feed.Scope{Source: a.source, Subject: symbol, Kind: feed.KindCandle, Granularity: "1m"}
	bars, err := a.loadCandles(ctx, scope, need, now)
	if err != nil {
		return input.Envelope{}, err
	}
	if len(bars) < need {
		recoverStart := now.Add(-a.recoveryBound)
		records, fetchErr := a.store.FetchRecords(ctx, feed.FetchRequest{Scope: scope, StartTS: &recoverStart, EndTS: &now})
		if fetchErr == nil && len(records) > 0 {
			bars, _ = a.loadCandles(ctx, scope, need, now)
		}
	}

	env := input.Envelope{
		Symbol:     symbol,
		AsOfTS:     now,
		Candles1m:  bars,
		Candles5m:  AggregateCandles(bars, 5, len(bars)),
		Candles15m: AggregateCandles(bars, 15, len(bars)),
		Candles1h:  AggregateCandles(bars, 60, len(bars)),
	}

	if depth, err := a.store.FetchLatestRecord(ctx, feed.Scope{Source: a.source, Subject: symbol, Kind: feed.KindDepth, Granularity: scope.Granularity}, &now); err == nil {
		env.Orderbook = depth.Values
	}
	if funding, err := a.store.FetchLatestRecord(ctx, feed.Scope{Source: a.source, Subject: symbol, Kind: feed.KindFunding, Granularity: scope.Granularity}, &now); err == nil {
		env.Funding = funding.Values
	}

	return env, nil
}

func (a *Assembler) loadCandles(ctx context.Context, scope feed.Scope, need int, now time.Time) ([]input.Candle, error) {
	records, err := a.store.TailRecords(ctx, &scope, need)
	if err != nil {
		return nil, err
	}
	bars := make([]input.Candle, 0, len(records))
	for _, r := range records {
		bars = append(bars, candleFromRecord(r))
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	return bars, nil
}

func candleFromRecord(r feed.Record) input.Candle {
	if r.Kind == feed.KindTick {
		price := r.Values["price"]
		return input.Candle{TS: r.TsEvent, Open: price, High: price, Low: price, Close: price}
	}
	return input.Candle{
		TS:     r.TsEvent,
		Open:   r.Values["open"],
		High:   r.Values["high"],
		Low:    r.Values["low"],
		Close:  r.Values["close"],
		Volume: r.Values["volume"],
	}
}

// AggregateCandles rolls 1-minute bars up into targetMinutes buckets,
// flooring each bar's timestamp to the bucket boundary (P9). Returns at
// most maxOutput bars, newest last.
func AggregateCandles(bars []input.Candle, targetMinutes, maxOutput int) []input.Candle {
	if len(bars) == 0 || targetMinutes <= 0 {
		return nil
	}
	bucketSeconds := int64(targetMinutes * 60)

	order := make([]int64, 0)
	buckets := make(map[int64]*input.Candle)
	for _, bar := range bars {
		key := bar.TS.Unix() / bucketSeconds * bucketSeconds
		existing, ok := buckets[key]
		if !ok {
			order = append(order, key)
			c := input.Candle{
				TS:     time.Unix(key, 0).UTC(),
				Open:   bar.Open,
				High:   bar.High,
				Low:    bar.Low,
				Close:  bar.Close,
				Volume: bar.Volume,
			}
			buckets[key] = &c
			continue
		}
		if bar.High > existing.High {
			existing.High = bar.High
		}
		if bar.Low < existing.Low {
			existing.Low = bar.Low
		}
		existing.Close = bar.Close
		existing.Volume += bar.Volume
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]input.Candle, 0, len(order))
	for _, key := range order {
		out = append(out, *buckets[key])
	}
	if maxOutput > 0 && len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
