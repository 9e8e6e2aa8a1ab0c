// Package aggregate rolls a merged tick stream into multi-timeframe OHLCV
// candles with per-price-level footprint profiles. The engine owns exactly one
// open candle per (symbol, timeframe); bucket rollover closes the candle,
// emits it as final and transfers ownership downstream. A bounded window of
// recently closed candles is retained in memory for footprint and history
// queries.
package aggregate

import (
	"log"
	"sync"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

const defaultWindowSize = 4096

// Config holds aggregation parameters.
type Config struct {
	Timeframes []int       // enabled timeframe durations in seconds
	PriceStep  fixed.Price // footprint level size; 0 = exact prices
	WindowSize int         // closed candles retained per (symbol, tf)
}

// seriesState holds the open candle for one (symbol, timeframe).
type seriesState struct {
	bucket int64 // bucket start ms
	candle *model.Candle
}

// Engine aggregates ticks. OnTick is driven by the single processing
// goroutine; the mutex exists so the control plane can read the window
// concurrently.
type Engine struct {
	cfg Config

	mu sync.Mutex
	// states[tfIdx][symbol] → open candle
	states []map[string]*seriesState
	// closed-candle window, key = "symbol:tf"
	window map[string][]model.Candle

	// Metrics hooks (optional, set externally)
	OnStaleTick   func(t model.Tick)
	OnCandleClose func(c model.Candle)
}

// New creates an Engine for the configured timeframes.
func New(cfg Config) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	states := make([]map[string]*seriesState, len(cfg.Timeframes))
	for i := range states {
		states[i] = make(map[string]*seriesState, 8)
	}
	return &Engine{
		cfg:    cfg,
		states: states,
		window: make(map[string][]model.Candle),
	}
}

// Timeframes returns the enabled timeframes in seconds.
func (e *Engine) Timeframes() []int { return e.cfg.Timeframes }

// OnTick folds one tick into every enabled timeframe and emits events on out:
// one tick event, then per timeframe either a forming snapshot or a final
// candle followed by the new forming one. Sends block; the processing context
// owns pacing.
func (e *Engine) OnTick(t model.Tick, out chan<- model.Event) {
	out <- model.TickEvent(t)

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, tf := range e.cfg.Timeframes {
		bucket := model.Bucket(t.Time, tf)
		st := e.states[i][t.Symbol]

		if st != nil && bucket < st.bucket {
			// Older than the open candle: the matching bucket is already
			// closed and immutable.
			if e.OnStaleTick != nil {
				e.OnStaleTick(t)
			} else {
				log.Printf("[aggregate] stale tick %s id=%d ts=%d (open bucket %d)",
					t.Symbol, t.TradeID, t.Time, st.bucket)
			}
			continue
		}

		if st != nil && bucket > st.bucket {
			st.candle.Closed = true
			final := st.candle.Clone()
			e.pushWindow(final)
			if e.OnCandleClose != nil {
				e.OnCandleClose(final)
			}
			out <- model.CandleEvent(final, true)
			st = nil
		}

		if st == nil {
			c := model.NewCandle(t.Symbol, tf, bucket)
			c.AddTick(t, e.cfg.PriceStep)
			e.states[i][t.Symbol] = &seriesState{bucket: bucket, candle: c}
			out <- model.CandleEvent(c.Clone(), false)
			continue
		}

		st.candle.AddTick(t, e.cfg.PriceStep)
		out <- model.CandleEvent(st.candle.Clone(), false)
	}
}

// Flush closes and emits every open candle. Called on shutdown so the last
// partial buckets are not lost.
func (e *Engine) Flush(out chan<- model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.states {
		for sym, st := range e.states[i] {
			st.candle.Closed = true
			final := st.candle.Clone()
			e.pushWindow(final)
			out <- model.CandleEvent(final, true)
			delete(e.states[i], sym)
		}
	}
}

// pushWindow appends a closed candle to the bounded per-series window.
// Caller holds e.mu.
func (e *Engine) pushWindow(c model.Candle) {
	key := c.Key()
	w := append(e.window[key], c)
	if over := len(w) - e.cfg.WindowSize; over > 0 {
		w = w[over:]
	}
	e.window[key] = w
}

// History returns up to limit candles for (symbol, tf), oldest first, closed
// window candles followed by the forming candle if one is open. All returned
// candles are deep copies.
func (e *Engine) History(symbol string, tf int, limit int) []model.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.window[(&model.Candle{Symbol: symbol, Timeframe: tf}).Key()]
	var out []model.Candle
	for _, c := range w {
		out = append(out, c.Clone())
	}
	if st := e.openState(symbol, tf); st != nil {
		out = append(out, st.candle.Clone())
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// FootprintAt returns the candle (with footprint) covering startMs for
// (symbol, tf), checking the forming candle first, then the closed window.
func (e *Engine) FootprintAt(symbol string, tf int, startMs int64) (model.Candle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st := e.openState(symbol, tf); st != nil && st.bucket == startMs {
		return st.candle.Clone(), true
	}
	w := e.window[(&model.Candle{Symbol: symbol, Timeframe: tf}).Key()]
	for i := len(w) - 1; i >= 0; i-- {
		if w[i].StartTime == startMs {
			return w[i].Clone(), true
		}
	}
	return model.Candle{}, false
}

// openState finds the open candle state for (symbol, tf). Caller holds e.mu.
func (e *Engine) openState(symbol string, tf int) *seriesState {
	for i, t := range e.cfg.Timeframes {
		if t == tf {
			return e.states[i][symbol]
		}
	}
	return nil
}

// FromTicks re-aggregates a historical tick span into closed candles for one
// timeframe, oldest first. Used by the gap backfill path, which bypasses the
// live engine.
func FromTicks(ticks []model.Tick, tf int, priceStep fixed.Price) []model.Candle {
	if len(ticks) == 0 {
		return nil
	}
	var out []model.Candle
	var cur *model.Candle
	for _, t := range ticks {
		bucket := model.Bucket(t.Time, tf)
		if cur == nil || bucket != cur.StartTime {
			if cur != nil {
				cur.Closed = true
				out = append(out, *cur)
			}
			cur = model.NewCandle(t.Symbol, tf, bucket)
		}
		cur.AddTick(t, priceStep)
	}
	cur.Closed = true
	out = append(out, *cur)
	return out
}
