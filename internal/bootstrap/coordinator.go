// Package bootstrap merges the REST historical backfill with the live trade
// stream into one gapless, duplicate-free tick sequence per symbol. The live
// stream is buffered while history downloads; once history lands, the buffer
// is drained with trade-ID dedup against the last historical trade, and the
// coordinator goes live. Every reconnect repeats the same cycle anchored to
// the last forwarded trade, so executions printed during a socket outage are
// re-fetched over REST instead of lost.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"footprintd/internal/exchange"
	"footprintd/internal/model"
)

// ErrBootstrapFailed means the historical fetch exhausted its retries. The
// caller should treat the symbol pipeline as unusable.
var ErrBootstrapFailed = errors.New("bootstrap: history fetch failed")

// ConnState is the coordinator's externally visible state.
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateBootstrapping
	StateDraining
	StateLive
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBootstrapping:
		return "bootstrapping"
	case StateDraining:
		return "draining"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HistoryFetcher is the REST dependency; satisfied by exchange.Client.
type HistoryFetcher interface {
	FetchTrades(ctx context.Context, symbol string, startMs, endMs int64) ([]model.Tick, error)
}

// Config holds coordinator parameters.
type Config struct {
	Symbol       string
	HistoryStart int64 // ms, inclusive
	HistoryEnd   int64 // ms, exclusive; 0 = now at Run time
	MaxRetries   int   // bounded REST retries before ErrBootstrapFailed
}

// Coordinator runs the bootstrap state machine for one symbol.
type Coordinator struct {
	cfg     Config
	fetcher HistoryFetcher

	mu          sync.Mutex
	state       ConnState
	lastTradeID int64
	lastTime    int64 // ms timestamp of the last forwarded trade

	// OnDuplicate is called for each live trade dropped as already seen
	// (optional, set externally).
	OnDuplicate func(t model.Tick)
}

// New creates a coordinator. MaxRetries defaults to 5.
func New(cfg Config, fetcher HistoryFetcher) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Coordinator{cfg: cfg, fetcher: fetcher, state: StateConnecting}
}

// State returns the current state for the status endpoint.
func (c *Coordinator) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastTradeID returns the highest trade ID forwarded so far.
func (c *Coordinator) LastTradeID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTradeID
}

func (c *Coordinator) setState(s ConnState) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		log.Printf("[bootstrap] %s state %s -> %s", c.cfg.Symbol, old, s)
	}
}

type fetchResult struct {
	ticks []model.Tick
	err   error
}

// Run drives the state machine until ctx is cancelled or events closes.
// History ticks are emitted first, then buffered live trades (dropping IDs at
// or below the history anchor), then the live tail. On reconnect the cycle
// repeats: the window since the last forwarded trade is re-fetched over REST
// and replayed through the same dedup before live forwarding resumes. All
// sends on out block; ingest pacing belongs to the consumer.
func (c *Coordinator) Run(ctx context.Context, events <-chan exchange.StreamEvent, out chan<- model.Tick) error {
	end := c.cfg.HistoryEnd
	if end == 0 {
		end = time.Now().UnixMilli()
	}
	if ok, err := c.bootstrap(ctx, events, out, c.cfg.HistoryStart, end); !ok {
		return err
	}

	for {
		reconnected, err := c.live(ctx, events, out)
		if !reconnected {
			return err
		}
		// The socket dropped and came back. Trades printed during the
		// outage never reached the stream; re-fetch from the last forwarded
		// trade onward and let forward() drop the overlap.
		if ok, err := c.bootstrap(ctx, events, out, c.lastSeenTime(), time.Now().UnixMilli()); !ok {
			return err
		}
	}
}

// bootstrap runs one fetch+buffer+drain cycle over [startMs, endMs): live
// trades are buffered while the REST download runs, then history and buffer
// are replayed in order through forward(). Returns ok=false when the stream
// ended, ctx was cancelled, or the fetch exhausted its retries.
func (c *Coordinator) bootstrap(ctx context.Context, events <-chan exchange.StreamEvent, out chan<- model.Tick, startMs, endMs int64) (bool, error) {
	fetchCh := make(chan fetchResult, 1)
	go c.fetchWithRetry(ctx, startMs, endMs, fetchCh)
	c.setState(StateBootstrapping)

	var buffered []model.Tick
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return false, nil
			}
			if ev.Kind == exchange.EventTrade {
				buffered = append(buffered, ev.Tick)
			}

		case res := <-fetchCh:
			if res.err != nil {
				c.setState(StateFailed)
				return false, fmt.Errorf("%w: %s: %v", ErrBootstrapFailed, c.cfg.Symbol, res.err)
			}
			c.setState(StateDraining)
			for _, t := range res.ticks {
				if !c.forward(ctx, t, out) {
					return false, ctx.Err()
				}
			}
			for _, t := range buffered {
				if !c.forward(ctx, t, out) {
					return false, ctx.Err()
				}
			}
			c.setState(StateLive)
			return true, nil
		}
	}
}

// live forwards the stream tail with dedup. Returns reconnected=true when the
// connection dropped and came back, so the caller re-runs the bootstrap cycle
// before resuming; false when the stream ended or ctx was cancelled.
func (c *Coordinator) live(ctx context.Context, events <-chan exchange.StreamEvent, out chan<- model.Tick) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return false, nil
			}
			switch ev.Kind {
			case exchange.EventTrade:
				if !c.forward(ctx, ev.Tick, out) {
					return false, ctx.Err()
				}
			case exchange.EventDisconnected:
				c.setState(StateReconnecting)
			case exchange.EventConnected:
				if c.State() == StateReconnecting {
					return true, nil
				}
			}
		}
	}
}

// lastSeenTime is the re-fetch anchor after an outage: the timestamp of the
// last forwarded trade, or the configured history start before any trade.
func (c *Coordinator) lastSeenTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastTime == 0 {
		return c.cfg.HistoryStart
	}
	return c.lastTime
}

// forward applies trade-ID dedup and blocks the tick onto out. Returns false
// only on ctx cancellation.
func (c *Coordinator) forward(ctx context.Context, t model.Tick, out chan<- model.Tick) bool {
	c.mu.Lock()
	if t.TradeID <= c.lastTradeID {
		c.mu.Unlock()
		if c.OnDuplicate != nil {
			c.OnDuplicate(t)
		}
		return true
	}
	c.lastTradeID = t.TradeID
	c.lastTime = t.Time
	c.mu.Unlock()

	select {
	case out <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// fetchWithRetry downloads history with jittered exponential backoff, giving
// up after MaxRetries attempts.
func (c *Coordinator) fetchWithRetry(ctx context.Context, startMs, endMs int64, res chan<- fetchResult) {
	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		ticks, err := c.fetcher.FetchTrades(ctx, c.cfg.Symbol, startMs, endMs)
		if err == nil {
			log.Printf("[bootstrap] %s history: %d trades", c.cfg.Symbol, len(ticks))
			res <- fetchResult{ticks: ticks}
			return
		}
		lastErr = err
		log.Printf("[bootstrap] %s history attempt %d/%d: %v", c.cfg.Symbol, attempt, c.cfg.MaxRetries, err)
		select {
		case <-ctx.Done():
			res <- fetchResult{err: ctx.Err()}
			return
		case <-time.After(bo.Duration()):
		}
	}
	res <- fetchResult{err: lastErr}
}
