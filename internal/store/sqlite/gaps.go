package sqlite

import (
	"context"
	"log"
	"time"

	"footprintd/internal/aggregate"
	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

// DetectGaps scans stored candles for (symbol, tf) over [rangeStart, rangeEnd)
// and records every span of missing buckets in the gaps table, including a
// leading gap before the first stored candle and a trailing gap after the
// last. Already-recorded spans are left untouched (unique index) and omitted
// from the result, so repeated detection is idempotent.
func (s *Store) DetectGaps(symbol string, tf int, rangeStart, rangeEnd int64) ([]model.GapRecord, error) {
	rows, err := s.db.Query(`
		SELECT start_ms FROM candles
		WHERE symbol = ? AND tf = ? AND start_ms >= ? AND start_ms < ?
		ORDER BY start_ms ASC
	`, symbol, tf, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	var starts []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			rows.Close()
			return nil, err
		}
		starts = append(starts, ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	span := int64(tf) * 1000
	alignedStart := rangeStart - rangeStart%span
	alignedEnd := rangeEnd - rangeEnd%span

	var gaps []model.GapRecord
	addGap := func(from, to int64) {
		if from < to {
			gaps = append(gaps, model.GapRecord{Symbol: symbol, Timeframe: tf, MissingStart: from, MissingEnd: to})
		}
	}

	if len(starts) == 0 {
		addGap(alignedStart, alignedEnd)
	} else {
		addGap(alignedStart, starts[0])
		for i := 1; i < len(starts); i++ {
			if starts[i]-starts[i-1] > span {
				addGap(starts[i-1]+span, starts[i])
			}
		}
		addGap(starts[len(starts)-1]+span, alignedEnd)
	}

	// Only newly recorded spans are returned; re-detecting a known gap is
	// silent so callers don't count it twice.
	recorded := gaps[:0]
	for _, g := range gaps {
		res, err := s.db.Exec(`
			INSERT OR IGNORE INTO gaps (symbol, tf, start_ms, end_ms)
			VALUES (?, ?, ?, ?)
		`, g.Symbol, g.Timeframe, g.MissingStart, g.MissingEnd)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue
		}
		if id, err := res.LastInsertId(); err == nil {
			g.ID = id
		}
		recorded = append(recorded, g)
	}
	return recorded, nil
}

// OpenGaps returns every non-permanent gap record, oldest first.
func (s *Store) OpenGaps() ([]model.GapRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, tf, start_ms, end_ms, permanent
		FROM gaps WHERE permanent = 0
		ORDER BY start_ms ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GapRecord
	for rows.Next() {
		var g model.GapRecord
		if err := rows.Scan(&g.ID, &g.Symbol, &g.Timeframe, &g.MissingStart, &g.MissingEnd, &g.Permanent); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CloseGap resolves a gap record: deleted when filled, or flagged permanent
// when the exchange has no data for the span.
func (s *Store) CloseGap(id int64, permanent bool) error {
	if permanent {
		_, err := s.db.Exec(`UPDATE gaps SET permanent = 1 WHERE id = ?`, id)
		return err
	}
	_, err := s.db.Exec(`DELETE FROM gaps WHERE id = ?`, id)
	return err
}

// TickFetcher is the REST dependency for backfill; satisfied by
// exchange.Client.
type TickFetcher interface {
	FetchTrades(ctx context.Context, symbol string, startMs, endMs int64) ([]model.Tick, error)
}

// ManagerConfig configures the gap backfill loop.
type ManagerConfig struct {
	Symbols    []string
	Timeframes []int // first entry is the detection timeframe
	PriceStep  fixed.Price
	Interval   time.Duration // detection sweep period
	Retention  time.Duration // how far back to detect
}

// Manager periodically detects candle gaps and backfills them from REST:
// fetch the missing tick span, persist the ticks, re-aggregate candles for
// every timeframe, and close the gap. Spans the exchange has no trades for
// are marked permanent and never retried.
type Manager struct {
	cfg     ManagerConfig
	store   *Store
	fetcher TickFetcher

	// OnGapDetected/OnGapFilled are metric hooks (optional).
	OnGapDetected func(g model.GapRecord)
	OnGapFilled   func(g model.GapRecord, permanent bool)
}

// NewManager creates a gap manager. Interval defaults to 1 minute.
func NewManager(cfg ManagerConfig, store *Store, fetcher TickFetcher) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Manager{cfg: cfg, store: store, fetcher: fetcher}
}

// Run sweeps until ctx is cancelled. One sweep detects new gaps over the
// retention window and then works the open-gap backlog.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one detect-and-backfill pass.
func (m *Manager) Sweep(ctx context.Context) {
	if len(m.cfg.Timeframes) == 0 {
		return
	}
	tf := m.cfg.Timeframes[0]
	now := time.Now().UnixMilli()
	// Stop detection one bucket short of now: the current bucket is still
	// forming and its absence is not a gap.
	end := model.Bucket(now, tf)
	start := now - m.cfg.Retention.Milliseconds()

	for _, sym := range m.cfg.Symbols {
		// Only detect inside the span we have ever stored; before first
		// ingest everything would look like one giant gap.
		earliest, err := m.store.EarliestCandleTime(sym, tf)
		if err != nil {
			log.Printf("[gaps] %s earliest: %v", sym, err)
			continue
		}
		if earliest == 0 {
			continue
		}
		if earliest > start {
			start = earliest
		}
		gaps, err := m.store.DetectGaps(sym, tf, start, end)
		if err != nil {
			log.Printf("[gaps] %s detect: %v", sym, err)
			continue
		}
		for _, g := range gaps {
			log.Printf("[gaps] detected %s tf=%d [%d, %d)", g.Symbol, g.Timeframe, g.MissingStart, g.MissingEnd)
			if m.OnGapDetected != nil {
				m.OnGapDetected(g)
			}
		}
	}

	open, err := m.store.OpenGaps()
	if err != nil {
		log.Printf("[gaps] list open: %v", err)
		return
	}
	for _, g := range open {
		if ctx.Err() != nil {
			return
		}
		if err := m.backfill(ctx, g); err != nil {
			log.Printf("[gaps] backfill %s [%d, %d): %v", g.Symbol, g.MissingStart, g.MissingEnd, err)
		}
	}
}

// backfill fills one gap from REST.
func (m *Manager) backfill(ctx context.Context, g model.GapRecord) error {
	ticks, err := m.fetcher.FetchTrades(ctx, g.Symbol, g.MissingStart, g.MissingEnd)
	if err != nil {
		return err // transient; retried next sweep
	}

	if len(ticks) == 0 {
		// The exchange has no trades here: nothing to fill, ever.
		if err := m.store.CloseGap(g.ID, true); err != nil {
			return err
		}
		log.Printf("[gaps] permanent %s tf=%d [%d, %d)", g.Symbol, g.Timeframe, g.MissingStart, g.MissingEnd)
		if m.OnGapFilled != nil {
			m.OnGapFilled(g, true)
		}
		return nil
	}

	if err := m.store.AppendTicks(ticks); err != nil {
		return err
	}
	for _, tf := range m.cfg.Timeframes {
		candles := aggregate.FromTicks(ticks, tf, m.cfg.PriceStep)
		if err := m.store.AppendCandles(candles); err != nil {
			return err
		}
	}
	if err := m.store.CloseGap(g.ID, false); err != nil {
		return err
	}
	log.Printf("[gaps] filled %s tf=%d [%d, %d) with %d ticks", g.Symbol, g.Timeframe, g.MissingStart, g.MissingEnd, len(ticks))
	if m.OnGapFilled != nil {
		m.OnGapFilled(g, false)
	}
	return nil
}
