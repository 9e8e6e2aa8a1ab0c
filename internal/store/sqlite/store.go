// Package sqlite persists ticks and closed candles, and tracks gap records
// for the backfill loop. One Store owns the database: SQLite with WAL needs a
// single writer, so the connection pool is pinned to one connection and all
// hot-path writes flow through the batching Run loop.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"footprintd/internal/fixed"
	"footprintd/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 200
	defaultFlushDelay = 200 * time.Millisecond
	maxFlushRetries   = 3
)

// ErrWriteFailed is returned by all write entry points once a batch commit has
// exhausted its retries. The store refuses further writes; the process should
// shut down rather than keep ingesting data it cannot keep.
var ErrWriteFailed = errors.New("sqlite: write path failed")

// Store is the SQLite persistence layer.
type Store struct {
	db *sql.DB

	// failed flips when writes keep erroring after retries; every write
	// entry point then returns ErrWriteFailed.
	failed atomic.Bool

	// OnWriteError is called once per failed flush attempt (optional).
	OnWriteError func(err error)

	// OnCommit is called with the duration of each successful batch commit
	// (optional).
	OnCommit func(d time.Duration)
}

// Open opens (or creates) the database with WAL mode and the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			symbol   TEXT    NOT NULL,
			trade_id INTEGER NOT NULL,
			ts       INTEGER NOT NULL,
			price    INTEGER NOT NULL,
			qty      INTEGER NOT NULL,
			side     INTEGER NOT NULL,
			PRIMARY KEY (symbol, trade_id)
		);
		CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks (symbol, ts);

		CREATE TABLE IF NOT EXISTS candles (
			symbol      TEXT    NOT NULL,
			tf          INTEGER NOT NULL,
			start_ms    INTEGER NOT NULL,
			end_ms      INTEGER NOT NULL,
			open        INTEGER NOT NULL,
			high        INTEGER NOT NULL,
			low         INTEGER NOT NULL,
			close       INTEGER NOT NULL,
			volume      INTEGER NOT NULL,
			trade_count INTEGER NOT NULL,
			PRIMARY KEY (symbol, tf, start_ms)
		);

		CREATE TABLE IF NOT EXISTS gaps (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			tf         INTEGER NOT NULL,
			start_ms   INTEGER NOT NULL,
			end_ms     INTEGER NOT NULL,
			permanent  INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			UNIQUE (symbol, tf, start_ms)
		);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Healthy reports whether the write path is still accepting data.
func (s *Store) Healthy() bool { return !s.failed.Load() }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Run consumes pipeline events and persists them in batched transactions:
// every tick, and every final candle. Forming candle snapshots are skipped;
// they are re-derivable and would churn the candles table. Flushes every
// defaultBatchSize events or defaultFlushDelay, whichever first. Blocks until
// ctx is cancelled or events is closed; returns ErrWriteFailed when a flush
// exhausts its retries, so the caller can begin an orderly shutdown instead of
// ingesting data that is silently lost.
func (s *Store) Run(ctx context.Context, events <-chan model.Event) error {
	var ticks []model.Tick
	var candles []model.Candle
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() error {
		if len(ticks) == 0 && len(candles) == 0 {
			return nil
		}
		start := time.Now()
		if err := s.flushRetry(ticks, candles); err != nil {
			s.failed.Store(true)
			log.Printf("[sqlite] write path failed permanently: %v", err)
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		if s.OnCommit != nil {
			s.OnCommit(time.Since(start))
		}
		log.Printf("[sqlite] committed %d ticks, %d candles in %v",
			len(ticks), len(candles), time.Since(start))
		ticks, candles = ticks[:0], candles[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return flush()

		case ev, ok := <-events:
			if !ok {
				return flush()
			}
			switch ev.Type {
			case model.EventTick:
				ticks = append(ticks, ev.Tick)
			case model.EventCandle:
				if ev.Final {
					candles = append(candles, ev.Candle)
				}
			}
			if len(ticks)+len(candles) >= defaultBatchSize {
				if err := flush(); err != nil {
					return err
				}
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(defaultFlushDelay)
		}
	}
}

// flushRetry commits one batch, retrying transient errors before giving up.
func (s *Store) flushRetry(ticks []model.Tick, candles []model.Candle) error {
	var err error
	for attempt := 0; attempt < maxFlushRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		if err = s.insertBatch(ticks, candles); err == nil {
			return nil
		}
		if s.OnWriteError != nil {
			s.OnWriteError(err)
		}
		log.Printf("[sqlite] batch insert attempt %d: %v", attempt+1, err)
	}
	return err
}

func (s *Store) insertBatch(ticks []model.Tick, candles []model.Candle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if len(ticks) > 0 {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO ticks (symbol, trade_id, ts, price, qty, side)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, t := range ticks {
			if _, err := stmt.Exec(t.Symbol, t.TradeID, t.Time, int64(t.Price), int64(t.Qty), uint8(t.Side)); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
	}

	if len(candles) > 0 {
		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO candles (symbol, tf, start_ms, end_ms, open, high, low, close, volume, trade_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, c := range candles {
			if _, err := stmt.Exec(c.Symbol, c.Timeframe, c.StartTime, c.EndTime,
				int64(c.Open), int64(c.High), int64(c.Low), int64(c.Close),
				int64(c.Volume), c.TradeCount); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// AppendTicks persists ticks synchronously (backfill path). Duplicate trade
// IDs are ignored, so re-fetching an overlapping span is harmless.
func (s *Store) AppendTicks(ticks []model.Tick) error {
	if s.failed.Load() {
		return ErrWriteFailed
	}
	return s.insertBatch(ticks, nil)
}

// AppendCandles persists candles synchronously (backfill path). Existing rows
// for the same (symbol, tf, start) are replaced.
func (s *Store) AppendCandles(candles []model.Candle) error {
	if s.failed.Load() {
		return ErrWriteFailed
	}
	return s.insertBatch(nil, candles)
}

// QueryTicks returns ticks for symbol in [startMs, endMs), oldest first.
func (s *Store) QueryTicks(symbol string, startMs, endMs int64) ([]model.Tick, error) {
	rows, err := s.db.Query(`
		SELECT symbol, trade_id, ts, price, qty, side
		FROM ticks
		WHERE symbol = ? AND ts >= ? AND ts < ?
		ORDER BY trade_id ASC
	`, symbol, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var out []model.Tick
	for rows.Next() {
		var t model.Tick
		var price, qty int64
		var side uint8
		if err := rows.Scan(&t.Symbol, &t.TradeID, &t.Time, &price, &qty, &side); err != nil {
			return nil, fmt.Errorf("sqlite scan tick: %w", err)
		}
		t.Price = fixed.Price(price)
		t.Qty = fixed.Qty(qty)
		t.Side = model.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

// QueryCandles returns candles for (symbol, tf) in [startMs, endMs), oldest
// first. Footprints are not stored; returned candles carry empty maps.
func (s *Store) QueryCandles(symbol string, tf int, startMs, endMs int64) ([]model.Candle, error) {
	rows, err := s.db.Query(`
		SELECT symbol, tf, start_ms, end_ms, open, high, low, close, volume, trade_count
		FROM candles
		WHERE symbol = ? AND tf = ? AND start_ms >= ? AND start_ms < ?
		ORDER BY start_ms ASC
	`, symbol, tf, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		var o, h, l, cl, v int64
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.StartTime, &c.EndTime, &o, &h, &l, &cl, &v, &c.TradeCount); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.Open, c.High, c.Low, c.Close = fixed.Price(o), fixed.Price(h), fixed.Price(l), fixed.Price(cl)
		c.Volume = fixed.Qty(v)
		c.Closed = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCandleTime returns the newest stored candle start for (symbol, tf),
// or 0 when the series is empty.
func (s *Store) LatestCandleTime(symbol string, tf int) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(start_ms) FROM candles WHERE symbol = ? AND tf = ?`,
		symbol, tf,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// EarliestCandleTime returns the oldest stored candle start for (symbol, tf),
// or 0 when the series is empty.
func (s *Store) EarliestCandleTime(symbol string, tf int) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MIN(start_ms) FROM candles WHERE symbol = ? AND tf = ?`,
		symbol, tf,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// PruneBefore deletes ticks and candles older than cutoffMs. Retention
// enforcement; gap records referencing pruned spans are removed too.
func (s *Store) PruneBefore(cutoffMs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM ticks WHERE ts < ?`,
		`DELETE FROM candles WHERE start_ms < ?`,
		`DELETE FROM gaps WHERE end_ms < ?`,
	} {
		if _, err := tx.Exec(q, cutoffMs); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
