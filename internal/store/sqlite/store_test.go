package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testTick(id, tsMs int64) model.Tick {
	return model.Tick{
		Symbol:  "BTCUSDT",
		TradeID: id,
		Time:    tsMs,
		Price:   fixed.Price(650005000),
		Qty:     fixed.Qty(250000),
		Side:    model.SideSell,
	}
}

func testCandle(tf int, startMs int64) model.Candle {
	return model.Candle{
		Symbol:     "BTCUSDT",
		Timeframe:  tf,
		StartTime:  startMs,
		EndTime:    startMs + int64(tf)*1000,
		Open:       fixed.Price(1000000),
		High:       fixed.Price(1010000),
		Low:        fixed.Price(990000),
		Close:      fixed.Price(1005000),
		Volume:     fixed.Qty(5000000),
		TradeCount: 42,
		Closed:     true,
	}
}

func TestTickRoundTripAndIdempotence(t *testing.T) {
	s := openTestStore(t)

	ticks := []model.Tick{testTick(1, 1000), testTick(2, 2000), testTick(3, 3000)}
	require.NoError(t, s.AppendTicks(ticks))
	// Re-appending the same IDs is a no-op.
	require.NoError(t, s.AppendTicks(ticks))

	got, err := s.QueryTicks("BTCUSDT", 0, 10000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ticks[0], got[0])
	assert.Equal(t, int64(3), got[2].TradeID)

	// Range bounds: [start, end).
	got, err = s.QueryTicks("BTCUSDT", 2000, 3000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].TradeID)
}

func TestCandleRoundTripAndReplace(t *testing.T) {
	s := openTestStore(t)

	c := testCandle(60, 60000)
	require.NoError(t, s.AppendCandles([]model.Candle{c}))

	// Replace with updated volume for the same bucket.
	c.Volume = fixed.Qty(9000000)
	require.NoError(t, s.AppendCandles([]model.Candle{c}))

	got, err := s.QueryCandles("BTCUSDT", 60, 0, 200000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fixed.Qty(9000000), got[0].Volume)
	assert.True(t, got[0].Closed)

	latest, err := s.LatestCandleTime("BTCUSDT", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), latest)

	earliest, err := s.EarliestCandleTime("BTCUSDT", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(60000), earliest)
}

func TestRunPersistsTicksAndFinalCandles(t *testing.T) {
	s := openTestStore(t)

	events := make(chan model.Event, 16)
	events <- model.TickEvent(testTick(1, 1000))
	events <- model.CandleEvent(testCandle(60, 0), false) // forming: skipped
	events <- model.CandleEvent(testCandle(60, 0), true)
	close(events)

	require.NoError(t, s.Run(context.Background(), events))

	ticks, err := s.QueryTicks("BTCUSDT", 0, 10000)
	require.NoError(t, err)
	assert.Len(t, ticks, 1)

	candles, err := s.QueryCandles("BTCUSDT", 60, 0, 200000)
	require.NoError(t, err)
	assert.Len(t, candles, 1)
	assert.True(t, s.Healthy())
}

func TestRunSurfacesPersistentWriteFailure(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close()) // every flush attempt now errors

	events := make(chan model.Event, 4)
	events <- model.TickEvent(testTick(1, 1000))
	close(events)

	err := s.Run(context.Background(), events)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.False(t, s.Healthy())

	// The store refuses further writes instead of pretending to persist.
	assert.ErrorIs(t, s.AppendTicks([]model.Tick{testTick(2, 2000)}), ErrWriteFailed)
	assert.ErrorIs(t, s.AppendCandles([]model.Candle{testCandle(60, 0)}), ErrWriteFailed)
}

func TestDetectGaps(t *testing.T) {
	s := openTestStore(t)

	// Candles at buckets 0, 1, 4, 5 of a 60s series: gap covers buckets 2-3.
	for _, b := range []int64{0, 1, 4, 5} {
		require.NoError(t, s.AppendCandles([]model.Candle{testCandle(60, b*60000)}))
	}

	gaps, err := s.DetectGaps("BTCUSDT", 60, 0, 6*60000)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, int64(2*60000), gaps[0].MissingStart)
	assert.Equal(t, int64(4*60000), gaps[0].MissingEnd)

	// Re-detection neither duplicates records nor reports the known gap again.
	again, err := s.DetectGaps("BTCUSDT", 60, 0, 6*60000)
	require.NoError(t, err)
	assert.Empty(t, again)
	open, err := s.OpenGaps()
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDetectGapsLeadingAndTrailing(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendCandles([]model.Candle{testCandle(60, 2 * 60000)}))

	gaps, err := s.DetectGaps("BTCUSDT", 60, 0, 5*60000)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, int64(0), gaps[0].MissingStart)
	assert.Equal(t, int64(2*60000), gaps[0].MissingEnd)
	assert.Equal(t, int64(3*60000), gaps[1].MissingStart)
	assert.Equal(t, int64(5*60000), gaps[1].MissingEnd)
}

type fakeFetcher struct {
	ticks []model.Tick
	calls int
}

func (f *fakeFetcher) FetchTrades(ctx context.Context, symbol string, startMs, endMs int64) ([]model.Tick, error) {
	f.calls++
	var out []model.Tick
	for _, t := range f.ticks {
		if t.Time >= startMs && t.Time < endMs {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestManagerBackfillsGap(t *testing.T) {
	s := openTestStore(t)

	// Stored candles at buckets 0 and 3; missing buckets 1-2.
	require.NoError(t, s.AppendCandles([]model.Candle{testCandle(60, 0), testCandle(60, 3*60000)}))
	_, err := s.DetectGaps("BTCUSDT", 60, 0, 4*60000)
	require.NoError(t, err)

	f := &fakeFetcher{ticks: []model.Tick{
		testTick(10, 1*60000+500),
		testTick(11, 2*60000+500),
	}}
	m := NewManager(ManagerConfig{
		Symbols:    []string{"BTCUSDT"},
		Timeframes: []int{60},
		Retention:  time.Hour,
	}, s, f)

	open, err := s.OpenGaps()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, m.backfill(context.Background(), open[0]))

	// Gap is gone and the missing buckets now have candles and ticks.
	open, err = s.OpenGaps()
	require.NoError(t, err)
	assert.Empty(t, open)

	candles, err := s.QueryCandles("BTCUSDT", 60, 60000, 3*60000)
	require.NoError(t, err)
	assert.Len(t, candles, 2)

	ticks, err := s.QueryTicks("BTCUSDT", 60000, 3*60000)
	require.NoError(t, err)
	assert.Len(t, ticks, 2)
}

func TestManagerMarksEmptySpanPermanent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendCandles([]model.Candle{testCandle(60, 0), testCandle(60, 2*60000)}))
	_, err := s.DetectGaps("BTCUSDT", 60, 0, 3*60000)
	require.NoError(t, err)

	f := &fakeFetcher{} // no trades anywhere
	m := NewManager(ManagerConfig{Symbols: []string{"BTCUSDT"}, Timeframes: []int{60}}, s, f)

	open, err := s.OpenGaps()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, m.backfill(context.Background(), open[0]))

	// Permanent: not open anymore, and never re-fetched.
	open, err = s.OpenGaps()
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 1, f.calls)
}

func TestPruneBefore(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendTicks([]model.Tick{testTick(1, 1000), testTick(2, 5000)}))
	require.NoError(t, s.AppendCandles([]model.Candle{testCandle(60, 0), testCandle(60, 60000)}))

	require.NoError(t, s.PruneBefore(4000))

	ticks, err := s.QueryTicks("BTCUSDT", 0, 10000)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, int64(2), ticks[0].TradeID)

	candles, err := s.QueryCandles("BTCUSDT", 60, 0, 200000)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, int64(60000), candles[0].StartTime)
}
