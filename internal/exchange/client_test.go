package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"footprintd/internal/fixed"
)

// restAggTrade is the Binance REST aggTrades response shape.
type restAggTrade struct {
	A int64  `json:"a"`
	P string `json:"p"`
	Q string `json:"q"`
	F int64  `json:"f"`
	L int64  `json:"l"`
	T int64  `json:"T"`
	M bool   `json:"m"`
}

func stubTrade(id, tsMs int64) restAggTrade {
	return restAggTrade{A: id, P: "65000.50", Q: "0.25", F: id, L: id, T: tsMs, M: id%2 == 0}
}

func TestFetchTradesPagesByFromID(t *testing.T) {
	// 1100 trades one ms apart: the first page is time-bounded and full, the
	// second advances by fromId.
	const total = 1100
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/aggTrades", r.URL.Path)
		q := r.URL.Query()

		first := int64(1)
		if fromID := q.Get("fromId"); fromID != "" {
			first, _ = strconv.ParseInt(fromID, 10, 64)
			assert.Empty(t, q.Get("startTime"), "fromId pages must not be time-bounded")
		} else {
			assert.Equal(t, "1000", q.Get("limit"))
		}

		var page []restAggTrade
		for id := first; id <= total && len(page) < restPageLimit; id++ {
			page = append(page, stubTrade(id, 1_000_000+id))
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := NewClient("", "", srv.URL)
	ticks, err := c.FetchTrades(context.Background(), "BTCUSDT", 1_000_000, 2_000_000)
	require.NoError(t, err)
	require.Len(t, ticks, total)
	assert.Equal(t, int64(1), ticks[0].TradeID)
	assert.Equal(t, int64(total), ticks[total-1].TradeID)
	assert.Equal(t, fixed.Price(650005000), ticks[0].Price)
	assert.Equal(t, fixed.Qty(250000), ticks[0].Qty)
}

func TestFetchTradesStopsAtEndTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]restAggTrade{
			stubTrade(1, 1000),
			stubTrade(2, 1500),
			stubTrade(3, 2000), // at endMs: excluded
		})
	}))
	defer srv.Close()

	c := NewClient("", "", srv.URL)
	ticks, err := c.FetchTrades(context.Background(), "BTCUSDT", 1000, 2000)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, int64(2), ticks[1].TradeID)
}

func TestFetchCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		// Binance kline rows: openTime, O, H, L, C, volume, closeTime, ...
		fmt.Fprint(w, `[
			[60000,"100.0","101.0","99.0","100.5","12.5",119999,"1250.0",42,"6.0","600.0","0"],
			[120000,"100.5","102.0","100.0","101.0","8.0",179999,"808.0",17,"4.0","404.0","0"]
		]`)
	}))
	defer srv.Close()

	c := NewClient("", "", srv.URL)
	candles, err := c.FetchCandles(context.Background(), "BTCUSDT", "1m", 60000, 180000)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.Equal(t, int64(60000), first.StartTime)
	assert.Equal(t, int64(120000), first.EndTime)
	assert.Equal(t, fixed.Price(1000000), first.Open)
	assert.Equal(t, fixed.Price(1010000), first.High)
	assert.Equal(t, fixed.Price(990000), first.Low)
	assert.Equal(t, fixed.Price(1005000), first.Close)
	assert.Equal(t, fixed.Qty(12500000), first.Volume)
	assert.Equal(t, uint32(42), first.TradeCount)
	assert.True(t, first.Closed)
}

func TestIntervalMapping(t *testing.T) {
	for _, tf := range []int{60, 180, 300, 900, 1800, 3600, 14400, 86400} {
		interval, ok := IntervalForTimeframe(tf)
		require.True(t, ok, "tf %d", tf)
		sec, err := intervalSeconds(interval)
		require.NoError(t, err)
		assert.Equal(t, tf, sec)
	}

	_, ok := IntervalForTimeframe(42)
	assert.False(t, ok)
	_, err := intervalSeconds("7m")
	assert.ErrorIs(t, err, ErrProtocol)
}
