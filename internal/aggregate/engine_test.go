package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

func tick(id, tsMs int64, price float64, qty float64, side model.Side) model.Tick {
	return model.Tick{
		Symbol:  "BTCUSDT",
		TradeID: id,
		Time:    tsMs,
		Price:   fixed.PriceFromFloat(price),
		Qty:     fixed.QtyFromFloat(qty),
		Side:    side,
	}
}

// drain runs fn with a collector goroutine on an unbuffered channel so the
// engine's blocking sends complete.
func drain(fn func(out chan<- model.Event)) []model.Event {
	out := make(chan model.Event)
	done := make(chan []model.Event)
	go func() {
		var evs []model.Event
		for ev := range out {
			evs = append(evs, ev)
		}
		done <- evs
	}()
	fn(out)
	close(out)
	return <-done
}

func candlesOf(evs []model.Event) (forming, final []model.Candle) {
	for _, ev := range evs {
		if ev.Type != model.EventCandle {
			continue
		}
		if ev.Final {
			final = append(final, ev.Candle)
		} else {
			forming = append(forming, ev.Candle)
		}
	}
	return
}

func TestEngineOHLCVAndRollover(t *testing.T) {
	e := New(Config{Timeframes: []int{60}, PriceStep: fixed.PriceFromFloat(1)})

	base := int64(1700000040000) // 60s-aligned
	evs := drain(func(out chan<- model.Event) {
		e.OnTick(tick(1, base+1000, 100.0, 1.0, model.SideBuy), out)
		e.OnTick(tick(2, base+2000, 105.0, 2.0, model.SideSell), out)
		e.OnTick(tick(3, base+3000, 95.0, 1.0, model.SideBuy), out)
		e.OnTick(tick(4, base+4000, 102.0, 0.5, model.SideSell), out)
		// next bucket: closes the first candle
		e.OnTick(tick(5, base+61000, 103.0, 1.0, model.SideBuy), out)
	})

	forming, final := candlesOf(evs)
	require.Len(t, final, 1)
	require.Len(t, forming, 5)

	c := final[0]
	assert.Equal(t, base, c.StartTime)
	assert.Equal(t, base+60000, c.EndTime)
	assert.Equal(t, fixed.PriceFromFloat(100.0), c.Open)
	assert.Equal(t, fixed.PriceFromFloat(105.0), c.High)
	assert.Equal(t, fixed.PriceFromFloat(95.0), c.Low)
	assert.Equal(t, fixed.PriceFromFloat(102.0), c.Close)
	assert.Equal(t, fixed.QtyFromFloat(4.5), c.Volume)
	assert.Equal(t, uint32(4), c.TradeCount)
	assert.True(t, c.Closed)

	// High >= Open, Close, Low invariant on the new forming candle too.
	nc := forming[len(forming)-1]
	assert.Equal(t, base+60000, nc.StartTime)
	assert.False(t, nc.Closed)
	assert.Equal(t, fixed.PriceFromFloat(103.0), nc.Open)
}

func TestEngineFootprintConservation(t *testing.T) {
	step := fixed.PriceFromFloat(0.5)
	e := New(Config{Timeframes: []int{60}, PriceStep: step})

	base := int64(1700000040000)
	ticks := []model.Tick{
		tick(1, base+100, 100.10, 1.0, model.SideBuy),
		tick(2, base+200, 100.20, 2.0, model.SideSell), // same 0.5 level as above
		tick(3, base+300, 100.70, 0.5, model.SideBuy),
		tick(4, base+400, 100.70, 0.25, model.SideSell),
	}
	evs := drain(func(out chan<- model.Event) {
		for _, tk := range ticks {
			e.OnTick(tk, out)
		}
	})

	forming, _ := candlesOf(evs)
	c := forming[len(forming)-1]

	// Sum of footprint bid+ask volume equals candle volume.
	var sum fixed.Qty
	for _, node := range c.Footprint {
		sum += node.BidVolume + node.AskVolume
	}
	assert.Equal(t, c.Volume, sum)

	lvl := fixed.PriceFromFloat(100.0) // 100.10 and 100.20 bucket to 100.0
	node := c.Footprint[lvl]
	require.NotNil(t, node)
	assert.Equal(t, fixed.QtyFromFloat(1.0), node.AskVolume)
	assert.Equal(t, fixed.QtyFromFloat(2.0), node.BidVolume)

	lvl2 := fixed.PriceFromFloat(100.5)
	node2 := c.Footprint[lvl2]
	require.NotNil(t, node2)
	assert.Equal(t, fixed.QtyFromFloat(0.5), node2.AskVolume)
	assert.Equal(t, fixed.QtyFromFloat(0.25), node2.BidVolume)
}

func TestEngineMultiTimeframe(t *testing.T) {
	e := New(Config{Timeframes: []int{60, 300}})

	base := int64(1700000100000) // aligned to 300s and 60s
	evs := drain(func(out chan<- model.Event) {
		e.OnTick(tick(1, base+1000, 100, 1, model.SideBuy), out)
		// 61s later: rolls the 1m candle, not the 5m one
		e.OnTick(tick(2, base+61000, 101, 1, model.SideBuy), out)
	})

	_, final := candlesOf(evs)
	require.Len(t, final, 1)
	assert.Equal(t, 60, final[0].Timeframe)

	// 5m candle still forming with both ticks.
	c, ok := e.FootprintAt("BTCUSDT", 300, base)
	require.True(t, ok)
	assert.Equal(t, uint32(2), c.TradeCount)
}

func TestEngineStaleTick(t *testing.T) {
	e := New(Config{Timeframes: []int{60}})
	var stale []model.Tick
	e.OnStaleTick = func(tk model.Tick) { stale = append(stale, tk) }

	base := int64(1700000040000)
	evs := drain(func(out chan<- model.Event) {
		e.OnTick(tick(1, base+61000, 100, 1, model.SideBuy), out) // second bucket
		e.OnTick(tick(2, base+1000, 99, 1, model.SideBuy), out)   // first bucket: stale
	})

	require.Len(t, stale, 1)
	assert.Equal(t, int64(2), stale[0].TradeID)

	// Stale tick produced a tick event but no candle mutation.
	forming, final := candlesOf(evs)
	assert.Empty(t, final)
	require.Len(t, forming, 1)
	assert.Equal(t, uint32(1), forming[0].TradeCount)
}

func TestEngineHistoryWindow(t *testing.T) {
	e := New(Config{Timeframes: []int{60}, WindowSize: 2})

	base := int64(1700000040000)
	drain(func(out chan<- model.Event) {
		for i := int64(0); i < 4; i++ {
			e.OnTick(tick(i+1, base+i*60000, 100+float64(i), 1, model.SideBuy), out)
		}
	})

	// 3 closed candles, window keeps 2; plus the forming one.
	h := e.History("BTCUSDT", 60, 0)
	require.Len(t, h, 3)
	assert.Equal(t, base+60000, h[0].StartTime)
	assert.True(t, h[0].Closed)
	assert.False(t, h[2].Closed)

	limited := e.History("BTCUSDT", 60, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, h[1].StartTime, limited[0].StartTime)
}

func TestEngineFlush(t *testing.T) {
	e := New(Config{Timeframes: []int{60}})
	base := int64(1700000040000)

	evs := drain(func(out chan<- model.Event) {
		e.OnTick(tick(1, base+1000, 100, 1, model.SideBuy), out)
		e.Flush(out)
	})

	_, final := candlesOf(evs)
	require.Len(t, final, 1)
	assert.True(t, final[0].Closed)
	assert.Equal(t, uint32(1), final[0].TradeCount)
}

func TestFromTicks(t *testing.T) {
	base := int64(1700000040000)
	ticks := []model.Tick{
		tick(1, base+1000, 100, 1, model.SideBuy),
		tick(2, base+2000, 101, 1, model.SideSell),
		tick(3, base+61000, 102, 2, model.SideBuy),
	}

	candles := FromTicks(ticks, 60, 0)
	require.Len(t, candles, 2)
	assert.Equal(t, base, candles[0].StartTime)
	assert.Equal(t, uint32(2), candles[0].TradeCount)
	assert.True(t, candles[0].Closed)
	assert.Equal(t, base+60000, candles[1].StartTime)
	assert.Equal(t, fixed.QtyFromFloat(2), candles[1].Volume)
	assert.True(t, candles[1].Closed)

	assert.Empty(t, FromTicks(nil, 60, 0))
}
