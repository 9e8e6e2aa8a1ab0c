package model

import (
	"encoding/json"
	"strconv"

	"footprintd/internal/fixed"
)

// FootprintNode accumulates buy/sell volume at one discretized price level.
// BidVolume is sell-aggressor volume (trades hitting the bid), AskVolume is
// buy-aggressor volume (trades lifting the ask).
type FootprintNode struct {
	BidVolume fixed.Qty `json:"bid_volume"`
	AskVolume fixed.Qty `json:"ask_volume"`
}

// Candle is one OHLCV bar for a (symbol, timeframe) pair, enriched with a
// per-price-level footprint profile. All prices/quantities are fixed-point.
// Timeframe is in seconds, StartTime/EndTime in ms since epoch with
// EndTime = StartTime + Timeframe*1000. Once Closed is set the candle is
// immutable.
type Candle struct {
	Symbol     string                         `json:"symbol"`
	Timeframe  int                            `json:"tf"`
	StartTime  int64                          `json:"start_time"`
	EndTime    int64                          `json:"end_time"`
	Open       fixed.Price                    `json:"open"`
	High       fixed.Price                    `json:"high"`
	Low        fixed.Price                    `json:"low"`
	Close      fixed.Price                    `json:"close"`
	Volume     fixed.Qty                      `json:"volume"`
	TradeCount uint32                         `json:"trade_count"`
	Footprint  map[fixed.Price]*FootprintNode `json:"-"`
	Closed     bool                           `json:"closed"`
}

// NewCandle creates an empty open candle for the given bucket.
func NewCandle(symbol string, tf int, startMs int64) *Candle {
	return &Candle{
		Symbol:    symbol,
		Timeframe: tf,
		StartTime: startMs,
		EndTime:   startMs + int64(tf)*1000,
		Footprint: make(map[fixed.Price]*FootprintNode),
	}
}

// AddTick folds one trade into the candle: OHLC, volume, trade count and the
// footprint node at the tick's price level. priceStep controls level
// discretization (0 = exact prices). Must not be called once Closed.
func (c *Candle) AddTick(t Tick, priceStep fixed.Price) {
	if c.TradeCount == 0 {
		c.Open = t.Price
		c.High = t.Price
		c.Low = t.Price
	} else {
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
	}
	c.Close = t.Price
	c.Volume += t.Qty
	c.TradeCount++

	level := t.Price.Bucket(priceStep)
	node := c.Footprint[level]
	if node == nil {
		node = &FootprintNode{}
		c.Footprint[level] = node
	}
	if t.Side == SideSell {
		node.BidVolume += t.Qty
	} else {
		node.AskVolume += t.Qty
	}
}

// Clone returns a deep copy, including the footprint map, so consumers can
// hold the snapshot without racing the open candle.
func (c *Candle) Clone() Candle {
	cp := *c
	cp.Footprint = make(map[fixed.Price]*FootprintNode, len(c.Footprint))
	for level, node := range c.Footprint {
		n := *node
		cp.Footprint[level] = &n
	}
	return cp
}

// Key returns "symbol:tf" for per-series maps.
func (c *Candle) Key() string {
	return c.Symbol + ":" + strconv.Itoa(c.Timeframe)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Bucket returns the timeframe bucket start (ms) for a tick timestamp.
func Bucket(tsMs int64, tf int) int64 {
	span := int64(tf) * 1000
	return tsMs - tsMs%span
}
