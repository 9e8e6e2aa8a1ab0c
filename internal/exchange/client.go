// Package exchange is the Binance gateway: REST history fetch and the live
// aggregated-trade stream. It normalizes both sources into model.Tick so the
// rest of the pipeline never sees exchange wire formats.
package exchange

import (
	"context"
	"fmt"
	"log"

	"github.com/adshao/go-binance/v2"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

const restPageLimit = 1000

// Client wraps the Binance REST API for historical data.
type Client struct {
	api *binance.Client
}

// NewClient builds a REST client. baseURL overrides the production endpoint
// (used against the local feed simulator); empty keeps the default. Public
// market-data endpoints need no credentials, so empty keys are fine.
func NewClient(apiKey, secretKey, baseURL string) *Client {
	api := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		api.BaseURL = baseURL
	}
	return &Client{api: api}
}

// FetchTrades pages through aggregated trades for [startMs, endMs), oldest
// first. The first page is time-bounded; subsequent pages advance by FromID so
// dense spans with >1000 trades per window are not skipped.
func (c *Client) FetchTrades(ctx context.Context, symbol string, startMs, endMs int64) ([]model.Tick, error) {
	var out []model.Tick

	page, err := c.api.NewAggTradesService().
		Symbol(symbol).
		StartTime(startMs).
		EndTime(endMs).
		Limit(restPageLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: aggTrades %s: %v", ErrNetwork, symbol, err)
	}

	for len(page) > 0 {
		for _, at := range page {
			if at.Timestamp >= endMs {
				return out, nil
			}
			t, err := tickFromAggTrade(symbol, at)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		if len(page) < restPageLimit {
			break
		}
		fromID := page[len(page)-1].AggTradeID + 1
		page, err = c.api.NewAggTradesService().
			Symbol(symbol).
			FromID(fromID).
			Limit(restPageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: aggTrades %s from=%d: %v", ErrNetwork, symbol, fromID, err)
		}
	}

	log.Printf("[exchange] fetched %d trades for %s [%d, %d)", len(out), symbol, startMs, endMs)
	return out, nil
}

// FetchCandles pages through klines for [startMs, endMs), oldest first.
// interval is a Binance interval string such as "1m".
func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, startMs, endMs int64) ([]model.Candle, error) {
	tf, err := intervalSeconds(interval)
	if err != nil {
		return nil, err
	}

	var out []model.Candle
	from := startMs
	for from < endMs {
		page, err := c.api.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from).
			EndTime(endMs).
			Limit(restPageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: klines %s %s: %v", ErrNetwork, symbol, interval, err)
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			mc, err := candleFromKline(symbol, tf, k)
			if err != nil {
				return nil, err
			}
			out = append(out, mc)
		}
		from = page[len(page)-1].CloseTime + 1
		if len(page) < restPageLimit {
			break
		}
	}
	return out, nil
}

func tickFromAggTrade(symbol string, at *binance.AggTrade) (model.Tick, error) {
	price, err := fixed.PriceFromString(at.Price)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: aggTrade %d price %q: %v", ErrProtocol, at.AggTradeID, at.Price, err)
	}
	qty, err := fixed.QtyFromString(at.Quantity)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: aggTrade %d qty %q: %v", ErrProtocol, at.AggTradeID, at.Quantity, err)
	}
	return model.Tick{
		Symbol:  symbol,
		TradeID: at.AggTradeID,
		Time:    at.Timestamp,
		Price:   price,
		Qty:     qty,
		Side:    model.SideFromBuyerMaker(at.IsBuyerMaker),
	}, nil
}

func candleFromKline(symbol string, tf int, k *binance.Kline) (model.Candle, error) {
	c := model.Candle{
		Symbol:     symbol,
		Timeframe:  tf,
		StartTime:  k.OpenTime,
		EndTime:    k.OpenTime + int64(tf)*1000,
		TradeCount: uint32(k.TradeNum),
		Closed:     true,
	}
	var err error
	if c.Open, err = fixed.PriceFromString(k.Open); err != nil {
		return model.Candle{}, fmt.Errorf("%w: kline open %q: %v", ErrProtocol, k.Open, err)
	}
	if c.High, err = fixed.PriceFromString(k.High); err != nil {
		return model.Candle{}, fmt.Errorf("%w: kline high %q: %v", ErrProtocol, k.High, err)
	}
	if c.Low, err = fixed.PriceFromString(k.Low); err != nil {
		return model.Candle{}, fmt.Errorf("%w: kline low %q: %v", ErrProtocol, k.Low, err)
	}
	if c.Close, err = fixed.PriceFromString(k.Close); err != nil {
		return model.Candle{}, fmt.Errorf("%w: kline close %q: %v", ErrProtocol, k.Close, err)
	}
	if c.Volume, err = fixed.QtyFromString(k.Volume); err != nil {
		return model.Candle{}, fmt.Errorf("%w: kline volume %q: %v", ErrProtocol, k.Volume, err)
	}
	return c, nil
}

// intervalSeconds maps a Binance interval string to seconds.
func intervalSeconds(interval string) (int, error) {
	switch interval {
	case "1m":
		return 60, nil
	case "3m":
		return 180, nil
	case "5m":
		return 300, nil
	case "15m":
		return 900, nil
	case "30m":
		return 1800, nil
	case "1h":
		return 3600, nil
	case "4h":
		return 14400, nil
	case "1d":
		return 86400, nil
	default:
		return 0, fmt.Errorf("%w: unsupported interval %q", ErrProtocol, interval)
	}
}

// IntervalForTimeframe is the inverse mapping, used when a timeframe in
// seconds needs to be expressed as a Binance interval string.
func IntervalForTimeframe(tf int) (string, bool) {
	switch tf {
	case 60:
		return "1m", true
	case 180:
		return "3m", true
	case 300:
		return "5m", true
	case 900:
		return "15m", true
	case 1800:
		return "30m", true
	case 3600:
		return "1h", true
	case 14400:
		return "4h", true
	case 86400:
		return "1d", true
	default:
		return "", false
	}
}
