// Package bridge is the JSON control plane: a websocket hub that streams
// candle/tick updates to subscribed clients and answers request/response
// queries (history, footprints, status, config).
package bridge

import (
	"encoding/json"
	"fmt"
	"sort"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

// Inbound is the closed set of client request messages. Every implementation
// lives in this file; handlers switch over the concrete types exhaustively,
// so adding a message type is a compile-visible change.
type Inbound interface{ inbound() }

// SubscribeMsg subscribes the client to live updates for (symbol, tf).
type SubscribeMsg struct {
	ReqID  string `json:"req_id,omitempty"`
	Symbol string `json:"symbol"`
	TF     int    `json:"tf"`
}

// UnsubscribeMsg removes a (symbol, tf) subscription.
type UnsubscribeMsg struct {
	ReqID  string `json:"req_id,omitempty"`
	Symbol string `json:"symbol"`
	TF     int    `json:"tf"`
}

// GetHistoryMsg requests stored candles, either the last Days days or an
// explicit [StartMs, EndMs) range. Range wins when both are set.
type GetHistoryMsg struct {
	ReqID   string `json:"req_id,omitempty"`
	Symbol  string `json:"symbol"`
	TF      int    `json:"tf"`
	Days    int    `json:"days,omitempty"`
	StartMs int64  `json:"start_ms,omitempty"`
	EndMs   int64  `json:"end_ms,omitempty"`
}

// GetTicksMsg requests stored raw trades for a [StartMs, EndMs) window.
type GetTicksMsg struct {
	ReqID   string `json:"req_id,omitempty"`
	Symbol  string `json:"symbol"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// GetFootprintMsg requests the per-price-level profile of one candle.
type GetFootprintMsg struct {
	ReqID      string `json:"req_id,omitempty"`
	Symbol     string `json:"symbol"`
	TF         int    `json:"tf"`
	CandleTime int64  `json:"candle_time"`
}

// SetConfigMsg adjusts the history retention window.
type SetConfigMsg struct {
	ReqID string `json:"req_id,omitempty"`
	Days  int    `json:"days"`
}

// GetStatusMsg requests pipeline health.
type GetStatusMsg struct {
	ReqID string `json:"req_id,omitempty"`
}

func (SubscribeMsg) inbound()    {}
func (UnsubscribeMsg) inbound()  {}
func (GetHistoryMsg) inbound()   {}
func (GetTicksMsg) inbound()     {}
func (GetFootprintMsg) inbound() {}
func (SetConfigMsg) inbound()    {}
func (GetStatusMsg) inbound()    {}

// ParseInbound decodes one client message. Unknown types are an error with
// the offending type name; malformed JSON reports what was wrong, not just
// that something was.
func ParseInbound(raw []byte) (Inbound, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}

	decode := func(dst Inbound) (Inbound, error) {
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("invalid %s message: %v", base.Type, err)
		}
		return dst, nil
	}

	switch base.Type {
	case "subscribe":
		return decode(&SubscribeMsg{})
	case "unsubscribe":
		return decode(&UnsubscribeMsg{})
	case "getHistory":
		return decode(&GetHistoryMsg{})
	case "getTicks":
		return decode(&GetTicksMsg{})
	case "getFootprint":
		return decode(&GetFootprintMsg{})
	case "setConfig":
		return decode(&SetConfigMsg{})
	case "getStatus":
		return decode(&GetStatusMsg{})
	case "":
		return nil, fmt.Errorf("missing message type")
	default:
		return nil, fmt.Errorf("unknown message type %q", base.Type)
	}
}

// footprintLevel is one price level in a footprint response, flattened for
// JSON since map keys must be strings.
type footprintLevel struct {
	Price     fixed.Price `json:"price"`
	BidVolume fixed.Qty   `json:"bid_volume"`
	AskVolume fixed.Qty   `json:"ask_volume"`
}

func footprintLevels(c model.Candle) []footprintLevel {
	levels := make([]footprintLevel, 0, len(c.Footprint))
	for price, node := range c.Footprint {
		levels = append(levels, footprintLevel{Price: price, BidVolume: node.BidVolume, AskVolume: node.AskVolume})
	}
	// Stable order for clients.
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels
}

func marshal(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Outbound message builders. Every server-to-client payload goes through one
// of these so the envelope shapes stay in one place.

func subscribedResponse(reqID, symbol string, tf int) []byte {
	return marshal(map[string]interface{}{
		"type": "subscribed", "req_id": reqID, "symbol": symbol, "tf": tf,
	})
}

func candleUpdate(c model.Candle, final bool) []byte {
	return marshal(map[string]interface{}{
		"type": "candle", "final": final, "candle": c,
	})
}

func tickUpdate(t model.Tick) []byte {
	return marshal(map[string]interface{}{
		"type": "tick", "tick": t,
	})
}

func historyResponse(reqID, symbol string, tf int, candles []model.Candle) []byte {
	if candles == nil {
		candles = []model.Candle{}
	}
	return marshal(map[string]interface{}{
		"type": "history", "req_id": reqID, "symbol": symbol, "tf": tf, "candles": candles,
	})
}

func ticksResponse(reqID, symbol string, ticks []model.Tick) []byte {
	if ticks == nil {
		ticks = []model.Tick{}
	}
	return marshal(map[string]interface{}{
		"type": "ticks", "req_id": reqID, "symbol": symbol, "ticks": ticks,
	})
}

func footprintResponse(reqID string, c model.Candle) []byte {
	return marshal(map[string]interface{}{
		"type": "footprint", "req_id": reqID, "symbol": c.Symbol, "tf": c.Timeframe,
		"candle_time": c.StartTime, "levels": footprintLevels(c),
	})
}

func configResponse(reqID string, days int) []byte {
	return marshal(map[string]interface{}{
		"type": "config", "req_id": reqID, "days": days,
	})
}

// SymbolStatus is one symbol's pipeline state in a status response.
type SymbolStatus struct {
	Symbol      string `json:"symbol"`
	State       string `json:"state"`
	LastTradeID int64  `json:"last_trade_id"`
}

func statusResponse(reqID string, symbols []SymbolStatus, clients int, storageOK bool) []byte {
	if symbols == nil {
		symbols = []SymbolStatus{}
	}
	return marshal(map[string]interface{}{
		"type": "status", "req_id": reqID, "symbols": symbols,
		"clients": clients, "storage_ok": storageOK,
	})
}

func errorResponse(reqID, msg string) []byte {
	return marshal(map[string]interface{}{
		"type": "error", "req_id": reqID, "message": msg,
	})
}
