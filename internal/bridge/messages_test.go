package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "subscribe",
			raw:  `{"type":"subscribe","symbol":"BTCUSDT","tf":60,"req_id":"r1"}`,
			want: &SubscribeMsg{ReqID: "r1", Symbol: "BTCUSDT", TF: 60},
		},
		{
			name: "unsubscribe",
			raw:  `{"type":"unsubscribe","symbol":"BTCUSDT","tf":60}`,
			want: &UnsubscribeMsg{Symbol: "BTCUSDT", TF: 60},
		},
		{
			name: "getHistory by days",
			raw:  `{"type":"getHistory","symbol":"BTCUSDT","tf":300,"days":3}`,
			want: &GetHistoryMsg{Symbol: "BTCUSDT", TF: 300, Days: 3},
		},
		{
			name: "getHistory by range",
			raw:  `{"type":"getHistory","symbol":"BTCUSDT","tf":300,"start_ms":1000,"end_ms":2000}`,
			want: &GetHistoryMsg{Symbol: "BTCUSDT", TF: 300, StartMs: 1000, EndMs: 2000},
		},
		{
			name: "getTicks",
			raw:  `{"type":"getTicks","symbol":"BTCUSDT","start_ms":1000,"end_ms":2000,"req_id":"t1"}`,
			want: &GetTicksMsg{ReqID: "t1", Symbol: "BTCUSDT", StartMs: 1000, EndMs: 2000},
		},
		{
			name: "getFootprint",
			raw:  `{"type":"getFootprint","symbol":"BTCUSDT","tf":60,"candle_time":1700000040000}`,
			want: &GetFootprintMsg{Symbol: "BTCUSDT", TF: 60, CandleTime: 1700000040000},
		},
		{
			name: "setConfig",
			raw:  `{"type":"setConfig","days":7}`,
			want: &SetConfigMsg{Days: 7},
		},
		{
			name: "getStatus",
			raw:  `{"type":"getStatus","req_id":"s1"}`,
			want: &GetStatusMsg{ReqID: "s1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInboundRejects(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"selfDestruct"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selfDestruct")

	_, err = ParseInbound([]byte(`{"symbol":"BTCUSDT"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing message type")

	_, err = ParseInbound([]byte(`{not json`))
	require.Error(t, err)
}

func TestFootprintResponseLevelsSorted(t *testing.T) {
	c := model.NewCandle("BTCUSDT", 60, 1700000040000)
	c.Footprint[fixed.PriceFromFloat(101)] = &model.FootprintNode{AskVolume: fixed.QtyFromFloat(2)}
	c.Footprint[fixed.PriceFromFloat(99)] = &model.FootprintNode{BidVolume: fixed.QtyFromFloat(1)}
	c.Footprint[fixed.PriceFromFloat(100)] = &model.FootprintNode{BidVolume: fixed.QtyFromFloat(3)}

	raw := footprintResponse("r7", *c)

	var resp struct {
		Type       string           `json:"type"`
		ReqID      string           `json:"req_id"`
		Symbol     string           `json:"symbol"`
		TF         int              `json:"tf"`
		CandleTime int64            `json:"candle_time"`
		Levels     []footprintLevel `json:"levels"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "footprint", resp.Type)
	assert.Equal(t, "r7", resp.ReqID)
	require.Len(t, resp.Levels, 3)
	assert.Equal(t, fixed.PriceFromFloat(99), resp.Levels[0].Price)
	assert.Equal(t, fixed.PriceFromFloat(100), resp.Levels[1].Price)
	assert.Equal(t, fixed.PriceFromFloat(101), resp.Levels[2].Price)
}

func TestHistoryResponseEmptyIsArray(t *testing.T) {
	raw := historyResponse("r1", "BTCUSDT", 60, nil)
	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "[]", string(resp["candles"]))
}

func TestTicksResponse(t *testing.T) {
	raw := ticksResponse("t1", "BTCUSDT", []model.Tick{{
		Symbol:  "BTCUSDT",
		TradeID: 7,
		Time:    1700000000000,
		Price:   fixed.PriceFromFloat(100),
		Qty:     fixed.QtyFromFloat(0.5),
		Side:    model.SideSell,
	}})

	var resp struct {
		Type   string       `json:"type"`
		ReqID  string       `json:"req_id"`
		Symbol string       `json:"symbol"`
		Ticks  []model.Tick `json:"ticks"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "ticks", resp.Type)
	assert.Equal(t, "t1", resp.ReqID)
	require.Len(t, resp.Ticks, 1)
	assert.Equal(t, int64(7), resp.Ticks[0].TradeID)

	empty := ticksResponse("t2", "BTCUSDT", nil)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(empty, &m))
	assert.Equal(t, "[]", string(m["ticks"]))
}
