package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

func TestParseAggTrade(t *testing.T) {
	raw := []byte(`{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","a":12345,"p":"65000.50","q":"0.250000","f":100,"l":105,"T":1700000000000,"m":true}`)

	tick, err := parseAggTrade("BTCUSDT", raw)
	require.NoError(t, err)
	require.NotNil(t, tick)

	assert.Equal(t, int64(12345), tick.TradeID)
	assert.Equal(t, int64(1700000000000), tick.Time)
	assert.Equal(t, fixed.Price(650005000), tick.Price)
	assert.Equal(t, fixed.Qty(250000), tick.Qty)
	// Buyer is maker: the aggressor sold.
	assert.Equal(t, model.SideSell, tick.Side)
}

func TestParseAggTradeIgnoresOtherEvents(t *testing.T) {
	tick, err := parseAggTrade("BTCUSDT", []byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.Nil(t, tick)
}

func TestParseAggTradeBadPayload(t *testing.T) {
	_, err := parseAggTrade("BTCUSDT", []byte(`{"e":"aggTrade","p":"not-a-price","q":"1"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = parseAggTrade("BTCUSDT", []byte(`not json`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}
