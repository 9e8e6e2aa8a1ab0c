package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"footprintd/internal/fixed"
)

func TestParseSymbols(t *testing.T) {
	c := &Config{Symbols: "btcusdt, ETHUSDT ,,solusdt"}
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, c.ParseSymbols())
}

func TestParseTFs(t *testing.T) {
	c := &Config{EnabledTFs: "60, 300,bogus,-5,900"}
	assert.Equal(t, []int{60, 300, 900}, c.ParseTFs())
}

func TestParsePriceStep(t *testing.T) {
	c := &Config{PriceStep: "0.5"}
	assert.Equal(t, fixed.PriceFromFloat(0.5), c.ParsePriceStep())

	c = &Config{PriceStep: "bogus"}
	assert.Equal(t, fixed.Price(0), c.ParsePriceStep())
}

func TestRetentionClamped(t *testing.T) {
	c := &Config{retentionDays: 7}
	assert.Equal(t, 30, c.SetRetentionDays(90))
	assert.Equal(t, 1, c.SetRetentionDays(0))
	assert.Equal(t, 14, c.SetRetentionDays(14))
	assert.Equal(t, 14, c.RetentionDays())
}
