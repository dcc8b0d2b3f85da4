package candles

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-bot/internal/model"
)

func tick(at time.Time, price, volume string) model.Ticker {
	return model.Ticker{
		Symbol:    "BTCUSDT",
		Timestamp: at,
		Price:     decimal.RequireFromString(price),
		Volume:    decimal.RequireFromString(volume),
	}
}

func TestAggregatorBuildsCandle(t *testing.T) {
	agg := NewAggregator("BTCUSDT", minute)

	_, _, ok := agg.ProcessTicker(model.Ticker{Symbol: "ETHUSDT", Timestamp: baseTime})
	assert.False(t, ok, "other symbols are ignored")

	for _, tk := range []model.Ticker{
		tick(baseTime.Add(1*time.Second), "100", "1"),
		tick(baseTime.Add(10*time.Second), "104", "0.5"),
		tick(baseTime.Add(20*time.Second), "97", "2"),
		tick(baseTime.Add(50*time.Second), "101", "0"),
	} {
		_, done, ok := agg.ProcessTicker(tk)
		require.True(t, ok)
		assert.Nil(t, done)
	}

	cur, ok := agg.Current()
	require.True(t, ok)
	assert.Equal(t, baseTime, cur.Timestamp)
	assert.Equal(t, "100", cur.Open.String())
	assert.Equal(t, "104", cur.High.String())
	assert.Equal(t, "97", cur.Low.String())
	assert.Equal(t, "101", cur.Close.String())
	assert.Equal(t, "3.5", cur.Volume.String())
}

func TestAggregatorCompletesOnNewPeriod(t *testing.T) {
	agg := NewAggregator("BTCUSDT", minute)
	agg.ProcessTicker(tick(baseTime, "100", "1"))
	agg.ProcessTicker(tick(baseTime.Add(30*time.Second), "102", "1"))

	cur, done, ok := agg.ProcessTicker(tick(baseTime.Add(61*time.Second), "99", "3"))
	require.True(t, ok)
	require.NotNil(t, done)
	assert.Equal(t, baseTime, done.Timestamp)
	assert.Equal(t, "102", done.Close.String())

	assert.Equal(t, baseTime.Add(time.Minute), cur.Timestamp)
	assert.Equal(t, "102", cur.Open.String(), "open carries previous close")
	assert.Equal(t, "99", cur.Low.String())
	assert.Equal(t, "3", cur.Volume.String())

	_, _, ok = agg.ProcessTicker(tick(baseTime.Add(5*time.Second), "1", "1"))
	assert.False(t, ok, "late ticks for an emitted candle are dropped")

	agg.Reset()
	_, started := agg.Current()
	assert.False(t, started)
}
