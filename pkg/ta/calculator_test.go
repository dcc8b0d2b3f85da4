package ta

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-bot/internal/model"
)

// series 生成新到旧的 K 线，closes 从旧到新给出
func series(closes ...float64) []model.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		out[len(closes)-1-i] = model.Candle{
			Open:      price,
			High:      price.Add(decimal.NewFromInt(1)),
			Low:       price.Sub(decimal.NewFromInt(1)),
			Close:     price,
			Volume:    decimal.NewFromInt(1),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func TestComputeRequiresHistory(t *testing.T) {
	tc := NewTACalculator(Params{}, nil)
	_, err := tc.Compute("BTCUSDT", series(rising(tc.MinHistoryLen-1)...))
	assert.Error(t, err)
}

func TestComputeOrdersOldestFirst(t *testing.T) {
	tc := NewTACalculator(Params{FastMA: 3, SlowMA: 10}, nil)
	closes := rising(tc.MinHistoryLen + 5)
	data, err := tc.Compute("BTCUSDT", series(closes...))
	require.NoError(t, err)

	assert.Equal(t, closes[len(closes)-1], data.LastClose())
	assert.Equal(t, closes[0], data.Close[0])

	n := len(closes)
	assert.InDelta(t, (closes[n-1]+closes[n-2]+closes[n-3])/3, data.FastMA, 1e-9)
	assert.Greater(t, data.FastMA, data.SlowMA)
	assert.Greater(t, data.RSI, 70.0)
	assert.InDelta(t, 2.0, data.ATR, 1e-6)
	assert.Greater(t, data.BBandsUp, data.BBandsDn)
}
