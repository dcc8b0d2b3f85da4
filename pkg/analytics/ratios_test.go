package analytics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxDrawdown(t *testing.T) {
	equity := []float64{100, 120, 90, 110, 60, 130}
	assert.InDelta(t, 0.5, MaxDrawdown(equity), 1e-9)
	assert.Zero(t, MaxDrawdown([]float64{1, 2, 3}))
	assert.Zero(t, MaxDrawdown(nil))
}

func TestDrawdownsTrackRunningPeak(t *testing.T) {
	got := Drawdowns([]float64{100, 80, 120, 90})
	want := []float64{0, 0.2, 0, 0.25}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9)
	}
}

func TestUlcerAndPainIndex(t *testing.T) {
	equity := []float64{100, 80, 120, 90}
	// 回撤百分比 0, 20, 0, 25
	assert.InDelta(t, math.Sqrt((400+625)/4.0), UlcerIndex(equity), 1e-9)
	assert.InDelta(t, 45/4.0, PainIndex(equity), 1e-9)
}

func TestAnnualizedReturn(t *testing.T) {
	// 每期 1%，共 12 期，按 12 期/年
	equity := []float64{100}
	for i := 0; i < 12; i++ {
		equity = append(equity, equity[len(equity)-1]*1.01)
	}
	assert.InDelta(t, math.Pow(1.01, 12)-1, AnnualizedReturn(equity, 12), 1e-9)
	assert.Zero(t, AnnualizedReturn([]float64{100}, 12))
}

func TestShortSampleIsNotExtrapolated(t *testing.T) {
	// 100 根 1m K 线，远不足一年
	equity := []float64{100}
	for i := 0; i < 100; i++ {
		v := 110.0
		if i%2 == 0 {
			v = 95
		}
		equity = append(equity, v)
	}
	perYear := 365 * 24 * 60.0
	assert.InDelta(t, 0.1, AnnualizedReturn(equity, perYear), 1e-9)
	assert.False(t, math.IsInf(Martin(equity, perYear), 0))
	assert.False(t, math.IsInf(Pain(equity, perYear), 0))
	assert.Greater(t, Martin(equity, perYear), 0.0)
}

func TestRatiosWithoutDrawdownAreZero(t *testing.T) {
	equity := []float64{100, 101, 102, 103}
	assert.Zero(t, Martin(equity, 365))
	assert.Zero(t, Pain(equity, 365))
}

func TestMartinAndPainUseDrawdown(t *testing.T) {
	equity := []float64{100, 90, 110, 105, 120}
	ann := AnnualizedReturn(equity, 4) * 100
	assert.InDelta(t, ann/UlcerIndex(equity), Martin(equity, 4), 1e-9)
	assert.InDelta(t, ann/PainIndex(equity), Pain(equity, 4), 1e-9)
	assert.Greater(t, Martin(equity, 4), 0.0)
}

func TestSharpe(t *testing.T) {
	assert.Zero(t, Sharpe([]float64{100, 101}, 365))

	equity := []float64{100, 102, 101, 104, 103, 106}
	assert.Greater(t, Sharpe(equity, 365), 0.0)

	down := []float64{100, 98, 99, 96, 97, 94}
	assert.Less(t, Sharpe(down, 365), 0.0)
}
