// Package analytics 回测绩效指标。输入为按时间顺序排列的净值序列
package analytics

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Returns 逐期收益率，前一期净值为 0 时记为 0
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		out[i-1] = equity[i]/equity[i-1] - 1
	}
	return out
}

// Drawdowns 相对历史最高净值的回撤比例 (>= 0)
func Drawdowns(equity []float64) []float64 {
	out := make([]float64, len(equity))
	peak := math.Inf(-1)
	for i, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			out[i] = (peak - v) / peak
		}
	}
	return out
}

// MaxDrawdown 最大回撤比例
func MaxDrawdown(equity []float64) float64 {
	max := 0.0
	for _, dd := range Drawdowns(equity) {
		if dd > max {
			max = dd
		}
	}
	return max
}

// AnnualizedReturn 按 periodsPerYear 折算的几何年化收益。
// 样本不足一年时不外推，直接返回区间总收益
func AnnualizedReturn(equity []float64, periodsPerYear float64) float64 {
	if len(equity) < 2 || equity[0] <= 0 || equity[len(equity)-1] <= 0 {
		return 0
	}
	total := equity[len(equity)-1] / equity[0]
	periods := float64(len(equity) - 1)
	if periods < periodsPerYear {
		return total - 1
	}
	return math.Pow(total, periodsPerYear/periods) - 1
}

// Sharpe 年化夏普比率，无风险利率取 0。标准差为总体标准差
func Sharpe(equity []float64, periodsPerYear float64) float64 {
	returns := Returns(equity)
	if len(returns) < 2 {
		return 0
	}
	sd := talib.StdDev(returns, len(returns), 1)
	std := sd[len(sd)-1]
	if std == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	return mean / std * math.Sqrt(periodsPerYear)
}

// UlcerIndex 回撤百分比的均方根
func UlcerIndex(equity []float64) float64 {
	dds := Drawdowns(equity)
	if len(dds) == 0 {
		return 0
	}
	sum := 0.0
	for _, dd := range dds {
		pct := dd * 100
		sum += pct * pct
	}
	return math.Sqrt(sum / float64(len(dds)))
}

// PainIndex 回撤百分比的算术平均
func PainIndex(equity []float64) float64 {
	dds := Drawdowns(equity)
	if len(dds) == 0 {
		return 0
	}
	sum := 0.0
	for _, dd := range dds {
		sum += dd * 100
	}
	return sum / float64(len(dds))
}

// Martin 年化收益 (百分比) / Ulcer Index，没有回撤时为 0
func Martin(equity []float64, periodsPerYear float64) float64 {
	ui := UlcerIndex(equity)
	if ui == 0 {
		return 0
	}
	return AnnualizedReturn(equity, periodsPerYear) * 100 / ui
}

// Pain 年化收益 (百分比) / Pain Index，没有回撤时为 0
func Pain(equity []float64, periodsPerYear float64) float64 {
	pi := PainIndex(equity)
	if pi == 0 {
		return 0
	}
	return AnnualizedReturn(equity, periodsPerYear) * 100 / pi
}
