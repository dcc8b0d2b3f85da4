package ta

import (
	"fmt"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"crypto-trading-bot/internal/model"
)

// Params 指标周期
type Params struct {
	FastMA    int
	SlowMA    int
	RSIPeriod int
	BBPeriod  int
	ATRPeriod int
}

// TAData 一次计算的结果，序列从旧到新
type TAData struct {
	Symbol string
	Close  []float64
	High   []float64
	Low    []float64
	Volume []float64

	// 最新一根 K 线上的指标值
	FastMA   float64
	SlowMA   float64
	RSI      float64
	BBandsUp float64
	BBandsDn float64
	ATR      float64
	MACDHist []float64
}

// LastClose 最新收盘价
func (d *TAData) LastClose() float64 { return d.Close[len(d.Close)-1] }

// TACalculator 根据 K 线集合计算指标。无状态：K 线历史由 CandleCollection 保存
type TACalculator struct {
	params        Params
	MinHistoryLen int // 计算指标所需的最小历史长度
	logger        *zap.Logger
}

func NewTACalculator(p Params, logger *zap.Logger) *TACalculator {
	if p.FastMA <= 0 {
		p.FastMA = 5
	}
	if p.SlowMA <= 0 {
		p.SlowMA = 20
	}
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = 14
	}
	if p.BBPeriod <= 0 {
		p.BBPeriod = 20
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = 14
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// MACD(12, 26, 9) 需要最长的预热
	minLen := max(p.SlowMA, p.RSIPeriod, p.BBPeriod, p.ATRPeriod, 34) + 1
	return &TACalculator{params: p, MinHistoryLen: minLen, logger: logger}
}

func (tc *TACalculator) Params() Params { return tc.params }

// Compute 计算指标。candles 为集合的输出顺序 (新到旧)
func (tc *TACalculator) Compute(symbol string, candles []model.Candle) (*TAData, error) {
	if len(candles) < tc.MinHistoryLen {
		return nil, fmt.Errorf("history too short for %s: %d < %d", symbol, len(candles), tc.MinHistoryLen)
	}

	n := len(candles)
	data := &TAData{
		Symbol: symbol,
		Close:  make([]float64, n),
		High:   make([]float64, n),
		Low:    make([]float64, n),
		Volume: make([]float64, n),
	}
	for i, c := range candles {
		j := n - 1 - i
		data.Close[j] = c.Close.InexactFloat64()
		data.High[j] = c.High.InexactFloat64()
		data.Low[j] = c.Low.InexactFloat64()
		data.Volume[j] = c.Volume.InexactFloat64()
	}

	tc.calculate(data)
	tc.logger.Debug("Indicators computed",
		zap.String("symbol", symbol),
		zap.Float64("fast_ma", data.FastMA),
		zap.Float64("slow_ma", data.SlowMA),
		zap.Float64("rsi", data.RSI),
		zap.Float64("atr", data.ATR))
	return data, nil
}

func (tc *TACalculator) calculate(data *TAData) {
	closes := data.Close
	p := tc.params

	data.FastMA = last(talib.Sma(closes, p.FastMA))
	data.SlowMA = last(talib.Sma(closes, p.SlowMA))
	data.RSI = last(talib.Rsi(closes, p.RSIPeriod))

	up, _, dn := talib.BBands(closes, p.BBPeriod, 2, 2, talib.SMA)
	data.BBandsUp = last(up)
	data.BBandsDn = last(dn)

	_, _, hist := talib.Macd(closes, 12, 26, 9)
	data.MACDHist = hist

	// ATR 需要 high/low 和前一根收盘价
	data.ATR = last(talib.Atr(data.High, data.Low, closes, p.ATRPeriod))
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}
