package candles

import (
	"time"

	"github.com/shopspring/decimal"

	"crypto-trading-bot/internal/model"
)

// Aggregator K 线聚合器 (根据成交 Ticker 聚合特定周期和 Symbol 的 K 线)。
// 由引擎的拥有者 goroutine 同步调用，不再单独起 goroutine
type Aggregator struct {
	Symbol   string
	Interval model.CandleInterval
	current  model.Candle // 正在构建的当前 K 线
	started  bool
}

func NewAggregator(symbol string, interval model.CandleInterval) *Aggregator {
	return &Aggregator{Symbol: symbol, Interval: interval}
}

// ProcessTicker 将 Ticker 聚合到当前 K 线。
// 返回更新后的当前 K 线；如果 Ticker 开启了新周期，同时返回已完成的上一根
func (agg *Aggregator) ProcessTicker(ticker model.Ticker) (current model.Candle, completed *model.Candle, ok bool) {
	if ticker.Symbol != agg.Symbol {
		return model.Candle{}, nil, false
	}

	// 将 Ticker 时间戳对齐到 K 线起始时间
	start := agg.Interval.Slot(ticker.Timestamp)

	if agg.started && start.Before(agg.current.Timestamp) {
		// 迟到的成交，归属的 K 线已经发出
		return model.Candle{}, nil, false
	}

	// K 线完成：新周期的开盘价取上一根 K 线的收盘价
	if agg.started && start.After(agg.current.Timestamp) {
		done := agg.current
		completed = &done
		agg.current = model.Candle{
			Open:      done.Close,
			High:      decimal.Max(done.Close, ticker.Price),
			Low:       decimal.Min(done.Close, ticker.Price),
			Close:     ticker.Price,
			Volume:    decimal.Zero,
			Timestamp: start,
		}
	}

	// 第一次收到 Ticker，初始化 K 线
	if !agg.started {
		agg.started = true
		agg.current = model.Candle{
			Open:      ticker.Price,
			High:      ticker.Price,
			Low:       ticker.Price,
			Close:     ticker.Price,
			Volume:    decimal.Zero,
			Timestamp: start,
		}
	}

	// 更新 OHLCV
	agg.current.Close = ticker.Price
	agg.current.High = decimal.Max(agg.current.High, ticker.Price)
	agg.current.Low = decimal.Min(agg.current.Low, ticker.Price)
	agg.current.Volume = agg.current.Volume.Add(ticker.Volume)

	return agg.current, completed, true
}

// Current 当前正在构建的 K 线
func (agg *Aggregator) Current() (model.Candle, bool) {
	return agg.current, agg.started
}

// Reset 重连后丢弃未完成的 K 线
func (agg *Aggregator) Reset() {
	agg.started = false
	agg.current = model.Candle{}
}

// Interval 构造 helper: 与 service.ParseIntervalDuration 配合使用
func Interval(code string, period time.Duration) model.CandleInterval {
	return model.CandleInterval{Code: code, Period: period}
}
