package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pair 交易对，Symbol 为 base+quote 拼接，例如 BTCUSDT
type Pair struct {
	Base  string
	Quote string
}

func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

func (p Pair) Symbol() string { return p.Base + p.Quote }

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// Ticker 代表最小粒度的市场数据（成交或价格快照）
type Ticker struct {
	Symbol    string
	Timestamp time.Time
	Price     decimal.Decimal
	Volume    decimal.Decimal // 0 表示价格快照
}

// Candle OHLCV，由 CandleCollection 独占，订阅方只读
type Candle struct {
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// Recycled 基于上一根 K 线收盘价生成的零成交量 K 线
func Recycled(prev Candle, ts time.Time) Candle {
	return Candle{
		Open:      prev.Close,
		High:      prev.Close,
		Low:       prev.Close,
		Close:     prev.Close,
		Volume:    decimal.Zero,
		Timestamp: ts,
	}
}

// CandleInterval 周期代码 + 周期长度 (用于补缺和自动生成)
type CandleInterval struct {
	Code   string        // "1m", "5m", "1h"
	Period time.Duration // 对齐到 Unix 纪元
}

// Slot 返回 t 所在的周期起点
func (i CandleInterval) Slot(t time.Time) time.Time {
	return t.Truncate(i.Period)
}

// OrderBookEntry 单个价位
type OrderBookEntry struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook 对外的盘口快照
type OrderBook struct {
	Pair      Pair
	Precision int32
	Bid       []OrderBookEntry // 价格严格递减
	Ask       []OrderBookEntry // 价格严格递增
	Sequence  uint64
}
