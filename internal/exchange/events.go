package exchange

import "crypto-trading-bot/internal/model"

// Event 交易所实例发出的规范化事件
type Event interface {
	Kind() string
}

// ReportEvent 每次回报归约后都会发出
type ReportEvent struct {
	Exchange string
	Order    model.Order
	Previous *model.Order
}

// TradeEvent 只伴随 FILLED / PARTIALLY_FILLED 的订单迁移
type TradeEvent struct {
	Exchange string
	Trade    model.Trade
}

type OrderbookEvent struct {
	Exchange string
	Book     model.OrderBook
}

// CandlesEvent Candles 为整个集合的只读副本，新到旧
type CandlesEvent struct {
	Exchange string
	Pair     model.Pair
	Interval model.CandleInterval
	Candles  []model.Candle
}

type ReadyEvent struct {
	Exchange string
}

// ErrorEvent 交易所/网络错误，已映射成可读原因
type ErrorEvent struct {
	Exchange string
	Err      *VenueError
}

func (ReportEvent) Kind() string    { return "report" }
func (TradeEvent) Kind() string     { return "trade" }
func (OrderbookEvent) Kind() string { return "updateOrderbook" }
func (CandlesEvent) Kind() string   { return "updateCandles" }
func (ReadyEvent) Kind() string     { return "ready" }
func (ErrorEvent) Kind() string     { return "error" }
