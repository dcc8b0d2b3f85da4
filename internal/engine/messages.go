package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/model"
)

// Message 进入引擎收件箱的消息。所有状态修改都由收件箱的单个消费者完成
type Message interface {
	isMessage()
}

// ReportMsg 交易所订单回报
type ReportMsg struct {
	Order model.Order
}

// CandleMsg 一批 K 线 (回测时每次一根)
type CandleMsg struct {
	Pair     model.Pair
	Interval model.CandleInterval
	Candles  []model.Candle
}

// TickerMsg 逐笔成交，由引擎聚合成 K 线
type TickerMsg struct {
	Pair   model.Pair
	Ticker model.Ticker
}

type OrderbookMsg struct {
	Update exchange.OrderbookUpdate
}

// BalanceMsg 交易所推送的余额，绝对覆盖本地钱包
type BalanceMsg struct {
	Asset     string
	Available decimal.Decimal
	Reserved  decimal.Decimal
}

// TimerMsg K 线自动生成的定时触发
type TimerMsg struct {
	Now time.Time
}

// ErrorMsg 连接层的交易所/网络错误
type ErrorMsg struct {
	Err error
}

// callMsg 在拥有者 goroutine 中执行的回调 (命令和 venue 结果)
type callMsg struct {
	fn   func()
	done chan struct{}
}

func (ReportMsg) isMessage()    {}
func (CandleMsg) isMessage()    {}
func (TickerMsg) isMessage()    {}
func (OrderbookMsg) isMessage() {}
func (BalanceMsg) isMessage()   {}
func (TimerMsg) isMessage()     {}
func (ErrorMsg) isMessage()     {}
func (callMsg) isMessage()      {}
