package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crypto-trading-bot/internal/lifecycle"
	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/service"
	"crypto-trading-bot/internal/wallet"
)

// 下单前的同步校验错误，返回时状态没有任何变化
var (
	ErrPriceRequired      = errors.New("limit order requires a price")
	ErrInvalidQuantity    = errors.New("order quantity must be positive")
	ErrInvalidPrice       = errors.New("order price must be positive")
	ErrUnknownPair        = errors.New("pair is not registered")
	ErrNoCandle           = errors.New("no current candle for pair")
	ErrNoReferencePrice   = errors.New("no reference price for market order")
	ErrNotAdjustable      = errors.New("only limit orders can be adjusted")
	ErrMarginNotSupported = service.ErrMarginNotSupported
	ErrOrderInProgress    = lifecycle.ErrOrderInProgress
	ErrUnknownOrder       = lifecycle.ErrUnknownOrder
)

// ErrInvalidReport 交易所回报字段不在枚举范围内，整条丢弃
var ErrInvalidReport = errors.New("invalid order report")

// ValidateReport 入站回报的格式校验，通过后才能交给 Tracker
func ValidateReport(o model.Order) error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: missing order id", ErrInvalidReport)
	case !o.ReportType.Valid():
		return fmt.Errorf("%w: report type %q", ErrInvalidReport, o.ReportType)
	case !o.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidReport, o.Status)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidReport, o.Side)
	case !o.Type.Valid():
		return fmt.Errorf("%w: order type %q", ErrInvalidReport, o.Type)
	case o.ReportType == model.ReportTrade && o.Status != model.StatusFilled && o.Status != model.StatusPartiallyFilled:
		return fmt.Errorf("%w: trade report with status %s", ErrInvalidReport, o.Status)
	}
	return nil
}

// Adapter 每个交易所 (实盘或本地撮合) 实现的统一接口。
// 所有方法都只能在拥有该实例的 goroutine 中调用
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error

	// 命令
	Buy(ctx context.Context, req model.OrderRequest) (string, error)
	Sell(ctx context.Context, req model.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, order model.Order) error
	AdjustOrder(ctx context.Context, order model.Order, price, qty decimal.Decimal) error

	// 订阅
	SubscribeOrderbook(pair model.Pair) error
	SubscribeCandles(pair model.Pair, interval model.CandleInterval) error
	SubscribeReports() error

	OpenOrders() []model.Order
	Wallet() *wallet.Ledger

	// 入站消息，由引擎的事件循环转发
	OnReport(order model.Order) error
	OnCandles(pair model.Pair, interval model.CandleInterval, candles []model.Candle)
	OnOrderbook(update OrderbookUpdate) bool
	OnTimer(now time.Time)

	// TakeEvents 取出并清空待发送的事件
	TakeEvents() []Event
}

// Scheduler 把回调投递回拥有者 goroutine 执行
type Scheduler func(fn func())

// OrderbookUpdate 适配器翻译后的盘口消息
type OrderbookUpdate struct {
	Pair     model.Pair
	Sequence uint64
	Snapshot bool // true 时整体替换并重置序列号基线
	Asks     []model.OrderBookEntry
	Bids     []model.OrderBookEntry
}

// Store 持久化边界，失败只记录日志，不影响核心状态也不重试
type Store interface {
	InsertOrder(ctx context.Context, order model.Order) error
	InsertTrade(ctx context.Context, trade model.Trade) error
}
