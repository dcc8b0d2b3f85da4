package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusSuspended       OrderStatus = "SUSPENDED"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func (t OrderType) Valid() bool { return t == TypeLimit || t == TypeMarket }

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusNew, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired, StatusSuspended:
		return true
	}
	return false
}

// Terminal 进入终态后订单从 open 集合移除
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusSuspended:
		return true
	}
	return false
}

// ReportType 交易所回报类型
type ReportType string

const (
	ReportNew       ReportType = "NEW"
	ReportReplaced  ReportType = "REPLACED"
	ReportCanceled  ReportType = "CANCELED"
	ReportExpired   ReportType = "EXPIRED"
	ReportSuspended ReportType = "SUSPENDED"
	ReportTrade     ReportType = "TRADE"
)

func (r ReportType) Valid() bool {
	switch r {
	case ReportNew, ReportReplaced, ReportCanceled, ReportExpired, ReportSuspended, ReportTrade:
		return true
	}
	return false
}

// Fill 成交回报附带的明细，只在 ReportTrade 时有值
type Fill struct {
	TradeID         string
	Price           decimal.Decimal
	Quantity        decimal.Decimal // 本次成交数量
	Commission      decimal.Decimal
	CommissionAsset string
}

// Order 规范化后的订单
type Order struct {
	ID         string
	OriginalID string // REPLACED 时指向被替换的订单
	Pair       Pair
	Side       Side
	Type       OrderType
	Price      decimal.NullDecimal // LIMIT 必填，MARKET 可以为空
	Quantity   decimal.Decimal
	Status     OrderStatus
	ReportType ReportType
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Fill       *Fill
}

func (o Order) String() string {
	price := "MKT"
	if o.Price.Valid {
		price = o.Price.Decimal.String()
	}
	return fmt.Sprintf("ORDER [%s | %s %s %s] %s @ %s | %s/%s",
		o.ID, o.Side, o.Type, o.Pair.Symbol(), o.Quantity, price, o.Status, o.ReportType)
}

// Trade 只能由成交产生
type Trade struct {
	ID              string
	OrderID         string
	OriginalOrderID string
	Pair            Pair
	Side            Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal // 订单数量
	TradeQuantity   decimal.Decimal // 本次成交数量
	Commission      decimal.Decimal
	CommissionAsset string
	CreatedAt       time.Time
}

// OrderRequest buy/sell 命令参数。Price 为空且 Type 为 MARKET 时按市价成交
type OrderRequest struct {
	Pair     Pair
	Type     OrderType
	Price    decimal.NullDecimal
	Quantity decimal.Decimal
	Margin   bool // 任何杠杆请求都会被拒绝
}

// LimitRequest / MarketRequest 便捷构造
func LimitRequest(pair Pair, price, qty decimal.Decimal) OrderRequest {
	return OrderRequest{Pair: pair, Type: TypeLimit, Price: decimal.NewNullDecimal(price), Quantity: qty}
}

func MarketRequest(pair Pair, qty decimal.Decimal) OrderRequest {
	return OrderRequest{Pair: pair, Type: TypeMarket, Quantity: qty}
}
