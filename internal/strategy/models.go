package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"crypto-trading-bot/internal/model"
)

// Strategy 策略边界：接收规范化的行情和订单事件，返回意图。
// 由引擎的事件循环单线程调用
type Strategy interface {
	Name() string
	OnCandles(pair model.Pair, interval model.CandleInterval, candles []model.Candle) []Intent
	OnReport(order model.Order, previous *model.Order) []Intent
	OnTrade(trade model.Trade) []Intent
	OnOrderbook(book model.OrderBook) []Intent
}

// Intent 策略向引擎发出的指令，由引擎转换为钱包冻结和订单迁移
type Intent interface {
	isIntent()
}

// Signal 下单：Price 为空时为市价单
type Signal struct {
	Pair     model.Pair
	Side     model.Side
	Price    decimal.NullDecimal
	Quantity decimal.Decimal
	Reason   string
}

// Adjust 改价/改量
type Adjust struct {
	Order    model.Order
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type Cancel struct {
	Order model.Order
}

func (Signal) isIntent() {}
func (Adjust) isIntent() {}
func (Cancel) isIntent() {}

// Request 转换为下单参数
func (s Signal) Request() model.OrderRequest {
	if s.Price.Valid {
		return model.LimitRequest(s.Pair, s.Price.Decimal, s.Quantity)
	}
	return model.MarketRequest(s.Pair, s.Quantity)
}

func (s Signal) String() string {
	price := "MKT"
	if s.Price.Valid {
		price = s.Price.Decimal.String()
	}
	return fmt.Sprintf("SIGNAL [%s %s] %s @ %s | %s", s.Side, s.Pair.Symbol(), s.Quantity, price, s.Reason)
}

// Direction 持仓方向 (现货只有 LONG / FLAT)
type Direction string

const (
	DirLong Direction = "LONG"
	DirFlat Direction = "FLAT"
)

// Position 策略根据成交自行维护的持仓
type Position struct {
	Pair     model.Pair
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
}

func (p Position) Direction() Direction {
	if p.Size.IsPositive() {
		return DirLong
	}
	return DirFlat
}

// Apply 根据成交更新持仓，买入手续费以 base 计时从数量中扣除
func (p *Position) Apply(t model.Trade) {
	qty := t.TradeQuantity
	if t.Side == model.SideBuy {
		if t.CommissionAsset == t.Pair.Base {
			qty = qty.Sub(t.Commission)
		}
		cost := p.AvgPrice.Mul(p.Size).Add(t.Price.Mul(t.TradeQuantity))
		p.Size = p.Size.Add(qty)
		if p.Size.IsPositive() {
			p.AvgPrice = cost.Div(p.Size)
		}
		return
	}
	p.Size = p.Size.Sub(qty)
	if !p.Size.IsPositive() {
		p.Size = decimal.Zero
		p.AvgPrice = decimal.Zero
	}
}
