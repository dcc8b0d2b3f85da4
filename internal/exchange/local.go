package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/wallet"
)

// 本地成交 id 使用 UUIDv5，同样的输入回放得到同样的 id
var tradeNamespace = uuid.MustParse("6f1c9a52-3d7e-4b8a-9c1e-2a4f5b6c7d8e")

// LocalConfig 本地撮合参数
type LocalConfig struct {
	FeeMaker decimal.Decimal // LIMIT 成交费率
	FeeTaker decimal.Decimal // MARKET 成交费率
	Slippage decimal.Decimal // MARKET 成交价偏移比例
	Balances map[string]decimal.Decimal
}

// localOrder 撮合引擎需要的额外信息
type localOrder struct {
	fillPrice decimal.Decimal // LIMIT 为挂单价，MARKET 为下单时按滑点估算的成交价
	reserved  reservation
}

// LocalExchange 确定性的本地撮合交易所，用于回测和模拟盘。
// 不依赖墙钟：订单时间取当前 K 线的时间戳，订单 id 顺序递增
type LocalExchange struct {
	*Core
	cfg     LocalConfig
	current map[string]model.Candle // symbol -> 当前 K 线
	meta    map[string]*localOrder
	nextID  uint64
}

func NewLocalExchange(name string, cfg LocalConfig, opts CoreOptions) *LocalExchange {
	core := NewCore(name, opts)
	for asset, amount := range cfg.Balances {
		if err := core.wallet.Credit(asset, amount); err != nil {
			core.invariant("Invalid initial balance", zap.String("asset", asset), zap.Error(err))
		}
	}
	return &LocalExchange{
		Core:    core,
		cfg:     cfg,
		current: make(map[string]model.Candle),
		meta:    make(map[string]*localOrder),
	}
}

func (e *LocalExchange) Connect(_ context.Context) error {
	e.Ready()
	return nil
}

func (e *LocalExchange) Buy(ctx context.Context, req model.OrderRequest) (string, error) {
	return e.place(ctx, model.SideBuy, req)
}

func (e *LocalExchange) Sell(ctx context.Context, req model.OrderRequest) (string, error) {
	return e.place(ctx, model.SideSell, req)
}

// CurrentCandle 某交易对最近一次推送的 K 线
func (e *LocalExchange) CurrentCandle(symbol string) (model.Candle, bool) {
	c, ok := e.current[symbol]
	return c, ok
}

// place 所有校验都在修改状态之前完成
func (e *LocalExchange) place(_ context.Context, side model.Side, req model.OrderRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	pair, ok := e.pairs[req.Pair.Symbol()]
	if !ok {
		return "", fmt.Errorf("%s: %w", req.Pair.Symbol(), ErrUnknownPair)
	}
	candle, ok := e.current[pair.Symbol()]
	if !ok {
		return "", fmt.Errorf("%s: %w", pair.Symbol(), ErrNoCandle)
	}

	var fillPrice decimal.Decimal
	if req.Type == model.TypeLimit {
		fillPrice = req.Price.Decimal
	} else {
		fillPrice = e.marketPrice(side, candle)
	}

	res := reservationFor(pair, side, fillPrice, req.Quantity)
	if err := e.wallet.Reserve(res.asset, res.remaining); err != nil {
		return "", err
	}

	e.nextID++
	id := strconv.FormatUint(e.nextID, 10)
	order := model.Order{
		ID:         id,
		Pair:       pair,
		Side:       side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		Status:     model.StatusNew,
		ReportType: model.ReportNew,
		CreatedAt:  candle.Timestamp,
		UpdatedAt:  candle.Timestamp,
	}
	if req.Type == model.TypeLimit {
		order.Price = req.Price
	}
	e.meta[id] = &localOrder{fillPrice: fillPrice, reserved: res}
	e.Reduce(order)

	e.logger.Debug("Local order placed",
		zap.String("order_id", id),
		zap.String("side", string(side)),
		zap.String("type", string(req.Type)),
		zap.Stringer("price", fillPrice),
		zap.Stringer("quantity", req.Quantity))
	return id, nil
}

func validateRequest(req model.OrderRequest) error {
	if req.Margin {
		return ErrMarginNotSupported
	}
	if !req.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if req.Type == model.TypeLimit {
		if !req.Price.Valid {
			return ErrPriceRequired
		}
		if !req.Price.Decimal.IsPositive() {
			return ErrInvalidPrice
		}
	} else if req.Type != model.TypeMarket {
		return fmt.Errorf("unsupported order type %q", req.Type)
	}
	return nil
}

// marketPrice close × (1 ± slippage)，买单向上、卖单向下
func (e *LocalExchange) marketPrice(side model.Side, candle model.Candle) decimal.Decimal {
	factor := decimal.NewFromInt(1)
	if side == model.SideBuy {
		factor = factor.Add(e.cfg.Slippage)
	} else {
		factor = factor.Sub(e.cfg.Slippage)
	}
	return candle.Close.Mul(factor)
}

// CancelOrder 解冻并移除
func (e *LocalExchange) CancelOrder(_ context.Context, order model.Order) error {
	if err := e.orders.MarkInProgress(order.ID); err != nil {
		return err
	}
	open, _ := e.orders.Get(order.ID)
	meta := e.mustMeta(order.ID)

	if err := e.wallet.RevertReservation(meta.reserved.asset, meta.reserved.remaining); err != nil {
		e.invariant("Reservation missing on cancel", zap.String("order_id", order.ID), zap.Error(err))
	}
	delete(e.meta, order.ID)

	open.Status = model.StatusCanceled
	open.ReportType = model.ReportCanceled
	open.UpdatedAt = e.now(open)
	e.Reduce(open)
	return nil
}

// AdjustOrder 撤单重下：新 id，REPLACED 回报带上原 id；
// 解冻旧订单和冻结新订单在同一个钱包批次里完成
func (e *LocalExchange) AdjustOrder(_ context.Context, order model.Order, price, qty decimal.Decimal) error {
	if err := e.orders.MarkInProgress(order.ID); err != nil {
		return err
	}
	open, _ := e.orders.Get(order.ID)
	if open.Type != model.TypeLimit {
		e.orders.Resolve(order.ID)
		return fmt.Errorf("order %s: %w", order.ID, ErrNotAdjustable)
	}
	if !qty.IsPositive() {
		e.orders.Resolve(order.ID)
		return ErrInvalidQuantity
	}
	if !price.IsPositive() {
		e.orders.Resolve(order.ID)
		return ErrInvalidPrice
	}

	meta := e.mustMeta(order.ID)
	next := reservationFor(open.Pair, open.Side, price, qty)
	err := e.wallet.Apply(
		wallet.RevertReservation(meta.reserved.asset, meta.reserved.remaining),
		wallet.Reserve(next.asset, next.remaining),
	)
	if err != nil {
		e.orders.Resolve(order.ID)
		return err
	}

	e.nextID++
	id := strconv.FormatUint(e.nextID, 10)
	replaced := open
	replaced.ID = id
	replaced.OriginalID = open.ID
	replaced.Price = decimal.NewNullDecimal(price)
	replaced.Quantity = qty
	replaced.ReportType = model.ReportReplaced
	replaced.Status = model.StatusNew
	replaced.UpdatedAt = e.now(open)

	delete(e.meta, order.ID)
	e.meta[id] = &localOrder{fillPrice: price, reserved: next}
	e.Reduce(replaced)
	return nil
}

// OnCandles 本地交易所的 K 线推送就是撮合时钟：
// 先用新 K 线撮合已有订单，再更新当前 K 线和集合
func (e *LocalExchange) OnCandles(pair model.Pair, interval model.CandleInterval, batch []model.Candle) {
	ordered := make([]model.Candle, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	// 没有订阅的流不能成为下单依据
	_, subscribed := e.Collection(pair, interval)
	for _, candle := range ordered {
		e.match(pair, candle)
		if subscribed {
			e.current[pair.Symbol()] = candle
		}
	}
	e.Core.OnCandles(pair, interval, ordered)
}

// Tick 单根 K 线
func (e *LocalExchange) Tick(pair model.Pair, interval model.CandleInterval, candle model.Candle) {
	e.OnCandles(pair, interval, []model.Candle{candle})
}

// match 撮合：不做部分成交，满足条件就全部成交
//   - MARKET：下单后的下一根 K 线必定成交
//   - LIMIT 买：candle.low <= price
//   - LIMIT 卖：candle.high >= price
func (e *LocalExchange) match(pair model.Pair, candle model.Candle) {
	for _, o := range e.orders.OpenOrders() {
		if o.Pair.Symbol() != pair.Symbol() {
			continue
		}
		meta := e.mustMeta(o.ID)

		if !fillable(o, candle) {
			continue
		}
		e.fill(o, meta, candle)
	}
}

func fillable(o model.Order, candle model.Candle) bool {
	if o.Type == model.TypeMarket {
		return true
	}
	price := o.Price.Decimal
	if o.Side == model.SideBuy {
		return candle.Low.LessThanOrEqual(price)
	}
	return candle.High.GreaterThanOrEqual(price)
}

// fill 手续费：买单按 quantity × fee 收 base，卖单按 quantity × fee × price 收 quote。
// LIMIT 用 maker 费率，MARKET 用 taker 费率
func (e *LocalExchange) fill(o model.Order, meta *localOrder, candle model.Candle) {
	fee := e.cfg.FeeMaker
	if o.Type == model.TypeMarket {
		fee = e.cfg.FeeTaker
	}

	price := meta.fillPrice
	f := model.Fill{
		TradeID:  uuid.NewSHA1(tradeNamespace, []byte(e.name+"/"+o.ID)).String(),
		Price:    price,
		Quantity: o.Quantity,
	}
	if o.Side == model.SideBuy {
		f.Commission = o.Quantity.Mul(fee)
		f.CommissionAsset = o.Pair.Base
	} else {
		f.Commission = o.Quantity.Mul(fee).Mul(price)
		f.CommissionAsset = o.Pair.Quote
	}

	ops, _ := settlementOps(o, meta.reserved, f, true)
	if err := e.wallet.Apply(ops...); err != nil {
		e.invariant("Settlement failed for reserved order", zap.String("order_id", o.ID), zap.Error(err))
	}
	delete(e.meta, o.ID)

	filled := o
	filled.Status = model.StatusFilled
	filled.ReportType = model.ReportTrade
	filled.UpdatedAt = candle.Timestamp
	filled.Fill = &f
	e.Reduce(filled)

	e.logger.Debug("Local order filled",
		zap.String("order_id", o.ID),
		zap.Stringer("price", price),
		zap.Stringer("commission", f.Commission),
		zap.Time("candle", candle.Timestamp))
}

func (e *LocalExchange) mustMeta(id string) *localOrder {
	meta, ok := e.meta[id]
	if !ok {
		e.invariant("Open order without matching state", zap.String("order_id", id))
	}
	return meta
}

// now 本地交易所的时间：订单所在交易对的当前 K 线
func (e *LocalExchange) now(o model.Order) time.Time {
	if c, ok := e.current[o.Pair.Symbol()]; ok {
		return c.Timestamp
	}
	return o.UpdatedAt
}
