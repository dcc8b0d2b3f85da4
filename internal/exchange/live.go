package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/wallet"
)

// Venue 实盘交易所的下单通道。调用在独立 goroutine 中执行，
// 结果 (NEW/REPLACED/CANCELED/TRADE 回报) 通过行情连接异步回来
type Venue interface {
	Connect(ctx context.Context) error
	PlaceOrder(ctx context.Context, clientID string, side model.Side, req model.OrderRequest) error
	CancelOrder(ctx context.Context, id string) error
	ReplaceOrder(ctx context.Context, id, newClientID string, price, qty decimal.Decimal) error
}

type LiveConfig struct {
	RequestTimeout time.Duration
	Scheduler      Scheduler // 必填：把 venue 调用结果投递回拥有者 goroutine
}

// LiveExchange 实盘适配器：共用 Core 的归约逻辑，下单前在本地冻结资金，
// venue 拒单时解冻
type LiveExchange struct {
	*Core
	venue    Venue
	schedule Scheduler
	timeout  time.Duration
	reserved map[string]reservation // order id -> 剩余冻结
}

func NewLiveExchange(name string, venue Venue, cfg LiveConfig, opts CoreOptions) *LiveExchange {
	core := NewCore(name, opts)
	if cfg.Scheduler == nil {
		core.invariant("Live exchange requires a scheduler")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LiveExchange{
		Core:     core,
		venue:    venue,
		schedule: cfg.Scheduler,
		timeout:  timeout,
		reserved: make(map[string]reservation),
	}
}

func (e *LiveExchange) Connect(ctx context.Context) error {
	if err := e.venue.Connect(ctx); err != nil {
		e.ReportError(err)
		return err
	}
	e.Ready()
	return nil
}

func (e *LiveExchange) Buy(ctx context.Context, req model.OrderRequest) (string, error) {
	return e.place(ctx, model.SideBuy, req)
}

func (e *LiveExchange) Sell(ctx context.Context, req model.OrderRequest) (string, error) {
	return e.place(ctx, model.SideSell, req)
}

func (e *LiveExchange) place(ctx context.Context, side model.Side, req model.OrderRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	pair, ok := e.pairs[req.Pair.Symbol()]
	if !ok {
		return "", fmt.Errorf("%s: %w", req.Pair.Symbol(), ErrUnknownPair)
	}
	price := req.Price.Decimal
	if req.Type == model.TypeMarket {
		ref, ok := e.referencePrice(pair, side)
		if !ok {
			return "", fmt.Errorf("%s: %w", pair.Symbol(), ErrNoReferencePrice)
		}
		price = ref
	}

	res := reservationFor(pair, side, price, req.Quantity)
	if err := e.wallet.Reserve(res.asset, res.remaining); err != nil {
		return "", err
	}
	clientID := uuid.NewString()
	e.reserved[clientID] = res
	req.Pair = pair

	e.call(ctx, "place", func(ctx context.Context) error {
		return e.venue.PlaceOrder(ctx, clientID, side, req)
	}, func(err error) {
		if err == nil {
			return
		}
		// venue 拒单：没有回报会到达，撤销本地冻结
		if r, ok := e.reserved[clientID]; ok {
			if rerr := e.wallet.RevertReservation(r.asset, r.remaining); rerr != nil {
				e.invariant("Reservation missing after rejected order", zap.String("order_id", clientID), zap.Error(rerr))
			}
			delete(e.reserved, clientID)
		}
	})
	return clientID, nil
}

// referencePrice MARKET 单的冻结估价：优先盘口对手价，其次最近一根 K 线收盘
func (e *LiveExchange) referencePrice(pair model.Pair, side model.Side) (decimal.Decimal, bool) {
	if book, ok := e.books[pair.Symbol()]; ok {
		best, ok := book.BestAsk()
		if side == model.SideSell {
			best, ok = book.BestBid()
		}
		if ok {
			return best.Price, true
		}
	}
	for _, col := range e.candles {
		if col.Pair().Symbol() != pair.Symbol() {
			continue
		}
		if c, ok := col.Latest(); ok {
			return c.Close, true
		}
	}
	return decimal.Zero, false
}

func (e *LiveExchange) CancelOrder(ctx context.Context, order model.Order) error {
	if err := e.orders.MarkInProgress(order.ID); err != nil {
		return err
	}
	id := order.ID
	e.call(ctx, "cancel", func(ctx context.Context) error {
		return e.venue.CancelOrder(ctx, id)
	}, func(error) {
		e.orders.Resolve(id)
	})
	return nil
}

// AdjustOrder 冻结的调整在 REPLACED 回报到达时才做
func (e *LiveExchange) AdjustOrder(ctx context.Context, order model.Order, price, qty decimal.Decimal) error {
	open, ok := e.orders.Get(order.ID)
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, ErrUnknownOrder)
	}
	if open.Type != model.TypeLimit {
		return fmt.Errorf("order %s: %w", order.ID, ErrNotAdjustable)
	}
	if !qty.IsPositive() {
		return ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	if err := e.orders.MarkInProgress(order.ID); err != nil {
		return err
	}
	id, newID := order.ID, uuid.NewString()
	e.call(ctx, "replace", func(ctx context.Context) error {
		return e.venue.ReplaceOrder(ctx, id, newID, price, qty)
	}, func(error) {
		e.orders.Resolve(id)
	})
	return nil
}

// call 在独立 goroutine 中执行 venue 请求，带超时；完成后把结果投递回拥有者
func (e *LiveExchange) call(ctx context.Context, op string, do func(context.Context) error, done func(error)) {
	go func() {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		err := do(reqCtx)
		e.schedule(func() {
			if err != nil {
				e.logger.Warn("Venue request failed", zap.String("op", op), zap.Error(err))
				e.ReportError(err)
			}
			done(err)
		})
	}()
}

// OnReport 归约前先同步钱包：REPLACED 调整冻结，TRADE 结算，终态解冻剩余部分。
// 不在 reserved 中的订单 (其他会话下的单) 只做归约，余额靠 SyncBalance 对齐。
// 重连后 venue 可能重发回报：重复的 NEW 原地更新，已关闭订单的回报直接丢弃
func (e *LiveExchange) OnReport(o model.Order) error {
	if err := ValidateReport(o); err != nil {
		e.logger.Warn("Dropping invalid venue report", zap.Stringer("order", o), zap.Error(err))
		e.ReportError(err)
		return err
	}
	if e.orders.IsClosed(o.ID) {
		e.logger.Warn("Dropping report for closed order",
			zap.String("order_id", o.ID), zap.String("report_type", string(o.ReportType)))
		return nil
	}

	switch o.ReportType {
	case model.ReportNew:
		if e.orders.IsOpen(o.ID) {
			e.logger.Debug("Duplicate new report", zap.String("order_id", o.ID))
			e.publish(e.orders.Refresh(o))
			return nil
		}
	case model.ReportReplaced:
		if e.orders.IsOpen(o.ID) {
			o.Status = model.StatusNew
			e.publish(e.orders.Refresh(o))
			return nil
		}
		e.onReplaced(o)
		if !e.orders.IsOpen(o.OriginalID) {
			e.logger.Info("Adopting replaced order with unknown original",
				zap.String("order_id", o.ID), zap.String("original_id", o.OriginalID))
			e.publish(e.orders.Adopt(o))
			return nil
		}
	case model.ReportTrade:
		e.onTrade(o)
	case model.ReportCanceled, model.ReportExpired, model.ReportSuspended:
		e.release(o.ID)
	}
	e.Reduce(o)
	return nil
}

func (e *LiveExchange) onReplaced(o model.Order) {
	old, ok := e.reserved[o.OriginalID]
	if !ok {
		return
	}
	delete(e.reserved, o.OriginalID)
	if !o.Price.Valid {
		e.logger.Warn("Replaced report without price", zap.String("order_id", o.ID))
		e.revert(o.OriginalID, old)
		return
	}
	next := reservationFor(o.Pair, o.Side, o.Price.Decimal, o.Quantity)
	err := e.wallet.Apply(
		wallet.RevertReservation(old.asset, old.remaining),
		wallet.Reserve(next.asset, next.remaining),
	)
	if err != nil {
		// venue 已经接受了改单，本地余额以 venue 为准，等待余额同步
		e.logger.Warn("Local reservation could not follow replace", zap.String("order_id", o.ID), zap.Error(err))
		e.revert(o.OriginalID, old)
		return
	}
	e.reserved[o.ID] = next
}

func (e *LiveExchange) onTrade(o model.Order) {
	r, ok := e.reserved[o.ID]
	if !ok || o.Fill == nil {
		return
	}
	final := o.Status == model.StatusFilled
	ops, remaining := settlementOps(o, r, *o.Fill, final)
	if err := e.wallet.Apply(ops...); err != nil {
		e.logger.Warn("Local settlement diverged from venue", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	if final {
		delete(e.reserved, o.ID)
		return
	}
	r.remaining = remaining
	e.reserved[o.ID] = r
}

func (e *LiveExchange) release(id string) {
	r, ok := e.reserved[id]
	if !ok {
		return
	}
	delete(e.reserved, id)
	e.revert(id, r)
}

func (e *LiveExchange) revert(id string, r reservation) {
	if !r.remaining.IsPositive() {
		return
	}
	if err := e.wallet.RevertReservation(r.asset, r.remaining); err != nil {
		e.logger.Warn("Reservation already gone", zap.String("order_id", id), zap.Error(err))
	}
}

// SyncBalance venue 推送的余额，绝对覆盖
func (e *LiveExchange) SyncBalance(asset string, available, reserved decimal.Decimal) error {
	return e.wallet.Apply(
		wallet.SetAsset(asset, available),
		wallet.SetReserved(asset, reserved),
	)
}
