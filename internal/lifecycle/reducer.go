// Package lifecycle 把交易所回报归约为规范的 open order 集合。
// 所有适配器 (本地撮合、实盘) 共用同一个 Tracker。
package lifecycle

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"crypto-trading-bot/internal/model"
)

var (
	// ErrOrderInProgress 同一订单已有未完成的改单/撤单请求
	ErrOrderInProgress = errors.New("order has a pending amend or cancel")
	// ErrUnknownOrder 订单不在 open 集合中
	ErrUnknownOrder = errors.New("unknown open order")
)

// Result 一次回报归约的输出。Order 事件总是产生，Trade 只在成交回报时产生
type Result struct {
	Order    model.Order
	Previous *model.Order
	Trade    *model.Trade
	Removed  bool
}

type entry struct {
	order model.Order
	seq   uint64 // 插入顺序，保证 OpenOrders 的输出稳定
}

// Tracker 订单状态机。由拥有交易所实例的 goroutine 独占使用
type Tracker struct {
	open       map[string]entry
	closed     map[string]model.OrderStatus // 已进入终态的订单，用于发现重复移除
	replacedBy map[string]string            // 新 id -> 原 id，审计链
	inProgress map[string]struct{}
	nextSeq    uint64
	logger     *zap.Logger
}

func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		open:       make(map[string]entry),
		closed:     make(map[string]model.OrderStatus),
		replacedBy: make(map[string]string),
		inProgress: make(map[string]struct{}),
		logger:     logger,
	}
}

// OnReport 唯一的入口：插入、替换、更新、移除都经过这里
func (t *Tracker) OnReport(o model.Order) Result {
	switch o.ReportType {
	case model.ReportNew:
		t.insert(o)
		return Result{Order: o}

	case model.ReportReplaced:
		return t.replace(o)

	case model.ReportTrade:
		return t.trade(o)

	case model.ReportCanceled, model.ReportExpired, model.ReportSuspended:
		prev, known := t.remove(o)
		res := Result{Order: o, Removed: known}
		if known {
			res.Previous = &prev
		}
		return res
	}

	t.logger.Panic("Unknown report type", zap.String("report", string(o.ReportType)), zap.String("order_id", o.ID))
	return Result{}
}

func (t *Tracker) insert(o model.Order) {
	if o.ID == "" {
		t.logger.Panic("Order report without id", zap.Stringer("order", o))
	}
	if _, ok := t.open[o.ID]; ok {
		t.logger.Panic("Duplicate open order id", zap.String("order_id", o.ID))
	}
	if _, ok := t.closed[o.ID]; ok {
		t.logger.Panic("Order id reused after close", zap.String("order_id", o.ID))
	}
	t.nextSeq++
	t.open[o.ID] = entry{order: o, seq: t.nextSeq}
}

// replace 原子替换：移除 originalId，插入新订单 (状态 NEW)，保留回链
func (t *Tracker) replace(o model.Order) Result {
	if o.OriginalID == "" {
		t.logger.Panic("Replaced report without original id", zap.String("order_id", o.ID))
	}
	prev, ok := t.open[o.OriginalID]
	if !ok {
		t.logger.Panic("Replaced report for unknown order",
			zap.String("order_id", o.ID), zap.String("original_id", o.OriginalID))
	}

	delete(t.open, o.OriginalID)
	t.closed[o.OriginalID] = model.StatusCanceled
	delete(t.inProgress, o.OriginalID)

	o.Status = model.StatusNew
	t.insert(o)
	t.replacedBy[o.ID] = o.OriginalID

	previous := prev.order
	return Result{Order: o, Previous: &previous}
}

func (t *Tracker) trade(o model.Order) Result {
	if o.Status != model.StatusFilled && o.Status != model.StatusPartiallyFilled {
		t.logger.Panic("Trade report with non-fill status",
			zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
	}

	var res Result
	if o.Status == model.StatusFilled {
		prev, known := t.remove(o)
		res = Result{Order: o, Removed: known}
		if known {
			res.Previous = &prev
		}
	} else {
		prev, known := t.open[o.ID]
		if !known {
			if _, closed := t.closed[o.ID]; closed {
				t.logger.Panic("Trade report for closed order", zap.String("order_id", o.ID))
			}
			t.insert(o)
		} else {
			t.open[o.ID] = entry{order: o, seq: prev.seq}
			previous := prev.order
			res.Previous = &previous
		}
		res.Order = o
	}

	if o.Fill != nil {
		res.Trade = t.tradeFrom(o)
	}
	return res
}

// remove 终态迁移。重复移除是程序错误；从未见过的订单 (例如其他会话下的单) 只透传事件
func (t *Tracker) remove(o model.Order) (model.Order, bool) {
	prev, ok := t.open[o.ID]
	if !ok {
		if status, closed := t.closed[o.ID]; closed {
			t.logger.Panic("Order removed twice",
				zap.String("order_id", o.ID),
				zap.String("closed_as", string(status)),
				zap.String("report", string(o.ReportType)))
		}
		t.logger.Debug("Terminal report for untracked order", zap.String("order_id", o.ID))
		return model.Order{}, false
	}
	delete(t.open, o.ID)
	delete(t.inProgress, o.ID)
	t.closed[o.ID] = o.Status
	return prev.order, true
}

func (t *Tracker) tradeFrom(o model.Order) *model.Trade {
	f := o.Fill
	return &model.Trade{
		ID:              f.TradeID,
		OrderID:         o.ID,
		OriginalOrderID: t.Origin(o.ID),
		Pair:            o.Pair,
		Side:            o.Side,
		Price:           f.Price,
		Quantity:        o.Quantity,
		TradeQuantity:   f.Quantity,
		Commission:      f.Commission,
		CommissionAsset: f.CommissionAsset,
		CreatedAt:       o.UpdatedAt,
	}
}

// Get 查询 open 订单
func (t *Tracker) Get(id string) (model.Order, bool) {
	e, ok := t.open[id]
	return e.order, ok
}

// OpenOrders 按插入顺序返回
func (t *Tracker) OpenOrders() []model.Order {
	entries := make([]entry, 0, len(t.open))
	for _, e := range t.open {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]model.Order, len(entries))
	for i, e := range entries {
		out[i] = e.order
	}
	return out
}

func (t *Tracker) Len() int { return len(t.open) }

func (t *Tracker) IsOpen(id string) bool {
	_, ok := t.open[id]
	return ok
}

// IsClosed 本次运行中已进入终态 (或被替换) 的订单
func (t *Tracker) IsClosed(id string) bool {
	_, ok := t.closed[id]
	return ok
}

// Refresh 原地更新一个 open 订单，不改变插入顺序。用于交易所重发的 NEW/REPLACED
func (t *Tracker) Refresh(o model.Order) Result {
	prev, ok := t.open[o.ID]
	if !ok {
		t.logger.Panic("Refresh of unknown order", zap.String("order_id", o.ID))
	}
	t.open[o.ID] = entry{order: o, seq: prev.seq}
	previous := prev.order
	return Result{Order: o, Previous: &previous}
}

// Adopt 插入一个原订单不在 open 集合中的 REPLACED 订单 (例如其他会话下的单)，保留回链
func (t *Tracker) Adopt(o model.Order) Result {
	o.Status = model.StatusNew
	t.insert(o)
	if o.OriginalID != "" {
		t.replacedBy[o.ID] = o.OriginalID
	}
	return Result{Order: o}
}

// Origin 沿替换链追溯最初的订单 id，没有替换过时返回空
func (t *Tracker) Origin(id string) string {
	origin := ""
	for {
		prev, ok := t.replacedBy[id]
		if !ok {
			return origin
		}
		origin, id = prev, prev
	}
}

// ReplacedFrom 直接的上一个订单 id
func (t *Tracker) ReplacedFrom(id string) (string, bool) {
	prev, ok := t.replacedBy[id]
	return prev, ok
}

// MarkInProgress 改单/撤单前调用；同一订单未结束前拒绝第二个请求
func (t *Tracker) MarkInProgress(id string) error {
	if _, ok := t.open[id]; !ok {
		return fmt.Errorf("order %s: %w", id, ErrUnknownOrder)
	}
	if _, busy := t.inProgress[id]; busy {
		return fmt.Errorf("order %s: %w", id, ErrOrderInProgress)
	}
	t.inProgress[id] = struct{}{}
	return nil
}

// Resolve 请求成功或失败后清除标记
func (t *Tracker) Resolve(id string) {
	delete(t.inProgress, id)
}

func (t *Tracker) InProgress(id string) bool {
	_, ok := t.inProgress[id]
	return ok
}
