// Package engine 单写者事件循环：交易所消息、定时器、命令和策略意图都经过同一个收件箱，
// 按到达顺序逐条同步处理
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-trading-bot/internal/candles"
	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/strategy"
)

var ErrStopped = errors.New("engine stopped")

const defaultQueueSize = 1024

type Options struct {
	QueueSize int
	Logger    *zap.Logger
}

type subscription struct {
	pair     model.Pair
	interval model.CandleInterval
}

// Engine 拥有一个交易所实例和一个策略
type Engine struct {
	adapter     exchange.Adapter
	strategy    strategy.Strategy
	inbox       chan Message
	done        chan struct{}
	logger      *zap.Logger
	subs        []subscription
	aggregators map[string]*candles.Aggregator // symbol@interval
	listeners   []chan exchange.Event
	recorder    func(exchange.Event)
	ctx         context.Context
}

func New(adapter exchange.Adapter, strat strategy.Strategy, opts Options) *Engine {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		adapter:     adapter,
		strategy:    strat,
		inbox:       make(chan Message, size),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("exchange", adapter.Name())),
		aggregators: make(map[string]*candles.Aggregator),
		ctx:         context.Background(),
	}
}

func (e *Engine) Adapter() exchange.Adapter { return e.adapter }

// Scheduler 给实盘适配器用：venue 调用结果投递回收件箱
func (e *Engine) Scheduler() exchange.Scheduler {
	return func(fn func()) {
		select {
		case e.inbox <- callMsg{fn: fn}:
		case <-e.done:
			e.logger.Warn("Venue callback dropped after stop")
		}
	}
}

// Subscribe 订阅 K 线、盘口和回报。必须在 Run 之前调用
func (e *Engine) Subscribe(pair model.Pair, interval model.CandleInterval) error {
	if err := e.adapter.SubscribeCandles(pair, interval); err != nil {
		return err
	}
	if err := e.adapter.SubscribeOrderbook(pair); err != nil {
		return err
	}
	if err := e.adapter.SubscribeReports(); err != nil {
		return err
	}
	e.subs = append(e.subs, subscription{pair: pair, interval: interval})
	e.aggregators[pair.Symbol()+"@"+interval.Code] = candles.NewAggregator(pair.Symbol(), interval)
	return nil
}

// Listen 事件通知通道。消费者跟不上时丢弃事件并记录警告，不阻塞事件循环
func (e *Engine) Listen(buffer int) <-chan exchange.Event {
	ch := make(chan exchange.Event, buffer)
	e.listeners = append(e.listeners, ch)
	return ch
}

// Post 投递一条消息，收件箱满时阻塞 (背压)
func (e *Engine) Post(ctx context.Context, msg Message) error {
	select {
	case e.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// Do 在拥有者 goroutine 中执行 fn，返回 fn 的结果。用于 buy/sell/cancel/adjust 命令
func (e *Engine) Do(ctx context.Context, fn func(exchange.Adapter) error) error {
	var err error
	msg := callMsg{fn: func() { err = fn(e.adapter) }, done: make(chan struct{})}
	if perr := e.Post(ctx, msg); perr != nil {
		return perr
	}
	select {
	case <-msg.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// Run 事件循环，直到 ctx 结束。autoGenerate 为 true 时为每个订阅周期启动 K 线自动生成定时器
func (e *Engine) Run(ctx context.Context, autoGenerate bool) error {
	e.ctx = ctx
	defer close(e.done)

	if err := e.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", e.adapter.Name(), err)
	}
	e.flush()

	if autoGenerate {
		for _, period := range e.timerPeriods() {
			go e.runTimer(ctx, period)
		}
	}

	e.logger.Info("Engine started", zap.Int("subscriptions", len(e.subs)))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopped", zap.Error(ctx.Err()))
			return nil
		case msg := <-e.inbox:
			e.Handle(msg)
		}
	}
}

func (e *Engine) timerPeriods() []time.Duration {
	seen := make(map[time.Duration]bool)
	var out []time.Duration
	for _, s := range e.subs {
		if !seen[s.interval.Period] {
			seen[s.interval.Period] = true
			out = append(out, s.interval.Period)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// runTimer 定时器只投递消息，不直接修改状态
func (e *Engine) runTimer(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := e.Post(ctx, TimerMsg{Now: now}); err != nil {
				return
			}
		}
	}
}

// Handle 同步处理一条消息，然后分发产生的事件并执行策略意图
func (e *Engine) Handle(msg Message) {
	switch m := msg.(type) {
	case ReportMsg:
		if err := e.adapter.OnReport(m.Order); err != nil {
			e.logger.Warn("Report rejected", zap.String("order_id", m.Order.ID), zap.Error(err))
		}
	case CandleMsg:
		e.adapter.OnCandles(m.Pair, m.Interval, m.Candles)
	case TickerMsg:
		e.onTicker(m)
	case OrderbookMsg:
		e.adapter.OnOrderbook(m.Update)
	case BalanceMsg:
		e.onBalance(m)
	case TimerMsg:
		e.adapter.OnTimer(m.Now)
	case ErrorMsg:
		e.onError(m.Err)
	case callMsg:
		m.fn()
		if m.done != nil {
			// 命令产生的事件先分发，再通知调用方
			defer close(m.done)
		}
	default:
		e.logger.Warn("Unknown message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
	e.flush()
}

func (e *Engine) onTicker(m TickerMsg) {
	for _, s := range e.subs {
		if s.pair.Symbol() != m.Pair.Symbol() {
			continue
		}
		agg := e.aggregators[s.pair.Symbol()+"@"+s.interval.Code]
		current, completed, ok := agg.ProcessTicker(m.Ticker)
		if !ok {
			continue
		}
		batch := []model.Candle{current}
		if completed != nil {
			batch = []model.Candle{*completed, current}
		}
		e.adapter.OnCandles(s.pair, s.interval, batch)
	}
}

type balanceSyncer interface {
	SyncBalance(asset string, available, reserved decimal.Decimal) error
}

func (e *Engine) onBalance(m BalanceMsg) {
	syncer, ok := e.adapter.(balanceSyncer)
	if !ok {
		e.logger.Debug("Balance update ignored by adapter", zap.String("asset", m.Asset))
		return
	}
	if err := syncer.SyncBalance(m.Asset, m.Available, m.Reserved); err != nil {
		e.logger.Warn("Balance sync rejected", zap.String("asset", m.Asset), zap.Error(err))
	}
}

type errorReporter interface {
	ReportError(err error) *exchange.VenueError
}

func (e *Engine) onError(err error) {
	if r, ok := e.adapter.(errorReporter); ok {
		r.ReportError(err)
		return
	}
	e.logger.Error("Venue error", zap.Error(err))
}

// flush 取出适配器事件交给监听者和策略；策略意图执行后可能产生新事件，循环直到没有
func (e *Engine) flush() {
	for {
		events := e.adapter.TakeEvents()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			if e.recorder != nil {
				e.recorder(ev)
			}
			e.notify(ev)
			e.apply(e.dispatch(ev))
		}
	}
}

func (e *Engine) notify(ev exchange.Event) {
	for _, ch := range e.listeners {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("Listener lagging, event dropped", zap.String("event", ev.Kind()))
		}
	}
}

func (e *Engine) dispatch(ev exchange.Event) []strategy.Intent {
	if e.strategy == nil {
		return nil
	}
	switch v := ev.(type) {
	case exchange.ReportEvent:
		return e.strategy.OnReport(v.Order, v.Previous)
	case exchange.TradeEvent:
		return e.strategy.OnTrade(v.Trade)
	case exchange.CandlesEvent:
		return e.strategy.OnCandles(v.Pair, v.Interval, v.Candles)
	case exchange.OrderbookEvent:
		return e.strategy.OnOrderbook(v.Book)
	case exchange.ErrorEvent:
		e.logger.Warn("Venue error event", zap.String("cause", v.Err.Cause), zap.String("code", v.Err.Code))
	}
	return nil
}

// apply 意图被拒绝只记录警告，不影响事件循环
func (e *Engine) apply(intents []strategy.Intent) {
	for _, in := range intents {
		var err error
		switch v := in.(type) {
		case strategy.Signal:
			if v.Side == model.SideBuy {
				_, err = e.adapter.Buy(e.ctx, v.Request())
			} else {
				_, err = e.adapter.Sell(e.ctx, v.Request())
			}
		case strategy.Adjust:
			err = e.adapter.AdjustOrder(e.ctx, v.Order, v.Price, v.Quantity)
		case strategy.Cancel:
			err = e.adapter.CancelOrder(e.ctx, v.Order)
		default:
			err = fmt.Errorf("unknown intent %T", in)
		}
		if err != nil {
			e.logger.Warn("Intent rejected", zap.String("intent", fmt.Sprintf("%T", in)), zap.Error(err))
		}
	}
}
