package exchange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"crypto-trading-bot/internal/candles"
	"crypto-trading-bot/internal/lifecycle"
	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/orderbook"
	"crypto-trading-bot/internal/wallet"
)

const defaultPrecision = 8

// CoreOptions 所有适配器共用的构造参数
type CoreOptions struct {
	Logger    *zap.Logger
	Store     Store
	Errors    *ErrorHandler
	Retention int // K 线集合保留条数

	PersistQueue   int           // 持久化队列容量
	PersistTimeout time.Duration // 单次写入超时
}

// Core 所有适配器共享的交易状态：订单归约、盘口、K 线、钱包和事件发件箱。
// 单写者：只在拥有实例的 goroutine 中使用
type Core struct {
	name      string
	logger    *zap.Logger
	wallet    *wallet.Ledger
	orders    *lifecycle.Tracker
	pairs     map[string]model.Pair
	precision map[string]int32
	books     map[string]*orderbook.OrderBook
	candles   map[string]*candles.Collection
	store     *AsyncStore
	errors    *ErrorHandler
	retention int
	reports   bool
	outbox    []Event
}

func NewCore(name string, opts CoreOptions) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("exchange", name))
	store := opts.Store
	if store == nil {
		store = NewLogStore(logger)
	}
	errs := opts.Errors
	if errs == nil {
		errs = NewErrorHandler(logger)
	}
	return &Core{
		name:      name,
		logger:    logger,
		wallet:    wallet.NewLedger(logger.Named("wallet")),
		orders:    lifecycle.NewTracker(logger.Named("orders")),
		pairs:     make(map[string]model.Pair),
		precision: make(map[string]int32),
		books:     make(map[string]*orderbook.OrderBook),
		candles:   make(map[string]*candles.Collection),
		store:     NewAsyncStore(store, opts.PersistQueue, opts.PersistTimeout, logger.Named("store")),
		errors:    errs,
		retention: opts.Retention,
	}
}

func (c *Core) Name() string { return c.name }

func (c *Core) Wallet() *wallet.Ledger { return c.wallet }

func (c *Core) Orders() *lifecycle.Tracker { return c.orders }

// Close 等待持久化队列写完
func (c *Core) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *Core) Errors() *ErrorHandler { return c.errors }

func (c *Core) OpenOrders() []model.Order { return c.orders.OpenOrders() }

// RegisterPair 注册可交易的交易对及其价格精度
func (c *Core) RegisterPair(pair model.Pair, precision int32) {
	c.pairs[pair.Symbol()] = pair
	c.precision[pair.Symbol()] = precision
}

func (c *Core) Pair(symbol string) (model.Pair, bool) {
	p, ok := c.pairs[symbol]
	return p, ok
}

// Pairs 按 symbol 排序
func (c *Core) Pairs() []model.Pair {
	out := make([]model.Pair, 0, len(c.pairs))
	for _, p := range c.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}

func (c *Core) SubscribeReports() error {
	c.reports = true
	return nil
}

func (c *Core) SubscribeOrderbook(pair model.Pair) error {
	if _, ok := c.books[pair.Symbol()]; ok {
		return nil
	}
	precision, ok := c.precision[pair.Symbol()]
	if !ok {
		precision = defaultPrecision
	}
	c.books[pair.Symbol()] = orderbook.New(pair, precision)
	return nil
}

func (c *Core) SubscribeCandles(pair model.Pair, interval model.CandleInterval) error {
	if interval.Period <= 0 {
		return fmt.Errorf("candle interval %q: non-positive period", interval.Code)
	}
	key := candleKey(pair, interval)
	if _, ok := c.candles[key]; ok {
		return nil
	}
	c.candles[key] = candles.NewCollection(pair, interval, c.retention, c.logger.Named("candles"))
	return nil
}

// Book 已订阅的盘口
func (c *Core) Book(pair model.Pair) (*orderbook.OrderBook, bool) {
	b, ok := c.books[pair.Symbol()]
	return b, ok
}

// Collection 已订阅的 K 线集合
func (c *Core) Collection(pair model.Pair, interval model.CandleInterval) (*candles.Collection, bool) {
	col, ok := c.candles[candleKey(pair, interval)]
	return col, ok
}

func candleKey(pair model.Pair, interval model.CandleInterval) string {
	return pair.Symbol() + "@" + interval.Code
}

// Reduce 回报归约的唯一入口：更新 open 集合，发出 Order 事件 (总是) 和 Trade 事件 (成交时)，
// 然后交给持久化层
func (c *Core) Reduce(o model.Order) lifecycle.Result {
	res := c.orders.OnReport(o)
	c.publish(res)
	return res
}

// publish 发出归约结果对应的事件并持久化
func (c *Core) publish(res lifecycle.Result) {
	c.emit(ReportEvent{Exchange: c.name, Order: res.Order, Previous: res.Previous})
	c.persistOrder(res.Order)

	if res.Trade != nil {
		c.emit(TradeEvent{Exchange: c.name, Trade: *res.Trade})
		c.persistTrade(*res.Trade)
	}
}

// OnReport 默认的回报处理，实盘适配器会在此基础上同步钱包
func (c *Core) OnReport(o model.Order) error {
	c.Reduce(o)
	return nil
}

// OnCandles 更新 K 线集合并广播整个集合
func (c *Core) OnCandles(pair model.Pair, interval model.CandleInterval, batch []model.Candle) {
	col, ok := c.candles[candleKey(pair, interval)]
	if !ok {
		c.logger.Debug("Candles for unsubscribed stream", zap.String("symbol", pair.Symbol()), zap.String("interval", interval.Code))
		return
	}
	col.Update(batch)
	c.emitCandles(col)
}

// SetCandles 用历史数据整体初始化
func (c *Core) SetCandles(pair model.Pair, interval model.CandleInterval, batch []model.Candle) error {
	col, ok := c.candles[candleKey(pair, interval)]
	if !ok {
		return fmt.Errorf("candles %s@%s: not subscribed", pair.Symbol(), interval.Code)
	}
	col.Set(batch)
	c.emitCandles(col)
	return nil
}

// OnTimer 自动生成：没有新数据时补 recycled K 线
func (c *Core) OnTimer(now time.Time) {
	keys := make([]string, 0, len(c.candles))
	for k := range c.candles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col := c.candles[k]
		if generated := col.Generate(now); len(generated) > 0 {
			c.emitCandles(col)
		}
	}
}

func (c *Core) emitCandles(col *candles.Collection) {
	c.emit(CandlesEvent{
		Exchange: c.name,
		Pair:     col.Pair(),
		Interval: col.Interval(),
		Candles:  col.Candles(),
	})
}

// OnOrderbook 序列号门控：快照总是应用并重置基线；增量的序列号必须严格大于上次应用的
func (c *Core) OnOrderbook(u OrderbookUpdate) bool {
	book, ok := c.books[u.Pair.Symbol()]
	if !ok {
		c.logger.Debug("Orderbook update for unsubscribed pair", zap.String("symbol", u.Pair.Symbol()))
		return false
	}

	if u.Snapshot {
		if err := book.SetOrders(u.Asks, u.Bids); err != nil {
			c.logger.Warn("Orderbook snapshot rejected", zap.String("symbol", u.Pair.Symbol()), zap.Error(err))
			return false
		}
		book.SetSequence(u.Sequence)
		c.emit(OrderbookEvent{Exchange: c.name, Book: book.Snapshot()})
		return true
	}

	if u.Sequence <= book.Sequence() {
		c.logger.Warn("Dropping stale orderbook increment",
			zap.String("symbol", u.Pair.Symbol()),
			zap.Uint64("sequence", u.Sequence),
			zap.Uint64("last_sequence", book.Sequence()))
		return false
	}
	if err := book.AddIncrement(u.Asks, u.Bids); err != nil {
		c.logger.Warn("Orderbook increment rejected", zap.String("symbol", u.Pair.Symbol()), zap.Error(err))
		return false
	}
	book.SetSequence(u.Sequence)
	c.emit(OrderbookEvent{Exchange: c.name, Book: book.Snapshot()})
	return true
}

// ReportError 交易所/网络错误只报告，不重试
func (c *Core) ReportError(err error) *VenueError {
	ve := c.errors.Handle(c.name, err)
	if ve != nil {
		c.emit(ErrorEvent{Exchange: c.name, Err: ve})
	}
	return ve
}

func (c *Core) Ready() {
	c.emit(ReadyEvent{Exchange: c.name})
}

func (c *Core) emit(ev Event) {
	c.outbox = append(c.outbox, ev)
}

// TakeEvents 取出并清空发件箱
func (c *Core) TakeEvents() []Event {
	out := c.outbox
	c.outbox = nil
	return out
}

// persistOrder 只入队，写入结果由 AsyncStore 记录
func (c *Core) persistOrder(o model.Order) {
	if err := c.store.InsertOrder(context.Background(), o); err != nil {
		c.logger.Warn("Order record dropped", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (c *Core) persistTrade(t model.Trade) {
	if err := c.store.InsertTrade(context.Background(), t); err != nil {
		c.logger.Warn("Trade record dropped", zap.String("trade_id", t.ID), zap.Error(err))
	}
}

// invariant 程序错误：记录后 panic，绝不静默修正
func (c *Core) invariant(msg string, fields ...zap.Field) {
	c.logger.Panic(msg, fields...)
}
