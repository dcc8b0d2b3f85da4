package strategy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/pkg/ta"
	"crypto-trading-bot/pkg/window"
)

// Config 趋势策略参数
type Config struct {
	Pair     model.Pair
	Interval model.CandleInterval
	Params   ta.Params
	Confirm  int             // 入场/离场需要连续确认的 K 线数
	Quantity decimal.Decimal // 每次入场数量 (base)
	StaleAge int             // 限价单挂单超过该 K 线数后追价，0 表示不追
}

type pendingOrder struct {
	order model.Order
	age   int
}

// SignalGenerator 参考策略：强趋势 + 均线确认入场，均线死叉离场。
// 只做现货多头，持仓由成交回报维护
type SignalGenerator struct {
	cfg      Config
	taClient *ta.TACalculator
	state    *StateMachine
	entry    *window.Bools
	exit     *window.Bools
	position Position
	pending  map[string]*pendingOrder
	lastBar  time.Time
	logger   *zap.Logger
}

func NewSignalGenerator(cfg Config, logger *zap.Logger) *SignalGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Confirm <= 0 {
		cfg.Confirm = 1
	}
	logger = logger.With(zap.String("strategy", "trend"), zap.String("symbol", cfg.Pair.Symbol()))
	return &SignalGenerator{
		cfg:      cfg,
		taClient: ta.NewTACalculator(cfg.Params, logger),
		state:    NewStateMachine(logger),
		entry:    window.NewBools(cfg.Confirm),
		exit:     window.NewBools(cfg.Confirm),
		position: Position{Pair: cfg.Pair},
		pending:  make(map[string]*pendingOrder),
		logger:   logger,
	}
}

func (sg *SignalGenerator) Name() string { return "trend" }

func (sg *SignalGenerator) Position() Position { return sg.position }

func (sg *SignalGenerator) State() MarketState { return sg.state.GetCurrentState() }

// OnCandles 每根新 K 线评估一次，同一根 K 线的后续更新忽略
func (sg *SignalGenerator) OnCandles(pair model.Pair, interval model.CandleInterval, candles []model.Candle) []Intent {
	if pair.Symbol() != sg.cfg.Pair.Symbol() || interval.Code != sg.cfg.Interval.Code || len(candles) == 0 {
		return nil
	}
	head := candles[0]
	if !head.Timestamp.After(sg.lastBar) {
		return nil
	}
	sg.lastBar = head.Timestamp

	intents := sg.chase(head)

	data, err := sg.taClient.Compute(pair.Symbol(), candles)
	if err != nil {
		sg.logger.Debug("Indicators not ready", zap.Error(err))
		return intents
	}
	state := sg.state.CheckAndTransition(data)
	sg.entry.Push(state == StateStrongUpTrend && data.FastMA > data.SlowMA)
	sg.exit.Push(data.FastMA < data.SlowMA || state == StateStrongDownTrend)

	if len(sg.pending) > 0 {
		return intents
	}

	switch sg.position.Direction() {
	case DirFlat:
		if sg.entry.All() && sg.cfg.Quantity.IsPositive() {
			sig := Signal{
				Pair:     pair,
				Side:     model.SideBuy,
				Price:    decimal.NewNullDecimal(head.Close),
				Quantity: sg.cfg.Quantity,
				Reason:   "Strong up trend: MA confirmation",
			}
			sg.logger.Info("Entry signal", zap.Stringer("signal", sig))
			intents = append(intents, sig)
		}
	case DirLong:
		if sg.exit.All() {
			sig := Signal{
				Pair:     pair,
				Side:     model.SideSell,
				Quantity: sg.position.Size,
				Reason:   "Trend exhausted: MA cross down",
			}
			sg.logger.Info("Exit signal", zap.Stringer("signal", sig))
			intents = append(intents, sig)
		}
	}
	return intents
}

// chase 挂单过久：趋势还在就按最新收盘价改单，否则撤单
func (sg *SignalGenerator) chase(head model.Candle) []Intent {
	if sg.cfg.StaleAge <= 0 {
		return nil
	}
	ids := make([]string, 0, len(sg.pending))
	for id := range sg.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var intents []Intent
	for _, id := range ids {
		p := sg.pending[id]
		p.age++
		if p.order.Type != model.TypeLimit || p.age < sg.cfg.StaleAge {
			continue
		}
		if sg.state.GetCurrentState() == StateStrongUpTrend || p.order.Side == model.SideSell {
			intents = append(intents, Adjust{Order: p.order, Price: head.Close, Quantity: p.order.Quantity})
		} else {
			intents = append(intents, Cancel{Order: p.order})
		}
		p.age = 0
	}
	return intents
}

// OnReport 跟踪本策略交易对上的挂单
func (sg *SignalGenerator) OnReport(order model.Order, _ *model.Order) []Intent {
	if order.Pair.Symbol() != sg.cfg.Pair.Symbol() {
		return nil
	}
	switch {
	case order.ReportType == model.ReportReplaced:
		delete(sg.pending, order.OriginalID)
		sg.pending[order.ID] = &pendingOrder{order: order}
	case order.Status.Terminal():
		delete(sg.pending, order.ID)
	case order.ReportType == model.ReportNew:
		sg.pending[order.ID] = &pendingOrder{order: order}
	default:
		if p, ok := sg.pending[order.ID]; ok {
			p.order = order
		}
	}
	return nil
}

func (sg *SignalGenerator) OnTrade(trade model.Trade) []Intent {
	if trade.Pair.Symbol() != sg.cfg.Pair.Symbol() {
		return nil
	}
	sg.position.Apply(trade)
	sg.logger.Debug("Position updated",
		zap.Stringer("size", sg.position.Size),
		zap.Stringer("avg_price", sg.position.AvgPrice))
	return nil
}

func (sg *SignalGenerator) OnOrderbook(model.OrderBook) []Intent { return nil }
