package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/wallet"
	"crypto-trading-bot/pkg/analytics"
)

// EquityPoint 某根 K 线收盘时的账户净值 (以 quote 计价)
type EquityPoint struct {
	Timestamp time.Time
	Value     decimal.Decimal
}

// Report 回测结果
type Report struct {
	Pair        model.Pair
	Interval    model.CandleInterval
	Candles     int
	Orders      []model.Order // 每次订单迁移一条，按发生顺序
	Trades      []model.Trade
	Balances    []wallet.Balance
	Equity      []EquityPoint
	MaxDrawdown float64
	Sharpe      float64
	Martin      float64
	Pain        float64
}

// Backtest 顺序回放历史 K 线。没有定时器也没有网络，同样的输入得到同样的结果。
// 输入顺序无关：回放前按时间升序排列
func (e *Engine) Backtest(ctx context.Context, pair model.Pair, interval model.CandleInterval, history []model.Candle) (*Report, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("backtest %s: no candles", pair.Symbol())
	}
	e.ctx = ctx
	if err := e.adapter.SubscribeCandles(pair, interval); err != nil {
		return nil, err
	}
	if err := e.adapter.SubscribeReports(); err != nil {
		return nil, err
	}
	if err := e.adapter.Connect(ctx); err != nil {
		return nil, err
	}

	ordered := make([]model.Candle, len(history))
	copy(ordered, history)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	report := &Report{Pair: pair, Interval: interval, Candles: len(ordered)}
	e.recorder = func(ev exchange.Event) {
		switch v := ev.(type) {
		case exchange.ReportEvent:
			report.Orders = append(report.Orders, v.Order)
		case exchange.TradeEvent:
			report.Trades = append(report.Trades, v.Trade)
		}
	}
	defer func() { e.recorder = nil }()
	e.flush()

	for i, c := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.Handle(CandleMsg{Pair: pair, Interval: interval, Candles: []model.Candle{c}})
		report.Equity = append(report.Equity, EquityPoint{
			Timestamp: c.Timestamp,
			Value:     Equity(e.adapter.Wallet(), pair, c.Close),
		})
		if (i+1)%1000 == 0 {
			e.logger.Debug("Backtest progress", zap.Int("candles", i+1), zap.Int("trades", len(report.Trades)))
		}
	}

	report.Balances = e.adapter.Wallet().Balances()
	values := make([]float64, len(report.Equity))
	for i, p := range report.Equity {
		values[i] = p.Value.InexactFloat64()
	}
	perYear := float64(365*24*time.Hour) / float64(interval.Period)
	report.MaxDrawdown = analytics.MaxDrawdown(values)
	report.Sharpe = analytics.Sharpe(values, perYear)
	report.Martin = analytics.Martin(values, perYear)
	report.Pain = analytics.Pain(values, perYear)

	e.logger.Info("Backtest finished",
		zap.String("symbol", pair.Symbol()),
		zap.Int("candles", len(ordered)),
		zap.Int("orders", len(report.Orders)),
		zap.Int("trades", len(report.Trades)),
		zap.Float64("max_drawdown", report.MaxDrawdown),
		zap.Float64("sharpe", report.Sharpe))
	return report, nil
}

// Equity quote 余额 (含冻结) 加上 base 余额按价格折算
func Equity(w *wallet.Ledger, pair model.Pair, price decimal.Decimal) decimal.Decimal {
	quote := w.Get(pair.Quote).Total()
	base := w.Get(pair.Base).Total()
	return quote.Add(base.Mul(price))
}
