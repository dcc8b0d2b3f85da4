package strategy

import (
	"strings"

	"crypto-trading-bot/internal/model"
)

// Group 一个引擎上挂多个策略实例 (每个交易对一个)，按注册顺序转发事件并合并意图
type Group []Strategy

func (g Group) Name() string {
	names := make([]string, len(g))
	for i, s := range g {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

func (g Group) OnCandles(pair model.Pair, interval model.CandleInterval, candles []model.Candle) []Intent {
	return g.each(func(s Strategy) []Intent { return s.OnCandles(pair, interval, candles) })
}

func (g Group) OnReport(order model.Order, previous *model.Order) []Intent {
	return g.each(func(s Strategy) []Intent { return s.OnReport(order, previous) })
}

func (g Group) OnTrade(trade model.Trade) []Intent {
	return g.each(func(s Strategy) []Intent { return s.OnTrade(trade) })
}

func (g Group) OnOrderbook(book model.OrderBook) []Intent {
	return g.each(func(s Strategy) []Intent { return s.OnOrderbook(book) })
}

func (g Group) each(fn func(Strategy) []Intent) []Intent {
	var out []Intent
	for _, s := range g {
		out = append(out, fn(s)...)
	}
	return out
}
