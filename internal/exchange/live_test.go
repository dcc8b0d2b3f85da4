package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crypto-trading-bot/internal/model"
)

type mockVenue struct {
	mock.Mock
}

func (m *mockVenue) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockVenue) PlaceOrder(ctx context.Context, clientID string, side model.Side, req model.OrderRequest) error {
	return m.Called(ctx, clientID, side, req).Error(0)
}

func (m *mockVenue) CancelOrder(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockVenue) ReplaceOrder(ctx context.Context, id, newClientID string, price, qty decimal.Decimal) error {
	return m.Called(ctx, id, newClientID, price, qty).Error(0)
}

type liveHarness struct {
	ex    *LiveExchange
	venue *mockVenue
	queue chan func()
}

func newLive(t *testing.T, balances map[string]string) *liveHarness {
	t.Helper()
	h := &liveHarness{venue: new(mockVenue), queue: make(chan func(), 8)}
	h.ex = NewLiveExchange("binance", h.venue, LiveConfig{
		RequestTimeout: time.Second,
		Scheduler:      func(fn func()) { h.queue <- fn },
	}, CoreOptions{})
	h.ex.RegisterPair(btcusdt, 2)
	for asset, amount := range balances {
		require.NoError(t, h.ex.Wallet().Credit(asset, d(amount)))
	}
	return h
}

// drain 在测试 goroutine 中执行一个投递回来的回调
func (h *liveHarness) drain(t *testing.T) {
	t.Helper()
	select {
	case fn := <-h.queue:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("venue callback was not scheduled")
	}
}

func (h *liveHarness) report(t *testing.T, o model.Order) {
	t.Helper()
	require.NoError(t, h.ex.OnReport(o))
}

func newReport(id string, price string, qty string) model.Order {
	return model.Order{
		ID: id, Pair: btcusdt, Side: model.SideBuy, Type: model.TypeLimit,
		Price: decimal.NewNullDecimal(d(price)), Quantity: d(qty),
		Status: model.StatusNew, ReportType: model.ReportNew,
	}
}

func TestLiveConnectEmitsReady(t *testing.T) {
	h := newLive(t, nil)
	h.venue.On("Connect", mock.Anything).Return(nil)

	require.NoError(t, h.ex.Connect(context.Background()))
	events := h.ex.TakeEvents()
	require.Len(t, events, 1)
	assert.IsType(t, ReadyEvent{}, events[0])
}

func TestLiveFillSettlesAndReleasesLeftover(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "10000"})
	h.venue.On("PlaceOrder", mock.Anything, mock.Anything, model.SideBuy, mock.Anything).Return(nil)

	id, err := h.ex.Buy(context.Background(), model.LimitRequest(btcusdt, d("9700"), d("1")))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, d("9700").Equal(h.ex.Wallet().Reserved("USDT")))
	h.drain(t)
	h.venue.AssertCalled(t, "PlaceOrder", mock.Anything, id, model.SideBuy, mock.Anything)

	h.report(t, newReport(id, "9700", "1"))
	require.Len(t, h.ex.OpenOrders(), 1)

	partial := newReport(id, "9700", "1")
	partial.ReportType, partial.Status = model.ReportTrade, model.StatusPartiallyFilled
	partial.Fill = &model.Fill{TradeID: "t1", Price: d("9690"), Quantity: d("0.4"), Commission: d("0.0004"), CommissionAsset: "BTC"}
	h.report(t, partial)

	w := h.ex.Wallet()
	assert.True(t, d("5824").Equal(w.Reserved("USDT")), "reserved %s", w.Reserved("USDT"))
	assert.True(t, d("0.3996").Equal(w.Available("BTC")))
	require.Len(t, h.ex.OpenOrders(), 1)

	final := partial
	final.Status = model.StatusFilled
	final.Fill = &model.Fill{TradeID: "t2", Price: d("9680"), Quantity: d("0.6"), Commission: d("0.0006"), CommissionAsset: "BTC"}
	h.report(t, final)

	// 9700 - 0.4*9690 - 0.6*9680 = 16 退回可用余额
	assert.True(t, w.Reserved("USDT").IsZero())
	assert.True(t, d("316").Equal(w.Available("USDT")), "available %s", w.Available("USDT"))
	assert.True(t, d("0.999").Equal(w.Available("BTC")))
	assert.Empty(t, h.ex.OpenOrders())

	var trades int
	for _, ev := range h.ex.TakeEvents() {
		if _, ok := ev.(TradeEvent); ok {
			trades++
		}
	}
	assert.Equal(t, 2, trades)
}

func TestLiveRejectedOrderRevertsReservation(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "10000"})
	h.venue.On("PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(codedErr{code: "-2010"})

	_, err := h.ex.Buy(context.Background(), model.LimitRequest(btcusdt, d("9700"), d("1")))
	require.NoError(t, err)
	h.drain(t)

	assert.True(t, d("10000").Equal(h.ex.Wallet().Available("USDT")))
	assert.True(t, h.ex.Wallet().Reserved("USDT").IsZero())

	events := h.ex.TakeEvents()
	require.Len(t, events, 1)
	ev, ok := events[0].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "insufficient balance for the order", ev.Err.Cause)
}

func TestLiveCancelGuardedUntilResolved(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "10000"})
	h.venue.On("PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.venue.On("CancelOrder", mock.Anything, mock.Anything).Return(errors.New("timeout"))

	id, err := h.ex.Buy(context.Background(), model.LimitRequest(btcusdt, d("9700"), d("1")))
	require.NoError(t, err)
	h.drain(t)
	h.report(t, newReport(id, "9700", "1"))
	order, _ := h.ex.Orders().Get(id)

	require.NoError(t, h.ex.CancelOrder(context.Background(), order))
	assert.ErrorIs(t, h.ex.CancelOrder(context.Background(), order), ErrOrderInProgress)
	assert.ErrorIs(t, h.ex.AdjustOrder(context.Background(), order, d("9600"), d("1")), ErrOrderInProgress)

	h.drain(t)
	assert.False(t, h.ex.Orders().InProgress(id))
	assert.Len(t, h.ex.OpenOrders(), 1)
	assert.True(t, d("9700").Equal(h.ex.Wallet().Reserved("USDT")))
}

func TestLiveCanceledReportRevertsReservation(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "10000"})
	h.venue.On("PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.venue.On("CancelOrder", mock.Anything, mock.Anything).Return(nil)

	id, _ := h.ex.Buy(context.Background(), model.LimitRequest(btcusdt, d("9700"), d("1")))
	h.drain(t)
	h.report(t, newReport(id, "9700", "1"))
	order, _ := h.ex.Orders().Get(id)
	require.NoError(t, h.ex.CancelOrder(context.Background(), order))
	h.drain(t)

	canceled := newReport(id, "9700", "1")
	canceled.ReportType, canceled.Status = model.ReportCanceled, model.StatusCanceled
	h.report(t, canceled)

	assert.Empty(t, h.ex.OpenOrders())
	assert.True(t, d("10000").Equal(h.ex.Wallet().Available("USDT")))
}

func TestLiveReplacedReportMovesReservation(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "10000"})
	h.venue.On("PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.venue.On("ReplaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	id, _ := h.ex.Buy(context.Background(), model.LimitRequest(btcusdt, d("9700"), d("1")))
	h.drain(t)
	h.report(t, newReport(id, "9700", "1"))
	order, _ := h.ex.Orders().Get(id)

	require.NoError(t, h.ex.AdjustOrder(context.Background(), order, d("9500"), d("0.5")))
	h.drain(t)
	call := h.venue.Calls[len(h.venue.Calls)-1]
	newID := call.Arguments.String(2)
	assert.NotEqual(t, id, newID)

	replaced := newReport(newID, "9500", "0.5")
	replaced.OriginalID = id
	replaced.ReportType = model.ReportReplaced
	h.report(t, replaced)

	assert.True(t, d("4750").Equal(h.ex.Wallet().Reserved("USDT")))
	assert.True(t, d("5250").Equal(h.ex.Wallet().Available("USDT")))
	open := h.ex.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, newID, open[0].ID)
}

func TestLiveMarketOrderNeedsReferencePrice(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "10000"})
	h.venue.On("PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := h.ex.Buy(context.Background(), model.MarketRequest(btcusdt, d("0.1")))
	require.ErrorIs(t, err, ErrNoReferencePrice)

	require.NoError(t, h.ex.SubscribeOrderbook(btcusdt))
	h.ex.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Sequence: 1, Snapshot: true,
		Asks: entries("9810", "1"), Bids: entries("9790", "1")})

	_, err = h.ex.Buy(context.Background(), model.MarketRequest(btcusdt, d("0.1")))
	require.NoError(t, err)
	h.drain(t)
	assert.True(t, d("981").Equal(h.ex.Wallet().Reserved("USDT")))
}

func TestLiveForeignOrderOnlyReduced(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "100"})
	h.report(t, newReport("web-1", "9700", "1"))

	filled := newReport("web-1", "9700", "1")
	filled.ReportType, filled.Status = model.ReportTrade, model.StatusFilled
	filled.Fill = &model.Fill{TradeID: "x", Price: d("9700"), Quantity: d("1")}
	h.report(t, filled)

	assert.Empty(t, h.ex.OpenOrders())
	assert.True(t, d("100").Equal(h.ex.Wallet().Available("USDT")))
}

func TestLiveSyncBalanceOverwrites(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "100"})
	require.NoError(t, h.ex.SyncBalance("usdt", d("250"), d("50")))
	b := h.ex.Wallet().Get("USDT")
	assert.True(t, d("250").Equal(b.Available))
	assert.True(t, d("50").Equal(b.Reserved))
}

func TestLiveDuplicateNewUpdatesInPlace(t *testing.T) {
	h := newLive(t, nil)
	h.report(t, newReport("a", "9700", "1"))
	h.report(t, newReport("b", "9600", "1"))
	h.ex.TakeEvents()

	again := newReport("a", "9650", "1")
	require.NotPanics(t, func() { h.report(t, again) })

	open := h.ex.OpenOrders()
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.True(t, d("9650").Equal(open[0].Price.Decimal))

	events := h.ex.TakeEvents()
	require.Len(t, events, 1)
	ev, ok := events[0].(ReportEvent)
	require.True(t, ok)
	require.NotNil(t, ev.Previous)
	assert.True(t, d("9700").Equal(ev.Previous.Price.Decimal))
}

func TestLiveReplacedWithUnknownOriginalIsAdopted(t *testing.T) {
	h := newLive(t, nil)

	replaced := newReport("b2", "9500", "0.5")
	replaced.OriginalID = "b1"
	replaced.ReportType = model.ReportReplaced
	require.NotPanics(t, func() { h.report(t, replaced) })

	open := h.ex.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, "b2", open[0].ID)
	assert.Equal(t, model.StatusNew, open[0].Status)
	origin, ok := h.ex.Orders().ReplacedFrom("b2")
	assert.True(t, ok)
	assert.Equal(t, "b1", origin)

	// 重复的 REPLACED 原地更新
	require.NotPanics(t, func() { h.report(t, replaced) })
	assert.Len(t, h.ex.OpenOrders(), 1)
}

func TestLiveRejectsInvalidReport(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *model.Order)
	}{
		{"lowercase report type", func(o *model.Order) { o.ReportType = "new" }},
		{"unknown status", func(o *model.Order) { o.Status = "OPEN" }},
		{"missing id", func(o *model.Order) { o.ID = "" }},
		{"unknown side", func(o *model.Order) { o.Side = "LONG" }},
		{"trade without fill status", func(o *model.Order) { o.ReportType = model.ReportTrade }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newLive(t, nil)
			o := newReport("a", "9700", "1")
			tt.mutate(&o)

			var err error
			require.NotPanics(t, func() { err = h.ex.OnReport(o) })
			require.ErrorIs(t, err, ErrInvalidReport)
			assert.Empty(t, h.ex.OpenOrders())

			events := h.ex.TakeEvents()
			require.Len(t, events, 1)
			assert.IsType(t, ErrorEvent{}, events[0])
		})
	}
}

func TestLiveReportsForClosedOrderAreDropped(t *testing.T) {
	h := newLive(t, map[string]string{"USDT": "10000"})
	h.venue.On("PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	id, _ := h.ex.Buy(context.Background(), model.LimitRequest(btcusdt, d("9700"), d("1")))
	h.drain(t)
	h.report(t, newReport(id, "9700", "1"))

	canceled := newReport(id, "9700", "1")
	canceled.ReportType, canceled.Status = model.ReportCanceled, model.StatusCanceled
	h.report(t, canceled)
	h.ex.TakeEvents()

	require.NotPanics(t, func() {
		h.report(t, canceled)
		h.report(t, newReport(id, "9700", "1"))
	})
	assert.Empty(t, h.ex.OpenOrders())
	assert.Empty(t, h.ex.TakeEvents())
	assert.True(t, d("10000").Equal(h.ex.Wallet().Available("USDT")))
}
