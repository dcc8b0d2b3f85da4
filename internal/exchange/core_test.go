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
	"pgregory.net/rapid"

	"crypto-trading-bot/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertOrder(ctx context.Context, o model.Order) error {
	return m.Called(ctx, o).Error(0)
}

func (m *mockStore) InsertTrade(ctx context.Context, t model.Trade) error {
	return m.Called(ctx, t).Error(0)
}

func entries(levels ...string) []model.OrderBookEntry {
	out := make([]model.OrderBookEntry, 0, len(levels)/2)
	for i := 0; i+1 < len(levels); i += 2 {
		out = append(out, model.OrderBookEntry{Price: d(levels[i]), Size: d(levels[i+1])})
	}
	return out
}

func TestOrderbookSequenceGating(t *testing.T) {
	core := NewCore("test", CoreOptions{})
	require.NoError(t, core.SubscribeOrderbook(btcusdt))

	applied := core.OnOrderbook(OrderbookUpdate{
		Pair: btcusdt, Sequence: 10, Snapshot: true,
		Asks: entries("101", "1", "102", "2"),
		Bids: entries("99", "1", "98", "3"),
	})
	require.True(t, applied)
	book, _ := core.Book(btcusdt)
	before := book.Snapshot()
	assert.Equal(t, uint64(10), before.Sequence)

	stale := core.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Sequence: 10, Asks: entries("101", "0")})
	assert.False(t, stale)
	assert.Equal(t, before, book.Snapshot())

	older := core.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Sequence: 7, Bids: entries("100", "5")})
	assert.False(t, older)
	assert.Equal(t, before, book.Snapshot())

	fresh := core.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Sequence: 11, Asks: entries("101", "0")})
	assert.True(t, fresh)
	after := book.Snapshot()
	assert.Equal(t, uint64(11), after.Sequence)
	require.Len(t, after.Ask, 1)
	assert.True(t, d("102").Equal(after.Ask[0].Price))

	// 快照总是应用，即使序列号更小
	reset := core.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Sequence: 3, Snapshot: true, Asks: entries("105", "1")})
	assert.True(t, reset)
	assert.Equal(t, uint64(3), book.Sequence())

	var books int
	for _, ev := range core.TakeEvents() {
		if _, ok := ev.(OrderbookEvent); ok {
			books++
		}
	}
	assert.Equal(t, 3, books)
}

func TestOrderbookRejectsNegativeIncrement(t *testing.T) {
	core := NewCore("test", CoreOptions{})
	require.NoError(t, core.SubscribeOrderbook(btcusdt))
	core.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Sequence: 1, Snapshot: true, Bids: entries("99", "1")})

	ok := core.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Sequence: 2, Bids: entries("98", "-1")})
	assert.False(t, ok)
	book, _ := core.Book(btcusdt)
	assert.Equal(t, uint64(1), book.Sequence())
}

func TestOrderbookUnsubscribedIgnored(t *testing.T) {
	core := NewCore("test", CoreOptions{})
	assert.False(t, core.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Sequence: 1, Snapshot: true}))
	assert.Empty(t, core.TakeEvents())
}

func TestOrderbookSequenceGatingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		core := NewCore("prop", CoreOptions{})
		_ = core.SubscribeOrderbook(btcusdt)
		core.OnOrderbook(OrderbookUpdate{Pair: btcusdt, Snapshot: true})
		book, _ := core.Book(btcusdt)

		seqs := rapid.SliceOfN(rapid.Uint64Range(0, 50), 1, 40).Draw(t, "seqs")
		for i, seq := range seqs {
			last := book.Sequence()
			before := book.Snapshot()
			price := rapid.IntRange(90, 110).Draw(t, "price")
			size := rapid.IntRange(0, 3).Draw(t, "size")

			applied := core.OnOrderbook(OrderbookUpdate{
				Pair:     btcusdt,
				Sequence: seq,
				Bids:     []model.OrderBookEntry{{Price: decimal.NewFromInt(int64(price)), Size: decimal.NewFromInt(int64(size))}},
			})

			if seq > last {
				if !applied || book.Sequence() != seq {
					t.Fatalf("step %d: sequence %d after %d not applied", i, seq, last)
				}
				continue
			}
			if applied || book.Sequence() != last {
				t.Fatalf("step %d: stale sequence %d applied over %d", i, seq, last)
			}
			if !assert.ObjectsAreEqual(before, book.Snapshot()) {
				t.Fatalf("step %d: stale sequence %d changed the book", i, seq)
			}
		}
	})
}

func TestStoreFailureDoesNotAffectState(t *testing.T) {
	store := new(mockStore)
	store.On("InsertOrder", mock.Anything, mock.Anything).Return(errors.New("db down"))
	store.On("InsertTrade", mock.Anything, mock.Anything).Return(errors.New("db down"))

	ex := NewLocalExchange("local", LocalConfig{
		Balances: map[string]decimal.Decimal{"USDT": d("1000")},
	}, CoreOptions{Store: store})
	ex.RegisterPair(btcusdt, 2)
	require.NoError(t, ex.SubscribeCandles(btcusdt, minute))

	ex.Tick(btcusdt, minute, bar(baseTime, "95", "105", "100"))
	id, err := ex.Buy(context.Background(), model.LimitRequest(btcusdt, d("100"), d("1")))
	require.NoError(t, err)
	ex.Tick(btcusdt, minute, bar(baseTime.Add(time.Minute), "95", "105", "100"))

	assert.Empty(t, ex.OpenOrders())
	assert.True(t, d("1").Equal(ex.Wallet().Available("BTC")))
	assert.True(t, d("900").Equal(ex.Wallet().Available("USDT")))

	require.NoError(t, ex.Close(context.Background()))
	store.AssertNumberOfCalls(t, "InsertOrder", 2)
	store.AssertNumberOfCalls(t, "InsertTrade", 1)
	store.AssertCalled(t, "InsertTrade", mock.Anything, mock.MatchedBy(func(tr model.Trade) bool {
		return tr.OrderID == id
	}))
}

func TestAsyncStoreNeverBlocksCaller(t *testing.T) {
	started := make(chan struct{}, 4)
	store := new(mockStore)
	store.On("InsertOrder", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		started <- struct{}{}
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded)

	s := NewAsyncStore(store, 1, 200*time.Millisecond, nil)
	begin := time.Now()
	require.NoError(t, s.InsertOrder(context.Background(), model.Order{ID: "a"}))
	<-started

	// writer 卡在第一条上：队列容量 1，再来一条就满
	require.NoError(t, s.InsertOrder(context.Background(), model.Order{ID: "b"}))
	assert.ErrorIs(t, s.InsertOrder(context.Background(), model.Order{ID: "c"}), ErrStoreBusy)
	assert.Less(t, time.Since(begin), 200*time.Millisecond)

	require.NoError(t, s.Close(context.Background()))
	store.AssertNumberOfCalls(t, "InsertOrder", 2)
	assert.ErrorIs(t, s.InsertOrder(context.Background(), model.Order{ID: "d"}), ErrStoreBusy)
}

func TestOnTimerGeneratesRecycledCandle(t *testing.T) {
	core := NewCore("test", CoreOptions{})
	require.NoError(t, core.SubscribeCandles(btcusdt, minute))
	require.NoError(t, core.SetCandles(btcusdt, minute, []model.Candle{bar(baseTime, "95", "105", "100")}))
	core.TakeEvents()

	core.OnTimer(baseTime.Add(2*time.Minute + 10*time.Second))

	events := core.TakeEvents()
	require.Len(t, events, 1)
	ce, ok := events[0].(CandlesEvent)
	require.True(t, ok)
	require.Len(t, ce.Candles, 3)
	head := ce.Candles[0]
	assert.Equal(t, baseTime.Add(2*time.Minute), head.Timestamp)
	assert.True(t, head.Volume.IsZero())
	assert.True(t, d("100").Equal(head.Close))

	// 已经是最新的，不再生成
	core.OnTimer(baseTime.Add(2*time.Minute + 30*time.Second))
	assert.Empty(t, core.TakeEvents())
}

func TestSubscribeCandlesRejectsZeroPeriod(t *testing.T) {
	core := NewCore("test", CoreOptions{})
	assert.Error(t, core.SubscribeCandles(btcusdt, model.CandleInterval{Code: "0m"}))
}

func TestTerminalReportForUntrackedOrderPassesThrough(t *testing.T) {
	core := NewCore("test", CoreOptions{})
	require.NoError(t, core.OnReport(model.Order{
		ID: "foreign", Pair: btcusdt, Status: model.StatusCanceled, ReportType: model.ReportCanceled,
	}))
	events := core.TakeEvents()
	require.Len(t, events, 1)
	assert.Nil(t, events[0].(ReportEvent).Previous)
}

func TestDoubleRemovalPanics(t *testing.T) {
	core := NewCore("test", CoreOptions{})
	o := model.Order{ID: "1", Pair: btcusdt, Type: model.TypeLimit, Status: model.StatusNew, ReportType: model.ReportNew}
	core.Reduce(o)
	o.Status, o.ReportType = model.StatusCanceled, model.ReportCanceled
	core.Reduce(o)
	assert.Panics(t, func() { core.Reduce(o) })
}

type codedErr struct{ code string }

func (e codedErr) Error() string { return "venue said no" }
func (e codedErr) Code() string  { return e.code }

func TestErrorHandlerMapsCodes(t *testing.T) {
	h := NewErrorHandler(nil)

	ve := h.Handle("binance", codedErr{code: "-2010"})
	require.NotNil(t, ve)
	assert.Equal(t, "-2010", ve.Code)
	assert.Equal(t, "insufficient balance for the order", ve.Cause)
	assert.ErrorIs(t, ve, ve.Err)

	unknown := h.Handle("binance", codedErr{code: "-9999"})
	assert.Equal(t, "unmapped venue error code", unknown.Cause)

	plain := h.Handle("hitbtc", errors.New("connection reset"))
	assert.Empty(t, plain.Code)
	assert.Equal(t, "unexpected venue error", plain.Cause)

	h.Register("hitbtc", "2001", "symbol disabled")
	assert.Equal(t, "symbol disabled", h.Handle("hitbtc", codedErr{code: "2001"}).Cause)

	assert.Nil(t, h.Handle("binance", nil))
	assert.Same(t, ve, h.Handle("binance", ve))
}

func TestReportErrorEmitsEvent(t *testing.T) {
	core := NewCore("binance", CoreOptions{})
	ve := core.ReportError(codedErr{code: "-1003"})
	require.NotNil(t, ve)

	events := core.TakeEvents()
	require.Len(t, events, 1)
	ev, ok := events[0].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "too many requests", ev.Err.Cause)
}
