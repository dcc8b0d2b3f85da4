package orderbook

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"

	"crypto-trading-bot/internal/model"
)

// ErrNegativeSize 增量中出现负数量，整批丢弃
var ErrNegativeSize = errors.New("negative order book size")

// Direction GetAdjustedPrice 的方向
type Direction int

const (
	Up Direction = iota + 1
	Down
)

// ─── priceSide ────────────────────────────────────────────────────────────────

// priceSide 盘口的一侧。价格统一存为 10^precision 缩放后的整数 tick，
// prices 始终有序：
//   - ask: 升序 (prices[0] 为最优卖价)
//   - bid: 降序 (prices[0] 为最优买价)
type priceSide struct {
	prices []int64
	sizes  map[int64]decimal.Decimal
	asc    bool
}

func newPriceSide(asc bool) *priceSide {
	return &priceSide{sizes: make(map[int64]decimal.Decimal), asc: asc}
}

func (s *priceSide) searchIdx(p int64) int {
	if s.asc {
		return sort.Search(len(s.prices), func(i int) bool { return s.prices[i] >= p })
	}
	return sort.Search(len(s.prices), func(i int) bool { return s.prices[i] <= p })
}

// upsert size > 0 时插入或更新价位，size == 0 时删除价位
func (s *priceSide) upsert(price int64, size decimal.Decimal) {
	if size.IsZero() {
		if _, ok := s.sizes[price]; !ok {
			return
		}
		delete(s.sizes, price)
		idx := s.searchIdx(price)
		if idx < len(s.prices) && s.prices[idx] == price {
			s.prices = slices.Delete(s.prices, idx, idx+1)
		}
		return
	}

	if _, ok := s.sizes[price]; !ok {
		idx := s.searchIdx(price)
		s.prices = slices.Insert(s.prices, idx, price)
	}
	s.sizes[price] = size
}

func (s *priceSide) reset() {
	s.prices = s.prices[:0]
	clear(s.sizes)
}

func (s *priceSide) best() (int64, bool) {
	if len(s.prices) == 0 {
		return 0, false
	}
	return s.prices[0], true
}

// ─── OrderBook ────────────────────────────────────────────────────────────────

// OrderBook 单个交易对的买卖盘。
// 不做并发保护，由交易所实例的拥有者 goroutine 独占修改；
// 序列号比较在适配层完成，这里只保存最后一次应用的序列号。
type OrderBook struct {
	pair      model.Pair
	precision int32
	scale     int64
	bids      *priceSide
	asks      *priceSide
	sequence  uint64
}

func New(pair model.Pair, precision int32) *OrderBook {
	if precision < 0 || precision > 18 {
		panic(fmt.Sprintf("orderbook: precision %d out of range", precision))
	}
	scale := int64(1)
	for i := int32(0); i < precision; i++ {
		scale *= 10
	}
	return &OrderBook{
		pair:      pair,
		precision: precision,
		scale:     scale,
		bids:      newPriceSide(false),
		asks:      newPriceSide(true),
	}
}

func (b *OrderBook) Pair() model.Pair { return b.pair }

func (b *OrderBook) Precision() int32 { return b.precision }

func (b *OrderBook) Sequence() uint64 { return b.sequence }

func (b *OrderBook) SetSequence(seq uint64) { b.sequence = seq }

// ToTicks 价格按精度四舍五入为整数 tick
func (b *OrderBook) ToTicks(price decimal.Decimal) int64 {
	return price.Shift(b.precision).Round(0).IntPart()
}

func (b *OrderBook) FromTicks(ticks int64) decimal.Decimal {
	return decimal.New(ticks, -b.precision)
}

// SetOrders 整体替换盘口
func (b *OrderBook) SetOrders(asks, bids []model.OrderBookEntry) error {
	if err := checkSizes(asks, bids); err != nil {
		return err
	}
	b.asks.reset()
	b.bids.reset()
	for _, e := range asks {
		b.asks.upsert(b.ToTicks(e.Price), e.Size)
	}
	for _, e := range bids {
		b.bids.upsert(b.ToTicks(e.Price), e.Size)
	}
	return nil
}

// AddIncrement 合并增量：size > 0 更新价位，size == 0 删除价位
func (b *OrderBook) AddIncrement(askDeltas, bidDeltas []model.OrderBookEntry) error {
	if err := checkSizes(askDeltas, bidDeltas); err != nil {
		return err
	}
	for _, e := range askDeltas {
		b.asks.upsert(b.ToTicks(e.Price), e.Size)
	}
	for _, e := range bidDeltas {
		b.bids.upsert(b.ToTicks(e.Price), e.Size)
	}
	return nil
}

func checkSizes(sides ...[]model.OrderBookEntry) error {
	for _, entries := range sides {
		for _, e := range entries {
			if e.Size.IsNegative() {
				return fmt.Errorf("price %s size %s: %w", e.Price, e.Size, ErrNegativeSize)
			}
		}
	}
	return nil
}

// GetAdjustedPrice 返回距离 price 若干个最小价格单位的价格，全部用整数运算
func (b *OrderBook) GetAdjustedPrice(price decimal.Decimal, dir Direction, ticks int64) decimal.Decimal {
	p := b.ToTicks(price)
	if dir == Up {
		p += ticks
	} else {
		p -= ticks
	}
	return b.FromTicks(p)
}

func (b *OrderBook) BestBid() (model.OrderBookEntry, bool) {
	return b.bestOf(b.bids)
}

func (b *OrderBook) BestAsk() (model.OrderBookEntry, bool) {
	return b.bestOf(b.asks)
}

func (b *OrderBook) bestOf(s *priceSide) (model.OrderBookEntry, bool) {
	p, ok := s.best()
	if !ok {
		return model.OrderBookEntry{}, false
	}
	return model.OrderBookEntry{Price: b.FromTicks(p), Size: s.sizes[p]}, true
}

// Spread 最优卖价 - 最优买价
func (b *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okBid := b.bids.best()
	ask, okAsk := b.asks.best()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return b.FromTicks(ask - bid), true
}

// Depth 每侧的价位数
func (b *OrderBook) Depth() (asks, bids int) {
	return len(b.asks.prices), len(b.bids.prices)
}

// Snapshot 深拷贝，供订阅方只读使用
func (b *OrderBook) Snapshot() model.OrderBook {
	return model.OrderBook{
		Pair:      b.pair,
		Precision: b.precision,
		Bid:       b.entries(b.bids),
		Ask:       b.entries(b.asks),
		Sequence:  b.sequence,
	}
}

func (b *OrderBook) entries(s *priceSide) []model.OrderBookEntry {
	out := make([]model.OrderBookEntry, 0, len(s.prices))
	for _, p := range s.prices {
		out = append(out, model.OrderBookEntry{Price: b.FromTicks(p), Size: s.sizes[p]})
	}
	return out
}
