package candles

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"crypto-trading-bot/internal/model"
)

// Collection 单个 (pair, interval) 的 K 线历史，按时间从新到旧排列。
// Set/Update 之后按周期粒度没有时间缺口，缺口用 recycled K 线补齐。
type Collection struct {
	pair      model.Pair
	interval  model.CandleInterval
	candles   []model.Candle // [0] 为最新
	retention int            // 0 表示不限制
	logger    *zap.Logger
}

func NewCollection(pair model.Pair, interval model.CandleInterval, retention int, logger *zap.Logger) *Collection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collection{
		pair:      pair,
		interval:  interval,
		retention: retention,
		logger:    logger.With(zap.String("symbol", pair.Symbol()), zap.String("interval", interval.Code)),
	}
}

func (c *Collection) Pair() model.Pair { return c.pair }

func (c *Collection) Interval() model.CandleInterval { return c.interval }

func (c *Collection) Len() int { return len(c.candles) }

// Candles 返回副本，新到旧
func (c *Collection) Candles() []model.Candle {
	out := make([]model.Candle, len(c.candles))
	copy(out, c.candles)
	return out
}

// Latest 最新一根 K 线
func (c *Collection) Latest() (model.Candle, bool) {
	if len(c.candles) == 0 {
		return model.Candle{}, false
	}
	return c.candles[0], true
}

// Set 用一批无序 K 线整体替换，排序后从最新一根往回按周期补齐缺口
func (c *Collection) Set(batch []model.Candle) {
	candles := make([]model.Candle, 0, len(batch))
	for _, cd := range batch {
		cd.Timestamp = c.interval.Slot(cd.Timestamp)
		candles = append(candles, cd)
	}
	sortNewestFirst(candles)
	c.candles = dedupe(candles)
	c.fillGaps()
	c.prune()
}

// Update 按分钟截断后的时间戳 upsert。
// 新时间戳插到最前面；如果它不比当前最新的更新，说明上游乱序，记录后重新排序。
func (c *Collection) Update(batch []model.Candle) {
	if len(batch) == 0 {
		return
	}
	incoming := make([]model.Candle, len(batch))
	copy(incoming, batch)
	sort.SliceStable(incoming, func(i, j int) bool { return incoming[i].Timestamp.Before(incoming[j].Timestamp) })

	reordered := false
	for _, cd := range incoming {
		cd.Timestamp = cd.Timestamp.Truncate(time.Minute)
		if idx := c.indexOf(cd.Timestamp); idx >= 0 {
			c.candles[idx] = cd
			continue
		}
		if len(c.candles) > 0 && !cd.Timestamp.After(c.candles[0].Timestamp) {
			reordered = true
		}
		c.candles = append([]model.Candle{cd}, c.candles...)
	}

	if reordered {
		c.logger.Warn("Candle stream out of order, resorting collection")
		sortNewestFirst(c.candles)
	}
	c.fillGaps()
	c.prune()
}

// Generate 自动生成：如果最新 K 线早于周期最近一次触发时间，补一根 recycled K 线，
// 保证观察者总能拿到 "当前" 的 K 线。返回新生成的 K 线 (新到旧)
func (c *Collection) Generate(now time.Time) []model.Candle {
	head, ok := c.Latest()
	if !ok {
		return nil
	}
	lastFire := c.interval.Slot(now)
	if !head.Timestamp.Before(lastFire) {
		return nil
	}

	before := len(c.candles)
	c.candles = append([]model.Candle{model.Recycled(head, lastFire)}, c.candles...)
	c.fillGaps()
	generated := len(c.candles) - before
	out := make([]model.Candle, generated)
	copy(out, c.candles[:generated])
	c.prune()

	c.logger.Debug("Generated recycled candles", zap.Int("count", generated), zap.Time("at", lastFire))
	return out
}

func (c *Collection) indexOf(ts time.Time) int {
	for i, cd := range c.candles {
		if cd.Timestamp.Equal(ts) {
			return i
		}
	}
	return -1
}

// fillGaps 从最新往回走，缺失的周期用前一根 (更旧的) K 线收盘价补齐
func (c *Collection) fillGaps() {
	if len(c.candles) < 2 || c.interval.Period <= 0 {
		return
	}
	filled := make([]model.Candle, 0, len(c.candles))
	for i, cd := range c.candles {
		filled = append(filled, cd)
		if i == len(c.candles)-1 {
			break
		}
		older := c.candles[i+1]
		for slot := c.interval.Slot(cd.Timestamp).Add(-c.interval.Period); slot.After(older.Timestamp); slot = slot.Add(-c.interval.Period) {
			filled = append(filled, model.Recycled(older, slot))
		}
	}
	c.candles = filled
}

func (c *Collection) prune() {
	if c.retention > 0 && len(c.candles) > c.retention {
		c.candles = c.candles[:c.retention]
	}
}

func sortNewestFirst(candles []model.Candle) {
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Timestamp.After(candles[j].Timestamp) })
}

// dedupe 同一时间戳保留排序后的第一根
func dedupe(sorted []model.Candle) []model.Candle {
	out := sorted[:0]
	for i, cd := range sorted {
		if i > 0 && cd.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, cd)
	}
	return out
}
