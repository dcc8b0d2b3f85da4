package strategy

import (
	"sync"

	"go.uber.org/zap"

	"crypto-trading-bot/pkg/ta"
)

// 市场状态常量
type MarketState string

const (
	// 趋势模式
	StateStrongUpTrend   MarketState = "STRONG_UP_TREND"
	StateStrongDownTrend MarketState = "STRONG_DOWN_TREND"

	// 震荡模式
	StateHighVolRanging MarketState = "HIGH_VOL_RANGING"
	StateLowVolRanging  MarketState = "LOW_VOL_RANGING"

	// 初始状态
	StateInitial MarketState = "INITIALIZING"
)

// StateMachine 根据指标判断市场状态
type StateMachine struct {
	mu           sync.RWMutex // 状态可能被状态查询接口从其他 goroutine 读取
	currentState MarketState
	logger       *zap.Logger

	TrendThreshold  float64 // RSI 超过该值视为强势，低于 100-该值视为弱势
	ATRVolThreshold float64 // ATR / 价格 的高低波动分界
}

func NewStateMachine(logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		currentState:    StateInitial,
		logger:          logger,
		TrendThreshold:  60.0,
		ATRVolThreshold: 0.0005,
	}
}

// CheckAndTransition 用最新指标驱动状态迁移，返回迁移后的状态
func (sm *StateMachine) CheckAndTransition(data *ta.TAData) MarketState {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var newState MarketState
	switch {
	case sm.isUpTrend(data):
		newState = StateStrongUpTrend
	case sm.isDownTrend(data):
		newState = StateStrongDownTrend
	default:
		newState = sm.determineRangingMode(data)
	}

	if newState != sm.currentState {
		sm.logger.Info("State transition",
			zap.String("symbol", data.Symbol),
			zap.String("from", string(sm.currentState)),
			zap.String("to", string(newState)),
			zap.Float64("rsi", data.RSI),
			zap.Float64("atr", data.ATR))
		sm.currentState = newState
	}
	return newState
}

// isUpTrend 均线多头排列 + 价格在慢线上方 + RSI 动量
func (sm *StateMachine) isUpTrend(data *ta.TAData) bool {
	return data.FastMA > data.SlowMA &&
		data.LastClose() > data.SlowMA &&
		data.RSI >= sm.TrendThreshold
}

func (sm *StateMachine) isDownTrend(data *ta.TAData) bool {
	return data.FastMA < data.SlowMA &&
		data.LastClose() < data.SlowMA &&
		data.RSI <= 100-sm.TrendThreshold
}

// determineRangingMode 按 ATR 百分比区分高低波动
func (sm *StateMachine) determineRangingMode(data *ta.TAData) MarketState {
	price := data.LastClose()
	if price == 0 {
		return StateLowVolRanging
	}
	if data.ATR/price >= sm.ATRVolThreshold {
		return StateHighVolRanging
	}
	return StateLowVolRanging
}

func (sm *StateMachine) GetCurrentState() MarketState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}
