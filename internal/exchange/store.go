package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"crypto-trading-bot/internal/model"
)

// LogStore 默认的持久化实现：只写结构化日志
type LogStore struct {
	logger *zap.Logger
}

func NewLogStore(logger *zap.Logger) *LogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStore{logger: logger.Named("store")}
}

func (s *LogStore) InsertOrder(_ context.Context, o model.Order) error {
	s.logger.Info("Order",
		zap.String("id", o.ID),
		zap.String("original_id", o.OriginalID),
		zap.String("symbol", o.Pair.Symbol()),
		zap.String("side", string(o.Side)),
		zap.String("type", string(o.Type)),
		zap.Stringer("quantity", o.Quantity),
		zap.String("status", string(o.Status)),
		zap.String("report", string(o.ReportType)),
		zap.Time("updated_at", o.UpdatedAt))
	return nil
}

func (s *LogStore) InsertTrade(_ context.Context, t model.Trade) error {
	s.logger.Info("Trade",
		zap.String("id", t.ID),
		zap.String("order_id", t.OrderID),
		zap.String("symbol", t.Pair.Symbol()),
		zap.String("side", string(t.Side)),
		zap.Stringer("price", t.Price),
		zap.Stringer("quantity", t.TradeQuantity),
		zap.Stringer("commission", t.Commission),
		zap.String("commission_asset", t.CommissionAsset),
		zap.Time("created_at", t.CreatedAt))
	return nil
}

// ErrStoreBusy 持久化队列已满，本条记录被丢弃
var ErrStoreBusy = errors.New("store queue is full")

const (
	defaultPersistQueue   = 1024
	defaultPersistTimeout = 5 * time.Second
)

// AsyncStore 把写入交给单个后台 writer，调用方只负责入队，永不阻塞。
// 队列满时丢弃；单 writer 保证同一实例的写入顺序
type AsyncStore struct {
	next    Store
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	queue  chan func(ctx context.Context)
	closed bool
	done   chan struct{}
}

func NewAsyncStore(next Store, queueSize int, timeout time.Duration, logger *zap.Logger) *AsyncStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultPersistQueue
	}
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	s := &AsyncStore{
		next:    next,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan func(ctx context.Context), queueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncStore) run() {
	defer close(s.done)
	for job := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		job(ctx)
		cancel()
	}
}

func (s *AsyncStore) InsertOrder(_ context.Context, o model.Order) error {
	return s.enqueue(func(ctx context.Context) {
		if err := s.next.InsertOrder(ctx, o); err != nil {
			s.logger.Warn("Persist order failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	})
}

func (s *AsyncStore) InsertTrade(_ context.Context, t model.Trade) error {
	return s.enqueue(func(ctx context.Context) {
		if err := s.next.InsertTrade(ctx, t); err != nil {
			s.logger.Warn("Persist trade failed", zap.String("trade_id", t.ID), zap.Error(err))
		}
	})
}

func (s *AsyncStore) enqueue(job func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreBusy
	}
	select {
	case s.queue <- job:
		return nil
	default:
		return ErrStoreBusy
	}
}

// Close 停止接收新记录，等待已入队的写完或 ctx 结束
func (s *AsyncStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
