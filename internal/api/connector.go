package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-trading-bot/internal/engine"
	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/service"
)

var ErrNotConnected = errors.New("websocket not connected")

// errMalformedFrame 帧无法解码，丢弃后继续读
var errMalformedFrame = errors.New("malformed frame")

const defaultHeartbeat = 15 * time.Second

// Sink 解码后的消息投递目标 (引擎收件箱)。Post 阻塞即对读循环施加背压
type Sink interface {
	Post(ctx context.Context, msg engine.Message) error
}

// SinkFunc 函数适配为 Sink，用于引擎和连接器相互引用时延迟绑定
type SinkFunc func(ctx context.Context, msg engine.Message) error

func (f SinkFunc) Post(ctx context.Context, msg engine.Message) error { return f(ctx, msg) }

// Config 连接参数
type Config struct {
	Provider  string
	URL       string
	APIKey    string
	SecretKey string
	Heartbeat time.Duration // ping 间隔，读超时为两倍
	Logger    *zap.Logger
}

// stream 一个交易对的订阅
type stream struct {
	pair      model.Pair
	intervals map[string]model.CandleInterval // code -> interval
}

// Connector 单条 WebSocket 连接：订阅行情/回报并转换为引擎消息，同时作为 exchange.Venue 发送下单指令。
// 读循环断开后按指数退避重连并重新订阅
type Connector struct {
	cfg     Config
	sink    Sink
	streams map[string]*stream // symbol -> stream
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex // 保护 conn 以及所有写操作 (gorilla 只允许一个并发写者)
	conn    *websocket.Conn
	running bool
}

func NewConnector(cfg Config, sink Sink) *Connector {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Provider == "" {
		cfg.Provider = "ws"
	}
	logger := service.Named(cfg.Logger, "connector").With(zap.String("provider", cfg.Provider))

	return &Connector{
		cfg:     cfg,
		sink:    sink,
		streams: make(map[string]*stream),
		logger:  logger,
		dialer:  websocket.DefaultDialer,
	}
}

// Subscribe 登记需要订阅的交易对和 K 线周期，必须在 Connect 之前调用
func (c *Connector) Subscribe(pair model.Pair, interval model.CandleInterval) {
	s, ok := c.streams[pair.Symbol()]
	if !ok {
		s = &stream{pair: pair, intervals: make(map[string]model.CandleInterval)}
		c.streams[pair.Symbol()] = s
	}
	s.intervals[interval.Code] = interval
}

// Connect 建立首个连接并启动读循环。首次拨号失败直接返回错误，之后的断线由读循环自己重连
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.running = true
	c.mu.Unlock()

	go c.run(ctx, conn)
	return nil
}

// Close 主动关闭当前连接
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	readTimeout := 2 * c.cfg.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// 此时 conn 还没有共享给其他 goroutine，可以直接写
	if c.cfg.APIKey != "" {
		if err := writeFrame(conn, c.login(time.Now())); err != nil {
			conn.Close()
			return nil, fmt.Errorf("login: %w", err)
		}
	}
	if err := writeFrame(conn, c.subscription()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	c.logger.Info("WebSocket connected", zap.String("url", u.Redacted()), zap.Int("symbols", len(c.streams)))
	return conn, nil
}

// login 签名为 hex(HMAC-SHA256(secret, timestamp + apiKey))
func (c *Connector) login(now time.Time) loginFrame {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(ts + c.cfg.APIKey))
	return loginFrame{
		Op:        "login",
		APIKey:    c.cfg.APIKey,
		Timestamp: ts,
		Sign:      hex.EncodeToString(mac.Sum(nil)),
	}
}

// subscription 行情按 symbol 排序，保证每次重连的订阅帧一致
func (c *Connector) subscription() subscribeFrame {
	symbols := make([]string, 0, len(c.streams))
	for symbol := range c.streams {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	args := []channelArg{{Channel: "reports"}, {Channel: "balances"}}
	for _, symbol := range symbols {
		s := c.streams[symbol]
		args = append(args,
			channelArg{Channel: "orderbook", Symbol: symbol},
			channelArg{Channel: "trades", Symbol: symbol},
		)
		codes := make([]string, 0, len(s.intervals))
		for code := range s.intervals {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			args = append(args, channelArg{Channel: "candles", Symbol: symbol, Interval: code})
		}
	}
	return subscribeFrame{Op: "subscribe", Args: args}
}

// run 读循环 + 断线重连，直到 ctx 结束
func (c *Connector) run(ctx context.Context, conn *websocket.Conn) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		err := c.session(ctx, conn)
		if ctx.Err() != nil {
			c.logger.Info("Connector stopped")
			return
		}
		if errors.Is(err, engine.ErrStopped) {
			c.logger.Info("Engine stopped, closing connector")
			_ = c.Close()
			return
		}
		c.logger.Error("WebSocket session ended, reconnecting...", zap.Error(err))
		c.report(ctx, fmt.Errorf("%s stream: %w", c.cfg.Provider, err))

		for {
			sleep := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			next, derr := c.dial(ctx)
			if derr == nil {
				conn = next
				break
			}
			c.logger.Warn("Reconnect failed", zap.Duration("backoff", sleep), zap.Error(derr))
		}
		bo.Reset()

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}
}

// session 单个连接的生命周期：心跳 goroutine + 读循环，任一出错即结束
func (c *Connector) session(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go c.heartbeat(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}
		if err := c.dispatch(ctx, data); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, engine.ErrStopped):
				return err
			case errors.Is(err, errMalformedFrame):
				c.logger.Warn("Dropping malformed frame", zap.Error(err), zap.ByteString("frame", truncate(data, 256)))
			default:
				c.logger.Warn("Frame not delivered", zap.Error(err))
			}
		}
	}
}

func (c *Connector) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.Heartbeat))
			c.mu.Unlock()
			if err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

// dispatch 解码一帧并投递；未订阅的 symbol 和未知帧类型忽略
func (c *Connector) dispatch(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: decode envelope: %w", errMalformedFrame, err)
	}

	switch env.Type {
	case frameAck:
		return nil
	case frameError:
		var we wireError
		if err := json.Unmarshal(env.Data, &we); err != nil {
			return fmt.Errorf("%w: decode error frame: %w", errMalformedFrame, err)
		}
		return c.sink.Post(ctx, engine.ErrorMsg{Err: &CodeError{code: we.Code, message: we.Message}})
	case frameBalance:
		var wb wireBalance
		if err := json.Unmarshal(env.Data, &wb); err != nil {
			return fmt.Errorf("%w: decode balance: %w", errMalformedFrame, err)
		}
		return c.sink.Post(ctx, engine.BalanceMsg{Asset: wb.Asset, Available: wb.Available, Reserved: wb.Reserved})
	}

	s, ok := c.streams[env.Symbol]
	if !ok {
		c.logger.Debug("Frame for unknown symbol", zap.String("type", env.Type), zap.String("symbol", env.Symbol))
		return nil
	}

	switch env.Type {
	case frameReport:
		var wr wireReport
		if err := json.Unmarshal(env.Data, &wr); err != nil {
			return fmt.Errorf("%w: decode report: %w", errMalformedFrame, err)
		}
		o := wr.order(s.pair)
		if err := exchange.ValidateReport(o); err != nil {
			c.logger.Warn("Dropping invalid report", zap.String("order_id", o.ID), zap.Error(err))
			return c.sink.Post(ctx, engine.ErrorMsg{Err: err})
		}
		return c.sink.Post(ctx, engine.ReportMsg{Order: o})

	case frameOrderbook:
		var wo wireOrderbook
		if err := json.Unmarshal(env.Data, &wo); err != nil {
			return fmt.Errorf("%w: decode orderbook: %w", errMalformedFrame, err)
		}
		return c.sink.Post(ctx, engine.OrderbookMsg{Update: exchange.OrderbookUpdate{
			Pair:     s.pair,
			Sequence: wo.Sequence,
			Snapshot: wo.Snapshot,
			Asks:     levels(wo.Asks),
			Bids:     levels(wo.Bids),
		}})

	case frameCandles:
		var wc wireCandles
		if err := json.Unmarshal(env.Data, &wc); err != nil {
			return fmt.Errorf("%w: decode candles: %w", errMalformedFrame, err)
		}
		interval, ok := s.intervals[wc.Interval]
		if !ok {
			c.logger.Debug("Candles for unsubscribed interval", zap.String("symbol", env.Symbol), zap.String("interval", wc.Interval))
			return nil
		}
		batch := make([]model.Candle, len(wc.Candles))
		for i, wcd := range wc.Candles {
			batch[i] = wcd.candle()
		}
		return c.sink.Post(ctx, engine.CandleMsg{Pair: s.pair, Interval: interval, Candles: batch})

	case frameTrade:
		var wt wireTrade
		if err := json.Unmarshal(env.Data, &wt); err != nil {
			return fmt.Errorf("%w: decode trade: %w", errMalformedFrame, err)
		}
		return c.sink.Post(ctx, engine.TickerMsg{Pair: s.pair, Ticker: model.Ticker{
			Symbol:    s.pair.Symbol(),
			Timestamp: millis(wt.Timestamp),
			Price:     wt.Price,
			Volume:    wt.Size,
		}})
	}

	c.logger.Debug("Ignoring frame", zap.String("type", env.Type))
	return nil
}

func (c *Connector) report(ctx context.Context, err error) {
	postCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if perr := c.sink.Post(postCtx, engine.ErrorMsg{Err: err}); perr != nil {
		c.logger.Warn("Error report dropped", zap.Error(perr))
	}
}

// PlaceOrder exchange.Venue：下单指令，结果通过 report 帧异步返回
func (c *Connector) PlaceOrder(ctx context.Context, clientID string, side model.Side, req model.OrderRequest) error {
	return c.send(ctx, placeFrame{
		Op:       "place",
		ClientID: clientID,
		Symbol:   req.Pair.Symbol(),
		Side:     string(side),
		Type:     string(req.Type),
		Price:    req.Price,
		Quantity: req.Quantity,
	})
}

func (c *Connector) CancelOrder(ctx context.Context, id string) error {
	return c.send(ctx, cancelFrame{Op: "cancel", ID: id})
}

func (c *Connector) ReplaceOrder(ctx context.Context, id, newClientID string, price, qty decimal.Decimal) error {
	return c.send(ctx, replaceFrame{Op: "replace", ID: id, NewClientID: newClientID, Price: price, Quantity: qty})
}

var _ exchange.Venue = (*Connector)(nil)

func (c *Connector) send(ctx context.Context, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.Heartbeat)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeFrame(conn *websocket.Conn, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
