package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"crypto-trading-bot/internal/exchange"
	"crypto-trading-bot/internal/model"
)

// 入站帧类型
const (
	frameReport    = "report"
	frameOrderbook = "orderbook"
	frameCandles   = "candles"
	frameTrade     = "trade"
	frameBalance   = "balance"
	frameError     = "error"
	frameAck       = "ack"
)

// envelope 所有入站帧的公共外壳，data 延迟解析
type envelope struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Data   json.RawMessage `json:"data"`
}

type wireFill struct {
	TradeID         string          `json:"tradeId"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
}

// wireReport 订单回报。id 即下单时的 client id
type wireReport struct {
	ID         string              `json:"id"`
	OriginalID string              `json:"originalId"`
	Side       string              `json:"side"`
	Type       string              `json:"type"`
	Price      decimal.NullDecimal `json:"price"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Status     string              `json:"status"`
	ReportType string              `json:"reportType"`
	CreatedAt  int64               `json:"createdAt"` // 毫秒
	UpdatedAt  int64               `json:"updatedAt"`
	Fill       *wireFill           `json:"fill"`
}

// wireLevel [price, size]
type wireLevel [2]decimal.Decimal

type wireOrderbook struct {
	Sequence uint64      `json:"sequence"`
	Snapshot bool        `json:"snapshot"`
	Asks     []wireLevel `json:"asks"`
	Bids     []wireLevel `json:"bids"`
}

type wireCandle struct {
	Timestamp int64           `json:"t"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
}

type wireCandles struct {
	Interval string       `json:"interval"`
	Candles  []wireCandle `json:"candles"`
}

type wireTrade struct {
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"ts"`
}

type wireBalance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// 出站帧
type channelArg struct {
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol,omitempty"`
	Interval string `json:"interval,omitempty"`
}

type subscribeFrame struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

type loginFrame struct {
	Op        string `json:"op"`
	APIKey    string `json:"apiKey"`
	Timestamp string `json:"timestamp"`
	Sign      string `json:"sign"`
}

type placeFrame struct {
	Op       string              `json:"op"`
	ClientID string              `json:"clientId"`
	Symbol   string              `json:"symbol"`
	Side     string              `json:"side"`
	Type     string              `json:"type"`
	Price    decimal.NullDecimal `json:"price"`
	Quantity decimal.Decimal     `json:"quantity"`
}

type cancelFrame struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

type replaceFrame struct {
	Op          string          `json:"op"`
	ID          string          `json:"id"`
	NewClientID string          `json:"newClientId"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// CodeError 交易所推送的错误帧，实现 exchange.CodedError 以便映射原因
type CodeError struct {
	code    string
	message string
}

func (e *CodeError) Error() string { return fmt.Sprintf("venue error %s: %s", e.code, e.message) }

func (e *CodeError) Code() string { return e.code }

var _ exchange.CodedError = (*CodeError)(nil)

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (r wireReport) order(pair model.Pair) model.Order {
	o := model.Order{
		ID:         r.ID,
		OriginalID: r.OriginalID,
		Pair:       pair,
		Side:       model.Side(strings.ToUpper(r.Side)),
		Type:       model.OrderType(strings.ToUpper(r.Type)),
		Price:      r.Price,
		Quantity:   r.Quantity,
		Status:     model.OrderStatus(strings.ToUpper(r.Status)),
		ReportType: model.ReportType(strings.ToUpper(r.ReportType)),
		CreatedAt:  millis(r.CreatedAt),
		UpdatedAt:  millis(r.UpdatedAt),
	}
	if r.Fill != nil {
		o.Fill = &model.Fill{
			TradeID:         r.Fill.TradeID,
			Price:           r.Fill.Price,
			Quantity:        r.Fill.Quantity,
			Commission:      r.Fill.Commission,
			CommissionAsset: r.Fill.CommissionAsset,
		}
	}
	return o
}

func levels(in []wireLevel) []model.OrderBookEntry {
	out := make([]model.OrderBookEntry, len(in))
	for i, l := range in {
		out[i] = model.OrderBookEntry{Price: l[0], Size: l[1]}
	}
	return out
}

func (c wireCandle) candle() model.Candle {
	return model.Candle{
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		Timestamp: millis(c.Timestamp),
	}
}
