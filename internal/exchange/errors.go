package exchange

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// CodedError 交易所客户端返回的带错误码的错误
type CodedError interface {
	error
	Code() string
}

// VenueError 映射后的交易所错误
type VenueError struct {
	Provider string
	Code     string
	Cause    string
	Err      error
}

func (e *VenueError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s: %v", e.Provider, e.Code, e.Cause, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// 常见错误码 -> 可读原因
var defaultCauses = map[string]map[string]string{
	"binance": {
		"-1003": "too many requests",
		"-1013": "order violates a symbol filter",
		"-1021": "timestamp outside of recvWindow",
		"-1022": "invalid request signature",
		"-2010": "insufficient balance for the order",
		"-2011": "unknown order, cancel rejected",
		"-2013": "order does not exist",
		"-2015": "invalid API key or permissions",
	},
	"hitbtc": {
		"403":   "action forbidden for this API key",
		"429":   "too many requests",
		"1002":  "authorization required",
		"2001":  "symbol not found",
		"2011":  "quantity too low",
		"20001": "insufficient funds",
		"20002": "order not found",
		"20008": "duplicate client order id",
	},
}

// ErrorHandler 统一处理交易所/网络错误：映射原因、记录日志，不重试
type ErrorHandler struct {
	mu     sync.RWMutex // connector 的读 goroutine 也会调用
	causes map[string]map[string]string
	logger *zap.Logger
}

func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	causes := make(map[string]map[string]string, len(defaultCauses))
	for provider, table := range defaultCauses {
		causes[provider] = make(map[string]string, len(table))
		for code, cause := range table {
			causes[provider][code] = cause
		}
	}
	return &ErrorHandler{causes: causes, logger: logger}
}

// Register 增加或覆盖某个交易所的错误码映射
func (h *ErrorHandler) Register(provider, code, cause string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.causes[provider] == nil {
		h.causes[provider] = make(map[string]string)
	}
	h.causes[provider][code] = cause
}

// Handle 把错误映射成 VenueError 并记录，err 为 nil 时返回 nil
func (h *ErrorHandler) Handle(provider string, err error) *VenueError {
	if err == nil {
		return nil
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve
	}

	out := &VenueError{Provider: provider, Cause: "unexpected venue error", Err: err}
	var coded CodedError
	if errors.As(err, &coded) {
		out.Code = coded.Code()
		h.mu.RLock()
		cause, ok := h.causes[provider][out.Code]
		h.mu.RUnlock()
		if ok {
			out.Cause = cause
		} else {
			out.Cause = "unmapped venue error code"
		}
	}

	h.logger.Error("Venue error",
		zap.String("provider", provider),
		zap.String("code", out.Code),
		zap.String("cause", out.Cause),
		zap.Error(err))
	return out
}
