package gateway

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Category 交易所错误的归类，调用方据此决定重试、告警或直接放弃。
type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryRateLimit   Category = "rate_limit"
	CategoryValidation  Category = "validation"
	CategoryNotFound    Category = "not_found"
	CategoryUnavailable Category = "unavailable"
	CategoryUnknown     Category = "unknown"
)

// 传输层与超时错误
var (
	ErrNotConnected       = errors.New("ws not connected")
	ErrConnectionClosed   = errors.New("ws connection closed")
	ErrReconnectExhausted = errors.New("ws reconnect attempts exhausted")
	ErrRequestTimeout     = errors.New("ws request timeout")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrInvalidRequest     = errors.New("invalid request")
)

// ExchangeError 交易所返回的协议错误 {code, msg, data}。
type ExchangeError struct {
	Code     int             `json:"code"`
	Message  string          `json:"msg"`
	Data     json.RawMessage `json:"data,omitempty"`
	Status   int             `json:"-"`
	Category Category        `json:"-"`
}

// NewExchangeError 按状态码与错误码归类。
func NewExchangeError(status, code int, msg string, data json.RawMessage) *ExchangeError {
	return &ExchangeError{
		Code:     code,
		Message:  msg,
		Data:     data,
		Status:   status,
		Category: Categorize(status, code),
	}
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("exchange error %d (status %d, %s): %s", e.Code, e.Status, e.Category, e.Message)
	}
	return fmt.Sprintf("exchange error %d (%s): %s", e.Code, e.Category, e.Message)
}

// Is 让 errors.Is(err, ErrRateLimited) 对限频类协议错误成立。
func (e *ExchangeError) Is(target error) bool {
	return target == ErrRateLimited && e.Category == CategoryRateLimit
}

// Categorize 将币安错误码/HTTP 风格状态码映射到 Category。
func Categorize(status, code int) Category {
	switch code {
	case -1002, -1022, -2014, -2015:
		return CategoryAuth
	case -1003, -1015:
		return CategoryRateLimit
	case -2011, -2013, -2026:
		return CategoryNotFound
	case -1000, -1001, -1006, -1007, -1008, -1016:
		return CategoryUnavailable
	case -1013, -1021, -2010, -2021, -2022:
		return CategoryValidation
	}
	if code <= -1100 && code >= -1199 {
		return CategoryValidation
	}
	switch {
	case status == 429 || status == 418:
		return CategoryRateLimit
	case status == 401 || status == 403:
		return CategoryAuth
	case status == 404:
		return CategoryNotFound
	case status >= 500:
		return CategoryUnavailable
	case status == 400:
		return CategoryValidation
	}
	return CategoryUnknown
}

// RateLimitError 本地限频器拒绝发送，RetryAfter 为窗口剩余时间。
type RateLimitError struct {
	RateLimitType string
	RetryAfter    time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit %s exceeded, retry after %s", e.RateLimitType, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// IsTimeout 请求超时，结果未知（可能已被交易所执行）。
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

// CategoryOf 返回错误链上的 Category。
func CategoryOf(err error) Category {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Category
	}
	if errors.Is(err, ErrRateLimited) {
		return CategoryRateLimit
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrMissingCredentials) {
		return CategoryValidation
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrReconnectExhausted) {
		return CategoryUnavailable
	}
	return CategoryUnknown
}

// Invalidf 构造参数校验错误，在任何网络调用之前返回。
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
