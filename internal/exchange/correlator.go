package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/exchange-gateway/internal/metrics"
)

// Commander 发送 WS API 命令并等待回复。
type Commander interface {
	SendAndAwait(ctx context.Context, method string, params *Params, timeout time.Duration) (*Response, error)
}

// FrameSender 发送原始文本帧，StreamMultiplexer 与 ConnectionManager 都满足。
type FrameSender interface {
	SendRaw(data []byte) error
}

// Response 成功回复。
type Response struct {
	ID         string
	Method     string
	Status     int
	Result     json.RawMessage
	RateLimits []RateLimit
	Latency    time.Duration
}

// Decode 解码 result。
func (r *Response) Decode(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("%s: empty result", r.Method)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", r.Method, err)
	}
	return nil
}

// RequestMeta 待回复请求的关键信息。
type RequestMeta struct {
	ID        string
	Method    string
	Params    *Params
	CreatedAt time.Time
	TimeoutAt time.Time
}

type pendingRequest struct {
	meta        RequestMeta
	respCh      chan callResult
	expireTimer *time.Timer
}

type callResult struct {
	resp *Response
	err  error
}

// CorrelatorConfig 关联器配置
type CorrelatorConfig struct {
	Name           string
	DefaultTimeout time.Duration
	RecentIDs      int // 记住最近已结束的 id，用于区分重复回复与未知回复
}

// Correlator 以字符串 id 关联 WS API 请求与回复，每个 id 至多结束一次。
type Correlator struct {
	cfg    CorrelatorConfig
	sender FrameSender
	gov    *Governor
	newID  func() string

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
	recent    []string
	recentSet map[string]struct{}
	recentPos int
	fired     map[string]string // Send 发出、尚未收到回复的 id -> method
}

// NewCorrelator gov 可为空（不做限频）。
func NewCorrelator(sender FrameSender, gov *Governor, cfg CorrelatorConfig) *Correlator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.RecentIDs <= 0 {
		cfg.RecentIDs = 1024
	}
	if cfg.Name == "" {
		cfg.Name = "command"
	}
	return &Correlator{
		cfg:       cfg,
		sender:    sender,
		gov:       gov,
		newID:     uuid.NewString,
		pending:   make(map[string]*pendingRequest),
		recent:    make([]string, cfg.RecentIDs),
		recentSet: make(map[string]struct{}, cfg.RecentIDs),
		fired:     make(map[string]string),
	}
}

// Pending 待回复请求数。
func (c *Correlator) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Send 只发送不等待，回复到达时记日志。
func (c *Correlator) Send(ctx context.Context, method string, params *Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.admit(method); err != nil {
		return "", err
	}
	id := c.newID()
	// 先登记，写出后立即到达的回复也能认领
	c.pendingMu.Lock()
	c.fired[id] = method
	c.pendingMu.Unlock()
	if err := c.write(id, method, params); err != nil {
		c.pendingMu.Lock()
		delete(c.fired, id)
		c.pendingMu.Unlock()
		return "", err
	}
	c.pendingMu.Lock()
	c.remember(id)
	c.pendingMu.Unlock()
	return id, nil
}

// SendAndAwait 发送并等待回复。超时返回 ErrRequestTimeout（结果未知）；
// 连接断开返回 ErrConnectionClosed；交易所错误返回 *ExchangeError。
func (c *Correlator) SendAndAwait(ctx context.Context, method string, params *Params, timeout time.Duration) (*Response, error) {
	if err := c.admit(method); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	id := c.newID()
	now := time.Now()
	p := &pendingRequest{
		meta: RequestMeta{
			ID:        id,
			Method:    method,
			Params:    params,
			CreatedAt: now,
			TimeoutAt: now.Add(timeout),
		},
		respCh: make(chan callResult, 1),
	}
	c.pendingMu.Lock()
	c.pending[id] = p
	p.expireTimer = time.AfterFunc(timeout, func() { c.expire(id, timeout) })
	n := len(c.pending)
	c.pendingMu.Unlock()
	metrics.UpdatePendingRequests(c.cfg.Name, n)

	if err := c.write(id, method, params); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case r := <-p.respCh:
		return r.resp, r.err
	}
}

// admit 占用限频名额；写出失败时由 write 归还。
func (c *Correlator) admit(method string) error {
	if c.gov == nil {
		return nil
	}
	ex, ok := c.gov.TryAcquire(isOrderCommand(method))
	if ok {
		return nil
	}
	metrics.RecordRateLimitRejection(ex.RateLimitType)
	metrics.RecordRequest(method, "rate_limited", 0)
	return &RateLimitError{RateLimitType: ex.RateLimitType, RetryAfter: ex.RetryAfter}
}

func (c *Correlator) write(id, method string, params *Params) error {
	data, err := json.Marshal(CommandFrame{ID: id, Method: method, Params: params})
	if err == nil {
		err = c.sender.SendRaw(data)
		if err != nil {
			metrics.RecordRequest(method, "send_failed", 0)
			err = fmt.Errorf("send %s: %w", method, err)
		}
	} else {
		err = fmt.Errorf("encode %s: %w", method, err)
	}
	if err != nil && c.gov != nil {
		c.gov.Release(isOrderCommand(method))
	}
	return err
}

// HandleReply 由多路复用器调用；返回 false 表示不是本关联器发出的 id。
func (c *Correlator) HandleReply(r *Reply) bool {
	if c.gov != nil && len(r.RateLimits) > 0 {
		c.gov.Update(r.RateLimits)
	}

	c.pendingMu.Lock()
	p, ok := c.pending[r.ID]
	var known bool
	firedMethod, fired := c.fired[r.ID]
	if ok {
		delete(c.pending, r.ID)
		c.remember(r.ID)
	} else {
		_, known = c.recentSet[r.ID]
		delete(c.fired, r.ID)
	}
	n := len(c.pending)
	c.pendingMu.Unlock()

	if !ok && fired {
		if r.Error != nil {
			metrics.RecordRequest(firedMethod, "error", 0)
			log.Warn().Err(r.Error).Str("conn", c.cfg.Name).Str("id", r.ID).Str("method", firedMethod).Msg("fire-and-forget request rejected")
		} else {
			metrics.RecordRequest(firedMethod, "ok", 0)
			log.Debug().Str("conn", c.cfg.Name).Str("id", r.ID).Str("method", firedMethod).Msg("fire-and-forget reply")
		}
		return true
	}
	if !ok {
		if !known {
			metrics.RecordLateReply(c.cfg.Name, "unknown")
			log.Debug().Str("conn", c.cfg.Name).Str("id", r.ID).Msg("reply for unknown request")
			return false
		}
		if r.Error != nil {
			log.Warn().Err(r.Error).Str("conn", c.cfg.Name).Str("id", r.ID).Msg("请求已结束后收到错误回复")
		} else {
			log.Debug().Str("conn", c.cfg.Name).Str("id", r.ID).Msg("duplicate or late reply ignored")
		}
		metrics.RecordLateReply(c.cfg.Name, "duplicate")
		return true
	}

	p.expireTimer.Stop()
	metrics.UpdatePendingRequests(c.cfg.Name, n)
	latency := time.Since(p.meta.CreatedAt)

	if r.Error != nil {
		if r.Error.Category == CategoryRateLimit && c.gov != nil {
			c.gov.MarkExceeded(rateLimitTypeFor(r.Error.Code))
		}
		metrics.RecordRequest(p.meta.Method, "error", latency.Seconds())
		p.respCh <- callResult{err: fmt.Errorf("%s: %w", p.meta.Method, r.Error)}
		return true
	}
	if r.Status != 0 && r.Status != 200 {
		metrics.RecordRequest(p.meta.Method, "error", latency.Seconds())
		exErr := NewExchangeError(r.Status, 0, fmt.Sprintf("unexpected status %d", r.Status), nil)
		p.respCh <- callResult{err: fmt.Errorf("%s: %w", p.meta.Method, exErr)}
		return true
	}

	metrics.RecordRequest(p.meta.Method, "ok", latency.Seconds())
	p.respCh <- callResult{resp: &Response{
		ID:         r.ID,
		Method:     p.meta.Method,
		Status:     r.Status,
		Result:     r.Result,
		RateLimits: r.RateLimits,
		Latency:    latency,
	}}
	return true
}

// HandleDisconnect 连接断开，所有待回复请求以 ErrConnectionClosed 结束。
func (c *Correlator) HandleDisconnect(err error) {
	c.failAllPending(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
}

func (c *Correlator) expire(id string, timeout time.Duration) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.remember(id)
	}
	n := len(c.pending)
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	metrics.UpdatePendingRequests(c.cfg.Name, n)
	metrics.RecordRequest(p.meta.Method, "timeout", timeout.Seconds())
	log.Warn().Str("conn", c.cfg.Name).Str("id", id).Str("method", p.meta.Method).Dur("timeout", timeout).Msg("请求超时，结果未知")
	p.respCh <- callResult{err: fmt.Errorf("%w: %s %s after %s", ErrRequestTimeout, p.meta.Method, id, timeout)}
}

func (c *Correlator) removePending(id string) {
	c.pendingMu.Lock()
	if p, ok := c.pending[id]; ok {
		p.expireTimer.Stop()
		delete(c.pending, id)
		c.remember(id)
	}
	n := len(c.pending)
	c.pendingMu.Unlock()
	metrics.UpdatePendingRequests(c.cfg.Name, n)
}

func (c *Correlator) failAllPending(err error) {
	c.pendingMu.Lock()
	failed := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		p.expireTimer.Stop()
		delete(c.pending, id)
		c.remember(id)
		failed = append(failed, p)
	}
	c.pendingMu.Unlock()
	if len(failed) == 0 {
		return
	}
	metrics.UpdatePendingRequests(c.cfg.Name, 0)
	log.Warn().Err(err).Str("conn", c.cfg.Name).Int("count", len(failed)).Msg("连接断开，待回复请求全部失败")
	for _, p := range failed {
		metrics.RecordRequest(p.meta.Method, "closed", 0)
		p.respCh <- callResult{err: err}
	}
}

// remember 记入最近 id 环；调用方持有 pendingMu。
func (c *Correlator) remember(id string) {
	if old := c.recent[c.recentPos]; old != "" {
		delete(c.recentSet, old)
		delete(c.fired, old)
	}
	c.recent[c.recentPos] = id
	c.recentSet[id] = struct{}{}
	c.recentPos = (c.recentPos + 1) % len(c.recent)
}

// isOrderCommand 计入 ORDERS 限额的命令。
func isOrderCommand(method string) bool {
	return strings.Contains(method, ".place") || method == "order.cancelReplace"
}

func rateLimitTypeFor(code int) string {
	if code == -1015 {
		return LimitOrders
	}
	return LimitRequestWeight
}
