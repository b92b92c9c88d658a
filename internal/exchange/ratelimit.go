package gateway

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/newplayman/exchange-gateway/internal/metrics"
)

// 币安限频类型
const (
	LimitRequestWeight = "REQUEST_WEIGHT"
	LimitOrders        = "ORDERS"
	LimitRawRequests   = "RAW_REQUESTS"
)

// RateLimit 交易所回复中的 rateLimits 条目。
type RateLimit struct {
	RateLimitType string `json:"rateLimitType"`
	Interval      string `json:"interval"`
	IntervalNum   int    `json:"intervalNum"`
	Limit         int    `json:"limit"`
	Count         int    `json:"count"`
}

// Window 限频窗口长度。
func (r RateLimit) Window() time.Duration {
	n := r.IntervalNum
	if n <= 0 {
		n = 1
	}
	var unit time.Duration
	switch strings.ToUpper(r.Interval) {
	case "SECOND":
		unit = time.Second
	case "MINUTE":
		unit = time.Minute
	case "HOUR":
		unit = time.Hour
	case "DAY":
		unit = 24 * time.Hour
	default:
		unit = time.Minute
	}
	return time.Duration(n) * unit
}

func (r RateLimit) key() string {
	return r.RateLimitType + ":" + strconv.Itoa(r.IntervalNum) + strings.ToUpper(r.Interval)
}

func (r RateLimit) label() string {
	return strconv.Itoa(r.IntervalNum) + strings.ToLower(r.Interval)
}

// RateLimitState 本地跟踪的一个限频窗口。
type RateLimitState struct {
	RateLimit
	WindowStart time.Time
}

// Exceeded CheckExceeded 的结果。
type Exceeded struct {
	Exceeded      bool
	RetryAfter    time.Duration
	RateLimitType string
}

// Governor 按交易所公布的窗口做发送前检查；交易所回复里的计数为准。
type Governor struct {
	mu     sync.Mutex
	limits map[string]*RateLimitState
	order  []string
	now    func() time.Time
}

// NewGovernor 以初始限额创建；之后由 Update 用交易所返回的限额覆盖。
func NewGovernor(limits ...RateLimit) *Governor {
	g := &Governor{
		limits: make(map[string]*RateLimitState),
		now:    time.Now,
	}
	g.Update(limits)
	return g
}

// SetClock 替换时钟，测试用。
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// roll 窗口过期即清零；调用方持锁。
func (g *Governor) roll(now time.Time) {
	for _, k := range g.order {
		st := g.limits[k]
		if now.Sub(st.WindowStart) > st.Window() {
			st.Count = 0
			st.WindowStart = now
		}
	}
}

// CanSend 所有窗口都满足 count < limit。
func (g *Governor) CanSend() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(g.now())
	for _, k := range g.order {
		st := g.limits[k]
		if st.Limit > 0 && st.Count >= st.Limit {
			return false
		}
	}
	return true
}

// Record 发送后计数；下单类命令同时计入 ORDERS。
func (g *Governor) Record(orderCommand bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(g.now())
	g.count(orderCommand, 1)
}

// TryAcquire 在同一把锁内检查并占用一个名额，并发调用方不会越过 limit。
// 返回 false 时 Exceeded 给出最晚恢复的窗口。
func (g *Governor) TryAcquire(orderCommand bool) (Exceeded, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.roll(now)
	if ex := g.exceeded(now); ex.Exceeded {
		return ex, false
	}
	g.count(orderCommand, 1)
	return Exceeded{}, true
}

// Release 归还 TryAcquire 占用但未发出的名额。
func (g *Governor) Release(orderCommand bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count(orderCommand, -1)
}

// count 调用方持锁；计数不低于 0。
func (g *Governor) count(orderCommand bool, d int) {
	for _, k := range g.order {
		st := g.limits[k]
		if st.RateLimitType == LimitOrders && !orderCommand {
			continue
		}
		st.Count += d
		if st.Count < 0 {
			st.Count = 0
		}
	}
}

// Update 用交易所回复的 rateLimits 同步计数与限额。
func (g *Governor) Update(limits []RateLimit) {
	if len(limits) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.roll(now)
	for _, rl := range limits {
		k := rl.key()
		st, ok := g.limits[k]
		if !ok {
			st = &RateLimitState{RateLimit: rl, WindowStart: now}
			g.limits[k] = st
			g.order = append(g.order, k)
		}
		st.Limit = rl.Limit
		st.Count = rl.Count
		metrics.UpdateRateLimit(rl.RateLimitType, rl.label(), st.Count, st.Limit)
	}
}

// MarkExceeded 交易所明确返回限频错误时，把对应类型的窗口标满。
// limitType 为空表示全部窗口。
func (g *Governor) MarkExceeded(limitType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range g.order {
		st := g.limits[k]
		if limitType != "" && st.RateLimitType != limitType {
			continue
		}
		if st.Limit > 0 && st.Count < st.Limit {
			st.Count = st.Limit
		}
	}
}

// CheckExceeded 返回最晚恢复的那个已满窗口。
func (g *Governor) CheckExceeded() Exceeded {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.roll(now)
	return g.exceeded(now)
}

// exceeded 调用方持锁并已 roll。
func (g *Governor) exceeded(now time.Time) Exceeded {
	var out Exceeded
	for _, k := range g.order {
		st := g.limits[k]
		if st.Limit <= 0 || st.Count < st.Limit {
			continue
		}
		retry := st.Window() - now.Sub(st.WindowStart)
		if retry <= 0 {
			retry = time.Millisecond
		}
		if !out.Exceeded || retry > out.RetryAfter {
			out = Exceeded{Exceeded: true, RetryAfter: retry, RateLimitType: st.RateLimitType}
		}
	}
	return out
}

// Snapshot 返回当前窗口副本。
func (g *Governor) Snapshot() []RateLimitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(g.now())
	out := make([]RateLimitState, 0, len(g.order))
	for _, k := range g.order {
		out = append(out, *g.limits[k])
	}
	return out
}
