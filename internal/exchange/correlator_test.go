package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// captureSender 记录发出的命令帧。
type captureSender struct {
	mu     sync.Mutex
	frames []CommandFrame
	raw    [][]byte
	err    error
	sent   chan string
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(chan string, 16)}
}

func (s *captureSender) SendRaw(data []byte) error {
	if s.err != nil {
		return s.err
	}
	var f struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, CommandFrame{ID: f.ID, Method: f.Method})
	s.raw = append(s.raw, data)
	s.mu.Unlock()
	s.sent <- f.ID
	return nil
}

func waitSent(t *testing.T, s *captureSender) string {
	t.Helper()
	select {
	case id := <-s.sent:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame sent")
	}
	return ""
}

func TestCorrelatorResolvesOnce(t *testing.T) {
	sender := newCaptureSender()
	c := NewCorrelator(sender, nil, CorrelatorConfig{Name: "t"})

	type out struct {
		resp *Response
		err  error
	}
	done := make(chan out, 1)
	go func() {
		resp, err := c.SendAndAwait(context.Background(), "order.status", NewParams().Set("symbol", "BTCUSDT"), time.Second)
		done <- out{resp, err}
	}()
	id := waitSent(t, sender)

	if !c.HandleReply(&Reply{ID: id, Status: 200, Result: json.RawMessage(`{"orderId":1}`)}) {
		t.Fatalf("reply should be handled")
	}
	// 第二条同 id 回复必须被忽略
	if !c.HandleReply(&Reply{ID: id, Status: 200, Result: json.RawMessage(`{"orderId":2}`)}) {
		t.Fatalf("duplicate reply for a known id should be swallowed")
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("unexpected error %v", r.err)
	}
	var res struct {
		OrderID int64 `json:"orderId"`
	}
	if err := r.resp.Decode(&res); err != nil || res.OrderID != 1 {
		t.Fatalf("expected first reply, got %+v err=%v", res, err)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending should be empty")
	}
	if c.HandleReply(&Reply{ID: "never-sent"}) {
		t.Fatalf("unknown id should not be claimed")
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	sender := newCaptureSender()
	c := NewCorrelator(sender, nil, CorrelatorConfig{})
	start := time.Now()
	_, err := c.SendAndAwait(context.Background(), "order.place", NewParams(), 30*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("timed out too early")
	}
	if c.Pending() != 0 {
		t.Fatalf("timed out request must be removed")
	}
	// 超时后的迟到回复不会再结束任何请求
	id := waitSent(t, sender)
	if !c.HandleReply(&Reply{ID: id, Status: 200}) {
		t.Fatalf("late reply should be recognized as duplicate")
	}
}

func TestCorrelatorExchangeErrorAndDisconnect(t *testing.T) {
	sender := newCaptureSender()
	gov := NewGovernor(RateLimit{RateLimitType: LimitOrders, Interval: "SECOND", IntervalNum: 10, Limit: 50})
	c := NewCorrelator(sender, gov, CorrelatorConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendAndAwait(context.Background(), "order.place", NewParams(), time.Second)
		errCh <- err
	}()
	id := waitSent(t, sender)
	c.HandleReply(&Reply{ID: id, Status: 429, Error: NewExchangeError(429, -1015, "Too many new orders", nil)})
	err := <-errCh
	var exErr *ExchangeError
	if !errors.As(err, &exErr) || exErr.Code != -1015 {
		t.Fatalf("expected exchange error, got %v", err)
	}
	if gov.CanSend() {
		t.Fatalf("rate-limit error should mark governor exceeded")
	}
	_, err = c.SendAndAwait(context.Background(), "order.place", NewParams(), time.Second)
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Fatalf("expected local rate limit rejection, got %v", err)
	}

	c2 := NewCorrelator(sender, nil, CorrelatorConfig{})
	go func() {
		_, err := c2.SendAndAwait(context.Background(), "order.status", NewParams(), 5*time.Second)
		errCh <- err
	}()
	waitSent(t, sender)
	c2.HandleDisconnect(errors.New("boom"))
	if err := <-errCh; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestCorrelatorGovernorCountsAndUpdates(t *testing.T) {
	sender := newCaptureSender()
	gov := NewGovernor(RateLimit{RateLimitType: LimitRequestWeight, Interval: "MINUTE", IntervalNum: 1, Limit: 2})
	c := NewCorrelator(sender, gov, CorrelatorConfig{})

	if _, err := c.Send(context.Background(), "ping", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	id := waitSent(t, sender)
	c.HandleReply(&Reply{ID: id, Status: 200, RateLimits: []RateLimit{{RateLimitType: LimitRequestWeight, Interval: "MINUTE", IntervalNum: 1, Limit: 2, Count: 2}}})
	if _, err := c.Send(context.Background(), "ping", nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited after exchange count update, got %v", err)
	}
}

func TestCorrelatorSendFailureIsReported(t *testing.T) {
	sender := newCaptureSender()
	sender.err = ErrNotConnected
	c := NewCorrelator(sender, nil, CorrelatorConfig{})
	_, err := c.SendAndAwait(context.Background(), "order.place", NewParams(), time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("failed send must not leave pending entries")
	}
}

func TestCorrelatorFireAndForgetReply(t *testing.T) {
	sender := newCaptureSender()
	c := NewCorrelator(sender, nil, CorrelatorConfig{})

	id, err := c.Send(context.Background(), "userDataStream.ping", NewParams().Set("listenKey", "lk"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := waitSent(t, sender); got != id {
		t.Fatalf("expected frame id %s, got %s", id, got)
	}
	if c.Pending() != 0 {
		t.Fatalf("fire-and-forget must not create pending entries")
	}
	if !c.HandleReply(&Reply{ID: id, Status: 200, Result: json.RawMessage(`{}`)}) {
		t.Fatalf("reply to a sent id should be claimed")
	}
	if !c.HandleReply(&Reply{ID: id, Status: 200}) {
		t.Fatalf("repeat reply should be swallowed as duplicate")
	}
}

// slowSender 每次写出耗时 delay，只计数
type slowSender struct {
	delay time.Duration
	n     atomic.Int32
	err   error
}

func (s *slowSender) SendRaw(data []byte) error {
	time.Sleep(s.delay)
	if s.err != nil {
		return s.err
	}
	s.n.Add(1)
	return nil
}

func TestCorrelatorConcurrentSendsRespectLimit(t *testing.T) {
	sender := &slowSender{delay: 2 * time.Millisecond}
	gov := NewGovernor(RateLimit{RateLimitType: LimitRequestWeight, Interval: "MINUTE", IntervalNum: 1, Limit: 10})
	c := NewCorrelator(sender, gov, CorrelatorConfig{})

	var wg sync.WaitGroup
	var accepted, limited atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Send(context.Background(), "order.place", NewParams())
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrRateLimited):
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 10 || sender.n.Load() != 10 || limited.Load() != 40 {
		t.Fatalf("expected 10 sent / 40 limited, got accepted=%d sent=%d limited=%d",
			accepted.Load(), sender.n.Load(), limited.Load())
	}
	if snap := gov.Snapshot(); snap[0].Count != 10 {
		t.Fatalf("expected count 10, got %d", snap[0].Count)
	}
}

func TestCorrelatorFailedWriteReleasesSlot(t *testing.T) {
	sender := &slowSender{err: ErrNotConnected}
	gov := NewGovernor(RateLimit{RateLimitType: LimitRequestWeight, Interval: "MINUTE", IntervalNum: 1, Limit: 1})
	c := NewCorrelator(sender, gov, CorrelatorConfig{})

	for i := 0; i < 3; i++ {
		if _, err := c.Send(context.Background(), "ping", nil); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("attempt %d: expected ErrNotConnected, got %v", i, err)
		}
	}
	if snap := gov.Snapshot(); snap[0].Count != 0 {
		t.Fatalf("failed writes must not consume the window, count=%d", snap[0].Count)
	}
}

// echoSender 在 SendRaw 返回前就把回复交给关联器
type echoSender struct {
	c       *Correlator
	claimed bool
}

func (s *echoSender) SendRaw(data []byte) error {
	var f struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.claimed = s.c.HandleReply(&Reply{ID: f.ID, Status: 200, Result: json.RawMessage(`{}`)})
	return nil
}

func TestCorrelatorReplyBeforeSendReturns(t *testing.T) {
	sender := &echoSender{}
	c := NewCorrelator(sender, nil, CorrelatorConfig{})
	sender.c = c

	id, err := c.Send(context.Background(), "userDataStream.ping", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !sender.claimed {
		t.Fatalf("reply arriving during the write should be claimed")
	}
	if !c.HandleReply(&Reply{ID: id, Status: 200}) {
		t.Fatalf("later repeat should be treated as duplicate")
	}
}
