package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// scriptedCommander 按方法名返回预设结果。
type scriptedCommander struct {
	mu      sync.Mutex
	results map[string]string
	calls   []string
	params  []*Params
}

func (s *scriptedCommander) SendAndAwait(_ context.Context, method string, params *Params, _ time.Duration) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, method)
	s.params = append(s.params, params)
	return &Response{Method: method, Status: 200, Result: json.RawMessage(s.results[method])}, nil
}

func TestListenKeyLifecycle(t *testing.T) {
	cmd := &scriptedCommander{results: map[string]string{
		"userDataStream.start": `{"listenKey":"lk-1"}`,
		"userDataStream.ping":  `{}`,
		"userDataStream.stop":  `{}`,
	}}
	signer, _ := NewSigner("key", "secret", nil)
	c := NewListenKeyClient(cmd, signer, time.Second)

	lk, err := c.Start(context.Background())
	if err != nil || lk != "lk-1" {
		t.Fatalf("create listenKey: %v %s", err, lk)
	}
	if err := c.Ping(context.Background(), lk); err != nil {
		t.Fatalf("keepalive err: %v", err)
	}
	if err := c.Stop(context.Background(), lk); err != nil {
		t.Fatalf("close err: %v", err)
	}
	if len(cmd.calls) != 3 || cmd.calls[1] != "userDataStream.ping" {
		t.Fatalf("unexpected calls %v", cmd.calls)
	}
	ping := cmd.params[1]
	if ping.String("listenKey") != "lk-1" || ping.String("apiKey") != "key" || ping.Has("signature") {
		t.Fatalf("unexpected ping params %v", ping.Keys())
	}
	if err := c.Ping(context.Background(), ""); CategoryOf(err) != CategoryValidation {
		t.Fatalf("empty listenKey should be rejected, got %v", err)
	}
}

func TestTimeSyncOffset(t *testing.T) {
	orig := timeNowMillis
	timeNowMillis = func() int64 { return 1_000_000 }
	defer func() { timeNowMillis = orig }()

	cmd := &scriptedCommander{results: map[string]string{"time": `{"serverTime":1001500}`}}
	ts := NewTimeSync(cmd)
	if err := ts.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if ts.GetOffset() != 1500 {
		t.Fatalf("expected offset 1500, got %d", ts.GetOffset())
	}
	if got := ts.GetServerTime(); got != 1_001_500 {
		t.Fatalf("unexpected server time %d", got)
	}
}
