package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	gateway "github.com/newplayman/exchange-gateway/internal/exchange"
	"github.com/newplayman/exchange-gateway/internal/store"
)

// fakeTransport 直接向多路复用器注入连接事件
type fakeTransport struct {
	name   string
	mu     sync.Mutex
	open   bool
	events chan gateway.ConnEvent
	sent   chan []byte
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, events: make(chan gateway.ConnEvent, 16), sent: make(chan []byte, 64)}
}

func (f *fakeTransport) Name() string                     { return f.name }
func (f *fakeTransport) Events() <-chan gateway.ConnEvent { return f.events }

func (f *fakeTransport) State() gateway.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return gateway.StateOpen
	}
	return gateway.StateConnecting
}

func (f *fakeTransport) SendRaw(data []byte) error {
	f.mu.Lock()
	open := f.open
	f.mu.Unlock()
	if !open {
		return gateway.ErrNotConnected
	}
	f.sent <- data
	return nil
}

func (f *fakeTransport) setOpen() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.events <- gateway.ConnEvent{Type: gateway.ConnOpen}
}

func (f *fakeTransport) message(raw string) {
	f.events <- gateway.ConnEvent{Type: gateway.ConnMessage, Data: []byte(raw)}
}

type testEnv struct {
	prices *fakeTransport
	user   *fakeTransport
	hub    *Hub
	srv    *httptest.Server
	store  *store.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	env := &testEnv{
		prices: newFakeTransport("price"),
		user:   newFakeTransport("user"),
		store:  store.NewMemoryStore("", time.Hour),
	}
	priceMux := gateway.NewStreamMultiplexer(env.prices, gateway.MuxConfig{ControlRate: 100, ControlBurst: 10})
	userMux := gateway.NewStreamMultiplexer(env.user, gateway.MuxConfig{})
	go priceMux.Run(ctx)
	go userMux.Run(ctx)
	env.prices.setOpen()
	env.user.setOpen()

	env.hub = NewHub(HubConfig{ExchangeID: "binance"}, priceMux, userMux, env.store)
	env.srv = httptest.NewServer(NewServer(":0", env.hub).Handler())

	t.Cleanup(func() {
		env.srv.Close()
		env.hub.Close()
		cancel()
		env.store.Close()
	})
	return env
}

func (e *testEnv) dial(t *testing.T, pathAndQuery string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + pathAndQuery
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", pathAndQuery, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

const klineFrame = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000000000,"s":"BTCUSDT",
	"k":{"t":1699999980000,"T":1700000039999,"s":"BTCUSDT","i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"10","n":5,"x":false}}}`

func TestHub_PriceFeedSharesUpstream(t *testing.T) {
	env := newTestEnv(t)

	first := env.dial(t, "/priceFeed?symbol=btcusdt&timeframes=1m")

	select {
	case data := <-env.prices.sent:
		var f gateway.ControlFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode control frame: %v", err)
		}
		if f.Method != "SUBSCRIBE" || len(f.Params) != 1 || f.Params[0] != "btcusdt@kline_1m" {
			t.Fatalf("Unexpected control frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no SUBSCRIBE sent upstream")
	}
	waitFor(t, "first client", func() bool { return env.hub.Clients(ReportPriceFeed) == 1 })

	second := env.dial(t, "/priceFeed?symbol=BTCUSDT&timeframes=1m")
	waitFor(t, "second client", func() bool { return env.hub.Clients(ReportPriceFeed) == 2 })
	if env.hub.Topics() != 1 {
		t.Errorf("Expected 1 topic, got %d", env.hub.Topics())
	}
	select {
	case data := <-env.prices.sent:
		t.Errorf("Unexpected second upstream frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	env.prices.message(klineFrame)
	for _, conn := range []*websocket.Conn{first, second} {
		m := readJSON(t, conn)
		if string(m["e"]) != `"kline"` {
			t.Errorf("Expected kline event, got %s", m["e"])
		}
		if _, wrapped := m["stream"]; wrapped {
			t.Error("combined stream wrapper should be stripped")
		}
	}

	first.Close()
	waitFor(t, "client leave", func() bool { return env.hub.Clients(ReportPriceFeed) == 1 })
	if env.hub.Topics() != 1 {
		t.Errorf("Topic should survive client disconnect, got %d", env.hub.Topics())
	}
}

func TestHub_OrderStatusSnapshotThenEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := &store.Order{
		ExchangeID: "binance",
		OrderID:    555,
		Symbol:     "BTCUSDT",
		Status:     store.StatusNew,
		OrigQty:    decimal.RequireFromString("0.01"),
	}
	if _, err := env.store.FindOneAndUpsert(ctx, seed.Key(), func(*store.Order) (*store.Order, error) { return seed, nil }); err != nil {
		t.Fatalf("seed: %v", err)
	}

	conn := env.dial(t, "/orderStatus?symbol=BTCUSDT&orderId=555")

	snap := readJSON(t, conn)
	if string(snap["type"]) != `"snapshot"` {
		t.Fatalf("Expected snapshot first, got %v", snap)
	}
	var orders []store.Order
	if err := json.Unmarshal(snap["data"], &orders); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != 555 {
		t.Fatalf("Unexpected snapshot %+v", orders)
	}

	waitFor(t, "order client", func() bool { return env.hub.Clients(ReportOrder) == 1 })
	env.user.message(`{"e":"executionReport","E":1,"s":"BTCUSDT","i":556,"X":"NEW","x":"NEW"}`)
	env.user.message(`{"e":"executionReport","E":2,"s":"BTCUSDT","i":555,"X":"FILLED","x":"TRADE"}`)

	m := readJSON(t, conn)
	if string(m["i"]) != "555" || string(m["X"]) != `"FILLED"` {
		t.Errorf("Expected FILLED report for 555, got %v", m)
	}
}

func TestHub_AllOrdersEmptySnapshot(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/allOrders?symbol=ETHUSDT")

	snap := readJSON(t, conn)
	if string(snap["type"]) != `"snapshot"` || string(snap["data"]) != "[]" {
		t.Errorf("Expected empty snapshot, got %v", snap)
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := NewHub(HubConfig{SendBuffer: 1}, nil, nil, nil)
	defer h.Close()

	tp := &topic{key: "allOrders", req: Request{Report: ReportAllOrders}, clients: make(map[*client]struct{})}
	slow := &client{hub: h, topic: tp, send: make(chan []byte, 1)}
	tp.clients[slow] = struct{}{}
	h.addCount(ReportAllOrders, 1)

	tp.broadcast(h, []byte(`{}`))
	tp.broadcast(h, []byte(`{}`))

	if len(tp.clients) != 0 {
		t.Error("Slow client should be removed")
	}
	if _, ok := <-slow.send; !ok {
		t.Error("Buffered message should still be readable")
	}
	if _, ok := <-slow.send; ok {
		t.Error("send channel should be closed")
	}
	if h.Clients(ReportAllOrders) != 0 {
		t.Errorf("Expected 0 clients, got %d", h.Clients(ReportAllOrders))
	}
}

func TestHub_RejectsAfterClose(t *testing.T) {
	h := NewHub(HubConfig{}, nil, nil, nil)
	h.Close()
	if _, err := h.topicFor(Request{Report: ReportAllOrders}); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Expected ErrHubClosed, got %v", err)
	}
}

func TestServer_BadRequest(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/orderStatus?symbol=BTCUSDT"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("Expected 400, got %v", resp)
	}
}

// gatedFeed 包装真实多路复用器，可让指定 stream 的订阅失败或阻塞
type gatedFeed struct {
	*gateway.StreamMultiplexer
	mu    sync.Mutex
	fail  map[string]error
	gate  map[string]chan struct{}
	calls int
}

func newGatedFeed(name string) *gatedFeed {
	return &gatedFeed{
		StreamMultiplexer: gateway.NewStreamMultiplexer(newFakeTransport(name), gateway.MuxConfig{}),
		fail:              make(map[string]error),
		gate:              make(map[string]chan struct{}),
	}
}

func (f *gatedFeed) Subscribe(streamType string, topics []string, id int64) error {
	f.mu.Lock()
	f.calls++
	err := f.fail[topics[0]]
	gate := f.gate[topics[0]]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	return f.StreamMultiplexer.Subscribe(streamType, topics, id)
}

func (f *gatedFeed) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestHub_SubscribeFailureReleasesListeners(t *testing.T) {
	feed := newGatedFeed("price")
	feed.fail["btcusdt@kline_5m"] = errors.New("boom")
	h := NewHub(HubConfig{}, feed, nil, nil)
	defer h.Close()

	req := Request{Report: ReportPriceFeed, Symbol: "BTCUSDT", Timeframes: []string{"1m", "5m"}}
	if _, err := h.topicFor(req); err == nil {
		t.Fatal("Expected subscribe failure")
	}
	if n := feed.ListenerCount(); n != 0 {
		t.Errorf("Expected partial listeners to be closed, got %d", n)
	}
	if h.Topics() != 0 {
		t.Errorf("Failed topic must not be registered, got %d", h.Topics())
	}

	feed.mu.Lock()
	delete(feed.fail, "btcusdt@kline_5m")
	feed.mu.Unlock()
	if _, err := h.topicFor(req); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n := feed.ListenerCount(); n != 2 {
		t.Errorf("Expected 2 listeners, got %d", n)
	}
}

func TestHub_SlowSubscribeDoesNotBlockOtherTopics(t *testing.T) {
	prices := newGatedFeed("price")
	user := newGatedFeed("user")
	gate := make(chan struct{})
	prices.gate["btcusdt@kline_1m"] = gate
	h := NewHub(HubConfig{}, prices, user, nil)
	defer h.Close()

	req := Request{Report: ReportPriceFeed, Symbol: "BTCUSDT", Timeframes: []string{"1m"}}
	type result struct {
		t   *topic
		err error
	}
	results := make(chan result, 2)
	go func() {
		tp, err := h.topicFor(req)
		results <- result{tp, err}
	}()
	waitFor(t, "first subscribe", func() bool { return prices.subscribeCalls() == 1 })
	go func() {
		tp, err := h.topicFor(req)
		results <- result{tp, err}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := h.topicFor(Request{Report: ReportAllOrders})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("allOrders topic: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("a slow subscription blocked an unrelated topic")
	}

	close(gate)
	a, b := <-results, <-results
	if a.err != nil || b.err != nil || a.t != b.t {
		t.Fatalf("Expected one shared topic, got %+v / %+v", a, b)
	}
	if n := prices.subscribeCalls(); n != 1 {
		t.Errorf("Expected a single upstream subscribe, got %d", n)
	}
}
