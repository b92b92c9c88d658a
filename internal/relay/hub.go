package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	gateway "github.com/newplayman/exchange-gateway/internal/exchange"
	"github.com/newplayman/exchange-gateway/internal/metrics"
	"github.com/newplayman/exchange-gateway/internal/store"
)

// Feed 上游行情/用户数据流，*gateway.StreamMultiplexer 满足该接口
type Feed interface {
	Subscribe(streamType string, topics []string, id int64) error
	HasStream(stream string) bool
	Listen(key string) *gateway.Listener
}

// OrderReader 订单快照来源
type OrderReader interface {
	FindOne(ctx context.Context, key store.OrderKey) (*store.Order, error)
	Find(ctx context.Context, filter store.OrderFilter) ([]*store.Order, error)
}

// HubConfig 中继配置
type HubConfig struct {
	ExchangeID string
	SendBuffer int
}

var ErrHubClosed = errors.New("relay hub closed")

// Hub 将上游事件按 topic 扇出给下游客户端。
// 客户端全部断开后 topic 与上游订阅仍然保留。
type Hub struct {
	cfg    HubConfig
	prices Feed
	user   Feed
	orders OrderReader

	mu       sync.Mutex
	topics   map[string]*topic
	creating map[string]chan struct{} // 正在建立上游订阅的 key
	closed   bool

	countMu sync.Mutex
	counts  map[Report]int

	nextSubID atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
}

type topic struct {
	key       string
	req       Request
	mu        sync.Mutex
	clients   map[*client]struct{}
	listeners []*gateway.Listener
}

type snapshotMessage struct {
	Type string         `json:"type"`
	Data []*store.Order `json:"data"`
}

// NewHub 创建中继；prices 与 user 可为空，对应的报告类型将被拒绝
func NewHub(cfg HubConfig, prices, user Feed, orders OrderReader) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.ExchangeID == "" {
		cfg.ExchangeID = "binance"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		prices: prices,
		user:   user,
		orders: orders,
		topics:   make(map[string]*topic),
		creating: make(map[string]chan struct{}),
		counts: make(map[Report]int),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Topics 当前 topic 数
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Clients 某报告类型的在线客户端数
func (h *Hub) Clients(report Report) int {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	return h.counts[report]
}

func (h *Hub) addCount(report Report, d int) {
	h.countMu.Lock()
	h.counts[report] += d
	n := h.counts[report]
	h.countMu.Unlock()
	metrics.UpdateRelayClients(string(report), n)
}

// Join 注册下游连接；订单类报告先发送快照。
func (h *Hub) Join(ctx context.Context, req Request, conn *websocket.Conn) error {
	t, err := h.topicFor(req)
	if err != nil {
		return err
	}

	c := newClient(h, t, conn, h.cfg.SendBuffer)

	t.mu.Lock()
	if snap, ok, err := h.snapshot(ctx, req); err != nil {
		t.mu.Unlock()
		return err
	} else if ok {
		c.send <- snap
	}
	t.clients[c] = struct{}{}
	t.mu.Unlock()
	h.addCount(req.Report, 1)

	log.Info().Str("topic", t.key).Str("remote", conn.RemoteAddr().String()).Msg("下游客户端已连接")

	h.wg.Go(c.writePump)
	h.wg.Go(c.readPump)
	return nil
}

// topicFor 复用已有 topic，否则创建上游订阅与监听。
// 订阅受控制帧限速，在锁外进行；同一 key 的并发请求等待首个创建者。
func (h *Hub) topicFor(req Request) (*topic, error) {
	key := req.TopicKey()

	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		if t, ok := h.topics[key]; ok {
			h.mu.Unlock()
			return t, nil
		}
		wait, busy := h.creating[key]
		if !busy {
			break
		}
		h.mu.Unlock()
		<-wait
	}
	ready := make(chan struct{})
	h.creating[key] = ready
	h.mu.Unlock()

	t, err := h.newTopic(key, req)

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.creating, key)
	close(ready)
	if err != nil {
		return nil, err
	}
	if h.closed {
		t.closeListeners()
		return nil, ErrHubClosed
	}
	h.topics[key] = t
	for _, l := range t.listeners {
		l := l
		h.wg.Go(func() { h.pump(t, l) })
	}
	log.Info().Str("topic", key).Int("listeners", len(t.listeners)).Msg("创建中继 topic")
	return t, nil
}

// newTopic 失败时注销已登记的监听
func (h *Hub) newTopic(key string, req Request) (*topic, error) {
	t := &topic{key: key, req: req, clients: make(map[*client]struct{})}
	switch req.Report {
	case ReportPriceFeed:
		if h.prices == nil {
			return nil, gateway.Invalidf("price feed not configured")
		}
		for _, stream := range req.Streams() {
			if !h.prices.HasStream(stream) {
				if err := h.prices.Subscribe(req.Report.streamType(), []string{stream}, h.nextSubID.Add(1)); err != nil {
					t.closeListeners()
					return nil, err
				}
			}
			t.listeners = append(t.listeners, h.prices.Listen(stream))
		}
	default:
		if h.user == nil {
			return nil, gateway.Invalidf("user data feed not configured")
		}
		t.listeners = append(t.listeners, h.user.Listen(gateway.GenericKey))
	}
	return t, nil
}

func (t *topic) closeListeners() {
	for _, l := range t.listeners {
		l.Close()
	}
	t.listeners = nil
}

func (r Report) streamType() string {
	if r == ReportPriceFeed {
		return "market"
	}
	return "user"
}

func (h *Hub) snapshot(ctx context.Context, req Request) ([]byte, bool, error) {
	if h.orders == nil {
		return nil, false, nil
	}
	var orders []*store.Order
	switch req.Report {
	case ReportOrder:
		o, err := h.orders.FindOne(ctx, store.OrderKey{ExchangeID: h.cfg.ExchangeID, OrderID: req.OrderID})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
		orders = []*store.Order{}
		if o != nil && o.Symbol == req.Symbol {
			orders = append(orders, o)
		}
	case ReportAllOrders:
		var err error
		orders, err = h.orders.Find(ctx, store.OrderFilter{ExchangeID: h.cfg.ExchangeID, Symbol: req.Symbol})
		if err != nil {
			return nil, false, err
		}
	default:
		return nil, false, nil
	}
	data, err := json.Marshal(snapshotMessage{Type: "snapshot", Data: orders})
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (h *Hub) pump(t *topic, l *gateway.Listener) {
	defer l.Close()
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-l.Events():
			if !ok {
				return
			}
			if t.req.Match(&ev) {
				t.broadcast(h, ev.Raw)
			}
		}
	}
}

// Match 判断事件是否属于该请求
func (r Request) Match(ev *gateway.Event) bool {
	switch r.Report {
	case ReportPriceFeed:
		return ev.Kind == gateway.KindKline || ev.Kind == gateway.KindTicker || ev.Kind == gateway.KindTrade
	case ReportUserData:
		return ev.Kind.IsUserData() && (r.Symbol == "" || ev.Symbol == "" || ev.Symbol == r.Symbol)
	case ReportOrder:
		return ev.Kind == gateway.KindExecutionReport && ev.Execution != nil &&
			ev.Execution.OrderID == r.OrderID && ev.Symbol == r.Symbol
	case ReportAllOrders:
		return ev.Kind == gateway.KindExecutionReport && (r.Symbol == "" || ev.Symbol == r.Symbol)
	}
	return false
}

// broadcast 非阻塞投递；发送缓冲已满的客户端被断开
func (t *topic) broadcast(h *Hub, msg []byte) {
	var dropped int
	t.mu.Lock()
	for c := range t.clients {
		select {
		case c.send <- msg:
		default:
			delete(t.clients, c)
			close(c.send)
			dropped++
			log.Warn().Str("topic", t.key).Msg("下游客户端过慢，断开连接")
		}
	}
	t.mu.Unlock()
	if dropped > 0 {
		h.addCount(t.req.Report, -dropped)
	}
}

// leave 客户端读循环退出时调用
func (h *Hub) leave(c *client) {
	t := c.topic
	t.mu.Lock()
	_, ok := t.clients[c]
	if ok {
		delete(t.clients, c)
		close(c.send)
	}
	t.mu.Unlock()
	if ok {
		h.addCount(t.req.Report, -1)
		log.Info().Str("topic", t.key).Msg("下游客户端已断开")
	}
}

// Close 断开所有客户端并停止转发
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	h.cancel()
	for _, t := range topics {
		t.mu.Lock()
		n := len(t.clients)
		for c := range t.clients {
			delete(t.clients, c)
			close(c.send)
		}
		t.mu.Unlock()
		if n > 0 {
			h.addCount(t.req.Report, -n)
		}
	}
	h.wg.Wait()
}
