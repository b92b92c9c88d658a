package gateway

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/newplayman/exchange-gateway/internal/metrics"
)

// GenericKey 监听全部事件（含无法识别的事件）。
const GenericKey = "*"

// Transport ConnectionManager 对多路复用器暴露的能力。
type Transport interface {
	Name() string
	Events() <-chan ConnEvent
	SendRaw(data []byte) error
	State() ConnState
}

// ReplyHandler 接收带字符串 id 的 WS API 回复，通常是 Correlator。
type ReplyHandler interface {
	HandleReply(r *Reply) bool
	HandleDisconnect(err error)
}

// SubStatus 订阅状态
type SubStatus int

const (
	SubQueued SubStatus = iota
	SubActive
)

func (s SubStatus) String() string {
	if s == SubActive {
		return "ACTIVE"
	}
	return "QUEUED"
}

// Subscription 一条订阅：连接未 OPEN 时排队，OPEN 后按 FIFO 各发一帧 SUBSCRIBE。
type Subscription struct {
	StreamType string
	Params     []string
	ID         int64
	Status     SubStatus
}

// MuxConfig 多路复用器配置
type MuxConfig struct {
	ControlRate    float64 // 控制帧每秒上限（交易所限制每连接 5 条/秒）
	ControlBurst   int
	ListenerBuffer int
	ErrorBuffer    int
}

func (c *MuxConfig) applyDefaults() {
	if c.ControlRate <= 0 {
		c.ControlRate = 4
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = 1
	}
	if c.ListenerBuffer <= 0 {
		c.ListenerBuffer = 64
	}
	if c.ErrorBuffer <= 0 {
		c.ErrorBuffer = 32
	}
}

// Listener 按 key 接收事件。C 在多路复用器停止后关闭。
type Listener struct {
	key  string
	ch   chan Event
	done chan struct{}
	once sync.Once
	mux  *StreamMultiplexer
}

// Events 事件通道
func (l *Listener) Events() <-chan Event { return l.ch }

// Key 注册的 key
func (l *Listener) Key() string { return l.key }

// Close 注销监听；已在投递中的事件会被放弃。
func (l *Listener) Close() {
	l.once.Do(func() {
		close(l.done)
		if l.mux != nil {
			l.mux.removeListener(l)
		}
	})
}

// StreamMultiplexer 单条连接上的订阅管理与入站分发。
// 它是该连接事件的唯一消费者，分发严格按帧到达顺序进行。
type StreamMultiplexer struct {
	conn Transport
	cfg  MuxConfig

	mu        sync.Mutex
	subs      []*Subscription
	listeners map[string]map[*Listener]struct{}
	replies   ReplyHandler
	open      bool
	stopped   bool
	failErr   error

	sendMu sync.Mutex // 保证控制帧的 FIFO
	pacer  *rate.Limiter
	errs   chan error
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamMultiplexer 创建多路复用器，需调用 Run 开始消费连接事件。
func NewStreamMultiplexer(conn Transport, cfg MuxConfig) *StreamMultiplexer {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamMultiplexer{
		conn:      conn,
		cfg:       cfg,
		listeners: make(map[string]map[*Listener]struct{}),
		pacer:     rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst),
		errs:      make(chan error, cfg.ErrorBuffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// AttachReplies 设置 WS API 回复处理器。
func (m *StreamMultiplexer) AttachReplies(h ReplyHandler) {
	m.mu.Lock()
	m.replies = h
	m.mu.Unlock()
}

// Errors 协议错误与错误 ack；满了丢弃并记日志。
func (m *StreamMultiplexer) Errors() <-chan error { return m.errs }

// Done Run 退出后关闭。
func (m *StreamMultiplexer) Done() <-chan struct{} { return m.done }

// Err 连接重连耗尽时的终止原因；主动关闭或仍在运行时为 nil。
func (m *StreamMultiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

// SendRaw 透传给底层连接，供 Correlator 发送命令帧。
func (m *StreamMultiplexer) SendRaw(data []byte) error {
	if err := m.conn.SendRaw(data); err != nil {
		return err
	}
	metrics.RecordFrameSent(m.conn.Name(), "command")
	return nil
}

// Run 消费连接事件直到连接事件通道关闭或 ctx 取消。
func (m *StreamMultiplexer) Run(ctx context.Context) {
	defer m.shutdown()
	events := m.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.onDisconnect(ErrConnectionClosed)
				return
			}
			m.handle(ev)
		}
	}
}

func (m *StreamMultiplexer) handle(ev ConnEvent) {
	switch ev.Type {
	case ConnOpen:
		m.onOpen()
	case ConnMessage:
		m.handleMessage(ev.Data)
	case ConnClose:
		err := ev.Err
		if err == nil {
			err = ErrConnectionClosed
		}
		m.onDisconnect(err)
	case ConnError:
		// 拨号失败，连接本就不在 OPEN，不影响订阅状态
		log.Debug().Err(ev.Err).Str("conn", m.conn.Name()).Msg("connection error")
	case ConnFailed:
		m.mu.Lock()
		m.failErr = fmt.Errorf("%s: %w", m.conn.Name(), ev.Err)
		m.mu.Unlock()
		m.onDisconnect(ev.Err)
		m.pushError(fmt.Errorf("%s: %w", m.conn.Name(), ev.Err))
	}
}

// Subscribe 追加订阅。未 OPEN 时排队；OPEN 时立即发送。
// 发送失败的订阅保持排队，下次 OPEN 时重放。
func (m *StreamMultiplexer) Subscribe(streamType string, topics []string, id int64) error {
	if len(topics) == 0 {
		return Invalidf("subscribe %s: empty topics", streamType)
	}
	sub := &Subscription{StreamType: streamType, Params: append([]string(nil), topics...), ID: id, Status: SubQueued}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	m.subs = append(m.subs, sub)
	open := m.open
	m.mu.Unlock()
	m.reportSubs()

	if !open {
		log.Debug().Str("conn", m.conn.Name()).Strs("params", topics).Msg("连接未就绪，订阅排队")
		return nil
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := m.sendSubscribe(sub); err != nil {
		log.Warn().Err(err).Str("conn", m.conn.Name()).Strs("params", topics).Msg("订阅发送失败，等待重连后重放")
	}
	return nil
}

// Unsubscribe 移除订阅。排队中的直接删除不发帧；已激活的发送 UNSUBSCRIBE。
func (m *StreamMultiplexer) Unsubscribe(topics []string, id int64) error {
	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
	}

	m.mu.Lock()
	var active []string
	kept := m.subs[:0]
	for _, sub := range m.subs {
		remaining := sub.Params[:0]
		for _, p := range sub.Params {
			if _, ok := drop[p]; ok {
				if sub.Status == SubActive {
					active = append(active, p)
				}
				continue
			}
			remaining = append(remaining, p)
		}
		sub.Params = remaining
		if len(sub.Params) > 0 {
			kept = append(kept, sub)
		}
	}
	m.subs = kept
	open := m.open
	m.mu.Unlock()
	m.reportSubs()

	if !open || len(active) == 0 {
		return nil
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.sendControl(ControlFrame{Method: "UNSUBSCRIBE", Params: active, ID: id})
}

// Subscriptions 当前订阅副本（按排队顺序）。
func (m *StreamMultiplexer) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		c := *s
		c.Params = append([]string(nil), s.Params...)
		out = append(out, c)
	}
	return out
}

// HasStream 是否已有包含该 stream 的订阅（排队或激活）。
func (m *StreamMultiplexer) HasStream(stream string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		for _, p := range s.Params {
			if p == stream {
				return true
			}
		}
	}
	return false
}

// ListenerCount 当前登记的监听数
func (m *StreamMultiplexer) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.listeners {
		n += len(set)
	}
	return n
}

// Listen 注册一个 key：大写交易对、combined stream 名或 GenericKey。
func (m *StreamMultiplexer) Listen(key string) *Listener {
	l := &Listener{
		key:  key,
		ch:   make(chan Event, m.cfg.ListenerBuffer),
		done: make(chan struct{}),
		mux:  m,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		close(l.ch)
		return l
	}
	set, ok := m.listeners[key]
	if !ok {
		set = make(map[*Listener]struct{})
		m.listeners[key] = set
	}
	set[l] = struct{}{}
	return l
}

func (m *StreamMultiplexer) removeListener(l *Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.listeners[l.key]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(m.listeners, l.key)
		}
	}
}

// onOpen 按排队顺序重放订阅。持有 sendMu 期间新来的 Subscribe 会排在其后。
func (m *StreamMultiplexer) onOpen() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	m.open = true
	queued := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.Status == SubQueued {
			queued = append(queued, s)
		}
	}
	m.mu.Unlock()

	if len(queued) > 0 {
		log.Info().Str("conn", m.conn.Name()).Int("count", len(queued)).Msg("连接就绪，重放排队订阅")
	}
	for _, s := range queued {
		if err := m.sendSubscribe(s); err != nil {
			log.Warn().Err(err).Str("conn", m.conn.Name()).Msg("重放订阅失败")
			break
		}
	}
}

// onDisconnect 激活的订阅退回排队，保持原顺序；待回复请求全部失败。
func (m *StreamMultiplexer) onDisconnect(err error) {
	m.mu.Lock()
	m.open = false
	for _, s := range m.subs {
		s.Status = SubQueued
	}
	replies := m.replies
	m.mu.Unlock()
	m.reportSubs()
	if replies != nil {
		replies.HandleDisconnect(err)
	}
}

// sendSubscribe 调用方持有 sendMu。
func (m *StreamMultiplexer) sendSubscribe(s *Subscription) error {
	m.mu.Lock()
	params := append([]string(nil), s.Params...)
	stillQueued := s.Status == SubQueued && len(params) > 0
	m.mu.Unlock()
	if !stillQueued {
		return nil
	}
	if err := m.sendControl(ControlFrame{Method: "SUBSCRIBE", Params: params, ID: s.ID}); err != nil {
		return err
	}
	m.mu.Lock()
	s.Status = SubActive
	m.mu.Unlock()
	m.reportSubs()
	return nil
}

func (m *StreamMultiplexer) sendControl(frame ControlFrame) error {
	if err := m.pacer.Wait(m.ctx); err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode control frame: %w", err)
	}
	if err := m.conn.SendRaw(data); err != nil {
		return fmt.Errorf("%s %v: %w", frame.Method, frame.Params, err)
	}
	metrics.RecordFrameSent(m.conn.Name(), "control")
	return nil
}

func (m *StreamMultiplexer) handleMessage(data []byte) {
	name := m.conn.Name()
	frame, err := ParseFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("conn", name).Int("bytes", len(data)).Msg("drop unparseable frame")
		metrics.RecordFrameDropped(name, "parse")
		return
	}
	metrics.RecordFrameReceived(name, frame.Kind.String())

	switch frame.Kind {
	case FrameReply:
		m.mu.Lock()
		replies := m.replies
		m.mu.Unlock()
		if replies != nil && replies.HandleReply(frame.Reply) {
			return
		}
		if frame.Reply.Error != nil {
			m.pushError(frame.Reply.Error)
			return
		}
		log.Debug().Str("conn", name).Str("id", frame.Reply.ID).Msg("unhandled reply")
	case FrameAck:
		if frame.Err != nil {
			m.pushError(fmt.Errorf("control request %d: %w", frame.AckID, frame.Err))
			return
		}
		log.Debug().Str("conn", name).Int64("id", frame.AckID).Msg("control ack")
	case FrameError:
		m.pushError(frame.Err)
	case FrameEvent:
		m.dispatch(frame.Event)
	}
}

// dispatch 先投递到交易对/stream 监听者，再投递 GenericKey；同一监听者只收一次。
func (m *StreamMultiplexer) dispatch(ev *Event) {
	if ev.Kind == KindUnknown {
		log.Debug().Str("conn", m.conn.Name()).Str("type", ev.Type).Str("stream", ev.Stream).Msg("unrecognized event")
	}

	m.mu.Lock()
	var targets []*Listener
	seen := make(map[*Listener]struct{})
	for _, key := range append(ev.Keys(), GenericKey) {
		for l := range m.listeners[key] {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			targets = append(targets, l)
		}
	}
	m.mu.Unlock()

	for _, l := range targets {
		select {
		case l.ch <- *ev:
		case <-l.done:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *StreamMultiplexer) pushError(err error) {
	select {
	case m.errs <- err:
	default:
		log.Warn().Err(err).Str("conn", m.conn.Name()).Msg("错误通道已满，丢弃")
	}
}

func (m *StreamMultiplexer) reportSubs() {
	m.mu.Lock()
	var queued, active int
	for _, s := range m.subs {
		if s.Status == SubActive {
			active++
		} else {
			queued++
		}
	}
	m.mu.Unlock()
	metrics.UpdateSubscriptions(m.conn.Name(), queued, active)
}

// shutdown 不论因何退出，挂起的请求都以 ErrConnectionClosed 结束。
func (m *StreamMultiplexer) shutdown() {
	m.cancel()
	m.mu.Lock()
	m.stopped = true
	m.open = false
	listeners := m.listeners
	m.listeners = make(map[string]map[*Listener]struct{})
	replies := m.replies
	m.mu.Unlock()
	if replies != nil {
		replies.HandleDisconnect(ErrConnectionClosed)
	}
	for _, set := range listeners {
		for l := range set {
			close(l.ch)
		}
	}
	close(m.done)
}
