package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/exchange-gateway/internal/metrics"
)

// ConnState 连接状态
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// ConnEventType 连接事件类型
type ConnEventType int

const (
	ConnOpen ConnEventType = iota + 1
	ConnMessage
	ConnError
	ConnClose
	ConnFailed
)

func (t ConnEventType) String() string {
	switch t {
	case ConnOpen:
		return "open"
	case ConnMessage:
		return "message"
	case ConnError:
		return "error"
	case ConnClose:
		return "close"
	case ConnFailed:
		return "failed"
	}
	return "unknown"
}

// ConnEvent 连接事件。Close 事件 Err 为空表示正常关闭（本地 Close 或对端 1000）。
type ConnEvent struct {
	Type    ConnEventType
	Data    []byte
	Err     error
	Attempt int
	At      time.Time
}

// Dialer 建立 WebSocket 连接，*websocket.Dialer 满足该接口。
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// ConnConfig WebSocket 连接与重连配置
type ConnConfig struct {
	Name                 string        // 日志/指标里的连接名
	MaxReconnectAttempts int           // 连续重连上限（0=无限）
	ReconnectDelay       time.Duration // 初始重连延迟
	MaxReconnectDelay    time.Duration // 最大重连延迟
	BackoffFactor        float64       // 退避系数
	PingInterval         time.Duration // 心跳间隔（0=关闭心跳）
	WriteWait            time.Duration // 写超时
	HandshakeTimeout     time.Duration // 握手超时
	EventBuffer          int           // 事件通道容量
	Header               http.Header
	Dialer               Dialer
}

// DefaultConnConfig 默认配置
func DefaultConnConfig(name string) ConnConfig {
	return ConnConfig{
		Name:                 name,
		MaxReconnectAttempts: 10,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectDelay:    60 * time.Second,
		BackoffFactor:        2.0,
		PingInterval:         20 * time.Second,
		WriteWait:            10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		EventBuffer:          256,
	}
}

func (c *ConnConfig) applyDefaults() {
	d := DefaultConnConfig(c.Name)
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		}
	}
}

// ConnStats 连接统计
type ConnStats struct {
	Name              string
	URL               string
	State             ConnState
	ReconnectAttempts int
	TotalReconnects   int
	LastConnectTime   time.Time
	LastPongTime      time.Time
}

// ConnectionManager 维护一条上游 WebSocket 连接：异常断开后按退避重连，
// 连续失败达到上限后发出 failed 事件并停止。所有事件经 Events() 顺序送出。
type ConnectionManager struct {
	mu sync.RWMutex

	cfg   ConnConfig
	url   string
	conn  *websocket.Conn
	state ConnState

	attempts        int
	totalReconnects int
	lastConnectTime time.Time
	lastPongTime    time.Time

	writeMu sync.Mutex

	events      chan ConnEvent
	reconnectCh chan struct{}
	openSignal  chan struct{}
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	closed      bool
}

// NewConnectionManager 创建连接管理器，Open 之前不会拨号。
func NewConnectionManager(url string, cfg ConnConfig) *ConnectionManager {
	cfg.applyDefaults()
	return &ConnectionManager{
		cfg:         cfg,
		url:         url,
		state:       StateClosed,
		events:      make(chan ConnEvent, cfg.EventBuffer),
		reconnectCh: make(chan struct{}, 1),
		openSignal:  make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (m *ConnectionManager) Name() string { return m.cfg.Name }

func (m *ConnectionManager) URL() string { return m.url }

// Events 事件通道；连接彻底停止后关闭。
func (m *ConnectionManager) Events() <-chan ConnEvent { return m.events }

// Done 连接任务退出后关闭。
func (m *ConnectionManager) Done() <-chan struct{} { return m.done }

// Open 启动连接任务；重复调用无副作用。ctx 取消等同于 Close。
func (m *ConnectionManager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnectionClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.state = StateConnecting
	go m.run()
	return nil
}

// WaitOpen 阻塞到连接进入 OPEN；连接任务结束返回 ErrConnectionClosed。
func (m *ConnectionManager) WaitOpen(ctx context.Context) error {
	for {
		m.mu.RLock()
		state := m.state
		signal := m.openSignal
		m.mu.RUnlock()
		if state == StateOpen {
			return nil
		}
		select {
		case <-signal:
		case <-m.done:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State 当前状态
func (m *ConnectionManager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ReconnectAttempts 当前连续重连次数，连接成功后归零。
func (m *ConnectionManager) ReconnectAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// Stats 获取统计信息
func (m *ConnectionManager) Stats() ConnStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ConnStats{
		Name:              m.cfg.Name,
		URL:               m.url,
		State:             m.state,
		ReconnectAttempts: m.attempts,
		TotalReconnects:   m.totalReconnects,
		LastConnectTime:   m.lastConnectTime,
		LastPongTime:      m.lastPongTime,
	}
}

// Send 编码为 JSON 文本帧发送。
func (m *ConnectionManager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return m.SendRaw(data)
}

// SendRaw 发送文本帧；非 OPEN 状态返回 ErrNotConnected，不排队不丢弃。
func (m *ConnectionManager) SendRaw(data []byte) error {
	m.mu.RLock()
	conn := m.conn
	state := m.state
	m.mu.RUnlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

// TriggerReconnect 主动断开当前连接并立即重连（跳过退避等待）。
func (m *ConnectionManager) TriggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close 停止心跳与重连，以 1000 关闭连接，等待连接任务退出。
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if !m.started {
		m.state = StateClosed
		close(m.done)
		close(m.events)
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosing
	conn := m.conn
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(m.cfg.WriteWait))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	<-m.done
	return nil
}

// run 主循环
func (m *ConnectionManager) run() {
	defer close(m.done)
	defer close(m.events)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectDelay
	bo.MaxInterval = m.cfg.MaxReconnectDelay
	bo.Multiplier = m.cfg.BackoffFactor
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		m.setState(StateConnecting)
		conn, err := m.dial()
		if err == nil {
			bo.Reset()
			m.onOpen(conn)
			m.emit(ConnEvent{Type: ConnOpen})

			stopPing := make(chan struct{})
			if m.cfg.PingInterval > 0 {
				go m.keepAliveLoop(conn, stopPing)
			}
			err = m.readLoop(conn)
			close(stopPing)
			m.detach(conn)

			if m.ctx.Err() != nil {
				m.finish()
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Str("conn", m.cfg.Name).Msg("对端正常关闭连接，不再重连")
				m.setState(StateClosed)
				m.emit(ConnEvent{Type: ConnClose})
				return
			}
			log.Warn().Err(err).Str("conn", m.cfg.Name).Msg("WS 连接异常断开")
			m.emit(ConnEvent{Type: ConnClose, Err: err})
		} else {
			if m.ctx.Err() != nil {
				m.finish()
				return
			}
			log.Warn().Err(err).Str("conn", m.cfg.Name).Str("url", m.url).Msg("WS 连接失败")
			m.emit(ConnEvent{Type: ConnError, Err: err})
		}

		// 检查是否达到最大重连次数
		m.mu.Lock()
		if m.cfg.MaxReconnectAttempts > 0 && m.attempts >= m.cfg.MaxReconnectAttempts {
			attempts := m.attempts
			m.state = StateClosed
			m.mu.Unlock()
			metrics.RecordConnState(m.cfg.Name, int(StateClosed))
			metrics.RecordReconnect(m.cfg.Name, "exhausted")
			log.Error().Str("conn", m.cfg.Name).Int("attempts", attempts).Msg("WS 重连次数耗尽，停止重连")
			m.emit(ConnEvent{Type: ConnFailed, Err: ErrReconnectExhausted, Attempt: attempts})
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = m.cfg.MaxReconnectDelay
		}
		metrics.RecordReconnect(m.cfg.Name, "attempt")
		log.Info().Str("conn", m.cfg.Name).Int("attempt", attempt).Dur("delay", delay).Msg("WS 等待重连")

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			m.finish()
			return
		case <-m.reconnectCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dial 建立连接
func (m *ConnectionManager) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := m.cfg.Dialer.DialContext(ctx, m.url, m.cfg.Header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %w (status %d: %s)", m.url, err, resp.StatusCode, body)
		}
		return nil, fmt.Errorf("dial %s: %w", m.url, err)
	}
	return conn, nil
}

func (m *ConnectionManager) onOpen(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		m.mu.Lock()
		m.lastPongTime = time.Now()
		m.mu.Unlock()
		return nil
	})

	m.mu.Lock()
	if m.attempts > 0 {
		m.totalReconnects++
		metrics.RecordReconnect(m.cfg.Name, "success")
	}
	m.attempts = 0
	m.conn = conn
	m.state = StateOpen
	m.lastConnectTime = time.Now()
	close(m.openSignal)
	m.mu.Unlock()
	metrics.RecordConnState(m.cfg.Name, int(StateOpen))
	log.Info().Str("conn", m.cfg.Name).Str("url", m.url).Msg("WS 连接成功")
}

func (m *ConnectionManager) detach(conn *websocket.Conn) {
	_ = conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	if m.state == StateOpen {
		m.state = StateConnecting
	}
	m.openSignal = make(chan struct{})
	m.mu.Unlock()
}

// finish 本地关闭：状态置 CLOSED，尽力送出 close 事件。
func (m *ConnectionManager) finish() {
	m.setState(StateClosed)
	select {
	case m.events <- ConnEvent{Type: ConnClose, At: time.Now()}:
	default:
	}
	log.Info().Str("conn", m.cfg.Name).Msg("WS 连接已关闭")
}

func (m *ConnectionManager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.RecordConnState(m.cfg.Name, int(s))
}

// emit 顺序送出事件；消费方阻塞时反压本连接的读循环。
func (m *ConnectionManager) emit(ev ConnEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// readLoop 读取消息循环
func (m *ConnectionManager) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.emit(ConnEvent{Type: ConnMessage, Data: message})
	}
}

// keepAliveLoop 定时发送 ping；收不到 pong 不主动断开。
func (m *ConnectionManager) keepAliveLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteWait))
			m.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				log.Debug().Err(err).Str("conn", m.cfg.Name).Msg("WS ping failed")
			}
		}
	}
}
