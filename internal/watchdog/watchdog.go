package watchdog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/exchange-gateway/internal/metrics"
)

// Pinger 命令通道心跳
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 函数适配 Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Reconnector 可被强制重连的连接，*gateway.ConnectionManager 满足该接口
type Reconnector interface {
	TriggerReconnect()
}

// Config 看门狗配置
type Config struct {
	PingInterval         time.Duration
	PingTimeout          time.Duration
	PingFailureThreshold int

	StreamCheckInterval  time.Duration
	StreamStaleThreshold time.Duration
}

func (c *Config) normalize() {
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.PingFailureThreshold <= 0 {
		c.PingFailureThreshold = 3
	}
	if c.StreamStaleThreshold <= 0 {
		c.StreamStaleThreshold = 60 * time.Second
	}
	if c.StreamCheckInterval <= 0 {
		c.StreamCheckInterval = c.StreamStaleThreshold / 4
	}
}

type streamState struct {
	conn     Reconnector
	lastSeen time.Time
}

// Watchdog 连接层只能发现断线；这里补上假死检测：
// 命令通道 ping 连续失败、或行情流长时间无数据时强制重连
type Watchdog struct {
	cfg     Config
	pinger  Pinger
	command Reconnector

	mu      sync.Mutex
	streams map[string]*streamState

	cancel context.CancelFunc
	wg     sync.WaitGroup

	pingFailures int
	now          func() time.Time
}

// NewWatchdog 创建看门狗；pinger 为空时不检查命令通道
func NewWatchdog(cfg Config, pinger Pinger, command Reconnector) *Watchdog {
	cfg.normalize()
	return &Watchdog{
		cfg:     cfg,
		pinger:  pinger,
		command: command,
		streams: make(map[string]*streamState),
		now:     time.Now,
	}
}

// Watch 登记一条需要检测流量的连接
func (w *Watchdog) Watch(name string, conn Reconnector) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streams[name] = &streamState{conn: conn, lastSeen: w.now()}
}

// Touch 记录该连接收到了数据
func (w *Watchdog) Touch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.streams[name]; ok {
		s.lastSeen = w.now()
	}
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) {
	childCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.pinger != nil && w.command != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runPingLoop(childCtx)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runStreamLoop(childCtx)
	}()
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}

func (w *Watchdog) runPingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkCommand(ctx)
		}
	}
}

func (w *Watchdog) checkCommand(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.PingTimeout)
	err := w.pinger.Ping(pctx)
	cancel()
	if err == nil {
		w.pingFailures = 0
		return
	}
	if ctx.Err() != nil {
		return
	}

	w.pingFailures++
	log.Warn().Err(err).Int("failures", w.pingFailures).Msg("命令通道心跳失败")
	if w.pingFailures >= w.cfg.PingFailureThreshold {
		log.Error().Int("failures", w.pingFailures).Msg("命令通道连续心跳失败，强制重连")
		metrics.RecordError("watchdog", "command")
		w.command.TriggerReconnect()
		w.pingFailures = 0
	}
}

func (w *Watchdog) runStreamLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StreamCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkStreams()
		}
	}
}

// checkStreams 对假死连接触发重连，并把计时重置，避免每轮重复触发
func (w *Watchdog) checkStreams() []string {
	now := w.now()
	var stale []string
	var conns []Reconnector

	w.mu.Lock()
	for name, s := range w.streams {
		if now.Sub(s.lastSeen) > w.cfg.StreamStaleThreshold {
			stale = append(stale, name)
			conns = append(conns, s.conn)
			s.lastSeen = now
		}
	}
	w.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)
	log.Error().
		Strs("conns", stale).
		Dur("stale_threshold", w.cfg.StreamStaleThreshold).
		Msg("WebSocket长时间无数据，触发重连")
	for _, c := range conns {
		metrics.RecordError("watchdog", "stream")
		c.TriggerReconnect()
	}
	return stale
}
