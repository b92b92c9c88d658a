package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/newplayman/exchange-gateway/internal/config"
	gateway "github.com/newplayman/exchange-gateway/internal/exchange"
	"github.com/newplayman/exchange-gateway/internal/metrics"
	"github.com/newplayman/exchange-gateway/internal/order"
	"github.com/newplayman/exchange-gateway/internal/relay"
	"github.com/newplayman/exchange-gateway/internal/store"
	"github.com/newplayman/exchange-gateway/internal/watchdog"
)

// Runner 网关运行器：命令连接、行情连接、用户数据流、订单协调与下游中继
type Runner struct {
	cfg       *config.Config
	endpoints gateway.Endpoints

	store       store.OrderStore
	session     *CommandSession
	coordinator *order.Coordinator

	priceConn *gateway.ConnectionManager
	priceMux  *gateway.StreamMultiplexer
	userConn  *gateway.ConnectionManager
	userMux   *gateway.StreamMultiplexer

	listenKeys      *gateway.ListenKeyClient
	listenKey       string
	keepAliveCancel context.CancelFunc
	nextSubID       atomic.Int64

	watchdog *watchdog.Watchdog

	hub       *relay.Hub
	relaySrv  *relay.Server
	relayPort int

	cancel   context.CancelFunc
	wg       conc.WaitGroup
	stopChan chan struct{}
	failed   chan error
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewRunner 创建Runner实例，Start 之前不建立任何连接
func NewRunner(cfg *config.Config) *Runner {
	r := &Runner{
		cfg:       cfg,
		endpoints: Endpoints(cfg),
		stopChan:  make(chan struct{}),
		failed:    make(chan error, 1),
	}
	r.nextSubID.Store(USER_SUB_ID_BASE)
	return r
}

// Start 启动Runner；任一步失败会释放已建立的资源
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("runner已停止，无法重新启动")
	}
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner已启动")
	}
	r.started = true
	r.mu.Unlock()

	ctx, r.cancel = context.WithCancel(ctx)
	if err := r.start(ctx); err != nil {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		r.shutdown()
		return err
	}
	log.Info().Msg("Runner启动完成")
	return nil
}

func (r *Runner) start(ctx context.Context) error {
	log.Info().Str("driver", r.cfg.Store.Driver).Msg("正在初始化订单存储...")
	st, err := OpenStore(ctx, r.cfg)
	if err != nil {
		return err
	}
	r.store = st

	log.Info().Str("url", r.endpoints.WSAPI).Msg("正在连接交易所命令通道...")
	session, err := DialCommand(ctx, r.cfg, r.endpoints.WSAPI)
	if err != nil {
		return fmt.Errorf("连接交易所失败: %w", err)
	}
	r.session = session
	r.wg.Go(func() {
		select {
		case err := <-session.Failed():
			r.fail(err)
		case <-ctx.Done():
		}
	})

	r.coordinator = order.NewCoordinator(order.Config{
		ExchangeID:     r.cfg.Exchange.ID,
		CommandTimeout: r.cfg.CommandTimeout(),
		RecvWindow:     r.cfg.Exchange.RecvWindowMs,
	}, session.Signer, session.Correlator, st)

	log.Info().Strs("symbols", r.cfg.GetAllSymbols()).Msg("正在启动行情流...")
	r.priceConn, r.priceMux, err = r.openStream(ctx, "price")
	if err != nil {
		return fmt.Errorf("启动行情流失败: %w", err)
	}
	for i, symbol := range r.cfg.GetAllSymbols() {
		streams := symbolStreams(*r.cfg.GetSymbolConfig(symbol))
		if len(streams) == 0 {
			continue
		}
		if err := r.priceMux.Subscribe("market", streams, int64(PRICE_SUB_ID_BASE+i)); err != nil {
			return fmt.Errorf("订阅 %s 失败: %w", symbol, err)
		}
	}

	r.startWatchdog(ctx)

	if session.Signer != nil {
		log.Info().Msg("正在启动用户数据流...")
		if err := r.startUserStream(ctx); err != nil {
			return fmt.Errorf("启动用户数据流失败: %w", err)
		}
		log.Info().Msg("用户数据流启动成功")
	}

	if r.cfg.Relay.Enabled {
		if err := r.startRelay(); err != nil {
			return fmt.Errorf("启动中继失败: %w", err)
		}
	}

	r.wg.Go(func() { r.runGlobalMonitor(ctx) })
	return nil
}

// startWatchdog 命令通道定时 ping，行情流按最近一次事件判断假死
func (r *Runner) startWatchdog(ctx context.Context) {
	correlator := r.session.Correlator
	timeout := r.cfg.CommandTimeout()
	pinger := watchdog.PingFunc(func(ctx context.Context) error {
		_, err := correlator.SendAndAwait(ctx, "ping", nil, timeout)
		return err
	})
	r.watchdog = watchdog.NewWatchdog(watchdog.Config{
		PingInterval:         r.cfg.CommandPingInterval(),
		PingTimeout:          timeout,
		StreamStaleThreshold: r.cfg.StaleStreamThreshold(),
	}, pinger, r.session.Conn)

	if len(r.priceMux.Subscriptions()) > 0 {
		r.watchdog.Watch("price", r.priceConn)
		activity := r.priceMux.Listen(gateway.GenericKey)
		r.wg.Go(func() {
			for range activity.Events() {
				r.watchdog.Touch("price")
			}
		})
	}
	r.watchdog.Start(ctx)
}

// openStream 建立一条 combined stream 连接；订阅在连接 OPEN 前排队
func (r *Runner) openStream(ctx context.Context, name string) (*gateway.ConnectionManager, *gateway.StreamMultiplexer, error) {
	conn := gateway.NewConnectionManager(r.endpoints.Stream, connConfig(r.cfg, name))
	mux := gateway.NewStreamMultiplexer(conn, muxConfig(r.cfg))
	r.wg.Go(func() { mux.Run(ctx) })
	r.wg.Go(func() { watchErrors(ctx, name, mux, r.fail) })
	if err := conn.Open(ctx); err != nil {
		return nil, nil, err
	}
	return conn, mux, nil
}

func (r *Runner) startUserStream(ctx context.Context) error {
	r.listenKeys = gateway.NewListenKeyClient(r.session.Correlator, r.session.Signer, r.cfg.CommandTimeout())
	key, err := r.listenKeys.Start(ctx)
	if err != nil {
		return err
	}

	conn, mux, err := r.openStream(ctx, "user")
	if err != nil {
		return err
	}
	r.userConn, r.userMux = conn, mux

	// 先注册监听再订阅，避免漏掉首批事件
	orders := mux.Listen(gateway.GenericKey)
	expiry := mux.Listen(gateway.GenericKey)
	if err := mux.Subscribe("user", []string{key}, r.nextSubID.Add(1)); err != nil {
		return err
	}

	r.mu.Lock()
	r.listenKey = key
	r.mu.Unlock()
	r.restartKeepAlive(ctx, key)

	r.wg.Go(func() { r.coordinator.Run(ctx, orders.Events()) })
	r.wg.Go(func() { r.watchListenKey(ctx, expiry) })
	return nil
}

// restartKeepAlive 停掉旧 key 的续期任务，为新 key 启动续期
func (r *Runner) restartKeepAlive(ctx context.Context, key string) {
	kctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.keepAliveCancel != nil {
		r.keepAliveCancel()
	}
	r.keepAliveCancel = cancel
	r.mu.Unlock()
	r.wg.Go(func() { r.listenKeys.KeepAlive(kctx, key, r.cfg.ListenKeyKeepAlive()) })
}

// watchListenKey 收到 listenKeyExpired 后重新申请并切换订阅
func (r *Runner) watchListenKey(ctx context.Context, l *gateway.Listener) {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case ev, ok := <-l.Events():
			if !ok {
				return
			}
			if ev.Kind != gateway.KindListenKeyExpired {
				continue
			}
			if err := r.rotateListenKey(ctx); err != nil {
				log.Error().Err(err).Msg("listenKey 轮换失败")
				metrics.RecordError("listen_key", "user")
			}
		}
	}
}

func (r *Runner) rotateListenKey(ctx context.Context) error {
	key, err := r.listenKeys.Start(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.listenKey
	r.listenKey = key
	r.mu.Unlock()

	if key != old {
		if err := r.userMux.Unsubscribe([]string{old}, r.nextSubID.Add(1)); err != nil {
			log.Warn().Err(err).Msg("退订旧 listenKey 失败")
		}
		if err := r.userMux.Subscribe("user", []string{key}, r.nextSubID.Add(1)); err != nil {
			return err
		}
	}
	r.restartKeepAlive(ctx, key)
	log.Info().Bool("changed", key != old).Msg("listenKey 已重新申请")
	return nil
}

func (r *Runner) startRelay() error {
	// 接口变量需显式为 nil，未启用用户流时中继拒绝用户类报告
	var user relay.Feed
	if r.userMux != nil {
		user = r.userMux
	}
	r.hub = relay.NewHub(relay.HubConfig{
		ExchangeID: r.cfg.Exchange.ID,
		SendBuffer: r.cfg.Relay.SendBuffer,
	}, r.priceMux, user, r.store)
	r.relaySrv = relay.NewServer(r.cfg.Relay.Addr, r.hub)

	port, err := r.relaySrv.Start()
	if err != nil {
		return err
	}
	r.relayPort = port
	log.Info().Int("port", port).Msg("下游中继已启动")
	return nil
}

// runGlobalMonitor 周期输出连接与请求概况
func (r *Runner) runGlobalMonitor(ctx context.Context) {
	ticker := time.NewTicker(MONITOR_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.logStatus()
		}
	}
}

func (r *Runner) logStatus() {
	for _, conn := range []*gateway.ConnectionManager{r.session.Conn, r.priceConn, r.userConn} {
		if conn == nil {
			continue
		}
		s := conn.Stats()
		log.Info().
			Str("conn", s.Name).
			Str("state", s.State.String()).
			Int("reconnects", s.TotalReconnects).
			Time("last_pong", s.LastPongTime).
			Msg("连接状态")
	}
	ev := log.Info().Int("pending", r.session.Correlator.Pending()).Int("price_listeners", r.priceMux.ListenerCount())
	if r.hub != nil {
		ev = ev.Int("topics", r.hub.Topics())
	}
	ev.Msg("网关状态")
}

// Failed 任一上游连接重连耗尽时收到终止原因；网关此时应停止
func (r *Runner) Failed() <-chan error { return r.failed }

func (r *Runner) fail(err error) {
	log.Error().Err(err).Msg("上游连接不可恢复")
	metrics.RecordError("connection_failed", "runner")
	select {
	case r.failed <- err:
	default:
	}
}

// Coordinator 订单协调器，Start 成功后可用
func (r *Runner) Coordinator() *order.Coordinator { return r.coordinator }

// Store 订单存储，Start 成功后可用
func (r *Runner) Store() store.OrderStore { return r.store }

// RelayPort 中继实际监听端口，未启用时为 0
func (r *Runner) RelayPort() int { return r.relayPort }

// ListenKey 当前用户数据流 key
func (r *Runner) ListenKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenKey
}

// Stop 停止Runner，可重复调用
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	log.Info().Msg("正在停止Runner...")
	r.shutdown()
	log.Info().Msg("Runner已停止")
}

// shutdown 先断下游再注销 listenKey，最后关闭上游连接与存储
func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), STOP_TIMEOUT)
	defer cancel()

	if r.relaySrv != nil {
		if err := r.relaySrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("关闭中继失败")
		}
	}
	if r.hub != nil {
		r.hub.Close()
	}

	r.mu.Lock()
	key := r.listenKey
	r.mu.Unlock()
	if r.listenKeys != nil && key != "" {
		stopCtx, stopCancel := context.WithTimeout(ctx, LISTEN_KEY_STOP_GRACE)
		if err := r.listenKeys.Stop(stopCtx, key); err != nil {
			log.Warn().Err(err).Msg("注销 listenKey 失败")
		}
		stopCancel()
	}

	select {
	case <-r.stopChan:
	default:
		close(r.stopChan)
	}
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	// 先关连接再取消 ctx，挂起的请求以 ErrConnectionClosed 结束
	for _, conn := range []*gateway.ConnectionManager{r.userConn, r.priceConn} {
		if conn != nil {
			_ = conn.Close()
		}
	}
	if r.session != nil {
		r.session.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if r.store != nil {
		if err := r.store.Close(); err != nil {
			log.Error().Err(err).Msg("关闭订单存储失败")
		}
	}
}

// symbolStreams 启动时为交易对预订阅的 combined stream 名
func symbolStreams(sc config.SymbolConfig) []string {
	var streams []string
	if len(sc.Timeframes) > 0 {
		streams = relay.Request{Report: relay.ReportPriceFeed, Symbol: sc.Symbol, Timeframes: sc.Timeframes}.Streams()
	}
	if sc.Ticker {
		streams = append(streams, strings.ToLower(sc.Symbol)+"@ticker")
	}
	return streams
}
