package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/newplayman/exchange-gateway/internal/config"
	gateway "github.com/newplayman/exchange-gateway/internal/exchange"
	"github.com/newplayman/exchange-gateway/internal/metrics"
)

// CommandSession 一条 WS API 命令连接及其上的关联器、限频与时间同步
type CommandSession struct {
	Conn       *gateway.ConnectionManager
	Mux        *gateway.StreamMultiplexer
	Governor   *gateway.Governor
	Correlator *gateway.Correlator
	TimeSync   *gateway.TimeSync
	Signer     *gateway.Signer

	failed chan error
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Endpoints 配置覆盖优先，否则按 testnet 取默认地址
func Endpoints(cfg *config.Config) gateway.Endpoints {
	ep := gateway.DefaultEndpoints(cfg.Exchange.TestNet)
	if cfg.Exchange.StreamURL != "" {
		ep.Stream = cfg.Exchange.StreamURL
	}
	if cfg.Exchange.CommandURL != "" {
		ep.WSAPI = cfg.Exchange.CommandURL
	}
	return ep
}

func connConfig(cfg *config.Config, name string) gateway.ConnConfig {
	cc := gateway.DefaultConnConfig(name)
	cc.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts
	cc.ReconnectDelay = cfg.ReconnectDelay()
	cc.MaxReconnectDelay = cfg.MaxReconnectDelay()
	cc.BackoffFactor = cfg.Connection.BackoffFactor
	cc.PingInterval = cfg.PingInterval()
	return cc
}

func muxConfig(cfg *config.Config) gateway.MuxConfig {
	return gateway.MuxConfig{ControlRate: cfg.Connection.ControlRate}
}

// DialCommand 建立命令连接并等待 OPEN，完成首次时间同步后返回
func DialCommand(ctx context.Context, cfg *config.Config, url string) (*CommandSession, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &CommandSession{cancel: cancel, failed: make(chan error, 1)}

	s.Conn = gateway.NewConnectionManager(url, connConfig(cfg, "command"))
	s.Mux = gateway.NewStreamMultiplexer(s.Conn, muxConfig(cfg))
	s.Governor = gateway.NewGovernor(gateway.DefaultRateLimits()...)
	s.Correlator = gateway.NewCorrelator(s.Mux, s.Governor, gateway.CorrelatorConfig{
		Name:           "command",
		DefaultTimeout: cfg.CommandTimeout(),
	})
	s.Mux.AttachReplies(s.Correlator)
	s.wg.Go(func() { s.Mux.Run(ctx) })
	s.wg.Go(func() { watchErrors(ctx, "command", s.Mux, s.fail) })

	if err := s.Conn.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, cfg.CommandTimeout())
	defer waitCancel()
	if err := s.Conn.WaitOpen(waitCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("命令连接未就绪: %w", err)
	}

	s.TimeSync = gateway.NewTimeSync(s.Correlator)
	s.TimeSync.SetInterval(cfg.TimeSyncInterval())
	if err := s.TimeSync.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("首次时间同步失败，暂用本地时间")
	}
	s.wg.Go(func() { s.TimeSync.Run(ctx) })

	signer, err := gateway.NewSigner(cfg.Exchange.APIKey, cfg.Exchange.APISecret, s.TimeSync.GetServerTime)
	switch {
	case err == nil:
		s.Signer = signer
	case errors.Is(err, gateway.ErrMissingCredentials):
		log.Warn().Msg("未配置 API 密钥，下单与用户数据流不可用")
	default:
		s.Close()
		return nil, err
	}

	log.Info().Str("url", url).Int64("offset_ms", s.TimeSync.GetOffset()).Msg("命令连接就绪")
	return s, nil
}

// Failed 命令连接重连耗尽后收到终止原因，之后该会话不可用
func (s *CommandSession) Failed() <-chan error { return s.failed }

func (s *CommandSession) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// Close 关闭连接并等待后台任务退出，挂起的请求以 ErrConnectionClosed 结束
func (s *CommandSession) Close() {
	_ = s.Conn.Close()
	s.cancel()
	s.wg.Wait()
}

// watchErrors 记录多路复用器上报的协议错误；连接重连耗尽时交给 fatal
func watchErrors(ctx context.Context, name string, mux *gateway.StreamMultiplexer, fatal func(error)) {
	report := func(err error) {
		log.Error().Err(err).Str("conn", name).Msg("连接上报错误")
		metrics.RecordError(string(gateway.CategoryOf(err)), name)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-mux.Errors():
			report(err)
		case <-mux.Done():
			for drained := false; !drained; {
				select {
				case err := <-mux.Errors():
					report(err)
				default:
					drained = true
				}
			}
			if err := mux.Err(); err != nil && fatal != nil {
				fatal(err)
			}
			return
		}
	}
}
