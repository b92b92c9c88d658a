package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/exchange-gateway/internal/config"
	"github.com/newplayman/exchange-gateway/internal/logging"
	"github.com/newplayman/exchange-gateway/internal/metrics"
	"github.com/newplayman/exchange-gateway/internal/runner"
)

var (
	configFile = flag.String("config", "config.yaml", "配置文件路径")
	envFile    = flag.String("env", ".env", "环境变量文件，不存在时忽略")
	logLevel   = flag.String("log", "", "日志级别 (debug, info, warn, error)，为空时取配置文件")
)

func main() {
	flag.Parse()

	logging.Setup(logging.Options{Level: "info"})

	// 单实例锁实现，防止多进程启动
	lockFile := "/tmp/exchange_gateway.lock"
	lock, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Fatal().Err(err).Msg("创建锁文件失败")
	}
	err = syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		log.Fatal().Msg("已有一个网关进程在运行")
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
		os.Remove(lockFile)
	}()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", *envFile).Msg("读取环境变量文件失败")
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	level := cfg.Global.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	closer := logging.Setup(logging.Options{
		Level:      level,
		File:       cfg.Global.LogFile,
		MaxSizeMB:  cfg.Global.LogMaxSizeMB,
		MaxBackups: cfg.Global.LogMaxBackups,
		MaxAgeDays: cfg.Global.LogMaxAgeDays,
	})
	defer closer.Close()
	config.OnReload(func(c *config.Config) {
		if *logLevel == "" {
			logging.SetLevel(c.Global.LogLevel)
		}
	})

	log.Info().
		Str("exchange", cfg.Exchange.ID).
		Bool("testnet", cfg.Exchange.TestNet).
		Int("symbols", len(cfg.Symbols)).
		Str("store", cfg.Store.Driver).
		Msg("交易所网关启动中...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动Prometheus监控
	if cfg.Global.MetricsPort > 0 {
		if _, err := metrics.StartMetricsServer(cfg.Global.MetricsPort); err != nil {
			log.Error().Err(err).Msg("启动监控服务器失败")
		}
	}

	r := runner.NewRunner(cfg)
	log.Info().Msg("正在启动Runner...")
	if err := r.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("启动Runner失败")
	}

	log.Info().Msg("网关启动完成")

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		log.Info().Msg("收到退出信号，正在关闭...")
	case err := <-r.Failed():
		log.Error().Err(err).Msg("上游连接重连耗尽，网关退出")
		exitCode = 1
	}

	r.Stop()
	cancel()

	log.Info().Msg("网关已关闭")
	if exitCode != 0 {
		closer.Close()
		os.Exit(exitCode)
	}
}
