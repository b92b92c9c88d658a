package main

import (
	"context"
	"flag"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/exchange-gateway/internal/config"
	"github.com/newplayman/exchange-gateway/internal/logging"
	"github.com/newplayman/exchange-gateway/internal/order"
	"github.com/newplayman/exchange-gateway/internal/runner"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "配置文件路径")
	logLevel := flag.String("log", "info", "日志级别 (debug, info, warn, error)")
	only := flag.String("symbols", "", "只撤这些交易对（逗号分隔），默认配置中的全部")
	flag.Parse()

	logging.Setup(logging.Options{Level: *logLevel})
	log.Info().Msg("紧急撤单工具启动...")

	_ = godotenv.Load()
	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	session, err := runner.DialCommand(ctx, cfg, runner.Endpoints(cfg).WSAPI)
	if err != nil {
		log.Fatal().Err(err).Msg("连接交易所失败")
	}
	defer session.Close()

	st, err := runner.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("打开订单存储失败")
	}
	defer st.Close()

	coord := order.NewCoordinator(order.Config{
		ExchangeID:     cfg.Exchange.ID,
		CommandTimeout: cfg.CommandTimeout(),
		RecvWindow:     cfg.Exchange.RecvWindowMs,
	}, session.Signer, session.Correlator, st)

	symbols := cfg.GetAllSymbols()
	if *only != "" {
		symbols = strings.Split(strings.ToUpper(*only), ",")
	}

	failed := 0
	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		log.Info().Str("symbol", symbol).Msg("撤销所有挂单...")
		canceled, err := coord.CancelAll(ctx, symbol)
		if err != nil {
			failed++
			log.Error().Err(err).Str("symbol", symbol).Msg("撤单失败")
			continue
		}
		log.Info().Str("symbol", symbol).Int("canceled", len(canceled)).Msg("撤单完成")
	}

	if failed > 0 {
		log.Warn().Int("failed", failed).Msg("紧急撤单完成，部分交易对失败")
		return
	}
	log.Info().Msg("紧急撤单完成。")
}
