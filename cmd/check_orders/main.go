package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/exchange-gateway/internal/config"
	"github.com/newplayman/exchange-gateway/internal/logging"
	"github.com/newplayman/exchange-gateway/internal/order"
	"github.com/newplayman/exchange-gateway/internal/runner"
	"github.com/newplayman/exchange-gateway/internal/store"
)

// 对账工具：列出本地记录的未完结订单，并向交易所查询最新状态写回
func main() {
	cfgPath := flag.String("config", "config.yaml", "配置文件路径")
	refresh := flag.Bool("refresh", true, "是否向交易所查询并更新状态")
	flag.Parse()

	logging.Setup(logging.Options{Level: "info"})
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := runner.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("打开订单存储失败")
	}
	defer st.Close()

	var coord *order.Coordinator
	if *refresh {
		session, err := runner.DialCommand(ctx, cfg, runner.Endpoints(cfg).WSAPI)
		if err != nil {
			log.Fatal().Err(err).Msg("连接交易所失败")
		}
		defer session.Close()
		coord = order.NewCoordinator(order.Config{
			ExchangeID:     cfg.Exchange.ID,
			CommandTimeout: cfg.CommandTimeout(),
			RecvWindow:     cfg.Exchange.RecvWindowMs,
		}, session.Signer, session.Correlator, st)
	}

	open := []store.OrderStatus{store.StatusNew, store.StatusPartiallyFilled, store.StatusPendingCancel}
	for _, symbol := range cfg.GetAllSymbols() {
		log.Info().Str("symbol", symbol).Msg("查询挂单...")
		orders, err := st.Find(ctx, store.OrderFilter{ExchangeID: cfg.Exchange.ID, Symbol: symbol, Statuses: open})
		if err != nil {
			log.Error().Err(err).Msg("查询失败")
			continue
		}
		log.Info().Int("count", len(orders)).Msg("挂单数量")
		for _, o := range orders {
			if coord != nil {
				latest, err := coord.QueryOrder(ctx, symbol, o.OrderID)
				if err != nil {
					log.Error().Err(err).Int64("order_id", o.OrderID).Msg("查询交易所订单失败")
				} else {
					o = latest
				}
			}
			fmt.Printf("Order: ID=%d ClientID=%s Status=%s Price=%s Qty=%s Executed=%s\n",
				o.OrderID, o.ClientOrderID, o.Status, o.Price, o.OrigQty, o.ExecutedQty)
		}
	}
}
