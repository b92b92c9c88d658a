package runner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/exchange-gateway/internal/config"
	"github.com/newplayman/exchange-gateway/internal/store"
)

// OpenStore 按 store.driver 打开订单存储，外层统一套上瞬时错误重试
func OpenStore(ctx context.Context, cfg *config.Config) (store.OrderStore, error) {
	var inner store.OrderStore
	switch cfg.Store.Driver {
	case "", "memory":
		inner = store.NewMemoryStore(cfg.Store.SnapshotPath, cfg.SnapshotInterval())
	case store.DriverSQLite, store.DriverPostgres:
		st, err := store.OpenSQLStore(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("打开订单库失败: %w", err)
		}
		inner = st
	default:
		return nil, fmt.Errorf("未知的 store.driver: %s", cfg.Store.Driver)
	}

	log.Info().Str("driver", cfg.Store.Driver).Int("retry_max", cfg.Store.RetryMax).Msg("订单存储就绪")
	return store.NewRetryStore(inner, cfg.Store.RetryMax, cfg.StoreRetryDelay()), nil
}
