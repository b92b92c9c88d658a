package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeSync 通过 WS API time 方法维护本地与服务器的时间差
type TimeSync struct {
	mu           sync.RWMutex
	offset       int64 // 服务器时间减本地时间（毫秒）
	lastSync     time.Time
	syncInterval time.Duration
	timeout      time.Duration
	cmd          Commander
	syncing      atomic.Bool
}

// NewTimeSync 创建时间同步器
func NewTimeSync(cmd Commander) *TimeSync {
	return &TimeSync{
		syncInterval: 30 * time.Minute, // 每30分钟同步一次
		timeout:      5 * time.Second,
		cmd:          cmd,
	}
}

// SetInterval 修改同步周期，在 Run 之前调用
func (ts *TimeSync) SetInterval(d time.Duration) {
	if d > 0 {
		ts.syncInterval = d
	}
}

// Sync 从服务器同步时间，取往返中点作为本地参照
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := timeNowMillis()
	resp, err := ts.cmd.SendAndAwait(ctx, "time", nil, ts.timeout)
	if err != nil {
		return fmt.Errorf("获取服务器时间失败: %w", err)
	}
	after := timeNowMillis()

	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := resp.Decode(&result); err != nil {
		return fmt.Errorf("解析服务器时间失败: %w", err)
	}
	if result.ServerTime == 0 {
		return fmt.Errorf("服务器时间为空")
	}

	offset := result.ServerTime - (before+after)/2

	ts.mu.Lock()
	ts.offset = offset
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	log.Debug().Int64("offset_ms", offset).Msg("服务器时间已同步")
	return nil
}

// GetServerTime 返回同步后的服务器时间（毫秒），过期时后台刷新
func (ts *TimeSync) GetServerTime() int64 {
	ts.mu.RLock()
	offset := ts.offset
	lastSync := ts.lastSync
	ts.mu.RUnlock()

	if (lastSync.IsZero() || time.Since(lastSync) > ts.syncInterval) && ts.syncing.CompareAndSwap(false, true) {
		go func() {
			defer ts.syncing.Store(false)
			if err := ts.Sync(context.Background()); err != nil {
				log.Warn().Err(err).Msg("后台时间同步失败")
			}
		}()
	}

	return timeNowMillis() + offset
}

// GetOffset 返回当前时间偏移量（毫秒）
func (ts *TimeSync) GetOffset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}

// Run 按 syncInterval 周期同步，直到 ctx 取消
func (ts *TimeSync) Run(ctx context.Context) {
	ticker := time.NewTicker(ts.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ts.Sync(ctx); err != nil {
				log.Warn().Err(err).Msg("定时时间同步失败")
			}
		}
	}
}
