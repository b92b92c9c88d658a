package runner

import "time"

const (
	// 订阅 id 段：行情与用户流分开计数，便于排查 ack
	PRICE_SUB_ID_BASE = 1000
	USER_SUB_ID_BASE  = 2000

	STOP_TIMEOUT          = 5 * time.Second // 优雅关闭等待上限
	MONITOR_INTERVAL      = time.Minute     // 全局监控日志间隔
	LISTEN_KEY_STOP_GRACE = 3 * time.Second // 关闭前注销 listenKey 的超时
)
