package gateway

// Binance 现货端点
const (
	BinanceStreamEndpoint        = "wss://stream.binance.com:9443/stream"
	BinanceWSAPIEndpoint         = "wss://ws-api.binance.com:443/ws-api/v3"
	BinanceTestnetStreamEndpoint = "wss://stream.testnet.binance.vision/stream"
	BinanceTestnetWSAPIEndpoint  = "wss://ws-api.testnet.binance.vision/ws-api/v3"
)

// Endpoints 一组上游地址。
type Endpoints struct {
	Stream string // combined stream（行情与 listenKey 用户流）
	WSAPI  string // WS API 命令连接
}

// DefaultEndpoints testnet 为真时返回测试网地址。
func DefaultEndpoints(testnet bool) Endpoints {
	if testnet {
		return Endpoints{Stream: BinanceTestnetStreamEndpoint, WSAPI: BinanceTestnetWSAPIEndpoint}
	}
	return Endpoints{Stream: BinanceStreamEndpoint, WSAPI: BinanceWSAPIEndpoint}
}

// DefaultRateLimits 现货 WS API 公布的默认限额，首次回复后以交易所返回为准。
func DefaultRateLimits() []RateLimit {
	return []RateLimit{
		{RateLimitType: LimitRequestWeight, Interval: "MINUTE", IntervalNum: 1, Limit: 6000},
		{RateLimitType: LimitOrders, Interval: "SECOND", IntervalNum: 10, Limit: 100},
		{RateLimitType: LimitOrders, Interval: "DAY", IntervalNum: 1, Limit: 200000},
	}
}
