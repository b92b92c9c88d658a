package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// 连接指标
	ConnState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_conn_state",
			Help: "连接状态 (0=CONNECTING, 1=OPEN, 2=CLOSING, 3=CLOSED)",
		},
		[]string{"conn"},
	)

	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconnect_total",
			Help: "重连次数",
		},
		[]string{"conn", "result"}, // result: attempt, success, exhausted
	)

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_frames_received_total",
			Help: "入站帧数量",
		},
		[]string{"conn", "kind"},
	)

	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_frames_sent_total",
			Help: "出站帧数量",
		},
		[]string{"conn", "kind"}, // kind: command, control
	)

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_frames_dropped_total",
			Help: "丢弃的入站帧",
		},
		[]string{"conn", "reason"},
	)

	Subscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_subscriptions",
			Help: "订阅数量",
		},
		[]string{"conn", "status"},
	)

	// 请求关联指标
	PendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_pending_requests",
			Help: "等待回复的请求数",
		},
		[]string{"conn"},
	)

	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_latency_seconds",
			Help:    "WS API 请求往返延迟",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "outcome"},
	)

	RequestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_request_outcome_total",
			Help: "请求结果计数",
		},
		[]string{"method", "outcome"}, // outcome: ok, error, timeout, closed, rate_limited
	)

	LateReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_late_replies_total",
			Help: "重复或迟到的回复",
		},
		[]string{"conn", "reason"}, // reason: duplicate, unknown
	)

	// 限频指标
	RateLimitUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_rate_limit_usage_ratio",
			Help: "限频窗口使用率（count/limit）",
		},
		[]string{"type", "interval"},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "本地限频拒绝次数",
		},
		[]string{"type"},
	)

	// 订单指标
	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_order_transitions_total",
			Help: "订单状态迁移结果",
		},
		[]string{"outcome", "status"},
	)

	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_store_retries_total",
			Help: "持久化重试次数",
		},
		[]string{"op"},
	)

	// 下游指标
	RelayClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_relay_clients",
			Help: "下游 WebSocket 客户端数",
		},
		[]string{"report"},
	)

	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_error_count_total",
			Help: "错误计数",
		},
		[]string{"type", "source"},
	)
)

func init() {
	// 注册所有指标
	prometheus.MustRegister(
		ConnState,
		Reconnects,
		FramesReceived,
		FramesSent,
		FramesDropped,
		Subscriptions,
		PendingRequests,
		RequestLatency,
		RequestOutcomes,
		LateReplies,
		RateLimitUsage,
		RateLimitRejections,
		OrderTransitions,
		StoreRetries,
		RelayClients,
		ErrorCount,
	)
}

// StartMetricsServer 启动Prometheus监控服务器，并返回实际监听端口
func StartMetricsServer(port int) (int, error) {
	if port < 0 {
		port = 0
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s failed: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	log.Info().Int("port", actualPort).Msg("启动Prometheus监控服务器")

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Prometheus服务器启动失败")
		}
	}()

	return actualPort, nil
}

// RecordConnState 更新连接状态
func RecordConnState(conn string, state int) {
	ConnState.WithLabelValues(conn).Set(float64(state))
}

// RecordReconnect 记录重连
func RecordReconnect(conn, result string) {
	Reconnects.WithLabelValues(conn, result).Inc()
}

func RecordFrameReceived(conn, kind string) {
	FramesReceived.WithLabelValues(conn, kind).Inc()
}

func RecordFrameSent(conn, kind string) {
	FramesSent.WithLabelValues(conn, kind).Inc()
}

func RecordFrameDropped(conn, reason string) {
	FramesDropped.WithLabelValues(conn, reason).Inc()
}

// UpdateSubscriptions 更新订阅数
func UpdateSubscriptions(conn string, queued, active int) {
	Subscriptions.WithLabelValues(conn, "queued").Set(float64(queued))
	Subscriptions.WithLabelValues(conn, "active").Set(float64(active))
}

func UpdatePendingRequests(conn string, n int) {
	PendingRequests.WithLabelValues(conn).Set(float64(n))
}

// RecordRequest 记录请求结果与耗时
func RecordRequest(method, outcome string, seconds float64) {
	RequestOutcomes.WithLabelValues(method, outcome).Inc()
	if seconds > 0 {
		RequestLatency.WithLabelValues(method, outcome).Observe(seconds)
	}
}

func RecordLateReply(conn, reason string) {
	LateReplies.WithLabelValues(conn, reason).Inc()
}

// UpdateRateLimit 更新限频窗口使用率
func UpdateRateLimit(limitType, interval string, count, limit int) {
	if limit <= 0 {
		return
	}
	RateLimitUsage.WithLabelValues(limitType, interval).Set(float64(count) / float64(limit))
}

func RecordRateLimitRejection(limitType string) {
	RateLimitRejections.WithLabelValues(limitType).Inc()
}

// RecordOrderTransition 记录订单状态机结果
func RecordOrderTransition(outcome, status string) {
	OrderTransitions.WithLabelValues(outcome, status).Inc()
}

func RecordStoreRetry(op string) {
	StoreRetries.WithLabelValues(op).Inc()
}

func UpdateRelayClients(report string, n int) {
	RelayClients.WithLabelValues(report).Set(float64(n))
}

// RecordError 记录错误
func RecordError(errType, source string) {
	ErrorCount.WithLabelValues(errType, source).Inc()
}
