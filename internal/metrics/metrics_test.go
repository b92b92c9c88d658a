package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	// 测试指标是否正确初始化
	if ConnState == nil {
		t.Error("ConnState metric not initialized")
	}
	if PendingRequests == nil {
		t.Error("PendingRequests metric not initialized")
	}
	if OrderTransitions == nil {
		t.Error("OrderTransitions metric not initialized")
	}
}

func TestRecordReconnect(t *testing.T) {
	before := testutil.ToFloat64(Reconnects.WithLabelValues("test-conn", "attempt"))
	RecordReconnect("test-conn", "attempt")
	RecordReconnect("test-conn", "attempt")
	after := testutil.ToFloat64(Reconnects.WithLabelValues("test-conn", "attempt"))
	if after-before != 2 {
		t.Fatalf("expected 2 reconnect attempts, got %v", after-before)
	}
}

func TestUpdateRateLimit(t *testing.T) {
	UpdateRateLimit("ORDERS", "10s", 25, 50)
	if got := testutil.ToFloat64(RateLimitUsage.WithLabelValues("ORDERS", "10s")); got != 0.5 {
		t.Fatalf("expected usage 0.5, got %v", got)
	}
	// limit 为 0 时忽略
	UpdateRateLimit("ORDERS", "10s", 1, 0)
	if got := testutil.ToFloat64(RateLimitUsage.WithLabelValues("ORDERS", "10s")); got != 0.5 {
		t.Fatalf("zero limit should be ignored, got %v", got)
	}
}

func TestUpdateSubscriptions(t *testing.T) {
	UpdateSubscriptions("market", 2, 3)
	if got := testutil.ToFloat64(Subscriptions.WithLabelValues("market", "queued")); got != 2 {
		t.Fatalf("queued = %v", got)
	}
	if got := testutil.ToFloat64(Subscriptions.WithLabelValues("market", "active")); got != 3 {
		t.Fatalf("active = %v", got)
	}
}

func TestMetricsHTTPHandler(t *testing.T) {
	RecordOrderTransition("applied", "FILLED")
	RecordRequest("order.place", "ok", 0.02)

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	for _, name := range []string{"gateway_order_transitions_total", "gateway_request_latency_seconds"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestConcurrentMetricsUpdate(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				RecordFrameReceived("concurrent", "event")
				RecordError("test", "concurrent")
			}
		}()
	}
	wg.Wait()
	if got := testutil.ToFloat64(FramesReceived.WithLabelValues("concurrent", "event")); got != 1000 {
		t.Fatalf("expected 1000 frames, got %v", got)
	}
}

func TestStartMetricsServerEphemeralPort(t *testing.T) {
	port, err := StartMetricsServer(0)
	if err != nil {
		t.Fatalf("start metrics server: %v", err)
	}
	if port <= 0 {
		t.Fatalf("expected ephemeral port, got %d", port)
	}
}
