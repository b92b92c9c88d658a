package relay

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Report 下游路径对应的报告类型
type Report string

const (
	ReportPriceFeed Report = "priceFeed"
	ReportUserData  Report = "userDataReport"
	ReportOrder     Report = "orderStatus"
	ReportAllOrders Report = "allOrders"
)

var validTimeframes = map[string]struct{}{
	"1s": {}, "1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

// Request 解析后的下游订阅请求
type Request struct {
	Report     Report
	Symbol     string
	OrderID    int64
	Timeframes []string
}

// ParseRequest 从路径与查询参数解析请求
func ParseRequest(path string, query url.Values) (Request, error) {
	req := Request{
		Report: Report(strings.Trim(path, "/")),
		Symbol: strings.ToUpper(strings.TrimSpace(query.Get("symbol"))),
	}

	if raw := query.Get("orderId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return req, fmt.Errorf("invalid orderId %q", raw)
		}
		req.OrderID = id
	}

	seen := make(map[string]struct{})
	for _, tf := range strings.Split(query.Get("timeframes"), ",") {
		tf = strings.TrimSpace(tf)
		if tf == "" {
			continue
		}
		if _, ok := validTimeframes[tf]; !ok {
			return req, fmt.Errorf("invalid timeframe %q", tf)
		}
		if _, dup := seen[tf]; dup {
			continue
		}
		seen[tf] = struct{}{}
		req.Timeframes = append(req.Timeframes, tf)
	}

	switch req.Report {
	case ReportPriceFeed:
		if req.Symbol == "" {
			return req, fmt.Errorf("priceFeed requires symbol")
		}
	case ReportOrder:
		if req.Symbol == "" || req.OrderID == 0 {
			return req, fmt.Errorf("orderStatus requires symbol and orderId")
		}
	case ReportUserData, ReportAllOrders:
	default:
		return req, fmt.Errorf("unknown report %q", path)
	}
	return req, nil
}

// TopicKey 相同 key 的客户端共享一个上游订阅
func (r Request) TopicKey() string {
	var b strings.Builder
	b.WriteString(string(r.Report))
	if r.Symbol != "" {
		b.WriteString("|")
		b.WriteString(r.Symbol)
	}
	if r.OrderID != 0 {
		b.WriteString("|")
		b.WriteString(strconv.FormatInt(r.OrderID, 10))
	}
	if len(r.Timeframes) > 0 {
		b.WriteString("|")
		b.WriteString(strings.Join(r.Timeframes, ","))
	}
	return b.String()
}

// Streams priceFeed 需要的 combined stream 名；无 timeframes 时使用 24hr ticker
func (r Request) Streams() []string {
	if r.Report != ReportPriceFeed {
		return nil
	}
	sym := strings.ToLower(r.Symbol)
	if len(r.Timeframes) == 0 {
		return []string{sym + "@ticker"}
	}
	out := make([]string, 0, len(r.Timeframes))
	for _, tf := range r.Timeframes {
		out = append(out, sym+"@kline_"+tf)
	}
	return out
}
