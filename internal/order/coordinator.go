package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	gateway "github.com/newplayman/exchange-gateway/internal/exchange"
	"github.com/newplayman/exchange-gateway/internal/metrics"
	"github.com/newplayman/exchange-gateway/internal/store"
)

const clientIDPrefix = "gw-"

// ErrUnknownStatus 交易所返回了未识别的订单状态，本地记录未改动
var ErrUnknownStatus = errors.New("unknown order status")

// Config 协调器配置
type Config struct {
	ExchangeID     string
	CommandTimeout time.Duration
	RecvWindow     int64 // 毫秒，0 表示不发送
	RespType       string
}

func (c *Config) applyDefaults() {
	if c.ExchangeID == "" {
		c.ExchangeID = "binance"
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.RespType == "" {
		c.RespType = "FULL"
	}
}

// Coordinator 下单/撤单命令与执行回报的统一入口。所有订单写入都经过 Apply。
type Coordinator struct {
	cfg    Config
	signer *gateway.Signer
	cmd    gateway.Commander
	store  store.OrderStore
	now    func() time.Time
}

// NewCoordinator 创建协调器；signer 为空时只能处理回报，命令返回 ErrMissingCredentials
func NewCoordinator(cfg Config, signer *gateway.Signer, cmd gateway.Commander, st store.OrderStore) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:    cfg,
		signer: signer,
		cmd:    cmd,
		store:  st,
		now:    time.Now,
	}
}

// MarketOrderRequest 市价单；Quantity 与 QuoteOrderQty 二选一
type MarketOrderRequest struct {
	Symbol        string
	Side          string
	Quantity      decimal.Decimal
	QuoteOrderQty decimal.Decimal
	ClientOrderID string
}

// LimitOrderRequest 限价单
type LimitOrderRequest struct {
	Symbol        string
	Side          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   string
	ClientOrderID string
}

// OCOLeg OCO 的一条腿
type OCOLeg struct {
	Type        string
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce string
}

// OCORequest orderList.place.oco 请求
type OCORequest struct {
	Symbol            string
	Side              string
	Quantity          decimal.Decimal
	Above             OCOLeg
	Below             OCOLeg
	ListClientOrderID string
}

// OCOResult 列表及其成员订单
type OCOResult struct {
	List   *store.OrderList
	Orders []*store.Order
}

// CancelReplaceRequest order.cancelReplace 请求
type CancelReplaceRequest struct {
	Symbol            string
	CancelOrderID     int64
	CancelOrigClient  string
	Side              string
	Type              string
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	TimeInForce       string
	NewClientOrderID  string
	CancelReplaceMode string
}

// CancelReplaceResult 两个独立写入的结果；部分失败时不做补偿
type CancelReplaceResult struct {
	Canceled  *store.Order
	New       *store.Order
	CancelErr error
	NewErr    error
}

func (c *Coordinator) checkCredentials() error {
	if c.signer == nil {
		return gateway.ErrMissingCredentials
	}
	return nil
}

func validSide(side string) bool {
	return side == "BUY" || side == "SELL"
}

func newClientOrderID() string {
	return clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PlaceMarketOrder 市价下单
func (c *Coordinator) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*store.Order, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if req.Symbol == "" {
		return nil, gateway.Invalidf("symbol is required")
	}
	if !validSide(req.Side) {
		return nil, gateway.Invalidf("invalid side %q", req.Side)
	}
	hasQty, hasQuote := req.Quantity.IsPositive(), req.QuoteOrderQty.IsPositive()
	if hasQty == hasQuote {
		return nil, gateway.Invalidf("exactly one of quantity or quoteOrderQty is required")
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = newClientOrderID()
	}

	p := gateway.NewParams().
		Set("symbol", req.Symbol).
		Set("side", req.Side).
		Set("type", "MARKET").
		SetIf(hasQty, "quantity", req.Quantity).
		SetIf(hasQuote, "quoteOrderQty", req.QuoteOrderQty).
		Set("newClientOrderId", req.ClientOrderID).
		Set("newOrderRespType", c.cfg.RespType)
	return c.placeOrder(ctx, p)
}

// PlaceLimitOrder 限价下单，TimeInForce 默认 GTC
func (c *Coordinator) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*store.Order, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if req.Symbol == "" {
		return nil, gateway.Invalidf("symbol is required")
	}
	if !validSide(req.Side) {
		return nil, gateway.Invalidf("invalid side %q", req.Side)
	}
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		return nil, gateway.Invalidf("price and quantity must be positive")
	}
	if req.TimeInForce == "" {
		req.TimeInForce = "GTC"
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = newClientOrderID()
	}

	p := gateway.NewParams().
		Set("symbol", req.Symbol).
		Set("side", req.Side).
		Set("type", "LIMIT").
		Set("timeInForce", req.TimeInForce).
		Set("price", req.Price).
		Set("quantity", req.Quantity).
		Set("newClientOrderId", req.ClientOrderID).
		Set("newOrderRespType", c.cfg.RespType)
	return c.placeOrder(ctx, p)
}

func (c *Coordinator) placeOrder(ctx context.Context, p *gateway.Params) (*store.Order, error) {
	resp, err := c.call(ctx, "order.place", p)
	if err != nil {
		log.Error().Err(err).Str("symbol", p.String("symbol")).Str("clientOrderId", p.String("newClientOrderId")).Msg("下单失败")
		return nil, err
	}
	var ack orderAck
	if err := resp.Decode(&ack); err != nil {
		return nil, err
	}
	o, err := c.apply(ctx, ack.update())
	if err != nil {
		return nil, err
	}
	log.Info().Str("symbol", o.Symbol).Int64("orderId", o.OrderID).Str("status", string(o.Status)).Msg("下单成功")
	return o, nil
}

func (leg OCOLeg) validate(name string) error {
	if leg.Type == "" {
		return gateway.Invalidf("%sType is required", name)
	}
	if leg.Price.IsZero() && leg.StopPrice.IsZero() {
		return gateway.Invalidf("%s leg needs price or stopPrice", name)
	}
	return nil
}

func (leg OCOLeg) apply(p *gateway.Params, name string) {
	p.Set(name+"Type", leg.Type).
		SetIf(!leg.Price.IsZero(), name+"Price", leg.Price).
		SetIf(!leg.StopPrice.IsZero(), name+"StopPrice", leg.StopPrice).
		SetIf(leg.TimeInForce != "", name+"TimeInForce", leg.TimeInForce)
}

// PlaceOCO 下 OCO 订单列表
func (c *Coordinator) PlaceOCO(ctx context.Context, req OCORequest) (*OCOResult, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if req.Symbol == "" {
		return nil, gateway.Invalidf("symbol is required")
	}
	if !validSide(req.Side) {
		return nil, gateway.Invalidf("invalid side %q", req.Side)
	}
	if !req.Quantity.IsPositive() {
		return nil, gateway.Invalidf("quantity must be positive")
	}
	if err := req.Above.validate("above"); err != nil {
		return nil, err
	}
	if err := req.Below.validate("below"); err != nil {
		return nil, err
	}

	p := gateway.NewParams().
		Set("symbol", req.Symbol).
		Set("side", req.Side).
		Set("quantity", req.Quantity)
	req.Above.apply(p, "above")
	req.Below.apply(p, "below")
	p.SetIf(req.ListClientOrderID != "", "listClientOrderId", req.ListClientOrderID).
		Set("newOrderRespType", c.cfg.RespType)

	resp, err := c.call(ctx, "orderList.place.oco", p)
	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("OCO 下单失败")
		return nil, err
	}
	return c.applyList(ctx, resp)
}

// CancelOrder 撤单；orderID 与 origClientOrderID 至少给出一个
func (c *Coordinator) CancelOrder(ctx context.Context, symbol string, orderID int64, origClientOrderID string) (*store.Order, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, gateway.Invalidf("symbol is required")
	}
	if orderID <= 0 && origClientOrderID == "" {
		return nil, gateway.Invalidf("orderId or origClientOrderId is required")
	}

	p := gateway.NewParams().
		Set("symbol", symbol).
		SetIf(orderID > 0, "orderId", orderID).
		SetIf(origClientOrderID != "", "origClientOrderId", origClientOrderID)
	resp, err := c.call(ctx, "order.cancel", p)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Int64("orderId", orderID).Msg("撤单失败")
		return nil, err
	}
	var ack orderAck
	if err := resp.Decode(&ack); err != nil {
		return nil, err
	}
	return c.apply(ctx, ack.update())
}

// CancelOCO 撤销整个订单列表
func (c *Coordinator) CancelOCO(ctx context.Context, symbol string, orderListID int64, listClientOrderID string) (*OCOResult, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, gateway.Invalidf("symbol is required")
	}
	if orderListID <= 0 && listClientOrderID == "" {
		return nil, gateway.Invalidf("orderListId or listClientOrderId is required")
	}

	p := gateway.NewParams().
		Set("symbol", symbol).
		SetIf(orderListID > 0, "orderListId", orderListID).
		SetIf(listClientOrderID != "", "listClientOrderId", listClientOrderID)
	resp, err := c.call(ctx, "orderList.cancel", p)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Int64("orderListId", orderListID).Msg("撤销 OCO 失败")
		return nil, err
	}
	return c.applyList(ctx, resp)
}

// CancelReplace 撤单并下新单。撤单与新单是两次独立写入：
// 撤单成功、新单失败时原订单保持 CANCELED；两者都成功时原订单标记为 REPLACED。
func (c *Coordinator) CancelReplace(ctx context.Context, req CancelReplaceRequest) (*CancelReplaceResult, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if req.Symbol == "" {
		return nil, gateway.Invalidf("symbol is required")
	}
	if req.CancelOrderID <= 0 && req.CancelOrigClient == "" {
		return nil, gateway.Invalidf("cancelOrderId or cancelOrigClientOrderId is required")
	}
	if !validSide(req.Side) {
		return nil, gateway.Invalidf("invalid side %q", req.Side)
	}
	if req.Type == "" {
		req.Type = "LIMIT"
	}
	if !req.Quantity.IsPositive() {
		return nil, gateway.Invalidf("quantity must be positive")
	}
	isLimit := req.Type == "LIMIT"
	if isLimit && !req.Price.IsPositive() {
		return nil, gateway.Invalidf("price must be positive for LIMIT")
	}
	if isLimit && req.TimeInForce == "" {
		req.TimeInForce = "GTC"
	}
	if req.CancelReplaceMode == "" {
		req.CancelReplaceMode = "STOP_ON_FAILURE"
	}
	if req.NewClientOrderID == "" {
		req.NewClientOrderID = newClientOrderID()
	}

	p := gateway.NewParams().
		Set("symbol", req.Symbol).
		Set("cancelReplaceMode", req.CancelReplaceMode).
		SetIf(req.CancelOrderID > 0, "cancelOrderId", req.CancelOrderID).
		SetIf(req.CancelOrigClient != "", "cancelOrigClientOrderId", req.CancelOrigClient).
		Set("side", req.Side).
		Set("type", req.Type).
		SetIf(req.TimeInForce != "", "timeInForce", req.TimeInForce).
		SetIf(isLimit, "price", req.Price).
		Set("quantity", req.Quantity).
		Set("newClientOrderId", req.NewClientOrderID).
		Set("newOrderRespType", c.cfg.RespType)

	var data cancelReplaceData
	resp, callErr := c.call(ctx, "order.cancelReplace", p)
	if callErr != nil {
		var exErr *gateway.ExchangeError
		if !errors.As(callErr, &exErr) || (exErr.Code != -2021 && exErr.Code != -2022) || len(exErr.Data) == 0 {
			return nil, callErr
		}
		if err := json.Unmarshal(exErr.Data, &data); err != nil {
			return nil, fmt.Errorf("decode cancelReplace error data: %w", err)
		}
	} else if err := resp.Decode(&data); err != nil {
		return nil, err
	}

	res := &CancelReplaceResult{}
	if data.CancelResult == "SUCCESS" {
		res.Canceled, res.CancelErr = c.applyAck(ctx, data.CancelResponse)
	} else {
		res.CancelErr = halfFailure("cancel", data.CancelResult, data.CancelResponse, callErr)
	}
	if data.NewOrderResult == "SUCCESS" {
		res.New, res.NewErr = c.applyAck(ctx, data.NewOrderResponse)
	} else {
		res.NewErr = halfFailure("new order", data.NewOrderResult, data.NewOrderResponse, callErr)
	}

	if res.CancelErr == nil && res.NewErr == nil && res.Canceled != nil {
		u := Update{OrderID: res.Canceled.OrderID, Status: string(store.StatusReplaced)}
		if replaced, err := c.apply(ctx, u); err == nil {
			res.Canceled = replaced
		}
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("cancelResult", data.CancelResult).
		Str("newOrderResult", data.NewOrderResult).
		Msg("撤单改价完成")

	if callErr != nil {
		return res, callErr
	}
	return res, nil
}

func halfFailure(what, result string, raw json.RawMessage, callErr error) error {
	var he halfError
	if len(raw) > 0 && json.Unmarshal(raw, &he) == nil && he.Code != 0 {
		return gateway.NewExchangeError(400, he.Code, he.Msg, nil)
	}
	if callErr != nil {
		return callErr
	}
	return fmt.Errorf("%s %s", what, strings.ToLower(result))
}

// QueryOrder 查询订单并写入本地
func (c *Coordinator) QueryOrder(ctx context.Context, symbol string, orderID int64) (*store.Order, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if symbol == "" || orderID <= 0 {
		return nil, gateway.Invalidf("symbol and orderId are required")
	}
	p := gateway.NewParams().Set("symbol", symbol).Set("orderId", orderID)
	resp, err := c.call(ctx, "order.status", p)
	if err != nil {
		return nil, err
	}
	var ack orderAck
	if err := resp.Decode(&ack); err != nil {
		return nil, err
	}
	return c.apply(ctx, ack.update())
}

// CancelAll 撤销交易对下全部挂单（包括订单列表）
func (c *Coordinator) CancelAll(ctx context.Context, symbol string) ([]*store.Order, error) {
	if err := c.checkCredentials(); err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, gateway.Invalidf("symbol is required")
	}
	resp, err := c.call(ctx, "openOrders.cancelAll", gateway.NewParams().Set("symbol", symbol))
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	if err := resp.Decode(&items); err != nil {
		return nil, err
	}
	out := make([]*store.Order, 0, len(items))
	for _, raw := range items {
		var probe struct {
			OrderReports json.RawMessage `json:"orderReports"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return out, fmt.Errorf("decode cancelAll item: %w", err)
		}
		if len(probe.OrderReports) > 0 {
			res, err := c.applyListRaw(ctx, raw)
			if err != nil {
				return out, err
			}
			out = append(out, res.Orders...)
			continue
		}
		o, err := c.applyAck(ctx, raw)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	log.Info().Str("symbol", symbol).Int("canceled", len(out)).Msg("已撤销全部挂单")
	return out, nil
}

func (c *Coordinator) call(ctx context.Context, method string, p *gateway.Params) (*gateway.Response, error) {
	if c.cfg.RecvWindow > 0 {
		p.Set("recvWindow", c.cfg.RecvWindow)
	}
	return c.cmd.SendAndAwait(ctx, method, c.signer.SignParams(p), c.cfg.CommandTimeout)
}

func (c *Coordinator) applyAck(ctx context.Context, raw json.RawMessage) (*store.Order, error) {
	var ack orderAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode order ack: %w", err)
	}
	return c.apply(ctx, ack.update())
}

func (c *Coordinator) applyList(ctx context.Context, resp *gateway.Response) (*OCOResult, error) {
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("%s: empty result", resp.Method)
	}
	return c.applyListRaw(ctx, resp.Result)
}

func (c *Coordinator) applyListRaw(ctx context.Context, raw json.RawMessage) (*OCOResult, error) {
	var ack listAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode order list ack: %w", err)
	}
	list := ack.list(c.cfg.ExchangeID)
	if err := c.store.UpsertOrderList(ctx, list); err != nil {
		log.Error().Err(err).Int64("orderListId", list.OrderListID).Msg("订单列表写入失败")
		return nil, err
	}
	res := &OCOResult{List: list}
	for i := range ack.OrderReports {
		o, err := c.apply(ctx, ack.OrderReports[i].update())
		if err != nil {
			return res, err
		}
		res.Orders = append(res.Orders, o)
	}
	return res, nil
}

// apply 读改写一条订单记录
func (c *Coordinator) apply(ctx context.Context, u Update) (*store.Order, error) {
	if u.OrderID <= 0 {
		return nil, fmt.Errorf("update without orderId")
	}
	key := store.OrderKey{ExchangeID: c.cfg.ExchangeID, OrderID: u.OrderID}
	var outcome Outcome
	o, err := c.store.FindOneAndUpsert(ctx, key, func(existing *store.Order) (*store.Order, error) {
		var next *store.Order
		next, outcome = Apply(c.cfg.ExchangeID, existing, u, c.now())
		if existing != nil && next == nil && outcome != OutcomeUnknownStatus {
			log.Debug().Str("order", key.String()).Str("status", u.Status).Str("outcome", outcome.String()).Msg("状态更新未写入")
		}
		return next, nil
	})
	if err != nil {
		metrics.RecordError("order_store", "coordinator")
		log.Error().Err(err).Str("order", key.String()).Str("status", u.Status).Msg("订单持久化失败，放弃写入")
		return nil, err
	}
	metrics.RecordOrderTransition(outcome.String(), u.Status)

	switch outcome {
	case OutcomeUnknownStatus:
		log.Warn().Str("order", key.String()).Str("status", u.Status).Msg("未知订单状态，记录保持不变")
		if o == nil {
			return nil, fmt.Errorf("order %s: %w %q", key, ErrUnknownStatus, u.Status)
		}
	case OutcomeIgnored:
		log.Warn().Str("order", key.String()).Str("status", u.Status).Msg("非法状态迁移，仅合并成交")
	}
	return o, nil
}

// HandleEvent 处理用户数据流事件
func (c *Coordinator) HandleEvent(ctx context.Context, ev gateway.Event) error {
	switch ev.Kind {
	case gateway.KindExecutionReport:
		if ev.Execution == nil {
			return nil
		}
		_, err := c.apply(ctx, FromExecutionReport(ev.Execution))
		if errors.Is(err, ErrUnknownStatus) {
			return nil
		}
		return err
	case gateway.KindListStatus:
		if ev.ListStatus == nil {
			return nil
		}
		list := listFromStatus(c.cfg.ExchangeID, ev.ListStatus)
		if err := c.store.UpsertOrderList(ctx, list); err != nil {
			log.Error().Err(err).Int64("orderListId", list.OrderListID).Msg("订单列表写入失败")
			return err
		}
		return nil
	case gateway.KindListenKeyExpired:
		log.Warn().Str("type", ev.Type).Msg("用户数据流已失效")
	}
	return nil
}

// Run 持续消费事件直到 ctx 结束或通道关闭
func (c *Coordinator) Run(ctx context.Context, events <-chan gateway.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.HandleEvent(ctx, ev); err != nil {
				log.Error().Err(err).Str("type", ev.Type).Msg("处理用户事件失败")
			}
		}
	}
}

// Orders 读取本地订单
func (c *Coordinator) Orders(ctx context.Context, filter store.OrderFilter) ([]*store.Order, error) {
	if filter.ExchangeID == "" {
		filter.ExchangeID = c.cfg.ExchangeID
	}
	return c.store.Find(ctx, filter)
}
