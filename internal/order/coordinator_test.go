package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	gateway "github.com/newplayman/exchange-gateway/internal/exchange"
	"github.com/newplayman/exchange-gateway/internal/store"
)

type sentCommand struct {
	method string
	params *gateway.Params
}

// fakeCommander 按 method 返回预设回复
type fakeCommander struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	sent    []sentCommand
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{replies: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeCommander) SendAndAwait(ctx context.Context, method string, params *gateway.Params, timeout time.Duration) (*gateway.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCommand{method: method, params: params})
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	return &gateway.Response{ID: "1", Method: method, Status: 200, Result: json.RawMessage(f.replies[method])}, nil
}

func (f *fakeCommander) calls() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.sent...)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeCommander, *store.MemoryStore) {
	t.Helper()
	signer, err := gateway.NewSigner("api-key", "secret", func() int64 { return 1700000000000 })
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	cmd := newFakeCommander()
	st := store.NewMemoryStore("", time.Hour)
	t.Cleanup(func() { st.Close() })
	c := NewCoordinator(Config{ExchangeID: "binance", RecvWindow: 5000}, signer, cmd, st)
	return c, cmd, st
}

func parseEvent(t *testing.T, raw string) gateway.Event {
	t.Helper()
	ev, err := gateway.ParseEvent("", []byte(raw))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	return *ev
}

const (
	marketAck555 = `{"symbol":"BTCUSDT","orderId":555,"orderListId":-1,"clientOrderId":"gw-1","transactTime":1700000000100,
		"price":"0.00000000","origQty":"0.01000000","executedQty":"0.00000000","cummulativeQuoteQty":"0.00000000",
		"status":"NEW","timeInForce":"GTC","type":"MARKET","side":"BUY","fills":[]}`

	report555New = `{"e":"executionReport","E":1700000000101,"s":"BTCUSDT","c":"gw-1","S":"BUY","o":"MARKET","f":"GTC",
		"q":"0.01000000","p":"0.00000000","P":"0.00000000","g":-1,"C":"","x":"NEW","X":"NEW","r":"NONE","i":555,
		"l":"0.00000000","z":"0.00000000","L":"0.00000000","n":"0","N":null,"T":1700000000100,"t":-1,"O":1700000000100,"Z":"0.00000000"}`

	report555Filled = `{"e":"executionReport","E":1700000000201,"s":"BTCUSDT","c":"gw-1","S":"BUY","o":"MARKET","f":"GTC",
		"q":"0.01000000","p":"0.00000000","P":"0.00000000","g":-1,"C":"","x":"TRADE","X":"FILLED","r":"NONE","i":555,
		"l":"0.01000000","z":"0.01000000","L":"42000.00","n":"0.00001","N":"BTC","T":1700000000200,"t":9001,"O":1700000000100,"Z":"420.00"}`
)

func TestCoordinator_MarketOrderLifecycle(t *testing.T) {
	c, cmd, st := newTestCoordinator(t)
	ctx := context.Background()
	cmd.replies["order.place"] = marketAck555

	o, err := c.PlaceMarketOrder(ctx, MarketOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          "BUY",
		Quantity:      decimal.RequireFromString("0.01"),
		ClientOrderID: "gw-1",
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if o.OrderID != 555 || o.Status != store.StatusNew {
		t.Fatalf("Expected order 555 NEW, got %d %s", o.OrderID, o.Status)
	}

	sent := cmd.calls()
	if len(sent) != 1 || sent[0].method != "order.place" {
		t.Fatalf("Expected a single order.place, got %+v", sent)
	}
	wantKeys := []string{"symbol", "side", "type", "quantity", "newClientOrderId", "newOrderRespType", "recvWindow", "apiKey", "timestamp", "signature"}
	gotKeys := sent[0].params.Keys()
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("Expected keys %v, got %v", wantKeys, gotKeys)
	}
	for i := range wantKeys {
		if gotKeys[i] != wantKeys[i] {
			t.Errorf("param %d: expected %s, got %s", i, wantKeys[i], gotKeys[i])
		}
	}
	if sent[0].params.String("quantity") != "0.01" {
		t.Errorf("Expected quantity 0.01, got %s", sent[0].params.String("quantity"))
	}

	if err := c.HandleEvent(ctx, parseEvent(t, report555New)); err != nil {
		t.Fatalf("HandleEvent NEW: %v", err)
	}
	all, _ := st.Find(ctx, store.OrderFilter{})
	if len(all) != 1 || all[0].Status != store.StatusNew {
		t.Fatalf("Expected one NEW order, got %+v", all)
	}

	if err := c.HandleEvent(ctx, parseEvent(t, report555Filled)); err != nil {
		t.Fatalf("HandleEvent FILLED: %v", err)
	}
	all, _ = st.Find(ctx, store.OrderFilter{})
	if len(all) != 1 {
		t.Fatalf("Expected a single order record, got %d", len(all))
	}
	got := all[0]
	if got.Status != store.StatusFilled || len(got.Fills) != 1 || got.Fills[0].TradeID != 9001 {
		t.Errorf("Expected FILLED with fill 9001, got %s %+v", got.Status, got.Fills)
	}
	if got.ExecutedQty.String() != "0.01" || got.CumulativeQuoteQty.String() != "420" {
		t.Errorf("Unexpected quantities: executed=%s quote=%s", got.ExecutedQty, got.CumulativeQuoteQty)
	}
}

func TestCoordinator_ReplayIsIdempotent(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		for _, raw := range []string{report555New, report555Filled} {
			if err := c.HandleEvent(ctx, parseEvent(t, raw)); err != nil {
				t.Fatalf("HandleEvent: %v", err)
			}
		}
	}

	o, err := st.FindOne(ctx, store.OrderKey{ExchangeID: "binance", OrderID: 555})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if o.Status != store.StatusFilled || len(o.Fills) != 1 {
		t.Errorf("Expected FILLED with one fill, got %s/%d", o.Status, len(o.Fills))
	}
}

func TestCoordinator_UnknownStatusLeavesRecord(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.HandleEvent(ctx, parseEvent(t, report555New)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	odd := parseEvent(t, report555New)
	odd.Execution.Status = "PENDING_NEW"
	if err := c.HandleEvent(ctx, odd); err != nil {
		t.Fatalf("unknown status should be fail-soft, got %v", err)
	}

	o, _ := st.FindOne(ctx, store.OrderKey{ExchangeID: "binance", OrderID: 555})
	if o == nil || o.Status != store.StatusNew {
		t.Errorf("Expected unchanged NEW record, got %+v", o)
	}
}

func TestCoordinator_ValidationFailsBeforeNetwork(t *testing.T) {
	c, cmd, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.PlaceLimitOrder(ctx, LimitOrderRequest{Symbol: "BTCUSDT", Side: "BUY", Quantity: decimal.NewFromInt(1)}); !errors.Is(err, gateway.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for missing price, got %v", err)
	}
	if _, err := c.PlaceMarketOrder(ctx, MarketOrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Quantity: decimal.NewFromInt(1)}); !errors.Is(err, gateway.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for side, got %v", err)
	}
	if _, err := c.CancelOrder(ctx, "BTCUSDT", 0, ""); !errors.Is(err, gateway.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for cancel, got %v", err)
	}

	noCreds := NewCoordinator(Config{}, nil, cmd, store.NewMemoryStore("", time.Hour))
	if _, err := noCreds.CancelAll(ctx, "BTCUSDT"); !errors.Is(err, gateway.ErrMissingCredentials) {
		t.Errorf("Expected ErrMissingCredentials, got %v", err)
	}

	if n := len(cmd.calls()); n != 0 {
		t.Errorf("Expected no commands sent, got %d", n)
	}
}

func TestCoordinator_LimitOrderAndCancel(t *testing.T) {
	c, cmd, _ := newTestCoordinator(t)
	ctx := context.Background()

	cmd.replies["order.place"] = `{"symbol":"BTCUSDT","orderId":600,"orderListId":-1,"clientOrderId":"gw-2","transactTime":1,
		"price":"0.01","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW","timeInForce":"GTC","type":"LIMIT","side":"SELL"}`
	cmd.replies["order.cancel"] = `{"symbol":"BTCUSDT","origClientOrderId":"gw-2","orderId":600,"orderListId":-1,"clientOrderId":"cancel-1",
		"transactTime":2,"price":"0.01","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","status":"CANCELED","timeInForce":"GTC","type":"LIMIT","side":"SELL"}`

	o, err := c.PlaceLimitOrder(ctx, LimitOrderRequest{Symbol: "BTCUSDT", Side: "SELL", Quantity: decimal.NewFromInt(1), Price: decimal.RequireFromString("0.01")})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if o.Price.String() != "0.01" || o.TimeInForce != "GTC" {
		t.Errorf("Unexpected order: %+v", o)
	}

	o, err = c.CancelOrder(ctx, "BTCUSDT", 0, "gw-2")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if o.Status != store.StatusCanceled || o.ClientOrderID != "gw-2" {
		t.Errorf("Expected CANCELED gw-2, got %s %s", o.Status, o.ClientOrderID)
	}

	sent := cmd.calls()
	cancel := sent[len(sent)-1].params
	if cancel.Has("orderId") || cancel.String("origClientOrderId") != "gw-2" {
		t.Errorf("Unexpected cancel params: %s", cancel.Canonical())
	}
}

const ocoAck = `{"orderListId":42,"contingencyType":"OCO","listStatusType":"EXEC_STARTED","listOrderStatus":"EXECUTING",
	"listClientOrderId":"list-1","transactionTime":1700000000000,"symbol":"BTCUSDT",
	"orders":[{"symbol":"BTCUSDT","orderId":700,"clientOrderId":"a"},{"symbol":"BTCUSDT","orderId":701,"clientOrderId":"b"}],
	"orderReports":[
		{"symbol":"BTCUSDT","orderId":700,"orderListId":42,"clientOrderId":"a","transactTime":1700000000000,"price":"50000","origQty":"0.1","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW","timeInForce":"GTC","type":"LIMIT_MAKER","side":"SELL"},
		{"symbol":"BTCUSDT","orderId":701,"orderListId":42,"clientOrderId":"b","transactTime":1700000000000,"price":"0","stopPrice":"40000","origQty":"0.1","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW","timeInForce":"GTC","type":"STOP_LOSS","side":"SELL"}
	]}`

func TestCoordinator_PlaceOCO(t *testing.T) {
	c, cmd, st := newTestCoordinator(t)
	ctx := context.Background()
	cmd.replies["orderList.place.oco"] = ocoAck

	res, err := c.PlaceOCO(ctx, OCORequest{
		Symbol:   "BTCUSDT",
		Side:     "SELL",
		Quantity: decimal.RequireFromString("0.1"),
		Above:    OCOLeg{Type: "LIMIT_MAKER", Price: decimal.NewFromInt(50000)},
		Below:    OCOLeg{Type: "STOP_LOSS", StopPrice: decimal.NewFromInt(40000)},
	})
	if err != nil {
		t.Fatalf("PlaceOCO: %v", err)
	}
	if res.List.OrderListID != 42 || len(res.Orders) != 2 {
		t.Fatalf("Unexpected OCO result: %+v", res)
	}

	p := cmd.calls()[0].params
	if p.String("aboveType") != "LIMIT_MAKER" || p.String("belowStopPrice") != "40000" || p.Has("belowPrice") {
		t.Errorf("Unexpected OCO params: %s", p.Canonical())
	}

	legs, _ := st.Find(ctx, store.OrderFilter{OrderListID: 42})
	if len(legs) != 2 {
		t.Errorf("Expected 2 legs stored, got %d", len(legs))
	}

	ev := parseEvent(t, `{"e":"listStatus","E":1700000000500,"s":"BTCUSDT","g":42,"c":"OCO","l":"ALL_DONE","L":"ALL_DONE","r":"NONE","C":"list-1","T":1700000000500,
		"O":[{"s":"BTCUSDT","i":700,"c":"a"},{"s":"BTCUSDT","i":701,"c":"b"}]}`)
	if err := c.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent listStatus: %v", err)
	}
	list, err := st.FindOrderList(ctx, store.OrderListKey{ExchangeID: "binance", OrderListID: 42})
	if err != nil || list.ListStatusType != "ALL_DONE" {
		t.Errorf("Expected ALL_DONE list, got %+v err=%v", list, err)
	}
}

func TestCoordinator_CancelReplace(t *testing.T) {
	c, cmd, st := newTestCoordinator(t)
	ctx := context.Background()

	cmd.replies["order.place"] = `{"symbol":"BTCUSDT","orderId":800,"orderListId":-1,"clientOrderId":"old","transactTime":1,
		"price":"1","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW","timeInForce":"GTC","type":"LIMIT","side":"BUY"}`
	if _, err := c.PlaceLimitOrder(ctx, LimitOrderRequest{Symbol: "BTCUSDT", Side: "BUY", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1), ClientOrderID: "old"}); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	cmd.replies["order.cancelReplace"] = `{"cancelResult":"SUCCESS","newOrderResult":"SUCCESS",
		"cancelResponse":{"symbol":"BTCUSDT","origClientOrderId":"old","orderId":800,"orderListId":-1,"clientOrderId":"x","transactTime":2,"price":"1","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","status":"CANCELED","timeInForce":"GTC","type":"LIMIT","side":"BUY"},
		"newOrderResponse":{"symbol":"BTCUSDT","orderId":801,"orderListId":-1,"clientOrderId":"new","transactTime":2,"price":"2","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW","timeInForce":"GTC","type":"LIMIT","side":"BUY","fills":[]}}`

	res, err := c.CancelReplace(ctx, CancelReplaceRequest{
		Symbol: "BTCUSDT", CancelOrderID: 800, Side: "BUY", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(2), NewClientOrderID: "new",
	})
	if err != nil {
		t.Fatalf("CancelReplace: %v", err)
	}
	if res.Canceled.Status != store.StatusReplaced || res.New.OrderID != 801 {
		t.Errorf("Expected old REPLACED and new 801, got %s / %+v", res.Canceled.Status, res.New)
	}

	old, _ := st.FindOne(ctx, store.OrderKey{ExchangeID: "binance", OrderID: 800})
	if old.Status != store.StatusReplaced {
		t.Errorf("Expected stored REPLACED, got %s", old.Status)
	}
}

func TestCoordinator_CancelReplacePartialFailure(t *testing.T) {
	c, cmd, st := newTestCoordinator(t)
	ctx := context.Background()

	data := json.RawMessage(`{"cancelResult":"SUCCESS","newOrderResult":"FAILURE",
		"cancelResponse":{"symbol":"BTCUSDT","origClientOrderId":"old","orderId":900,"orderListId":-1,"clientOrderId":"x","transactTime":2,"price":"1","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","status":"CANCELED","timeInForce":"GTC","type":"LIMIT","side":"BUY"},
		"newOrderResponse":{"code":-2010,"msg":"Account has insufficient balance for requested action."}}`)
	cmd.errs["order.cancelReplace"] = gateway.NewExchangeError(409, -2021, "Order cancel-replace partially failed.", data)

	res, err := c.CancelReplace(ctx, CancelReplaceRequest{
		Symbol: "BTCUSDT", CancelOrderID: 900, Side: "BUY", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(2),
	})
	if err == nil {
		t.Fatal("Expected the partial failure to be reported")
	}
	if res == nil || res.CancelErr != nil || res.Canceled == nil {
		t.Fatalf("Expected cancel half to succeed, got %+v", res)
	}
	var exErr *gateway.ExchangeError
	if !errors.As(res.NewErr, &exErr) || exErr.Code != -2010 {
		t.Errorf("Expected new order error -2010, got %v", res.NewErr)
	}

	old, _ := st.FindOne(ctx, store.OrderKey{ExchangeID: "binance", OrderID: 900})
	if old == nil || old.Status != store.StatusCanceled {
		t.Errorf("Expected CANCELED without compensation, got %+v", old)
	}
}

func TestCoordinator_CancelAll(t *testing.T) {
	c, cmd, _ := newTestCoordinator(t)
	ctx := context.Background()

	cmd.replies["openOrders.cancelAll"] = `[
		{"symbol":"BTCUSDT","origClientOrderId":"a1","orderId":10,"orderListId":-1,"clientOrderId":"c1","transactTime":3,"price":"1","origQty":"1","executedQty":"0","cummulativeQuoteQty":"0","status":"CANCELED","timeInForce":"GTC","type":"LIMIT","side":"BUY"},
		` + ocoAck + `]`

	orders, err := c.CancelAll(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if len(orders) != 3 {
		t.Errorf("Expected 3 orders, got %d", len(orders))
	}
	if p := cmd.calls()[0].params; !p.Has("signature") || p.String("symbol") != "BTCUSDT" {
		t.Errorf("Unexpected params: %s", p.Canonical())
	}
}

func TestCoordinator_RunConsumesChannel(t *testing.T) {
	c, _, st := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan gateway.Event, 2)
	events <- parseEvent(t, report555New)
	events <- parseEvent(t, report555Filled)
	close(events)

	done := make(chan struct{})
	go func() {
		c.Run(ctx, events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}

	o, err := st.FindOne(ctx, store.OrderKey{ExchangeID: "binance", OrderID: 555})
	if err != nil || o.Status != store.StatusFilled {
		t.Errorf("Expected FILLED, got %+v err=%v", o, err)
	}
}
