package order

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	gateway "github.com/newplayman/exchange-gateway/internal/exchange"
	"github.com/newplayman/exchange-gateway/internal/store"
)

// orderAck order.place / order.cancel / order.status 回复中的订单结构
type orderAck struct {
	Symbol             string          `json:"symbol"`
	OrderID            int64           `json:"orderId"`
	OrderListID        int64           `json:"orderListId"`
	ClientOrderID      string          `json:"clientOrderId"`
	OrigClientOrderID  string          `json:"origClientOrderId"`
	TransactTime       int64           `json:"transactTime"`
	Time               int64           `json:"time"`
	UpdateTime         int64           `json:"updateTime"`
	Price              decimal.Decimal `json:"price"`
	StopPrice          decimal.Decimal `json:"stopPrice"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CumulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status             string          `json:"status"`
	TimeInForce        string          `json:"timeInForce"`
	Type               string          `json:"type"`
	Side               string          `json:"side"`
	Fills              []ackFill       `json:"fills"`
}

type ackFill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	TradeID         int64           `json:"tradeId"`
}

// listAck orderList.* 回复
type listAck struct {
	OrderListID       int64      `json:"orderListId"`
	ContingencyType   string     `json:"contingencyType"`
	ListStatusType    string     `json:"listStatusType"`
	ListOrderStatus   string     `json:"listOrderStatus"`
	ListClientOrderID string     `json:"listClientOrderId"`
	TransactionTime   int64      `json:"transactionTime"`
	Symbol            string     `json:"symbol"`
	Orders            []listLeg  `json:"orders"`
	OrderReports      []orderAck `json:"orderReports"`
}

type listLeg struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (a *orderAck) update() Update {
	at := a.TransactTime
	if a.UpdateTime > at {
		at = a.UpdateTime
	}
	clientID := a.ClientOrderID
	if a.OrigClientOrderID != "" {
		clientID = a.OrigClientOrderID
	}
	u := Update{
		Symbol:             a.Symbol,
		OrderID:            a.OrderID,
		ClientOrderID:      clientID,
		OrderListID:        a.OrderListID,
		Side:               a.Side,
		Type:               a.Type,
		TimeInForce:        a.TimeInForce,
		Status:             a.Status,
		Price:              a.Price,
		StopPrice:          a.StopPrice,
		OrigQty:            a.OrigQty,
		ExecutedQty:        a.ExecutedQty,
		CumulativeQuoteQty: a.CumulativeQuoteQty,
		CreatedAt:          millis(a.Time),
		EventTime:          millis(at),
	}
	for _, f := range a.Fills {
		u.Fills = append(u.Fills, store.Fill{
			TradeID:         f.TradeID,
			Price:           f.Price,
			Quantity:        f.Qty,
			Commission:      f.Commission,
			CommissionAsset: f.CommissionAsset,
			Time:            millis(a.TransactTime),
		})
	}
	return u
}

// FromExecutionReport 将执行回报转换为状态更新。
func FromExecutionReport(r *gateway.ExecutionReport) Update {
	clientID := r.ClientOrderID
	if r.OrigClientOrderID != "" {
		clientID = r.OrigClientOrderID
	}
	at := r.TransactTime
	if at == 0 {
		at = r.EventTime
	}
	u := Update{
		Symbol:             r.Symbol,
		OrderID:            r.OrderID,
		ClientOrderID:      clientID,
		OrderListID:        r.OrderListID,
		Side:               r.Side,
		Type:               r.OrderType,
		TimeInForce:        r.TimeInForce,
		Status:             r.Status,
		Price:              r.Price,
		StopPrice:          r.StopPrice,
		OrigQty:            r.Quantity,
		ExecutedQty:        r.CumulativeQty,
		CumulativeQuoteQty: r.CumulativeQuoteQty,
		RejectReason:       r.RejectReason,
		CreatedAt:          millis(r.CreationTime),
		EventTime:          millis(at),
	}
	if r.HasTrade() {
		u.Fills = []store.Fill{{
			TradeID:         r.TradeID,
			Price:           r.LastPrice,
			Quantity:        r.LastQty,
			Commission:      r.Commission,
			CommissionAsset: r.CommissionAsset,
			Time:            millis(r.TransactTime),
		}}
	}
	return u
}

func listFromStatus(exchangeID string, s *gateway.ListStatus) *store.OrderList {
	l := &store.OrderList{
		ExchangeID:        exchangeID,
		OrderListID:       s.OrderListID,
		ListClientOrderID: s.ListClientOrderID,
		Symbol:            s.Symbol,
		ContingencyType:   s.ContingencyType,
		ListStatusType:    s.ListStatusType,
		ListOrderStatus:   s.ListOrderStatus,
		UpdatedAt:         millis(s.TransactTime),
	}
	for _, o := range s.Orders {
		l.Legs = append(l.Legs, store.OrderListLeg{Symbol: o.Symbol, OrderID: o.OrderID, ClientOrderID: o.ClientOrderID})
	}
	return l
}

func (a *listAck) list(exchangeID string) *store.OrderList {
	l := &store.OrderList{
		ExchangeID:        exchangeID,
		OrderListID:       a.OrderListID,
		ListClientOrderID: a.ListClientOrderID,
		Symbol:            a.Symbol,
		ContingencyType:   a.ContingencyType,
		ListStatusType:    a.ListStatusType,
		ListOrderStatus:   a.ListOrderStatus,
		UpdatedAt:         millis(a.TransactionTime),
	}
	for _, o := range a.Orders {
		l.Legs = append(l.Legs, store.OrderListLeg{Symbol: o.Symbol, OrderID: o.OrderID, ClientOrderID: o.ClientOrderID})
	}
	return l
}

// cancelReplaceData order.cancelReplace 成功回复，以及 -2021/-2022 错误的 data
type cancelReplaceData struct {
	CancelResult     string          `json:"cancelResult"`
	NewOrderResult   string          `json:"newOrderResult"`
	CancelResponse   json.RawMessage `json:"cancelResponse"`
	NewOrderResponse json.RawMessage `json:"newOrderResponse"`
}

// halfError cancelReplace 中失败一侧的 {code,msg}
type halfError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
