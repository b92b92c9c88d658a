package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusReplaced        OrderStatus = "REPLACED"
)

var knownStatuses = map[OrderStatus]struct{}{
	StatusNew:             {},
	StatusPartiallyFilled: {},
	StatusFilled:          {},
	StatusCanceled:        {},
	StatusPendingCancel:   {},
	StatusRejected:        {},
	StatusExpired:         {},
	StatusReplaced:        {},
}

// ParseOrderStatus 识别交易所状态字符串。
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	_, ok := knownStatuses[st]
	return st, ok
}

// Terminal 终态不再接受普通迁移。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusReplaced:
		return true
	}
	return false
}

var (
	ErrNotFound  = errors.New("store: not found")
	ErrTransient = errors.New("store: transient failure")
)

// OrderKey 订单自然键 (exchangeId, orderId)。
type OrderKey struct {
	ExchangeID string `json:"exchangeId"`
	OrderID    int64  `json:"orderId"`
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%s/%d", k.ExchangeID, k.OrderID)
}

// Fill 一笔成交，按 TradeID 去重，写入后不变。
type Fill struct {
	TradeID         int64           `json:"tradeId"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            time.Time       `json:"time"`
}

// Order 本地订单视图，与交易所保持最终一致，从不删除。
type Order struct {
	ExchangeID         string          `json:"exchangeId"`
	OrderID            int64           `json:"orderId"`
	Symbol             string          `json:"symbol"`
	ClientOrderID      string          `json:"clientOrderId"`
	OrderListID        int64           `json:"orderListId"`
	Side               string          `json:"side"`
	Type               string          `json:"type"`
	TimeInForce        string          `json:"timeInForce"`
	Status             OrderStatus     `json:"status"`
	Price              decimal.Decimal `json:"price"`
	StopPrice          decimal.Decimal `json:"stopPrice"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CumulativeQuoteQty decimal.Decimal `json:"cumulativeQuoteQty"`
	RejectReason       string          `json:"rejectReason,omitempty"`
	Fills              []Fill          `json:"fills"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func (o *Order) Key() OrderKey {
	return OrderKey{ExchangeID: o.ExchangeID, OrderID: o.OrderID}
}

// HasFill 是否已记录该成交。
func (o *Order) HasFill(tradeID int64) bool {
	for _, f := range o.Fills {
		if f.TradeID == tradeID {
			return true
		}
	}
	return false
}

// AddFill 追加成交；重复 TradeID 返回 false。
func (o *Order) AddFill(f Fill) bool {
	if o.HasFill(f.TradeID) {
		return false
	}
	o.Fills = append(o.Fills, f)
	return true
}

// Clone 深拷贝。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Fills = append([]Fill(nil), o.Fills...)
	return &c
}

// dedupFills 按 TradeID 去重，保留首次出现。
func dedupFills(fills []Fill) []Fill {
	if len(fills) < 2 {
		return fills
	}
	seen := make(map[int64]struct{}, len(fills))
	out := fills[:0]
	for _, f := range fills {
		if _, ok := seen[f.TradeID]; ok {
			continue
		}
		seen[f.TradeID] = struct{}{}
		out = append(out, f)
	}
	return out
}

// OrderListKey OCO 列表键。
type OrderListKey struct {
	ExchangeID  string `json:"exchangeId"`
	OrderListID int64  `json:"orderListId"`
}

// OrderListLeg 列表中的一条腿。
type OrderListLeg struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
}

// OrderList OCO 等订单列表。
type OrderList struct {
	ExchangeID        string         `json:"exchangeId"`
	OrderListID       int64          `json:"orderListId"`
	ListClientOrderID string         `json:"listClientOrderId"`
	Symbol            string         `json:"symbol"`
	ContingencyType   string         `json:"contingencyType"`
	ListStatusType    string         `json:"listStatusType"`
	ListOrderStatus   string         `json:"listOrderStatus"`
	Legs              []OrderListLeg `json:"legs"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (l *OrderList) Key() OrderListKey {
	return OrderListKey{ExchangeID: l.ExchangeID, OrderListID: l.OrderListID}
}

// OrderFilter Find 的过滤条件，零值字段不参与过滤。
type OrderFilter struct {
	ExchangeID  string
	Symbol      string
	Statuses    []OrderStatus
	OrderListID int64
	Limit       int
}

// Match 判断订单是否满足过滤条件。
func (f OrderFilter) Match(o *Order) bool {
	if f.ExchangeID != "" && o.ExchangeID != f.ExchangeID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.OrderListID != 0 && o.OrderListID != f.OrderListID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if o.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// MutateFunc 读改写回调。existing 为空表示记录不存在；
// 返回 nil 表示不写入，FindOneAndUpsert 原样返回 existing。
// 回调可能因重试被多次调用，必须只依赖入参。
type MutateFunc func(existing *Order) (*Order, error)

// OrderStore 订单持久化边界：同一 key 的读改写原子执行。
type OrderStore interface {
	FindOne(ctx context.Context, key OrderKey) (*Order, error)
	FindOneAndUpsert(ctx context.Context, key OrderKey, fn MutateFunc) (*Order, error)
	Find(ctx context.Context, filter OrderFilter) ([]*Order, error)
	UpsertOrderList(ctx context.Context, list *OrderList) error
	FindOrderList(ctx context.Context, key OrderListKey) (*OrderList, error)
	Close() error
}
