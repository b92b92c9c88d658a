package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/exchange-gateway/internal/store"
)

// Outcome 一次状态更新的处理结果
type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeApplied
	OutcomeDuplicate
	OutcomeIgnored
	OutcomeUnknownStatus
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeUnknownStatus:
		return "unknown_status"
	default:
		return "unknown"
	}
}

var transitions = map[store.OrderStatus][]store.OrderStatus{
	store.StatusNew: {
		store.StatusPartiallyFilled, store.StatusFilled, store.StatusPendingCancel,
		store.StatusCanceled, store.StatusRejected, store.StatusExpired,
	},
	store.StatusPartiallyFilled: {
		store.StatusFilled, store.StatusPendingCancel, store.StatusCanceled, store.StatusExpired,
	},
	store.StatusPendingCancel: {
		store.StatusCanceled, store.StatusFilled, store.StatusPartiallyFilled,
	},
}

// CanTransition from -> to 是否合法；相同状态视为幂等刷新，任意状态可进入 REPLACED。
func CanTransition(from, to store.OrderStatus) bool {
	if from == to || to == store.StatusReplaced {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Update 来自回报或命令回复的一次订单观测；零值字段表示未知。
type Update struct {
	Symbol             string
	OrderID            int64
	ClientOrderID      string
	OrderListID        int64
	Side               string
	Type               string
	TimeInForce        string
	Status             string
	Price              decimal.Decimal
	StopPrice          decimal.Decimal
	OrigQty            decimal.Decimal
	ExecutedQty        decimal.Decimal
	CumulativeQuoteQty decimal.Decimal
	RejectReason       string
	Fills              []store.Fill
	CreatedAt          time.Time
	EventTime          time.Time
}

// Apply 将 u 合并进 existing，返回待写入的订单；返回 nil 表示无需写入。
// existing 不会被修改。
func Apply(exchangeID string, existing *store.Order, u Update, now time.Time) (*store.Order, Outcome) {
	status, ok := store.ParseOrderStatus(u.Status)
	if !ok {
		return nil, OutcomeUnknownStatus
	}
	at := u.EventTime
	if at.IsZero() {
		at = now
	}

	if existing == nil {
		o := &store.Order{
			ExchangeID:  exchangeID,
			OrderID:     u.OrderID,
			OrderListID: -1,
			Status:      status,
			CreatedAt:   u.CreatedAt,
			UpdatedAt:   at,
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = at
		}
		mergeFields(o, u)
		for _, f := range u.Fills {
			o.AddFill(f)
		}
		return o, OutcomeInserted
	}

	next := existing.Clone()
	newFills := 0
	for _, f := range u.Fills {
		if next.AddFill(f) {
			newFills++
		}
	}

	if !CanTransition(existing.Status, status) {
		if newFills == 0 {
			return nil, OutcomeIgnored
		}
		next.UpdatedAt = at
		return next, OutcomeIgnored
	}

	next.Status = status
	mergeFields(next, u)
	if newFills == 0 && equivalent(existing, next) {
		return nil, OutcomeDuplicate
	}
	next.UpdatedAt = at
	return next, OutcomeApplied
}

// mergeFields 只覆盖 u 中已知的字段；成交量不回退。
func mergeFields(o *store.Order, u Update) {
	if u.Symbol != "" {
		o.Symbol = u.Symbol
	}
	if u.ClientOrderID != "" {
		o.ClientOrderID = u.ClientOrderID
	}
	if u.OrderListID != 0 {
		o.OrderListID = u.OrderListID
	}
	if u.Side != "" {
		o.Side = u.Side
	}
	if u.Type != "" {
		o.Type = u.Type
	}
	if u.TimeInForce != "" {
		o.TimeInForce = u.TimeInForce
	}
	if !u.Price.IsZero() {
		o.Price = u.Price
	}
	if !u.StopPrice.IsZero() {
		o.StopPrice = u.StopPrice
	}
	if !u.OrigQty.IsZero() {
		o.OrigQty = u.OrigQty
	}
	if u.ExecutedQty.GreaterThan(o.ExecutedQty) {
		o.ExecutedQty = u.ExecutedQty
	}
	if u.CumulativeQuoteQty.GreaterThan(o.CumulativeQuoteQty) {
		o.CumulativeQuoteQty = u.CumulativeQuoteQty
	}
	if u.RejectReason != "" && u.RejectReason != "NONE" {
		o.RejectReason = u.RejectReason
	}
}

func equivalent(a, b *store.Order) bool {
	return a.Status == b.Status &&
		a.Symbol == b.Symbol &&
		a.ClientOrderID == b.ClientOrderID &&
		a.OrderListID == b.OrderListID &&
		a.Side == b.Side &&
		a.Type == b.Type &&
		a.TimeInForce == b.TimeInForce &&
		a.Price.Equal(b.Price) &&
		a.StopPrice.Equal(b.StopPrice) &&
		a.OrigQty.Equal(b.OrigQty) &&
		a.ExecutedQty.Equal(b.ExecutedQty) &&
		a.CumulativeQuoteQty.Equal(b.CumulativeQuoteQty) &&
		a.RejectReason == b.RejectReason &&
		len(a.Fills) == len(b.Fills)
}
