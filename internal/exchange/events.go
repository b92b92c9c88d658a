package gateway

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// EventKind 入站事件类型。
type EventKind int

const (
	KindUnknown EventKind = iota
	KindExecutionReport
	KindListStatus
	KindAccountPosition
	KindBalanceUpdate
	KindListenKeyExpired
	KindKline
	KindTicker
	KindTrade
)

var eventKinds = map[string]EventKind{
	"executionReport":         KindExecutionReport,
	"listStatus":              KindListStatus,
	"outboundAccountPosition": KindAccountPosition,
	"balanceUpdate":           KindBalanceUpdate,
	"listenKeyExpired":        KindListenKeyExpired,
	"eventStreamTerminated":   KindListenKeyExpired,
	"kline":                   KindKline,
	"24hrTicker":              KindTicker,
	"trade":                   KindTrade,
}

func (k EventKind) String() string {
	switch k {
	case KindExecutionReport:
		return "executionReport"
	case KindListStatus:
		return "listStatus"
	case KindAccountPosition:
		return "outboundAccountPosition"
	case KindBalanceUpdate:
		return "balanceUpdate"
	case KindListenKeyExpired:
		return "listenKeyExpired"
	case KindKline:
		return "kline"
	case KindTicker:
		return "24hrTicker"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// IsUserData 是否属于用户数据流事件。
func (k EventKind) IsUserData() bool {
	switch k {
	case KindExecutionReport, KindListStatus, KindAccountPosition, KindBalanceUpdate, KindListenKeyExpired:
		return true
	}
	return false
}

// Event 入站事件的统一表示；Kind 决定哪一个负载字段非空。
// Raw 保留交易所原始负载（已去掉 combined/subscription 外壳），供下游透传。
type Event struct {
	Kind      EventKind
	Type      string
	Stream    string
	Symbol    string
	EventTime int64
	Raw       json.RawMessage

	Execution  *ExecutionReport
	ListStatus *ListStatus
	Account    *AccountPosition
	Balance    *BalanceUpdate
	Kline      *Kline
	Ticker     *Ticker
	Trade      *Trade
}

// Keys 返回该事件的路由 key：大写交易对与 combined stream 名。
func (e *Event) Keys() []string {
	if e.Kind == KindUnknown {
		return nil
	}
	keys := make([]string, 0, 2)
	if e.Symbol != "" {
		keys = append(keys, strings.ToUpper(e.Symbol))
	}
	if e.Stream != "" {
		keys = append(keys, e.Stream)
	}
	return keys
}

// ExecutionReport 订单执行回报（executionReport）。
type ExecutionReport struct {
	EventTime          int64
	Symbol             string
	ClientOrderID      string
	Side               string
	OrderType          string
	TimeInForce        string
	Quantity           decimal.Decimal
	Price              decimal.Decimal
	StopPrice          decimal.Decimal
	OrderListID        int64
	OrigClientOrderID  string
	ExecutionType      string
	Status             string
	RejectReason       string
	OrderID            int64
	LastQty            decimal.Decimal
	CumulativeQty      decimal.Decimal
	LastPrice          decimal.Decimal
	Commission         decimal.Decimal
	CommissionAsset    string
	TransactTime       int64
	TradeID            int64
	CreationTime       int64
	CumulativeQuoteQty decimal.Decimal
}

// HasTrade 是否携带成交（x=TRADE 且 t 有效）。
func (r *ExecutionReport) HasTrade() bool {
	return r.ExecutionType == "TRADE" && r.TradeID > 0
}

type ListStatus struct {
	EventTime         int64
	Symbol            string
	OrderListID       int64
	ContingencyType   string
	ListStatusType    string
	ListOrderStatus   string
	RejectReason      string
	ListClientOrderID string
	TransactTime      int64
	Orders            []ListOrder
}

type ListOrder struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
}

type AccountPosition struct {
	EventTime  int64
	LastUpdate int64
	Balances   []AssetBalance
}

type AssetBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

type BalanceUpdate struct {
	EventTime int64
	Asset     string
	Delta     decimal.Decimal
	ClearTime int64
}

type Kline struct {
	Symbol    string
	Interval  string
	OpenTime  int64
	CloseTime int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Trades    int64
	Closed    bool
}

type Ticker struct {
	Symbol             string
	PriceChange        decimal.Decimal
	PriceChangePercent decimal.Decimal
	Last               decimal.Decimal
	Open               decimal.Decimal
	High               decimal.Decimal
	Low                decimal.Decimal
	Volume             decimal.Decimal
	QuoteVolume        decimal.Decimal
}

type Trade struct {
	Symbol     string
	TradeID    int64
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TradeTime  int64
	BuyerMaker bool
}

// fields 逐 key 精确取值。币安负载里 e/E、s/S、x/X 等大小写成对出现，
// 结构体解码会按大小写不敏感匹配而串字段，所以这里按原始 key 读取。
type fields map[string]json.RawMessage

func (f fields) has(k string) bool {
	raw, ok := f[k]
	return ok && len(raw) > 0 && string(raw) != "null"
}

func (f fields) str(k string) string {
	raw, ok := f[k]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	return string(raw)
}

func (f fields) i64(k string) int64 {
	s := f.str(k)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0
		}
		return int64(fl)
	}
	return n
}

func (f fields) dec(k string) decimal.Decimal {
	s := f.str(k)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (f fields) boolean(k string) bool {
	return f.str(k) == "true"
}

func (f fields) object(k string) (fields, error) {
	var out fields
	if !f.has(k) {
		return out, nil
	}
	err := json.Unmarshal(f[k], &out)
	return out, err
}

func (f fields) objects(k string) ([]fields, error) {
	var out []fields
	if !f.has(k) {
		return out, nil
	}
	err := json.Unmarshal(f[k], &out)
	return out, err
}

// ParseEvent 解析一条已去壳的事件负载；stream 为 combined stream 名（可为空）。
func ParseEvent(stream string, data []byte) (*Event, error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return parseEventFields(stream, f, data)
}

func parseEventFields(stream string, f fields, raw []byte) (*Event, error) {
	ev := &Event{
		Type:      f.str("e"),
		Stream:    stream,
		Symbol:    strings.ToUpper(f.str("s")),
		EventTime: f.i64("E"),
		Raw:       json.RawMessage(raw),
	}
	ev.Kind = eventKinds[ev.Type]

	switch ev.Kind {
	case KindExecutionReport:
		ev.Execution = &ExecutionReport{
			EventTime:          ev.EventTime,
			Symbol:             ev.Symbol,
			ClientOrderID:      f.str("c"),
			Side:               f.str("S"),
			OrderType:          f.str("o"),
			TimeInForce:        f.str("f"),
			Quantity:           f.dec("q"),
			Price:              f.dec("p"),
			StopPrice:          f.dec("P"),
			OrderListID:        f.i64("g"),
			OrigClientOrderID:  f.str("C"),
			ExecutionType:      f.str("x"),
			Status:             f.str("X"),
			RejectReason:       f.str("r"),
			OrderID:            f.i64("i"),
			LastQty:            f.dec("l"),
			CumulativeQty:      f.dec("z"),
			LastPrice:          f.dec("L"),
			Commission:         f.dec("n"),
			CommissionAsset:    f.str("N"),
			TransactTime:       f.i64("T"),
			TradeID:            f.i64("t"),
			CreationTime:       f.i64("O"),
			CumulativeQuoteQty: f.dec("Z"),
		}
	case KindListStatus:
		ls := &ListStatus{
			EventTime:         ev.EventTime,
			Symbol:            ev.Symbol,
			OrderListID:       f.i64("g"),
			ContingencyType:   f.str("c"),
			ListStatusType:    f.str("l"),
			ListOrderStatus:   f.str("L"),
			RejectReason:      f.str("r"),
			ListClientOrderID: f.str("C"),
			TransactTime:      f.i64("T"),
		}
		legs, err := f.objects("O")
		if err != nil {
			return nil, fmt.Errorf("decode listStatus orders: %w", err)
		}
		for _, leg := range legs {
			ls.Orders = append(ls.Orders, ListOrder{
				Symbol:        strings.ToUpper(leg.str("s")),
				OrderID:       leg.i64("i"),
				ClientOrderID: leg.str("c"),
			})
		}
		ev.ListStatus = ls
	case KindAccountPosition:
		ap := &AccountPosition{EventTime: ev.EventTime, LastUpdate: f.i64("u")}
		balances, err := f.objects("B")
		if err != nil {
			return nil, fmt.Errorf("decode account balances: %w", err)
		}
		for _, b := range balances {
			ap.Balances = append(ap.Balances, AssetBalance{
				Asset:  b.str("a"),
				Free:   b.dec("f"),
				Locked: b.dec("l"),
			})
		}
		ev.Account = ap
	case KindBalanceUpdate:
		ev.Balance = &BalanceUpdate{
			EventTime: ev.EventTime,
			Asset:     f.str("a"),
			Delta:     f.dec("d"),
			ClearTime: f.i64("T"),
		}
	case KindKline:
		k, err := f.object("k")
		if err != nil {
			return nil, fmt.Errorf("decode kline: %w", err)
		}
		ev.Kline = &Kline{
			Symbol:    ev.Symbol,
			Interval:  k.str("i"),
			OpenTime:  k.i64("t"),
			CloseTime: k.i64("T"),
			Open:      k.dec("o"),
			High:      k.dec("h"),
			Low:       k.dec("l"),
			Close:     k.dec("c"),
			Volume:    k.dec("v"),
			Trades:    k.i64("n"),
			Closed:    k.boolean("x"),
		}
	case KindTicker:
		ev.Ticker = &Ticker{
			Symbol:             ev.Symbol,
			PriceChange:        f.dec("p"),
			PriceChangePercent: f.dec("P"),
			Last:               f.dec("c"),
			Open:               f.dec("o"),
			High:               f.dec("h"),
			Low:                f.dec("l"),
			Volume:             f.dec("v"),
			QuoteVolume:        f.dec("q"),
		}
	case KindTrade:
		ev.Trade = &Trade{
			Symbol:     ev.Symbol,
			TradeID:    f.i64("t"),
			Price:      f.dec("p"),
			Quantity:   f.dec("q"),
			TradeTime:  f.i64("T"),
			BuyerMaker: f.boolean("m"),
		}
	}
	return ev, nil
}
