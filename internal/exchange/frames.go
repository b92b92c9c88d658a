package gateway

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// CommandFrame WS API 请求帧 {id, method, params}。
type CommandFrame struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	Params *Params `json:"params,omitempty"`
}

// ControlFrame 行情/用户流订阅控制帧，id 为整数，用于对应 ack。
type ControlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Reply WS API 回复。
type Reply struct {
	ID         string          `json:"id"`
	Status     int             `json:"status"`
	Result     json.RawMessage `json:"result"`
	Error      *ExchangeError  `json:"error"`
	RateLimits []RateLimit     `json:"rateLimits"`
	ReceivedAt time.Time       `json:"-"`
}

// FrameKind 入站帧分类。
type FrameKind int

const (
	FrameEvent FrameKind = iota + 1
	FrameReply
	FrameAck
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameEvent:
		return "event"
	case FrameReply:
		return "reply"
	case FrameAck:
		return "ack"
	case FrameError:
		return "error"
	}
	return "unknown"
}

// Frame 一次 ParseFrame 的结果，Kind 决定哪个字段有效。
type Frame struct {
	Kind  FrameKind
	Event *Event
	Reply *Reply
	AckID int64
	Err   *ExchangeError
}

// ParseFrame 对入站文本帧分类：
//   - 字符串 id：WS API 回复
//   - 整数 id：SUBSCRIBE/UNSUBSCRIBE ack
//   - {stream, data} / {subscriptionId, event} / 裸事件：事件
//   - 仅 {code, msg}：协议错误
func ParseFrame(raw []byte) (Frame, error) {
	var top fields
	if err := json.Unmarshal(raw, &top); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	if top.has("id") {
		id := top["id"]
		if id[0] == '"' {
			return parseReply(raw)
		}
		ackID, err := strconv.ParseInt(string(id), 10, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("decode control id %s: %w", id, err)
		}
		f := Frame{Kind: FrameAck, AckID: ackID}
		if top.has("error") {
			exErr, err := decodeError(top["error"], 0)
			if err != nil {
				return Frame{}, err
			}
			f.Err = exErr
		}
		return f, nil
	}

	if top.has("error") {
		exErr, err := decodeError(top["error"], int(top.i64("status")))
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameError, Err: exErr}, nil
	}

	if top.has("stream") && top.has("data") {
		ev, err := ParseEvent(top.str("stream"), top["data"])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameEvent, Event: ev}, nil
	}

	if top.has("event") {
		ev, err := ParseEvent("", top["event"])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameEvent, Event: ev}, nil
	}

	if top.has("code") && top.has("msg") && !top.has("e") {
		code := int(top.i64("code"))
		return Frame{Kind: FrameError, Err: NewExchangeError(0, code, top.str("msg"), nil)}, nil
	}

	ev, err := parseEventFields("", top, raw)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameEvent, Event: ev}, nil
}

func parseReply(raw []byte) (Frame, error) {
	var r Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return Frame{}, fmt.Errorf("decode reply: %w", err)
	}
	r.ReceivedAt = time.Now()
	if r.Error != nil {
		r.Error.Status = r.Status
		r.Error.Category = Categorize(r.Status, r.Error.Code)
	}
	return Frame{Kind: FrameReply, Reply: &r}, nil
}

func decodeError(raw json.RawMessage, status int) (*ExchangeError, error) {
	var e ExchangeError
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode error payload: %w", err)
	}
	return NewExchangeError(status, e.Code, e.Message, e.Data), nil
}
