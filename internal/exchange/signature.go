package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// 可覆盖的时间函数，便于测试。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// ErrMissingCredentials 未配置 API key 或 secret。
var ErrMissingCredentials = errors.New("api key and secret are required")

// Sign 计算 HMAC-SHA256(secret, payload) 的十六进制摘要。
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Params 按构造顺序保存请求参数。签名串和 JSON 编码都沿用这个顺序，
// 交易所按收到的顺序校验签名，所以这里不做排序。
type Params struct {
	keys   []string
	values map[string]any
}

// NewParams 创建空参数表。
func NewParams() *Params {
	return &Params{values: make(map[string]any)}
}

// Set 写入参数；已存在的 key 保持原位置，只更新取值。
func (p *Params) Set(key string, value any) *Params {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

// SetIf 仅在 cond 为真时写入，用于可选参数。
func (p *Params) SetIf(cond bool, key string, value any) *Params {
	if cond {
		p.Set(key, value)
	}
	return p
}

func (p *Params) Get(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.values[key]
	return v, ok
}

// String 返回参数的字符串形式，不存在时为空串。
func (p *Params) String(key string) string {
	v, ok := p.Get(key)
	if !ok {
		return ""
	}
	return formatParam(v)
}

func (p *Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys 返回构造顺序的 key 副本。
func (p *Params) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Clone 深拷贝 key 顺序，值按原样共享。
func (p *Params) Clone() *Params {
	c := NewParams()
	if p == nil {
		return c
	}
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// Canonical 生成待签名串：按构造顺序 key=value 以 & 连接，排除 signature。
func (p *Params) Canonical() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	for _, k := range p.keys {
		if k == "signature" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatParam(p.values[k]))
	}
	return b.String()
}

// MarshalJSON 以构造顺序输出 JSON 对象。
func (p *Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if p != nil {
		for i, k := range p.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(p.values[k])
			if err != nil {
				return nil, fmt.Errorf("marshal param %s: %w", k, err)
			}
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func formatParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case decimal.Decimal:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []string:
		// 数组参数按 JSON 形式参与签名
		b, _ := json.Marshal(x)
		return string(b)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Signer 持有 API 凭证，为 WS API 请求追加 apiKey/timestamp/signature。
type Signer struct {
	apiKey string
	secret string
	now    func() int64
}

// NewSigner 创建签名器；now 为空时使用本地时间（毫秒）。
func NewSigner(apiKey, secret string, now func() int64) (*Signer, error) {
	if apiKey == "" || secret == "" {
		return nil, ErrMissingCredentials
	}
	if now == nil {
		now = func() int64 { return timeNowMillis() }
	}
	return &Signer{apiKey: apiKey, secret: secret, now: now}, nil
}

func (s *Signer) APIKey() string { return s.apiKey }

// WithAPIKey 追加 apiKey，不签名（userDataStream.* 只需要 key）。
func (s *Signer) WithAPIKey(p *Params) *Params {
	if p == nil {
		p = NewParams()
	}
	if !p.Has("apiKey") {
		p.Set("apiKey", s.apiKey)
	}
	return p
}

// SignParams 依次追加 apiKey、timestamp（若调用方未给出），最后写入 signature。
func (s *Signer) SignParams(p *Params) *Params {
	p = s.WithAPIKey(p)
	if !p.Has("timestamp") {
		p.Set("timestamp", s.now())
	}
	p.Set("signature", Sign(s.secret, p.Canonical()))
	return p
}
