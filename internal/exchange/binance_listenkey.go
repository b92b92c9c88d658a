package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ListenKeyClient 通过 WS API userDataStream.* 管理用户数据流 listenKey。
type ListenKeyClient struct {
	cmd     Commander
	signer  *Signer
	timeout time.Duration
}

type listenKeyResp struct {
	ListenKey string `json:"listenKey"`
}

func NewListenKeyClient(cmd Commander, signer *Signer, timeout time.Duration) *ListenKeyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ListenKeyClient{cmd: cmd, signer: signer, timeout: timeout}
}

// Start 创建 listenKey。
func (c *ListenKeyClient) Start(ctx context.Context) (string, error) {
	if c.signer == nil {
		return "", ErrMissingCredentials
	}
	resp, err := c.cmd.SendAndAwait(ctx, "userDataStream.start", c.signer.WithAPIKey(nil), c.timeout)
	if err != nil {
		return "", err
	}
	var lr listenKeyResp
	if err := resp.Decode(&lr); err != nil {
		return "", err
	}
	if lr.ListenKey == "" {
		return "", fmt.Errorf("empty listenKey")
	}
	return lr.ListenKey, nil
}

// Ping 刷新 listenKey 过期时间。
func (c *ListenKeyClient) Ping(ctx context.Context, listenKey string) error {
	return c.call(ctx, "userDataStream.ping", listenKey)
}

// Stop 关闭 listenKey。
func (c *ListenKeyClient) Stop(ctx context.Context, listenKey string) error {
	return c.call(ctx, "userDataStream.stop", listenKey)
}

func (c *ListenKeyClient) call(ctx context.Context, method, listenKey string) error {
	if c.signer == nil {
		return ErrMissingCredentials
	}
	if listenKey == "" {
		return Invalidf("%s: empty listenKey", method)
	}
	params := c.signer.WithAPIKey(NewParams().Set("listenKey", listenKey))
	_, err := c.cmd.SendAndAwait(ctx, method, params, c.timeout)
	return err
}

// KeepAlive 周期 Ping，直到 ctx 取消；失败只记日志，下次继续。
func (c *ListenKeyClient) KeepAlive(ctx context.Context, listenKey string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx, listenKey); err != nil {
				log.Warn().Err(err).Msg("listenKey 续期失败")
			}
		}
	}
}
