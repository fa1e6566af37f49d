package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sipeed/kfrelay/pkg/logger"
)

// APIBase is the production WeCom API endpoint.
const APIBase = "https://qyapi.weixin.qq.com"

// MaxTextBytes is WeCom's per-message content limit for kf/send_msg,
// counted in UTF-8 bytes.
const MaxTextBytes = 2048

// ErrTransport marks HTTP-level failures (non-2xx, socket errors); the
// caller decides whether to retry.
var ErrTransport = errors.New("transport error")

// UpstreamError is a non-zero errcode from the WeCom API.
type UpstreamError struct {
	Code int
	Msg  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("wecom API error: %s (code: %d)", e.Msg, e.Code)
}

// Client talks to the WeCom customer-service (kf) HTTP API.
type Client struct {
	apiBase string
	client  *http.Client
	// WeCom caps kf API QPS per corp; a modest limiter keeps bursts of
	// chunked replies from tripping errcode 45009.
	limiter *rate.Limiter

	// sync_msg cursors, one per open_kfid, carried across webhook events.
	cursorMu sync.Mutex
	cursors  map[string]string
}

// NewClient builds a kf API client against apiBase (production endpoint
// when empty).
func NewClient(apiBase string) *Client {
	if apiBase == "" {
		apiBase = APIBase
	}
	return &Client{
		apiBase: apiBase,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		cursors: make(map[string]string),
	}
}

type sendMsgRequest struct {
	ToUser   string `json:"touser"`
	OpenKfID string `json:"open_kfid"`
	MsgType  string `json:"msgtype"`
	Text     struct {
		Content string `json:"content"`
	} `json:"text"`
}

type sendMsgResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MsgID   string `json:"msgid"`
}

// SendText delivers one text message to an external user. Content longer
// than MaxTextBytes is truncated on a rune boundary with a "..." suffix.
// Returns the msgid when the API provides one.
func (c *Client) SendText(ctx context.Context, accessToken, toUser, openKfID, content string) (string, error) {
	if len(content) > MaxTextBytes {
		logger.WarnCF("wecom", "Truncating oversized message", map[string]any{
			"to_user": toUser,
			"bytes":   len(content),
			"max":     MaxTextBytes,
		})
		content = TruncateUTF8(content, MaxTextBytes-3) + "..."
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	req := sendMsgRequest{
		ToUser:   toUser,
		OpenKfID: openKfID,
		MsgType:  "text",
	}
	req.Text.Content = content

	var resp sendMsgResponse
	if err := c.postJSON(ctx, "/cgi-bin/kf/send_msg?access_token="+accessToken, req, &resp); err != nil {
		return "", err
	}
	if resp.ErrCode != 0 {
		return "", &UpstreamError{Code: resp.ErrCode, Msg: resp.ErrMsg}
	}
	return resp.MsgID, nil
}

type syncMsgRequest struct {
	Cursor   string `json:"cursor,omitempty"`
	Token    string `json:"token,omitempty"`
	OpenKfID string `json:"open_kfid"`
}

type syncMsgResponse struct {
	ErrCode    int               `json:"errcode"`
	ErrMsg     string            `json:"errmsg"`
	NextCursor string            `json:"next_cursor"`
	HasMore    int               `json:"has_more"`
	MsgList    []json.RawMessage `json:"msg_list"`
}

// SyncMessages walks the kf/sync_msg cursor to exhaustion for one webhook
// notification and returns every message in receive order. Partial
// progress before an upstream error is returned alongside the error;
// duplicate deliveries are acceptable.
func (c *Client) SyncMessages(ctx context.Context, accessToken, callbackToken, openKfID string) ([]SyncMessage, error) {
	c.cursorMu.Lock()
	cursor := c.cursors[openKfID]
	c.cursorMu.Unlock()

	var out []SyncMessage
	for {
		req := syncMsgRequest{Cursor: cursor, Token: callbackToken, OpenKfID: openKfID}

		var resp syncMsgResponse
		if err := c.postJSON(ctx, "/cgi-bin/kf/sync_msg?access_token="+accessToken, req, &resp); err != nil {
			return out, err
		}
		if resp.ErrCode != 0 {
			return out, &UpstreamError{Code: resp.ErrCode, Msg: resp.ErrMsg}
		}

		for _, raw := range resp.MsgList {
			msg, err := ParseSyncMessage(raw)
			if err != nil {
				logger.WarnCF("wecom", "Skipping unparseable sync_msg entry", map[string]any{
					"error": err.Error(),
				})
				continue
			}
			out = append(out, msg)
		}

		cursor = resp.NextCursor
		c.cursorMu.Lock()
		c.cursors[openKfID] = cursor
		c.cursorMu.Unlock()

		if resp.HasMore == 0 || len(resp.MsgList) == 0 {
			return out, nil
		}
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrTransport, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// TruncateUTF8 returns the longest prefix of s whose UTF-8 size does not
// exceed maxBytes, found by binary search over the character index so a
// code point is never split.
func TruncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if len(string(runes[:mid])) <= maxBytes {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
