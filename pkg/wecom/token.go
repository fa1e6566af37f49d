package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sipeed/kfrelay/pkg/logger"
)

// Access tokens live ~2 hours; refresh once we are within this margin of
// the expiry so a token never goes stale mid-request.
const tokenRefreshMargin = 10 * time.Minute

// TokenSource caches the WeCom access token and serializes refreshes: any
// number of concurrent Token calls produce at most one gettoken request.
type TokenSource struct {
	corpID  string
	secret  string
	apiBase string
	client  *http.Client
	now     func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

// NewTokenSource builds a token source against the given API base (the
// production endpoint unless a test server overrides it).
func NewTokenSource(corpID, secret, apiBase string) *TokenSource {
	if apiBase == "" {
		apiBase = APIBase
	}
	return &TokenSource{
		corpID:  corpID,
		secret:  secret,
		apiBase: apiBase,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a valid access token, refreshing it when the cached one is
// absent or inside the refresh margin.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Before(s.expiresAt.Add(-tokenRefreshMargin)) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("access_token", func() (interface{}, error) {
		// Another caller may have refreshed while we waited on the group.
		s.mu.Lock()
		if s.token != "" && s.now().Before(s.expiresAt.Add(-tokenRefreshMargin)) {
			token := s.token
			s.mu.Unlock()
			return token, nil
		}
		s.mu.Unlock()
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	apiURL := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		s.apiBase, url.QueryEscape(s.corpID), url.QueryEscape(s.secret))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch access token: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: gettoken HTTP %d", ErrTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read gettoken response: %v", ErrTransport, err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parse gettoken response: %w", err)
	}
	if tr.ErrCode != 0 {
		return "", &UpstreamError{Code: tr.ErrCode, Msg: tr.ErrMsg}
	}

	s.mu.Lock()
	s.token = tr.AccessToken
	s.expiresAt = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	s.mu.Unlock()

	logger.DebugC("wecom", "Access token refreshed")
	return tr.AccessToken, nil
}
