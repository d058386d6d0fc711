package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RefreshClient exchanges a current token for a new one plus its lifetime.
type RefreshClient interface {
	Refresh(ctx context.Context, token string) (newToken string, expiresIn time.Duration, err error)
}

// GraphRefreshClient implements the long-lived-token refresh endpoint
// (GET /refresh_access_token?grant_type=ig_refresh_token&access_token=...).
type GraphRefreshClient struct {
	baseURL string
	http    *http.Client
}

func NewGraphRefreshClient(baseURL string, timeout time.Duration) *GraphRefreshClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://graph.instagram.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GraphRefreshClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *GraphRefreshClient) Refresh(ctx context.Context, token string) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("grant_type", "ig_refresh_token")
	q.Set("access_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/refresh_access_token?"+q.Encode(), nil)
	if err != nil {
		return "", 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			return "", 0, fmt.Errorf("refresh status %d: %s (code %d)", resp.StatusCode, e.Error.Message, e.Error.Code)
		}
		return "", 0, fmt.Errorf("refresh status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" || out.ExpiresIn <= 0 {
		return "", 0, fmt.Errorf("refresh response missing token or expiry")
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}
