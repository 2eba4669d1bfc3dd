package catalog

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// tokenResponse is the token service reply.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenSource fetches and caches bearer tokens per client id. A cached token
// is reused until 30 s before its expiry.
type TokenSource struct {
	httpClient   *resty.Client
	clientID     string
	clientSecret string
	logger       *zap.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource builds a token source against the auth base URL.
func NewTokenSource(baseURL, clientID, clientSecret string, logger *zap.Logger) *TokenSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &TokenSource{
		httpClient:   client,
		clientID:     clientID,
		clientSecret: clientSecret,
		logger:       logger,
	}
}

// Token returns a valid bearer token, fetching a fresh one when the cached
// token is absent or within 30 s of expiry.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expires) > 30*time.Second {
		return t.token, nil
	}

	var out tokenResponse
	resp, err := t.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     t.clientID,
			"client_secret": t.clientSecret,
		}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/api/devices/connect/token")
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("token request: status %d", resp.StatusCode())
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token request: empty access_token")
	}

	t.token = out.AccessToken
	t.expires = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return t.token, nil
}

// Invalidate drops the cached token so the next call refreshes it. Called by
// the catalog client on a 401.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expires = time.Time{}
	t.mu.Unlock()
}

// catalogEnvelope is the device API reply wrapper.
type catalogEnvelope struct {
	Success bool     `json:"success"`
	Data    []Device `json:"data"`
	Error   string   `json:"error,omitempty"`
}

// Client loads the device catalog from the device API.
type Client struct {
	httpClient *resty.Client
	tokens     *TokenSource
	gatewayID  string
	logger     *zap.Logger
}

// NewClient builds a catalog client against the device API base URL.
func NewClient(baseURL, gatewayID string, tokens *TokenSource, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		tokens:     tokens,
		gatewayID:  gatewayID,
		logger:     logger,
	}
}

// Load fetches the full catalog for this gateway. A 401 invalidates the token
// cache and is retried once with a fresh token.
func (c *Client) Load(ctx context.Context) ([]Device, error) {
	devices, err := c.load(ctx)
	if err == nil {
		return devices, nil
	}
	if !isUnauthorized(err) {
		return nil, err
	}
	c.tokens.Invalidate()
	return c.load(ctx)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("device api: status %d", e.code) }

func isUnauthorized(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusUnauthorized
}

func (c *Client) load(ctx context.Context) ([]Device, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var out catalogEnvelope
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		ForceContentType("application/json").
		Get(fmt.Sprintf("/api/devices/configurations/gateway/%s", c.gatewayID))
	if err != nil {
		return nil, fmt.Errorf("device api: %w", err)
	}
	if resp.IsError() {
		return nil, &statusError{code: resp.StatusCode()}
	}
	if !out.Success {
		return nil, fmt.Errorf("device api: %s", out.Error)
	}

	c.logger.Info("catalog loaded", zap.Int("devices", len(out.Data)))
	return out.Data, nil
}
