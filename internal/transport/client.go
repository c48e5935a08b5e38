// Package transport wraps every network call with a timeout, bounded
// retry with exponential backoff, and a per-endpoint-group circuit
// breaker. It also owns the single-flight token refresh on 401.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenSource supplies and persists the bearer credentials the client
// uses. Implemented by syncconfig over the auth file.
type TokenSource interface {
	Token() string
	RefreshToken() string
	SetTokens(token, refreshToken string, expiresAt time.Time) error
	Clear() error
}

// Config controls the resilient client.
type Config struct {
	BaseURL            string
	ClientID           string // sent as X-Client-ID on every request
	Timeout            time.Duration
	Retries            int // default retry budget per call; sync calls override to 0
	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
	BreakerMaxFailures int           // consecutive failures before a group opens
	BreakerCoolDown    time.Duration // open-state duration before the half-open probe
}

// DefaultConfig returns the general-call defaults: 3 retries, 1s base
// delay doubling to a 30s cap, 30s request timeout.
func DefaultConfig(baseURL, clientID string) Config {
	return Config{
		BaseURL:            baseURL,
		ClientID:           clientID,
		Timeout:            30 * time.Second,
		Retries:            3,
		RetryDelay:         1 * time.Second,
		MaxRetryDelay:      30 * time.Second,
		BreakerMaxFailures: 5,
		BreakerCoolDown:    60 * time.Second,
	}
}

// Request is a single logical call. Retries, when non-nil, overrides the
// client's default retry budget.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Retries *int
}

// Response is the decoded-enough result of a successful call.
type Response struct {
	Status int
	Body   []byte
}

// Client is the resilient HTTP transport.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *BreakerSet
	creds    TokenSource
	refresh  singleflight.Group
}

// New builds a client over the given credentials.
func New(cfg Config, creds TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 1 * time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		breakers: NewBreakerSet(cfg.BreakerMaxFailures, cfg.BreakerCoolDown),
		creds:    creds,
	}
}

// Breakers exposes the breaker set for status output.
func (c *Client) Breakers() *BreakerSet {
	return c.breakers
}

// Send executes the request with retry, backoff, and circuit breaking.
// Retries apply only to network failures and whitelisted transient server
// statuses; validation and authentication outcomes return immediately.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	retries := c.cfg.Retries
	if req.Retries != nil {
		retries = *req.Retries
	}
	group := GroupKey(req.Path)

	delay := c.cfg.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &NetworkError{Op: req.Method + " " + req.Path, Err: ctx.Err()}
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.MaxRetryDelay {
				delay = c.cfg.MaxRetryDelay
			}
		}

		if !c.breakers.Allow(group) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, group)
		}

		resp, err := c.doOnce(ctx, req, group)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
		slog.Debug("transport retry", "path", req.Path, "attempt", attempt+1, "err", err)
	}
	return nil, lastErr
}

// doOnce performs one round trip, including the coalesced refresh-then-
// replay dance on 401. The breaker records network and transient server
// failures; everything the server answered deliberately counts as alive.
func (c *Client) doOnce(ctx context.Context, req Request, group string) (*Response, error) {
	resp, err := c.roundTrip(ctx, req, c.creds.Token())

	if err == nil && resp.Status == http.StatusUnauthorized {
		if refreshErr := c.refreshTokens(ctx); refreshErr != nil {
			// The refresh outcome says nothing about this endpoint group;
			// leave its breaker accounting alone.
			return nil, refreshErr
		}
		resp, err = c.roundTrip(ctx, req, c.creds.Token())
		if err == nil && resp.Status == http.StatusUnauthorized {
			c.breakers.Record(group, nil)
			if clearErr := c.creds.Clear(); clearErr != nil {
				slog.Warn("clear credentials", "err", clearErr)
			}
			return nil, &AuthenticationError{Message: "token rejected after refresh"}
		}
	}

	if err != nil {
		c.breakers.Record(group, err)
		return nil, err
	}

	outcome := classify(resp)
	if outcome != nil && Retryable(outcome) {
		c.breakers.Record(group, outcome)
	} else {
		c.breakers.Record(group, nil)
	}
	if outcome != nil {
		return nil, outcome
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request, token string) (*Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("marshal request: %v", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.cfg.BaseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bodyReader)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("build request: %v", err)}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if c.cfg.ClientID != "" {
		httpReq.Header.Set("X-Client-ID", c.cfg.ClientID)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: req.Method + " " + req.Path, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read response " + req.Path, Err: err}
	}
	return &Response{Status: httpResp.StatusCode, Body: body}, nil
}

// classify maps an HTTP status onto the error taxonomy. Returns nil for
// success.
func classify(resp *Response) error {
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status == http.StatusUnauthorized, resp.Status == http.StatusForbidden:
		return &AuthenticationError{Message: errorMessage(resp)}
	case resp.Status == http.StatusTooManyRequests:
		return &ServerError{Status: resp.Status, Message: errorMessage(resp)}
	case resp.Status >= 500:
		return &ServerError{Status: resp.Status, Message: errorMessage(resp)}
	default:
		return &ValidationError{Status: resp.Status, Message: errorMessage(resp)}
	}
}

// errorMessage pulls the server's error body if it has the standard shape.
func errorMessage(resp *Response) string {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body, &body) == nil && body.Message != "" {
		return body.Message
	}
	return http.StatusText(resp.Status)
}

// refreshResponse is the body of POST /auth/refresh.
type refreshResponse struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// refreshTokens performs a single token refresh, coalescing concurrent
// callers into one in-flight attempt. On failure the credentials are
// cleared and an AuthenticationError comes back.
func (c *Client) refreshTokens(ctx context.Context) error {
	_, err, _ := c.refresh.Do("refresh", func() (any, error) {
		rt := c.creds.RefreshToken()
		if rt == "" {
			return nil, &AuthenticationError{Message: "no refresh token"}
		}

		body, _ := json.Marshal(map[string]string{"refresh_token": rt})
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/auth/refresh", bytes.NewReader(body))
		if err != nil {
			return nil, &AuthenticationError{Message: fmt.Sprintf("build refresh request: %v", err)}
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, &NetworkError{Op: "POST /auth/refresh", Err: err}
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			if clearErr := c.creds.Clear(); clearErr != nil {
				slog.Warn("clear credentials", "err", clearErr)
			}
			return nil, &AuthenticationError{Message: fmt.Sprintf("refresh rejected (HTTP %d)", httpResp.StatusCode)}
		}

		var parsed refreshResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
			return nil, &AuthenticationError{Message: fmt.Sprintf("decode refresh response: %v", err)}
		}
		if err := c.creds.SetTokens(parsed.Token, parsed.RefreshToken, parsed.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store refreshed tokens: %w", err)
		}
		slog.Debug("token refreshed", "expires_at", parsed.ExpiresAt)
		return nil, nil
	})
	return err
}

// GetJSON is a convenience wrapper decoding a JSON response.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, retries *int, out any) error {
	resp, err := c.Send(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Retries: retries})
	if err != nil {
		return err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// PostJSON is a convenience wrapper for JSON request/response calls.
func (c *Client) PostJSON(ctx context.Context, path string, body any, retries *int, out any) error {
	resp, err := c.Send(ctx, Request{Method: http.MethodPost, Path: path, Body: body, Retries: retries})
	if err != nil {
		return err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
