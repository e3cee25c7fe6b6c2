// Package api is the authenticated client for the dispatch REST API. Every
// request reads the current access token from the credential store, and
// authorization failures are recovered through a single shared token refresh.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sos-dispatch/dispatch-cli/session"
)

// Default timeouts.
const (
	defaultRequestTimeout = 15 * time.Second
	refreshTimeout        = 10 * time.Second
	defaultRefreshSkew    = 30 * time.Second
)

// maxAuthAttempts bounds sends per logical request that may hit an
// authorization failure: the original plus one retry after refresh.
const maxAuthAttempts = 2

// TokenStore is the part of the credential store the client needs.
type TokenStore interface {
	Read() session.Session
	WriteTokens(access, refresh, tokenType string) error
	WriteUser(profile session.UserProfile) error
	Clear() error
}

// Request describes one logical API call. Path is relative to the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-encoded when non-nil.
	Body any

	// anonymous requests carry no bearer token and never trigger a refresh.
	anonymous bool
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	raw *http.Response
}

// Client performs authenticated requests against the dispatch API.
type Client struct {
	baseURL     string
	fallbackURL string
	httpClient  *http.Client
	store       TokenStore
	refresher   *Refresher
	timeout     time.Duration
	refreshSkew time.Duration
	userAgent   string
	log         *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithFallbackURL sets the base URL tried once when the primary is unreachable.
func WithFallbackURL(u string) Option {
	return func(c *Client) { c.fallbackURL = strings.TrimRight(strings.TrimSpace(u), "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTimeout bounds each individual send (primary and fallback separately).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRefreshSkew sets how close to expiry RefreshIfNeeded renews a token.
func WithRefreshSkew(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.refreshSkew = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a Client for baseURL backed by store.
func New(baseURL string, store TokenStore, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api: base URL cannot be empty")
	}
	if store == nil {
		return nil, errors.New("api: credential store is required")
	}

	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		store:       store,
		timeout:     defaultRequestTimeout,
		refreshSkew: defaultRefreshSkew,
		userAgent:   "dispatch-cli",
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.refresher = NewRefresher(store, c, c.log)
	return c, nil
}

// Refresher returns the coordinator shared by every request of this client.
func (c *Client) Refresher() *Refresher { return c.refresher }

// Do executes r with the current access token. On 401/403 it refreshes the
// token (shared with concurrent callers) and retries exactly once; a second
// rejection or a failed refresh clears the session and returns an error
// matching ErrSessionExpired. Other non-2xx statuses return *APIError.
func (c *Client) Do(ctx context.Context, r *Request) (*Response, error) {
	requestID := uuid.NewString()

	if r.anonymous {
		resp, err := c.send(ctx, r, "", requestID)
		if err != nil {
			return nil, err
		}
		if !isSuccess(resp.StatusCode) {
			return nil, newAPIError(resp)
		}
		return resp, nil
	}

	token := c.store.Read().AccessToken
	resp, err := c.send(ctx, r, token, requestID)
	if err != nil {
		return nil, err
	}

	for depth := 1; isAuthFailure(resp.StatusCode); depth++ {
		if depth >= maxAuthAttempts {
			c.log.Warn("refreshed token rejected, signing out",
				zap.String("path", r.Path), zap.Int("status", resp.StatusCode))
			c.expireSession()
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, newAPIError(resp))
		}

		token, err = c.tokenForRetry(ctx, token)
		if err != nil {
			return nil, err
		}

		if resp, err = c.send(ctx, r, token, requestID); err != nil {
			return nil, err
		}
	}

	if !isSuccess(resp.StatusCode) {
		return nil, newAPIError(resp)
	}
	return resp, nil
}

// tokenForRetry returns the token to retry with after used was rejected.
// When another caller already refreshed, the stored token differs from used
// and no new refresh is started.
func (c *Client) tokenForRetry(ctx context.Context, used string) (string, error) {
	if cur := c.store.Read().AccessToken; strings.TrimSpace(cur) != "" && cur != used {
		return cur, nil
	}
	tok, err := c.refresher.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (c *Client) expireSession() {
	if err := c.store.Clear(); err != nil {
		c.log.Error("failed to clear session", zap.Error(err))
	}
}

// send performs one attempt against the primary base URL and, only when no
// response was received, one attempt against the fallback.
func (c *Client) send(ctx context.Context, r *Request, token, requestID string) (*Response, error) {
	resp, err := c.sendTo(ctx, c.baseURL, r, token, requestID)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if c.fallbackURL == "" {
		return nil, &NetworkError{Primary: err}
	}

	c.log.Warn("primary API unreachable, trying fallback",
		zap.String("path", r.Path), zap.Error(err))

	resp, fbErr := c.sendTo(ctx, c.fallbackURL, r, token, requestID)
	if fbErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Primary: err, Fallback: fbErr}
	}
	return resp, nil
}

// sendTo returns an error only when no complete response was received.
func (c *Client) sendTo(
	ctx context.Context,
	base string,
	r *Request,
	token, requestID string,
) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := base + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("api request",
		zap.String("method", r.Method),
		zap.String("path", r.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
		zap.String("request_id", requestID),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		raw:        resp,
	}, nil
}

// decodeJSON runs r and decodes a successful body into T.
func decodeJSON[T any](ctx context.Context, c *Client, r *Request) (T, error) {
	var out T
	resp, err := c.Do(ctx, r)
	if err != nil {
		return out, err
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("failed to parse %s %s response: %w", r.Method, r.Path, err)
	}
	return out, nil
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
