package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const refreshPath = "/api/v1/auth/refresh"

// refreshKey is the only singleflight key: there is one session per store.
const refreshKey = "refresh"

// TokenExchanger trades a refresh token for a new token pair.
type TokenExchanger interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Refresher coordinates token refresh so that concurrent callers share one
// in-flight exchange. A failed refresh always ends the session.
type Refresher struct {
	store     TokenStore
	exchanger TokenExchanger
	group     singleflight.Group
	timeout   time.Duration
	log       *zap.Logger
}

// NewRefresher creates a coordinator writing refreshed tokens to store.
func NewRefresher(store TokenStore, exchanger TokenExchanger, log *zap.Logger) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{
		store:     store,
		exchanger: exchanger,
		timeout:   refreshTimeout,
		log:       log,
	}
}

// Refresh returns a new access token, joining a refresh already in flight if
// there is one. The exchange itself is detached from ctx: a caller giving up
// does not cancel it for the others. On failure the store is cleared and the
// error matches ErrSessionExpired.
func (r *Refresher) Refresh(ctx context.Context) (*oauth2.Token, error) {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (r *Refresher) refresh(ctx context.Context) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	refreshToken := r.store.Read().RefreshToken
	if strings.TrimSpace(refreshToken) == "" {
		r.signOut()
		return nil, fmt.Errorf("%w: no refresh token", ErrSessionExpired)
	}

	tok, err := r.exchanger.ExchangeRefreshToken(ctx, refreshToken)
	if err != nil {
		r.log.Warn("token refresh failed, signing out", zap.Error(err))
		r.signOut()
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	// Fixed-mode servers do not rotate the refresh token.
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}

	if err := r.store.WriteTokens(tok.AccessToken, tok.RefreshToken, tok.TokenType); err != nil {
		r.log.Error("failed to persist refreshed tokens", zap.Error(err))
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	r.log.Info("access token refreshed")
	return tok, nil
}

func (r *Refresher) signOut() {
	if err := r.store.Clear(); err != nil {
		r.log.Error("failed to clear session", zap.Error(err))
	}
}

// ExchangeRefreshToken calls the refresh endpoint. Non-2xx responses are
// returned as *oauth2.RetrieveError.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	req := &Request{
		Method:    http.MethodPost,
		Path:      refreshPath,
		Body:      refreshRequest{RefreshToken: refreshToken},
		anonymous: true,
	}

	resp, err := c.send(ctx, req, "", uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		code := "server_error"
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			code = "invalid_grant"
		}
		return nil, &oauth2.RetrieveError{
			Response:         resp.raw,
			Body:             resp.Body,
			ErrorCode:        code,
			ErrorDescription: ParseErrorMessage(resp.StatusCode, resp.Body),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := validateTokenResponse(tr.AccessToken, tr.TokenType); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	if exp, ok := tokenExpiry(tr.AccessToken); ok {
		tok.Expiry = exp
	}
	return tok, nil
}

// validateTokenResponse checks a login or refresh response.
func validateTokenResponse(accessToken, tokenType string) error {
	if strings.TrimSpace(accessToken) == "" {
		return errors.New("access_token is empty")
	}
	// token_type is optional; the API sends lowercase "bearer".
	if tokenType != "" && !strings.EqualFold(tokenType, "bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected bearer)", tokenType)
	}
	return nil
}

// tokenExpiry reads the exp claim of a JWT access token without verifying
// its signature. Opaque tokens report ok=false.
func tokenExpiry(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// RefreshIfNeeded renews the access token through the shared coordinator
// when it is a JWT expiring within the configured skew. It returns
// ErrNotAuthenticated when there is no session at all.
func (c *Client) RefreshIfNeeded(ctx context.Context) error {
	s := c.store.Read()
	if strings.TrimSpace(s.AccessToken) == "" && strings.TrimSpace(s.RefreshToken) == "" {
		return ErrNotAuthenticated
	}

	exp, ok := tokenExpiry(s.AccessToken)
	if ok && time.Until(exp) > c.refreshSkew {
		return nil
	}
	if !ok && strings.TrimSpace(s.AccessToken) != "" {
		return nil
	}

	_, err := c.refresher.Refresh(ctx)
	return err
}
