package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/sos-dispatch/dispatch-cli/session"
)

const (
	loginPath         = "/api/v1/auth/login"
	registerPath      = "/api/v1/auth/register"
	mePath            = "/api/v1/auth/me"
	alertsPath        = "/api/v1/sos/"
	notificationsPath = "/api/v1/notifications/"
	markAllReadPath   = "/api/v1/notifications/mark-all-read"
)

// Login signs in with email and password and stores the new session. The
// profile comes from the login response or, if absent, from /auth/me.
func (c *Client) Login(ctx context.Context, email, password string) (*session.UserProfile, error) {
	tr, err := decodeJSON[tokenResponse](ctx, c, &Request{
		Method:    http.MethodPost,
		Path:      loginPath,
		Body:      loginRequest{Email: email, Password: password},
		anonymous: true,
	})
	if err != nil {
		return nil, err
	}
	if err := validateTokenResponse(tr.AccessToken, tr.TokenType); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	if err := c.store.WriteTokens(tr.AccessToken, tr.RefreshToken, tr.TokenType); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if tr.User != nil {
		if err := c.store.WriteUser(*tr.User); err != nil {
			return nil, fmt.Errorf("failed to save profile: %w", err)
		}
		c.log.Info("signed in", zap.String("user_id", tr.User.ID))
		return tr.User, nil
	}

	profile, err := c.Me(ctx)
	if err != nil {
		// Tokens without a profile are not a usable session.
		c.expireSession()
		return nil, err
	}
	c.log.Info("signed in", zap.String("user_id", profile.ID))
	return profile, nil
}

// Register creates an account. It does not sign in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*session.UserProfile, error) {
	profile, err := decodeJSON[session.UserProfile](ctx, c, &Request{
		Method:    http.MethodPost,
		Path:      registerPath,
		Body:      req,
		anonymous: true,
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// Me fetches the signed-in user's profile and replaces the stored one.
func (c *Client) Me(ctx context.Context) (*session.UserProfile, error) {
	profile, err := decodeJSON[session.UserProfile](ctx, c, &Request{
		Method: http.MethodGet,
		Path:   mePath,
	})
	if err != nil {
		return nil, err
	}
	if err := c.store.WriteUser(profile); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return &profile, nil
}

// Logout clears the local session. The API has no server-side logout.
func (c *Client) Logout() error {
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	c.log.Info("signed out")
	return nil
}

// ListAlerts returns alerts visible to the current user.
func (c *Client) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	setPaging(q, f.Skip, f.Limit)

	return decodeJSON[[]Alert](ctx, c, &Request{
		Method: http.MethodGet,
		Path:   alertsPath,
		Query:  q,
	})
}

// GetAlert returns one alert.
func (c *Client) GetAlert(ctx context.Context, id string) (*Alert, error) {
	a, err := decodeJSON[Alert](ctx, c, &Request{
		Method: http.MethodGet,
		Path:   alertsPath + url.PathEscape(id),
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAlert patches an alert's status and/or description.
func (c *Client) UpdateAlert(ctx context.Context, id string, u AlertUpdate) (*Alert, error) {
	a, err := decodeJSON[Alert](ctx, c, &Request{
		Method: http.MethodPatch,
		Path:   alertsPath + url.PathEscape(id),
		Body:   u,
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AcceptAlert moves an alert to in_progress.
func (c *Client) AcceptAlert(ctx context.Context, id string) (*Alert, error) {
	status := StatusInProgress
	return c.UpdateAlert(ctx, id, AlertUpdate{Status: &status})
}

// CompleteAlert moves an alert to completed.
func (c *Client) CompleteAlert(ctx context.Context, id string) (*Alert, error) {
	status := StatusCompleted
	return c.UpdateAlert(ctx, id, AlertUpdate{Status: &status})
}

// ListNotifications returns the current user's notifications.
func (c *Client) ListNotifications(ctx context.Context, f NotificationFilter) ([]Notification, error) {
	q := url.Values{}
	if f.UnreadOnly {
		q.Set("unread_only", "true")
	}
	setPaging(q, f.Skip, f.Limit)

	return decodeJSON[[]Notification](ctx, c, &Request{
		Method: http.MethodGet,
		Path:   notificationsPath,
		Query:  q,
	})
}

// MarkNotificationRead marks one notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) (*Notification, error) {
	n, err := decodeJSON[Notification](ctx, c, &Request{
		Method: http.MethodPatch,
		Path:   notificationsPath + url.PathEscape(id),
		Body:   map[string]bool{"is_read": true},
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkAllNotificationsRead marks every notification as read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := decodeJSON[json.RawMessage](ctx, c, &Request{
		Method: http.MethodPost,
		Path:   markAllReadPath,
	})
	return err
}

func setPaging(q url.Values, skip, limit int) {
	if skip > 0 {
		q.Set("skip", strconv.Itoa(skip))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}
