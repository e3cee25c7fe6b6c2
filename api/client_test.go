package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sos-dispatch/dispatch-cli/internal/apitest"
	"github.com/sos-dispatch/dispatch-cli/session"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestClient(t *testing.T, base string, opts ...Option) (*Client, *session.Store) {
	t.Helper()
	store := session.NewMemoryStore()
	c, err := New(base, store, opts...)
	require.NoError(t, err)
	return c, store
}

func rescuer() session.UserProfile {
	return session.UserProfile{
		ID:       "u-1",
		Email:    "rescuer@example.com",
		FullName: "Ada Rescuer",
		Role:     session.RoleRescuer,
		IsActive: true,
	}
}

// signIn seeds both the fake backend and the store with a valid session.
func signIn(t *testing.T, srv *apitest.Server, store *session.Store) session.UserProfile {
	t.Helper()
	profile := rescuer()
	srv.AddUser(profile, "secret")
	access, refresh := srv.IssueTokens(profile.ID)
	require.NoError(t, store.WriteTokens(access, refresh, "bearer"))
	require.NoError(t, store.WriteUser(profile))
	return profile
}

func TestNew_Validation(t *testing.T) {
	_, err := New("  ", session.NewMemoryStore())
	assert.Error(t, err)

	_, err = New("http://localhost:8000", nil)
	assert.Error(t, err)

	c, err := New("http://localhost:8000/", session.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", c.baseURL)
	assert.NotNil(t, c.Refresher())
}

func TestLogin_StoresSessionAndProfile(t *testing.T) {
	srv := apitest.New(t)
	srv.AddUser(rescuer(), "secret")
	c, store := newTestClient(t, srv.URL)

	profile, err := c.Login(context.Background(), "rescuer@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-1", profile.ID)
	assert.Equal(t, session.RoleRescuer, profile.Role)

	s := store.Read()
	assert.True(t, s.IsLoggedIn())
	assert.Equal(t, "bearer", s.TokenType)
	assert.True(t, srv.IsValidAccessToken(s.AccessToken))
}

func TestLogin_FetchesProfileWhenResponseHasNone(t *testing.T) {
	srv := apitest.New(t)
	srv.AddUser(rescuer(), "secret")
	srv.OmitUserOnLogin(true)
	c, store := newTestClient(t, srv.URL)

	profile, err := c.Login(context.Background(), "rescuer@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Ada Rescuer", profile.FullName)
	require.NotNil(t, store.Read().User)
	assert.Equal(t, "u-1", store.Read().UserID())
}

func TestLogin_WrongPasswordDoesNotRefresh(t *testing.T) {
	srv := apitest.New(t)
	srv.AddUser(rescuer(), "secret")
	c, store := newTestClient(t, srv.URL)

	_, err := c.Login(context.Background(), "rescuer@example.com", "nope")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Incorrect email or password", apiErr.Message)
	assert.NotErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, srv.RefreshCalls())
	assert.False(t, store.Read().IsLoggedIn())
}

func TestDo_RefreshesAndRetriesWithNewToken(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)
	signIn(t, srv, store)
	old := store.Read().AccessToken

	srv.ExpireAccessTokens()

	_, err := c.ListAlerts(context.Background(), AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.RefreshCalls())

	s := store.Read()
	assert.NotEqual(t, old, s.AccessToken)
	assert.True(t, srv.IsValidAccessToken(s.AccessToken))
	assert.True(t, s.IsLoggedIn(), "profile survives a refresh")
}

func TestDo_ConcurrentAuthFailuresShareOneRefresh(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)
	signIn(t, srv, store)

	srv.ExpireAccessTokens()
	srv.SetRefreshDelay(200 * time.Millisecond)

	const callers = 10
	var (
		wg   sync.WaitGroup
		errs = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.ListAlerts(context.Background(), AlertFilter{})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 1, srv.RefreshCalls())
	assert.True(t, store.Read().IsLoggedIn())
}

func TestDo_SecondAuthFailureExpiresSession(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)
	signIn(t, srv, store)
	srv.RejectAuthenticated(true)

	_, err := c.ListAlerts(context.Background(), AlertFilter{})
	require.ErrorIs(t, err, ErrSessionExpired)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	// list, refresh, retried list and nothing more
	assert.Equal(t, 3, srv.Requests())
	assert.Equal(t, 1, srv.RefreshCalls())
	assert.False(t, store.Read().IsLoggedIn())
	assert.Empty(t, store.Read().AccessToken)
}

func TestDo_RejectedRefreshTokenExpiresSession(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)
	signIn(t, srv, store)
	srv.ExpireAccessTokens()
	srv.RevokeRefreshTokens()

	_, err := c.ListAlerts(context.Background(), AlertFilter{})
	require.ErrorIs(t, err, ErrSessionExpired)

	var re *oauth2.RetrieveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "invalid_grant", re.ErrorCode)
	assert.Equal(t, "Invalid refresh token", re.ErrorDescription)

	assert.False(t, store.Read().IsLoggedIn())
	assert.Equal(t, session.Session{}, store.Read())
}

func TestDo_NoSessionExpiresWithoutRefreshCall(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)

	_, err := c.ListAlerts(context.Background(), AlertFilter{})
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, srv.RefreshCalls())
	assert.False(t, store.Read().IsLoggedIn())
}

func TestDo_KeepsRequestIDAcrossRetry(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Request-ID"))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u-1","email":"a@b.c","role":"operator"}`))
	})
	mux.HandleFunc("POST /api/v1/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"fresh","refresh_token":"r2","token_type":"bearer"}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c, store := newTestClient(t, ts.URL)
	require.NoError(t, store.WriteTokens("stale", "r1", "bearer"))

	profile, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.RoleOperator, profile.Role)

	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
	_, err = uuid.Parse(ids[0])
	assert.NoError(t, err)
	assert.Equal(t, "r2", store.Read().RefreshToken)
}

func TestDo_FallbackOnTransportError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	srv := apitest.New(t)
	c, store := newTestClient(t, dead.URL, WithFallbackURL(srv.URL))
	signIn(t, srv, store)
	srv.AddAlert(map[string]any{"id": "a-1", "emergency_type": "fire", "status": "pending"})

	alerts, err := c.ListAlerts(context.Background(), AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, TypeFire, alerts[0].Type)
}

func TestDo_FallbackTriedExactlyOnce(t *testing.T) {
	var attempts atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})}

	c, store := newTestClient(t, "http://primary.invalid",
		WithFallbackURL("http://fallback.invalid"), WithHTTPClient(hc))
	require.NoError(t, store.WriteTokens("a", "r", "bearer"))

	_, err := c.ListAlerts(context.Background(), AlertFilter{})
	require.ErrorIs(t, err, ErrNetworkUnavailable)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Error(t, netErr.Primary)
	assert.Error(t, netErr.Fallback)
	assert.Equal(t, int32(2), attempts.Load())
	assert.True(t, store.Read().AccessToken == "a", "network errors keep the session")
}

func TestDo_NoFallbackConfigured(t *testing.T) {
	var attempts atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("no route to host")
	})}

	c, _ := newTestClient(t, "http://primary.invalid", WithHTTPClient(hc))

	_, err := c.Register(context.Background(), RegisterRequest{Email: "x@y.z"})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDo_ServerErrorDoesNotUseFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	t.Cleanup(primary.Close)

	var fallbackHits atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fallbackHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(fallback.Close)

	c, store := newTestClient(t, primary.URL, WithFallbackURL(fallback.URL))
	require.NoError(t, store.WriteTokens("a", "r", "bearer"))

	_, err := c.GetAlert(context.Background(), "a-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "The server is unavailable, please try again later", apiErr.Message)
	assert.Zero(t, fallbackHits.Load())
}

func TestDo_CanceledContext(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL, WithFallbackURL(srv.URL))
	signIn(t, srv, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ListAlerts(ctx, AlertFilter{})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNetworkUnavailable)
	assert.True(t, store.Read().IsLoggedIn())
}

func TestParseErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"string detail", 400, `{"detail":"Email already registered"}`, "Email already registered"},
		{
			"validation objects",
			422,
			`{"detail":[{"loc":["body","email"],"msg":"field required"},{"loc":["body","password"],"msg":"too short"}]}`,
			"field required\ntoo short",
		},
		{"list of strings", 400, `{"detail":["first","second"]}`, "first\nsecond"},
		{"non-json body", 502, `<html>bad gateway</html>`, "The server is unavailable, please try again later"},
		{"empty body", 404, ``, "The requested resource was not found"},
		{"empty detail list", 422, `{"detail":[]}`, "Some fields are invalid"},
		{"detail of wrong type", 409, `{"detail":42}`, "This resource already exists"},
		{"unmapped status", 418, `{}`, "Request failed with status 418"},
		{"login failure default", 401, `{"message":"x"}`, "Invalid email or password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseErrorMessage(tt.status, []byte(tt.body)))
		})
	}
}

func TestNetworkError(t *testing.T) {
	single := &NetworkError{Primary: errors.New("dial tcp: refused")}
	assert.ErrorIs(t, single, ErrNetworkUnavailable)
	assert.Contains(t, single.Error(), "refused")

	both := &NetworkError{Primary: context.DeadlineExceeded, Fallback: errors.New("eof")}
	assert.ErrorIs(t, both, context.DeadlineExceeded)
	assert.Contains(t, both.Error(), "fallback: eof")
}

func TestAlerts(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)
	signIn(t, srv, store)
	ctx := context.Background()

	srv.AddAlert(map[string]any{
		"id": "a-1", "emergency_type": "flood", "status": "pending", "priority": 2,
		"latitude": 10.77, "longitude": 106.7, "address": "12 River Rd",
		"created_at": "2025-06-01T10:00:00",
	})
	srv.AddAlert(map[string]any{"id": "a-2", "emergency_type": "medical", "status": "assigned"})

	all, err := c.ListAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := c.ListAlerts(ctx, AlertFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "flood at 12 River Rd", pending[0].Headline())
	require.NotNil(t, pending[0].CreatedAt)
	assert.Equal(t, 2025, pending[0].CreatedAt.Year())

	a, err := c.AcceptAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, a.Status)

	a, err = c.CompleteAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, a.Status)

	_, err = c.CompleteAlert(ctx, "a-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "Alert already completed", apiErr.Message)

	_, err = c.GetAlert(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Alert not found", apiErr.Message)
	assert.True(t, store.Read().IsLoggedIn(), "application errors keep the session")
}

func TestNotifications(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)
	signIn(t, srv, store)
	ctx := context.Background()

	srv.AddNotification(map[string]any{"id": "n-1", "title": "New alert", "is_read": false})
	srv.AddNotification(map[string]any{"id": "n-2", "title": "Assigned", "is_read": true})

	unread, err := c.ListNotifications(ctx, NotificationFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "n-1", unread[0].ID)

	n, err := c.MarkNotificationRead(ctx, "n-1")
	require.NoError(t, err)
	assert.True(t, n.IsRead)

	srv.AddNotification(map[string]any{"id": "n-3", "title": "Closed", "is_read": false})
	require.NoError(t, c.MarkAllNotificationsRead(ctx))
	assert.Equal(t, true, srv.Notification("n-3")["is_read"])
}

func TestRegister(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)
	ctx := context.Background()

	profile, err := c.Register(ctx, RegisterRequest{Email: "new@example.com", Password: "pw", FullName: "New User"})
	require.NoError(t, err)
	assert.Equal(t, session.RoleCitizen, profile.Role)
	assert.False(t, store.Read().IsLoggedIn(), "register does not sign in")

	_, err = c.Register(ctx, RegisterRequest{Email: "new@example.com", Password: "pw"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Email already registered", apiErr.Message)

	_, err = c.Register(ctx, RegisterRequest{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "field required", apiErr.Message)
}

func TestLogout(t *testing.T) {
	srv := apitest.New(t)
	c, store := newTestClient(t, srv.URL)
	signIn(t, srv, store)

	require.NoError(t, c.Logout())
	assert.Equal(t, session.Session{}, store.Read())
}

func TestHealth_Primary(t *testing.T) {
	srv := apitest.New(t)
	c, _ := newTestClient(t, srv.URL, WithFallbackURL("http://fallback.invalid"))

	report, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL, report.BaseURL)
	assert.False(t, report.Fallback)
	assert.Equal(t, http.StatusOK, report.StatusCode)
}
