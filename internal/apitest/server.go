// Package apitest runs an in-process fake of the dispatch backend for tests:
// auth with rotating tokens, alerts, notifications and the realtime socket.
package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/sos-dispatch/dispatch-cli/session"
)

type ctxKey struct{}

type account struct {
	password string
	profile  session.UserProfile
}

// Server is a fake dispatch API. All knobs are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	accounts      map[string]*account // by email
	access        map[string]string   // access token -> user id
	refresh       map[string]string   // refresh token -> user id
	alerts        map[string]map[string]any
	alertOrder    []string
	notifications map[string]map[string]any
	sockets       map[string]map[*websocket.Conn]struct{}
	socketTokens  []string
	received      map[string][]string // message types per user

	seq             atomic.Int64
	refreshCalls    atomic.Int32
	refreshDelay    atomic.Int64
	omitLoginUser   atomic.Bool
	alwaysForbidden atomic.Bool
	requests        atomic.Int32
}

// New starts a fake backend and closes it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		accounts:      make(map[string]*account),
		access:        make(map[string]string),
		refresh:       make(map[string]string),
		alerts:        make(map[string]map[string]any),
		notifications: make(map[string]map[string]any),
		sockets:       make(map[string]map[*websocket.Conn]struct{}),
		received:      make(map[string][]string),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/register", s.register)
		r.Post("/auth/refresh", s.refreshTokens)
		r.Get("/ws/{userID}", s.socket)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/auth/me", s.me)
			r.Get("/sos/", s.listAlerts)
			r.Get("/sos/{id}", s.getAlert)
			r.Patch("/sos/{id}", s.patchAlert)
			r.Get("/notifications/", s.listNotifications)
			r.Post("/notifications/mark-all-read", s.markAllRead)
			r.Patch("/notifications/{id}", s.patchNotification)
		})
	})
	return r
}

// Close drops every open socket, then shuts the HTTP server down.
func (s *Server) Close() {
	s.mu.Lock()
	var conns []*websocket.Conn
	for _, set := range s.sockets {
		for c := range set {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseNow()
	}
	s.Server.Close()
}

// ---- knobs ----

// AddUser registers an account that can log in with password.
func (s *Server) AddUser(profile session.UserProfile, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[profile.Email] = &account{password: password, profile: profile}
}

// IssueTokens mints a valid token pair for userID without a login call.
func (s *Server) IssueTokens(userID string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

func (s *Server) issueLocked(userID string) (string, string) {
	n := s.seq.Add(1)
	access := fmt.Sprintf("access-%s-%d", userID, n)
	refresh := fmt.Sprintf("refresh-%s-%d", userID, n)
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.access)
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

// SetRefreshDelay makes the refresh endpoint wait before answering.
func (s *Server) SetRefreshDelay(d time.Duration) { s.refreshDelay.Store(int64(d)) }

// OmitUserOnLogin makes login responses carry tokens only.
func (s *Server) OmitUserOnLogin(v bool) { s.omitLoginUser.Store(v) }

// RejectAuthenticated makes every authenticated endpoint answer 401 even
// for freshly refreshed tokens.
func (s *Server) RejectAuthenticated(v bool) { s.alwaysForbidden.Store(v) }

// RefreshCalls reports how many refresh requests were received.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// Requests reports how many HTTP requests were received.
func (s *Server) Requests() int { return int(s.requests.Load()) }

// IsValidAccessToken reports whether token is currently accepted.
func (s *Server) IsValidAccessToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.access[token]
	return ok
}

// AddAlert stores a raw alert document; "id" is required.
func (s *Server) AddAlert(alert map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprint(alert["id"])
	if _, exists := s.alerts[id]; !exists {
		s.alertOrder = append(s.alertOrder, id)
	}
	s.alerts[id] = alert
}

// AddNotification stores a raw notification document; "id" is required.
func (s *Server) AddNotification(n map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[fmt.Sprint(n["id"])] = n
}

// Notification returns a stored notification.
func (s *Server) Notification(id string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications[id]
}

// ---- realtime knobs ----

// Push sends msg to every socket of userID and reports how many received it.
func (s *Server) Push(ctx context.Context, userID string, msg any) (int, error) {
	sent := 0
	for _, c := range s.conns(userID) {
		if err := wsjson.Write(ctx, c, msg); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// PushRaw sends a raw text frame to every socket of userID.
func (s *Server) PushRaw(ctx context.Context, userID string, data []byte) error {
	for _, c := range s.conns(userID) {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// CloseSockets closes userID's sockets from the server side.
func (s *Server) CloseSockets(userID string) {
	for _, c := range s.conns(userID) {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
}

// Sockets reports how many sockets userID has open.
func (s *Server) Sockets(userID string) int { return len(s.conns(userID)) }

// SocketTokens lists the token of every socket connect attempt, in order.
func (s *Server) SocketTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.socketTokens...)
}

// Received lists the type of every message userID's sockets sent, in order.
func (s *Server) Received(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received[userID]...)
}

// Pings reports how many client keep-alive pings userID sent.
func (s *Server) Pings(userID string) int {
	n := 0
	for _, typ := range s.Received(userID) {
		if typ == "ping" {
			n++
		}
	}
	return n
}

func (s *Server) conns(userID string) []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.sockets[userID]))
	for c := range s.sockets[userID] {
		out = append(out, c)
	}
	return out
}

// ---- handlers ----

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, valid := s.access[token]
		s.mu.Unlock()

		if !ok || !valid || s.alwaysForbidden.Load() {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[body.Email]
	if !ok || acct.password != body.Password {
		s.mu.Unlock()
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	access, refresh := s.issueLocked(acct.profile.ID)
	profile := acct.profile
	s.mu.Unlock()

	resp := map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	}
	if !s.omitLoginUser.Load() {
		resp["user"] = profile
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
		Phone    string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{{"loc": []string{"body", "email"}, "msg": "field required"}},
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[body.Email]; exists {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	profile := session.UserProfile{
		ID:        fmt.Sprintf("user-%d", s.seq.Add(1)),
		Email:     body.Email,
		FullName:  body.FullName,
		Phone:     body.Phone,
		Role:      session.RoleCitizen,
		IsActive:  true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	s.accounts[body.Email] = &account{password: body.Password, profile: profile}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) refreshTokens(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		time.Sleep(d)
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	userID, ok := s.refresh[body.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	delete(s.refresh, body.RefreshToken)
	access, refresh := s.issueLocked(userID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(ctxKey{}).(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.profile.ID == userID {
			writeJSON(w, http.StatusOK, acct.profile)
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "User not found")
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	kind := r.URL.Query().Get("type")

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.alerts))
	for _, id := range s.alertOrder {
		a := s.alerts[id]
		if status != "" && a["status"] != status {
			continue
		}
		if kind != "" && a["emergency_type"] != kind {
			continue
		}
		out = append(out, a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[chi.URLParam(r, "id")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) patchAlert(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[chi.URLParam(r, "id")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Alert not found")
		return
	}
	if a["status"] == "completed" {
		writeDetail(w, http.StatusConflict, "Alert already completed")
		return
	}
	for _, k := range []string{"status", "description"} {
		if v, ok := patch[k]; ok {
			a[k] = v
		}
	}
	a["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread_only") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.notifications))
	for _, n := range s.notifications {
		if unreadOnly && n["is_read"] == true {
			continue
		}
		out = append(out, n)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) patchNotification(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		IsRead bool `json:"is_read"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[chi.URLParam(r, "id")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Notification not found")
		return
	}
	n["is_read"] = patch.IsRead
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) markAllRead(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		n["is_read"] = true
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	token := r.URL.Query().Get("token")

	s.mu.Lock()
	s.socketTokens = append(s.socketTokens, token)
	owner, ok := s.access[token]
	s.mu.Unlock()

	if !ok || owner != userID {
		writeDetail(w, http.StatusForbidden, "Invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.sockets[userID] == nil {
		s.sockets[userID] = make(map[*websocket.Conn]struct{})
	}
	s.sockets[userID][conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sockets[userID], conn)
		s.mu.Unlock()
		conn.CloseNow()
	}()

	ctx := context.Background()
	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received[userID] = append(s.received[userID], msg.Type)
		s.mu.Unlock()
		if msg.Type == "ping" {
			if err := wsjson.Write(ctx, conn, map[string]string{"type": "pong"}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
