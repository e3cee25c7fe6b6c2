// Package realtime keeps a live websocket feed of alert events for the
// signed-in user. The connection is driven by a small state machine and
// reconnects forever, re-reading the access token before every dial.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/sos-dispatch/dispatch-cli/session"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultClosedDelay    = 3 * time.Second
	defaultFailedDelay    = 5 * time.Second
	dialTimeout           = 10 * time.Second
	writeTimeout          = 5 * time.Second
	readLimit             = 1 << 20
	eventBuffer           = 16
	wsPathPrefix          = "/api/v1/ws/"
	clientDisconnectCause = "client disconnect"
)

// TokenSource supplies the current access token. *session.Store satisfies it.
type TokenSource interface {
	Read() session.Session
}

// Stream is a single-connection alert feed.
type Stream struct {
	baseURL      string
	tokens       TokenSource
	log          *zap.Logger
	pingInterval time.Duration
	closedDelay  time.Duration
	failedDelay  time.Duration
	dialOpts     *websocket.DialOptions

	mu        sync.Mutex
	state     State
	userID    string
	cancel    context.CancelFunc
	done      chan struct{}
	conn      *websocket.Conn
	stateSubs map[chan State]struct{}
	eventSubs map[chan Event]struct{}
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the stream logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.log = l
		}
	}
}

// WithPingInterval sets the keep-alive period.
func WithPingInterval(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithReconnectDelay sets the delay before redialing after a server close
// and after a failure.
func WithReconnectDelay(closed, failed time.Duration) Option {
	return func(s *Stream) {
		if closed > 0 {
			s.closedDelay = closed
		}
		if failed > 0 {
			s.failedDelay = failed
		}
	}
}

// WithDialOptions passes options through to websocket.Dial.
func WithDialOptions(o *websocket.DialOptions) Option {
	return func(s *Stream) { s.dialOpts = o }
}

// New creates a disconnected Stream for the websocket base URL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Stream {
	s := &Stream{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:       tokens,
		log:          zap.NewNop(),
		pingInterval: defaultPingInterval,
		closedDelay:  defaultClosedDelay,
		failedDelay:  defaultFailedDelay,
		state:        Disconnected,
		stateSubs:    make(map[chan State]struct{}),
		eventSubs:    make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connection cycle for userID and returns immediately.
// It is a no-op while a cycle for the same user is running; a cycle for
// another user is disconnected first. ctx bounds the whole cycle, including
// reconnects.
func (s *Stream) Connect(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("realtime: user id is required")
	}

	s.mu.Lock()
	if s.cancel != nil {
		same := s.userID == userID
		s.mu.Unlock()
		if same {
			return nil
		}
		s.Disconnect()
		s.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done, s.userID = cancel, done, userID
	s.fireLocked(evConnect)
	s.mu.Unlock()

	go s.run(runCtx, userID, done)
	return nil
}

// Disconnect cancels any pending reconnect, closes the socket with a normal
// closure and leaves the stream Disconnected until the next Connect.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	if cancel == nil {
		s.mu.Unlock()
		return
	}
	s.fireLocked(evDisconnect)
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, clientDisconnectCause); err != nil {
			s.log.Debug("realtime close", zap.Error(err))
		}
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.cancel, s.done, s.conn = nil, nil, nil
	}
	s.fireLocked(evClosed)
}

// SubscribeState emits the current state, then every change. A slow reader
// only skips to the newest state. The channel closes when ctx is done.
func (s *Stream) SubscribeState(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	s.mu.Lock()
	ch <- s.state
	s.stateSubs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.stateSubs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Subscribe delivers alert events. When the reader falls behind, the oldest
// undelivered event is dropped. The channel closes when ctx is done.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, eventBuffer)

	s.mu.Lock()
	s.eventSubs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.eventSubs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Stream) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.eventSubs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		ch <- ev
	}
}

func (s *Stream) fire(e event) reconnect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(e)
}

func (s *Stream) fireLocked(e event) reconnect {
	prev := s.state
	next, r := transition(prev, e)
	if next == prev {
		return r
	}
	s.state = next
	s.log.Debug("realtime state",
		zap.String("state", next.String()),
		zap.String("from", prev.String()),
		zap.Stringer("event", e),
	)
	for ch := range s.stateSubs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return r
}

// run dials, reads until the connection ends, then waits out the reconnect
// delay and starts over, until ctx is canceled.
func (s *Stream) run(ctx context.Context, userID string, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done && s.state != Closing {
			// The owning context ended without Disconnect.
			s.cancel()
			s.cancel, s.done, s.conn = nil, nil, nil
			s.fireLocked(evDisconnect)
			s.fireLocked(evClosed)
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		r := s.session(ctx, userID)
		if r == noReconnect || ctx.Err() != nil {
			return
		}

		delay := s.failedDelay
		if r == reconnectAfterClose {
			delay = s.closedDelay
		}
		s.log.Info("realtime reconnect scheduled", zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.fire(evRetry)
	}
}

// session runs one connection from dial to close.
func (s *Stream) session(ctx context.Context, userID string) reconnect {
	conn, err := s.dial(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return noReconnect
		}
		s.log.Warn("realtime connect failed", zap.Error(err))
		return s.fire(evFailed)
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	s.conn = conn
	s.fireLocked(evOpened)
	opened := s.state == Connected
	s.mu.Unlock()

	if !opened {
		// Disconnect raced the handshake.
		conn.Close(websocket.StatusNormalClosure, clientDisconnectCause)
		return noReconnect
	}
	s.log.Info("realtime connected", zap.String("user_id", userID))

	pingCtx, stopPing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepAlive(pingCtx, conn)
	}()

	err = s.readLoop(ctx, conn)
	stopPing()
	wg.Wait()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.CloseNow()

	if ctx.Err() != nil {
		return noReconnect
	}
	if status := websocket.CloseStatus(err); status != -1 {
		s.log.Info("realtime closed by server", zap.Int("code", int(status)))
		return s.fire(evServerClosed)
	}
	s.log.Warn("realtime connection lost", zap.Error(err))
	return s.fire(evFailed)
}

func (s *Stream) dial(ctx context.Context, userID string) (*websocket.Conn, error) {
	token := strings.TrimSpace(s.tokens.Read().AccessToken)
	if token == "" {
		return nil, errors.New("no access token")
	}

	u, err := url.Parse(s.baseURL + wsPathPrefix + url.PathEscape(userID))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, u.String(), s.dialOpts)
	if err != nil {
		if resp != nil {
			s.log.Debug("realtime handshake rejected", zap.Int("status", resp.StatusCode))
		}
		return nil, err
	}
	return conn, nil
}

// readLoop returns the error that ended the connection.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.log.Debug("realtime binary message dropped", zap.Int("bytes", len(data)))
			continue
		}
		s.handle(ctx, conn, data)
	}
}

func (s *Stream) handle(ctx context.Context, conn *websocket.Conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("realtime message malformed", zap.Error(err))
		return
	}

	switch env.Type {
	case msgNewAlert, msgAlertUpdated:
		ev, err := decodeEvent(env)
		if err != nil {
			s.log.Warn("realtime alert dropped", zap.String("type", env.Type), zap.Error(err))
			return
		}
		s.publish(ev)
	case msgPing:
		if err := s.send(ctx, conn, msgPong); err != nil {
			s.log.Debug("realtime pong failed", zap.Error(err))
		}
	case msgPong:
	default:
		s.log.Debug("realtime message ignored", zap.String("type", env.Type))
	}
}

func (s *Stream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(ctx, conn, msgPing); err != nil {
				s.log.Debug("realtime ping failed", zap.Error(err))
			}
		}
	}
}

func (s *Stream) send(ctx context.Context, conn *websocket.Conn, typ string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, envelope{Type: typ})
}
