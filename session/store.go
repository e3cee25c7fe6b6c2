package session

import (
	"context"
	"errors"
	"io/fs"
	"sync"

	"go.uber.org/zap"
)

// Store owns the persisted Session. Writes are serialized, durable before
// they become visible, and published to subscribers in write order.
type Store struct {
	mu     sync.Mutex
	cur    Session
	bucket *fileBucket
	subs   map[chan Session]struct{}
	log    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report swallowed storage errors.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore opens the named bucket of the session file at path. A missing or
// unreadable bucket starts as an empty session.
func NewStore(path, bucket string, opts ...Option) *Store {
	if bucket == "" {
		bucket = defaultBucketName
	}
	s := newStore(opts...)
	s.bucket = &fileBucket{path: path, name: bucket}

	fields, err := s.bucket.load()
	switch {
	case err == nil:
		s.cur = decodeSession(fields)
	case errors.Is(err, fs.ErrNotExist):
	default:
		s.log.Warn("session file unreadable, starting logged out",
			zap.String("path", path), zap.Error(err))
	}
	return s
}

// NewMemoryStore returns a Store that keeps the session in memory only.
func NewMemoryStore(opts ...Option) *Store {
	return newStore(opts...)
}

func newStore(opts ...Option) *Store {
	s := &Store{
		subs: make(map[chan Session]struct{}),
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read returns a copy of the current session.
func (s *Store) Read() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.clone()
}

// Subscribe emits the current session immediately and again after every
// mutation until ctx is done, then closes the channel. A consumer that falls
// behind skips straight to the newest snapshot.
func (s *Store) Subscribe(ctx context.Context) <-chan Session {
	ch := make(chan Session, 1)

	s.mu.Lock()
	ch <- s.cur.clone()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// WriteTokens replaces the token fields, leaving the profile untouched.
func (s *Store) WriteTokens(access, refresh, tokenType string) error {
	return s.mutate(func(cur Session) Session {
		cur.AccessToken = access
		cur.RefreshToken = refresh
		cur.TokenType = tokenType
		return cur
	})
}

// WriteUser replaces the profile, leaving the tokens untouched.
func (s *Store) WriteUser(profile UserProfile) error {
	return s.mutate(func(cur Session) Session {
		cur.User = &profile
		return cur
	})
}

// Clear erases the whole session.
func (s *Store) Clear() error {
	return s.mutate(func(Session) Session {
		return Session{}
	})
}

func (s *Store) mutate(fn func(Session) Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.cur.clone())
	if s.bucket != nil {
		if err := s.bucket.save(encodeSession(next)); err != nil {
			return err
		}
	}
	s.cur = next

	for ch := range s.subs {
		// Only this goroutine sends, under mu, so after the drain the send
		// cannot block.
		select {
		case <-ch:
		default:
		}
		ch <- next.clone()
	}
	return nil
}
