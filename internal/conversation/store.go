package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lexiqai/converse-gateway/internal/observability"
	"github.com/rs/zerolog"
)

// Session holds the conversation state of one client.
// Callers must hold the session lock for the whole read-modify-write
// of its history (see Lock).
type Session struct {
	id        string
	createdAt time.Time

	lock    chan struct{}
	history *History
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was created
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Lock acquires exclusive access to the session history, giving up
// with the context error if ctx ends first
func (s *Session) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the session history
func (s *Session) Unlock() {
	<-s.lock
}

// History returns the session history. Only valid while the lock is held.
func (s *Session) History() *History {
	return s.history
}

// Snapshot returns a copy of the current turns, taking the lock
func (s *Session) Snapshot() []Turn {
	s.lock <- struct{}{}
	defer s.Unlock()
	return s.history.Turns()
}

// StoreConfig configures a session store
type StoreConfig struct {
	MaxSessions  int
	TTL          time.Duration
	SystemPrompt string
	Window       int
}

// Store maps session ids to sessions.
// It is bounded: least recently used sessions are evicted when full and
// idle sessions expire after the TTL.
type Store struct {
	mu           sync.Mutex
	sessions     *expirable.LRU[string, *Session]
	systemPrompt string
	window       int
	logger       zerolog.Logger
}

// NewStore creates a session store
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	logger := observability.Component("sessions")

	onEvict := func(id string, _ *Session) {
		logger.Debug().Str("session_id", id).Msg("Session evicted")
	}

	return &Store{
		sessions:     expirable.NewLRU[string, *Session](cfg.MaxSessions, onEvict, cfg.TTL),
		systemPrompt: cfg.SystemPrompt,
		window:       cfg.Window,
		logger:       logger,
	}
}

// Get returns the session for id, creating it if absent.
// An empty id gets a freshly generated one.
func (s *Store) Get(id string) *Session {
	if id == "" {
		id = NewSessionID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions.Get(id); ok {
		// Re-adding refreshes the expiry
		s.sessions.Add(id, sess)
		return sess
	}

	sess := &Session{
		id:        id,
		createdAt: time.Now(),
		lock:      make(chan struct{}, 1),
		history:   NewHistory(s.systemPrompt, s.window),
	}
	s.sessions.Add(id, sess)
	observability.SetSessions(s.sessions.Len())

	s.logger.Debug().Str("session_id", id).Msg("Session created")
	return sess
}

// Peek returns the session for id without creating or refreshing it
func (s *Store) Peek(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Peek(id)
}

// Remove deletes a session
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.Remove(id)
	observability.SetSessions(s.sessions.Len())
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Len()
}

// NewSessionID generates a new session id
func NewSessionID() string {
	return uuid.New().String()
}
