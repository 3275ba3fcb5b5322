package history

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/comigor/continuum/internal/logger"
)

// session is one conversation guarded by its own lock, so that writers to
// different sessions never wait on each other.
type session struct {
	mu        sync.Mutex
	userID    string
	messages  []Message
	updatedAt time.Time
	// dead is set once the session has been removed from the map; appenders
	// holding a stale pointer must look the session up again.
	dead bool
}

// MemoryStore is the in-process Store. The map lock is only taken for write
// to create or drop a session.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
	opts     Options
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session),
		opts:     opts,
		now:      time.Now,
	}
}

func (s *MemoryStore) lookup(sessionID string, create bool) *session {
	s.mu.RLock()
	sess := s.sessions[sessionID]
	s.mu.RUnlock()
	if sess != nil || !create {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess = s.sessions[sessionID]; sess == nil {
		sess = &session{updatedAt: s.now()}
		s.sessions[sessionID] = sess
	}
	return sess
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg Message, userID string) {
	for {
		sess := s.lookup(sessionID, true)
		sess.mu.Lock()
		if sess.dead {
			sess.mu.Unlock()
			continue
		}
		if userID != "" {
			sess.userID = userID
		}
		sess.messages = append(sess.messages, msg)
		if keep := s.opts.MaxTurns; keep > 0 && len(sess.messages) > keep {
			drop := len(sess.messages) - keep
			copy(sess.messages, sess.messages[drop:])
			sess.messages = sess.messages[:keep]
		}
		sess.updatedAt = s.now()
		sess.mu.Unlock()
		return
	}
}

// RecentMessages implements Store.
func (s *MemoryStore) RecentMessages(_ context.Context, sessionID string, limit int) []Message {
	sess := s.lookup(sessionID, false)
	if sess == nil {
		return []Message{}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.dead {
		return []Message{}
	}
	return tail(sess.messages, limit)
}

// FullHistory implements Store.
func (s *MemoryStore) FullHistory(ctx context.Context, sessionID string) []Message {
	return s.RecentMessages(ctx, sessionID, math.MaxInt)
}

// Conversation implements Store.
func (s *MemoryStore) Conversation(_ context.Context, sessionID string) (Conversation, bool) {
	sess := s.lookup(sessionID, false)
	if sess == nil {
		return Conversation{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.dead {
		return Conversation{}, false
	}
	msgs := slices.Clone(sess.messages)
	if msgs == nil {
		msgs = []Message{}
	}
	return Conversation{
		SessionID: sessionID,
		UserID:    sess.userID,
		Messages:  msgs,
		UpdatedAt: sess.updatedAt,
	}, true
}

// ClearHistory implements Store.
func (s *MemoryStore) ClearHistory(_ context.Context, sessionID string) {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if sess != nil {
		sess.mu.Lock()
		sess.dead = true
		sess.mu.Unlock()
	}
}

// HasSession implements Store.
func (s *MemoryStore) HasSession(_ context.Context, sessionID string) bool {
	return s.lookup(sessionID, false) != nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Sweep drops sessions idle for longer than IdleTTL and returns how many
// were dropped. It is a no-op when IdleTTL is zero.
func (s *MemoryStore) Sweep(now time.Time) int {
	if s.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.opts.IdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		if sess.updatedAt.Before(cutoff) {
			sess.dead = true
			delete(s.sessions, id)
			dropped++
		}
		sess.mu.Unlock()
	}
	return dropped
}

// RunJanitor sweeps every interval until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) error {
	if s.opts.IdleTTL <= 0 || interval <= 0 {
		return nil
	}
	log := logger.With("history")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			if n := s.Sweep(t); n > 0 {
				log.Info("swept idle sessions", "dropped", n, "idle_ttl", s.opts.IdleTTL)
			}
		}
	}
}
