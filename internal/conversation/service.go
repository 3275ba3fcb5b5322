// Package conversation runs the per-turn flow around the resolver: record the
// raw user turn, read the recent window, resolve, and later record the answer.
package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/comigor/continuum/internal/config"
	"github.com/comigor/continuum/internal/history"
	"github.com/comigor/continuum/internal/logger"
	"github.com/comigor/continuum/internal/resolver"
)

// DefaultWindow is the number of recent turns read when none is configured.
const DefaultWindow = resolver.ContextWindow

var (
	ErrEmptySession = errors.New("session id is required")
	ErrEmptyContent = errors.New("message content is required")
)

// Resolver is the part of resolver.Resolver the service depends on.
type Resolver interface {
	Resolve(ctx context.Context, recent []history.Message, raw string) resolver.Result
}

// TurnInput is one incoming user message.
type TurnInput struct {
	SessionID string
	UserID    string
	Content   string
}

// Turn is the prepared user turn handed to the answering model.
type Turn struct {
	SessionID string `json:"session_id"`
	Raw       string `json:"raw"`
	resolver.Result
}

// Service ties a history store to a resolver.
type Service struct {
	store    history.Store
	resolver Resolver
	window   int
}

// NewService creates a service reading cfg.History.Window recent turns.
func NewService(store history.Store, res Resolver, appCfg config.Config) *Service {
	window := appCfg.History.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{store: store, resolver: res, window: window}
}

// Prepare records the raw user message and resolves it against the window
// that now ends with it. The stored turn is always the raw text.
func (s *Service) Prepare(ctx context.Context, in TurnInput) (Turn, error) {
	if strings.TrimSpace(in.SessionID) == "" {
		return Turn{}, ErrEmptySession
	}
	if strings.TrimSpace(in.Content) == "" {
		return Turn{}, ErrEmptyContent
	}

	s.store.AppendMessage(ctx, in.SessionID, history.UserMessage(in.Content), in.UserID)
	recent := s.store.RecentMessages(ctx, in.SessionID, s.window)
	res := s.resolver.Resolve(ctx, recent, in.Content)

	logger.With("conversation", "session_id", in.SessionID).Debug("prepared turn",
		"rewritten", res.ResolvedQuery != in.Content, "entities", len(res.Entities))
	return Turn{SessionID: in.SessionID, Raw: in.Content, Result: res}, nil
}

// RecordAnswer appends the answering model's reply to the session.
func (s *Service) RecordAnswer(ctx context.Context, sessionID, answer string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySession
	}
	if strings.TrimSpace(answer) == "" {
		return ErrEmptyContent
	}
	s.store.AppendMessage(ctx, sessionID, history.AssistantMessage(answer), "")
	return nil
}

// Recent returns the last limit turns; a non-positive limit uses the window.
func (s *Service) Recent(ctx context.Context, sessionID string, limit int) []history.Message {
	if limit <= 0 {
		limit = s.window
	}
	return s.store.RecentMessages(ctx, sessionID, limit)
}

// History returns the whole session record.
func (s *Service) History(ctx context.Context, sessionID string) (history.Conversation, bool) {
	return s.store.Conversation(ctx, sessionID)
}

// Clear forgets the session.
func (s *Service) Clear(ctx context.Context, sessionID string) {
	s.store.ClearHistory(ctx, sessionID)
}

// ResolveStateless resolves raw against caller-supplied turns without
// touching the store.
func (s *Service) ResolveStateless(ctx context.Context, turns []history.Message, raw string) resolver.Result {
	return s.resolver.Resolve(ctx, turns, raw)
}
