// Package history records per-session conversation turns and serves recent
// windows of them as resolution context.
//
// Every implementation hands out copies: a slice returned by a read is never
// shared with the store. Unknown sessions are a normal state and read as empty.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/comigor/continuum/internal/config"
)

// Store is the session-keyed, append-only conversation log.
type Store interface {
	// AppendMessage creates the session if absent, records userID when it is
	// non-empty and appends msg to the end of the session.
	AppendMessage(ctx context.Context, sessionID string, msg Message, userID string)
	// RecentMessages returns the last limit messages in insertion order.
	RecentMessages(ctx context.Context, sessionID string, limit int) []Message
	// FullHistory returns every message of the session.
	FullHistory(ctx context.Context, sessionID string) []Message
	// Conversation returns the full session record, or false if unknown.
	Conversation(ctx context.Context, sessionID string) (Conversation, bool)
	// ClearHistory removes the session outright. Clearing an absent session is a no-op.
	ClearHistory(ctx context.Context, sessionID string)
	// HasSession reports whether the session exists.
	HasSession(ctx context.Context, sessionID string) bool
	// Close releases backend resources.
	Close() error
}

// Options configures retention for every backend.
type Options struct {
	// MaxTurns keeps only the newest MaxTurns messages per session; 0 keeps all.
	MaxTurns int
	// IdleTTL drops sessions not updated for this long on Sweep; 0 disables.
	IdleTTL time.Duration
}

// OptionsFromConfig extracts the retention options from the history config.
func OptionsFromConfig(cfg config.HistoryConfig) Options {
	return Options{MaxTurns: cfg.MaxTurns, IdleTTL: cfg.IdleTTL}
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemoryStore(opts), nil
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg.DSN, opts), nil
	case config.BackendPostgres:
		return OpenPostgres(ctx, cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported history backend %q", cfg.Backend)
	}
}
