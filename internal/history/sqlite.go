package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/continuum/internal/logger"
)

const defaultSQLitePath = "history.db"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
        session_id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL DEFAULT '',
        updated_at DATETIME NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT NOT NULL,
        role TEXT NOT NULL,
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, id);`,
}

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the SQLite history database at
// path. If opening the database or creating the tables fails, the store runs
// on its in-memory mirror alone.
func OpenSQLite(ctx context.Context, path string, opts Options) *Durable {
	if path == "" {
		path = defaultSQLitePath
	}
	log := logger.With("history", "backend", "sqlite")

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		log.Warn("sqlite open failed; using in-memory history", "error", err)
		return newDurable(nil, "sqlite", opts)
	}
	// One writer keeps per-session ordering trivially serialized.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Warn("sqlite table creation failed; using in-memory history", "error", err)
			_ = db.Close()
			return newDurable(nil, "sqlite", opts)
		}
	}
	log.Info("sqlite history DB initialized", "path", path)
	return newDurable(&sqliteBackend{db: db}, "sqlite", opts)
}

func (b *sqliteBackend) insert(ctx context.Context, sessionID, userID string, msg Message, maxTurns int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO conversations (session_id, user_id, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(session_id) DO UPDATE SET
            user_id = CASE WHEN excluded.user_id <> '' THEN excluded.user_id ELSE conversations.user_id END,
            updated_at = excluded.updated_at;`, sessionID, userID, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?);`,
		sessionID, string(msg.Role), msg.Content, msg.CreatedAt); err != nil {
		return err
	}
	if maxTurns > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND id NOT IN (
            SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?);`, sessionID, sessionID, maxTurns); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *sqliteBackend) recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT role, content, created_at FROM (
        SELECT id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
    ) ORDER BY id ASC;`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) conversation(ctx context.Context, sessionID string) (Conversation, bool, error) {
	conv := Conversation{SessionID: sessionID}
	err := b.db.QueryRowContext(ctx, `SELECT user_id, updated_at FROM conversations WHERE session_id = ?;`, sessionID).
		Scan(&conv.UserID, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	msgs, err := b.recent(ctx, sessionID, maxRows)
	if err != nil {
		return Conversation{}, false, err
	}
	conv.Messages = msgs
	return conv, true, nil
}

func (b *sqliteBackend) remove(ctx context.Context, sessionID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?;`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?;`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *sqliteBackend) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id IN (
        SELECT session_id FROM conversations WHERE updated_at < ?);`, cutoff.UTC()); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (b *sqliteBackend) close() error {
	return b.db.Close()
}
