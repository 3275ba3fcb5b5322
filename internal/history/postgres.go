package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    session_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    role VARCHAR(16) NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, id);
`

type postgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the shared history database for multi-instance
// deployments. Unlike SQLite, an unreachable database at startup is an error:
// instances silently running on private memory would diverge.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Durable, error) {
	if dsn == "" {
		return nil, errors.New("postgres history backend requires history.dsn")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return newDurable(&postgresBackend{pool: pool}, "postgres", opts), nil
}

func (b *postgresBackend) insert(ctx context.Context, sessionID, userID string, msg Message, maxTurns int) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		// Row lock on the conversation serializes appends to one session
		// across instances.
		if _, err := tx.Exec(ctx, `INSERT INTO conversations (session_id, user_id, updated_at) VALUES ($1, $2, $3)
            ON CONFLICT (session_id) DO UPDATE SET
                user_id = CASE WHEN EXCLUDED.user_id <> '' THEN EXCLUDED.user_id ELSE conversations.user_id END,
                updated_at = EXCLUDED.updated_at`, sessionID, userID, time.Now().UTC()); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO messages (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
			sessionID, string(msg.Role), msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if maxTurns > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1 AND id NOT IN (
                SELECT id FROM messages WHERE session_id = $1 ORDER BY id DESC LIMIT $2)`, sessionID, maxTurns); err != nil {
				return fmt.Errorf("trim messages: %w", err)
			}
		}
		return nil
	})
}

func (b *postgresBackend) recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := b.pool.Query(ctx, `SELECT role, content, created_at FROM (
        SELECT id, role, content, created_at FROM messages WHERE session_id = $1 ORDER BY id DESC LIMIT $2
    ) AS recent ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *postgresBackend) conversation(ctx context.Context, sessionID string) (Conversation, bool, error) {
	conv := Conversation{SessionID: sessionID}
	err := b.pool.QueryRow(ctx, `SELECT user_id, updated_at FROM conversations WHERE session_id = $1`, sessionID).
		Scan(&conv.UserID, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("query conversation: %w", err)
	}
	msgs, err := b.recent(ctx, sessionID, maxRows)
	if err != nil {
		return Conversation{}, false, err
	}
	conv.Messages = msgs
	return conv, true, nil
}

func (b *postgresBackend) remove(ctx context.Context, sessionID string) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

func (b *postgresBackend) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	var dropped int
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id IN (
            SELECT session_id FROM conversations WHERE updated_at < $1)`, cutoff); err != nil {
			return fmt.Errorf("sweep messages: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM conversations WHERE updated_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("sweep conversations: %w", err)
		}
		dropped = int(tag.RowsAffected())
		return nil
	})
	return dropped, err
}

func (b *postgresBackend) close() error {
	b.pool.Close()
	return nil
}
