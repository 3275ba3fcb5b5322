package history

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/comigor/continuum/internal/logger"
)

// maxRows stands in for "no limit" on backend reads.
const maxRows = math.MaxInt32

// backend is the database half of a Durable store.
type backend interface {
	insert(ctx context.Context, sessionID, userID string, msg Message, maxTurns int) error
	recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	conversation(ctx context.Context, sessionID string) (Conversation, bool, error)
	remove(ctx context.Context, sessionID string) error
	sweep(ctx context.Context, cutoff time.Time) (int, error)
	close() error
}

// pendingWrite is an append the database has not accepted yet.
type pendingWrite struct {
	msg    Message
	userID string
}

// Durable persists turns to a database and always keeps an in-memory mirror.
//
// A failed insert is not lost: it stays queued for its session and is retried,
// in order, before that session's next write, on every janitor tick and on
// Close. Until then, reads of the session append the queued turns to what the
// database returns. A failed read is answered by the mirror.
type Durable struct {
	db     backend
	mirror *MemoryStore
	opts   Options
	log    *slog.Logger

	// wmu serializes database writes with the queue they drain.
	wmu sync.Mutex
	// pmu guards pending. Mutations also hold wmu.
	pmu     sync.Mutex
	pending map[string][]pendingWrite
}

func newDurable(db backend, name string, opts Options) *Durable {
	return &Durable{
		db:      db,
		mirror:  NewMemoryStore(opts),
		opts:    opts,
		log:     logger.With("history", "backend", name),
		pending: make(map[string][]pendingWrite),
	}
}

// Persistent reports whether a database is attached.
func (d *Durable) Persistent() bool { return d.db != nil }

// Pending returns how many appends are waiting to reach the database.
func (d *Durable) Pending() int {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	n := 0
	for _, q := range d.pending {
		n += len(q)
	}
	return n
}

func (d *Durable) unflushed(sessionID string) []pendingWrite {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return slices.Clone(d.pending[sessionID])
}

func (d *Durable) hasPending(sessionID string) bool {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return len(d.pending[sessionID]) > 0
}

// setPending must be called with wmu held.
func (d *Durable) setPending(sessionID string, queue []pendingWrite) {
	if keep := d.opts.MaxTurns; keep > 0 && len(queue) > keep {
		// Older queued turns would be trimmed on arrival anyway.
		queue = queue[len(queue)-keep:]
	}
	d.pmu.Lock()
	defer d.pmu.Unlock()
	if len(queue) == 0 {
		delete(d.pending, sessionID)
		return
	}
	d.pending[sessionID] = queue
}

// flush writes queue in order and returns the writes that did not land.
// It must be called with wmu held.
func (d *Durable) flush(ctx context.Context, sessionID string, queue []pendingWrite) []pendingWrite {
	for i, w := range queue {
		if err := d.db.insert(ctx, sessionID, w.userID, w.msg, d.opts.MaxTurns); err != nil {
			d.log.Error("failed to store message; keeping it queued", "session_id", sessionID, "queued", len(queue)-i, "error", err)
			return queue[i:]
		}
	}
	return nil
}

// FlushPending retries every queued append and returns how many are still
// waiting afterwards.
func (d *Durable) FlushPending(ctx context.Context) int {
	if d.db == nil {
		return 0
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()

	d.pmu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.pmu.Unlock()

	for _, id := range ids {
		d.setPending(id, d.flush(ctx, id, d.unflushed(id)))
	}
	return d.Pending()
}

// AppendMessage implements Store.
func (d *Durable) AppendMessage(ctx context.Context, sessionID string, msg Message, userID string) {
	if d.db != nil {
		d.wmu.Lock()
		queue := append(d.unflushed(sessionID), pendingWrite{msg: msg, userID: userID})
		d.setPending(sessionID, d.flush(ctx, sessionID, queue))
		d.wmu.Unlock()
	}
	d.mirror.AppendMessage(ctx, sessionID, msg, userID)
}

// lockIfPending holds wmu while a session has queued writes, so a read never
// sees a turn both in the database and in the queue.
func (d *Durable) lockIfPending(sessionID string) func() {
	if !d.hasPending(sessionID) {
		return func() {}
	}
	d.wmu.Lock()
	return d.wmu.Unlock
}

// RecentMessages implements Store.
func (d *Durable) RecentMessages(ctx context.Context, sessionID string, limit int) []Message {
	if limit <= 0 {
		return []Message{}
	}
	if d.db != nil {
		unlock := d.lockIfPending(sessionID)
		defer unlock()
		msgs, err := d.db.recent(ctx, sessionID, limit)
		if err == nil {
			return d.withQueued(msgs, d.unflushed(sessionID), limit)
		}
		d.log.Warn("failed to read messages; using memory", "session_id", sessionID, "error", err)
	}
	return d.mirror.RecentMessages(ctx, sessionID, limit)
}

// withQueued appends queued turns to stored ones and applies limit and MaxTurns.
func (d *Durable) withQueued(stored []Message, queue []pendingWrite, limit int) []Message {
	all := stored
	if len(queue) > 0 {
		all = slices.Clone(stored)
		for _, w := range queue {
			all = append(all, w.msg)
		}
	}
	if keep := d.opts.MaxTurns; keep > 0 && keep < limit {
		limit = keep
	}
	return tail(all, limit)
}

// FullHistory implements Store.
func (d *Durable) FullHistory(ctx context.Context, sessionID string) []Message {
	return d.RecentMessages(ctx, sessionID, maxRows)
}

// Conversation implements Store.
func (d *Durable) Conversation(ctx context.Context, sessionID string) (Conversation, bool) {
	if d.db != nil {
		unlock := d.lockIfPending(sessionID)
		defer unlock()
		conv, ok, err := d.db.conversation(ctx, sessionID)
		if err == nil {
			queue := d.unflushed(sessionID)
			if len(queue) == 0 {
				return conv, ok
			}
			if !ok {
				conv = Conversation{SessionID: sessionID}
			}
			conv.Messages = d.withQueued(conv.Messages, queue, maxRows)
			for _, w := range queue {
				if w.userID != "" {
					conv.UserID = w.userID
				}
				if w.msg.CreatedAt.After(conv.UpdatedAt) {
					conv.UpdatedAt = w.msg.CreatedAt
				}
			}
			return conv, true
		}
		d.log.Warn("failed to read conversation; using memory", "session_id", sessionID, "error", err)
	}
	return d.mirror.Conversation(ctx, sessionID)
}

// ClearHistory implements Store.
func (d *Durable) ClearHistory(ctx context.Context, sessionID string) {
	if d.db != nil {
		d.wmu.Lock()
		d.setPending(sessionID, nil)
		if err := d.db.remove(ctx, sessionID); err != nil {
			d.log.Error("failed to clear session", "session_id", sessionID, "error", err)
		}
		d.wmu.Unlock()
	}
	d.mirror.ClearHistory(ctx, sessionID)
}

// HasSession implements Store.
func (d *Durable) HasSession(ctx context.Context, sessionID string) bool {
	_, ok := d.Conversation(ctx, sessionID)
	return ok
}

// Close makes a last attempt at queued writes and releases the database.
func (d *Durable) Close() error {
	if d.db == nil {
		return nil
	}
	if n := d.FlushPending(context.Background()); n > 0 {
		d.log.Error("closing with unstored messages", "queued", n)
	}
	return d.db.close()
}

// Sweep drops sessions idle for longer than IdleTTL from the database and
// the mirror. It returns the number of database sessions dropped, or the
// mirror's count when no database is attached.
func (d *Durable) Sweep(ctx context.Context, now time.Time) int {
	if d.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-d.opts.IdleTTL)
	dropped := d.mirror.Sweep(now)
	if d.db == nil {
		return dropped
	}

	d.wmu.Lock()
	defer d.wmu.Unlock()
	d.pmu.Lock()
	for id, q := range d.pending {
		if q[len(q)-1].msg.CreatedAt.Before(cutoff) {
			delete(d.pending, id)
		}
	}
	d.pmu.Unlock()

	n, err := d.db.sweep(ctx, cutoff)
	if err != nil {
		d.log.Error("failed to sweep idle sessions", "error", err)
		return dropped
	}
	return n
}

// RunJanitor retries queued writes and sweeps idle sessions every interval
// until ctx is done.
func (d *Durable) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || (d.opts.IdleTTL <= 0 && d.db == nil) {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			if n := d.FlushPending(ctx); n > 0 {
				d.log.Warn("messages still waiting for the database", "queued", n)
			}
			if n := d.Sweep(ctx, t); n > 0 {
				d.log.Info("swept idle sessions", "dropped", n, "idle_ttl", d.opts.IdleTTL)
			}
		}
	}
}
