package queue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/subflow/subflow/internal/store"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	statusReady     = "ready"
	statusLeased    = "leased"
	statusCompleted = "completed"
	statusDead      = "dead"
)

// Retention of terminal bookkeeping, for operator inspection only. The
// durable job store keeps its rows indefinitely; these are just the queue's
// own records.
const (
	completedRetention = 2 * time.Hour
	deadRetention      = 24 * time.Hour
	terminalKeepCount  = 10
)

// Message is one delivery unit. Payload is opaque to the queue.
type Message struct {
	ID       string
	Queue    string
	Payload  []byte
	Attempts int
}

// Options tunes delivery behaviour per queue instance.
type Options struct {
	MaxAttempts int           // deliveries before a message goes dead (default 3)
	BaseBackoff time.Duration // first retry delay, doubled per attempt (default 1s)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	return o
}

// SQLiteQueue is a persistent at-least-once work queue. A message is claimed
// by at most one active lease at a time; a crashed worker's lease simply
// expires and the message becomes claimable again.
type SQLiteQueue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

func NewSQLiteQueue(path string, opts Options) (*SQLiteQueue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q := &SQLiteQueue{db: db, opts: opts.withDefaults(), now: time.Now}
	if err := q.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *SQLiteQueue) init(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return store.Migrate(ctx, q.db, migrationFiles)
}

// Enqueue makes payload deliverable immediately and returns the message id.
func (q *SQLiteQueue) Enqueue(ctx context.Context, queueName string, payload []byte) (string, error) {
	id := "msg-" + uuid.NewString()
	now := q.now().UTC()
	_, err := q.db.ExecContext(
		ctx,
		`INSERT INTO messages (id, queue, payload, status, attempts, max_attempts, run_after, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id,
		queueName,
		string(payload),
		statusReady,
		q.opts.MaxAttempts,
		now,
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Lease claims the oldest deliverable message on queueName for leaseDur. A
// message is deliverable when it is ready with run_after in the past, or when
// a previous holder's lease has expired. Returns nil when the queue is empty.
func (q *SQLiteQueue) Lease(ctx context.Context, queueName string, leaseDur time.Duration) (*Message, error) {
	now := q.now().UTC()

	// Single UPDATE so two workers can never claim the same row: the inner
	// SELECT picks one candidate and the write claims it atomically.
	row := q.db.QueryRowContext(
		ctx,
		`UPDATE messages
		 SET status = ?, attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM messages
			WHERE queue = ?
			  AND (
				(status = ? AND run_after <= ?)
				OR (status = ? AND lease_expires_at <= ?)
			  )
			ORDER BY created_at ASC
			LIMIT 1
		 )
		 RETURNING id, queue, payload, attempts`,
		statusLeased,
		now.Add(leaseDur),
		now,
		queueName,
		statusReady,
		now,
		statusLeased,
		now,
	)

	var msg Message
	var payload string
	if err := row.Scan(&msg.ID, &msg.Queue, &payload, &msg.Attempts); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lease: %w", err)
	}
	msg.Payload = []byte(payload)
	return &msg, nil
}

// Ack marks a delivered message completed and stores the handler's result
// summary in the queue's completion log.
func (q *SQLiteQueue) Ack(ctx context.Context, msg *Message, result string) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	_, err := q.db.ExecContext(
		ctx,
		`UPDATE messages SET status = ?, result = ?, lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
		statusCompleted,
		result,
		q.now().UTC(),
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Fail releases a delivered message after a handler error. While attempts
// remain it goes back to ready with exponential backoff; otherwise it goes to
// the dead log with the final error retained.
func (q *SQLiteQueue) Fail(ctx context.Context, msg *Message, cause error) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	now := q.now().UTC()
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	if msg.Attempts >= q.opts.MaxAttempts {
		return q.DeadLetter(ctx, msg, cause)
	}

	_, err := q.db.ExecContext(
		ctx,
		`UPDATE messages SET status = ?, last_error = ?, run_after = ?, lease_expires_at = NULL, result = NULL, updated_at = ? WHERE id = ?`,
		statusReady,
		lastError,
		now.Add(q.backoff(msg.Attempts)),
		now,
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("fail (retry): %w", err)
	}
	return nil
}

// DeadLetter moves a delivered message to the dead log regardless of how many
// attempts remain, for messages that can never succeed.
func (q *SQLiteQueue) DeadLetter(ctx context.Context, msg *Message, cause error) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	_, err := q.db.ExecContext(
		ctx,
		`UPDATE messages SET status = ?, last_error = ?, lease_expires_at = NULL, result = NULL, updated_at = ? WHERE id = ?`,
		statusDead,
		lastError,
		q.now().UTC(),
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

// backoff returns the delay before delivery attempt n+1: base, 2*base, 4*base...
func (q *SQLiteQueue) backoff(attempts int) time.Duration {
	d := q.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// PruneTerminal trims the completion and dead-letter logs: entries older than
// their retention window go away, and each log keeps at most
// terminalKeepCount recent entries.
func (q *SQLiteQueue) PruneTerminal(ctx context.Context) error {
	now := q.now().UTC()
	for _, p := range []struct {
		status    string
		retention time.Duration
	}{
		{statusCompleted, completedRetention},
		{statusDead, deadRetention},
	} {
		if _, err := q.db.ExecContext(
			ctx,
			`DELETE FROM messages WHERE status = ? AND updated_at <= ?`,
			p.status,
			now.Add(-p.retention),
		); err != nil {
			return fmt.Errorf("prune %s by age: %w", p.status, err)
		}
		if _, err := q.db.ExecContext(
			ctx,
			`DELETE FROM messages WHERE status = ? AND id NOT IN (
				SELECT id FROM messages WHERE status = ? ORDER BY updated_at DESC LIMIT ?
			)`,
			p.status,
			p.status,
			terminalKeepCount,
		); err != nil {
			return fmt.Errorf("prune %s by count: %w", p.status, err)
		}
	}
	return nil
}

// Stats returns per-status message counts on one queue, for logging.
func (q *SQLiteQueue) Stats(ctx context.Context, queueName string) (map[string]int, error) {
	rows, err := q.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM messages WHERE queue = ? GROUP BY status`,
		queueName,
	)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	ret := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		ret[status] = count
	}
	return ret, rows.Err()
}
