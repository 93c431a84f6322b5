package queue

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteQueue is a persistent Queue implementation backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver:
//
//	import _ "modernc.org/sqlite"
//
// Visibility is tracked with a visible_at column; unacked items carry a
// deadline instead. Simple FIFO semantics are based on an auto-incrementing
// sequence.
type SQLiteQueue struct {
	db                *sql.DB
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	clock             func() time.Time
}

// NewSQLiteQueue initializes the queue schema in the given DB and returns a
// new queue. A non-positive visibilityTimeout defaults to 30 seconds.
func NewSQLiteQueue(db *sql.DB, visibilityTimeout time.Duration) (*SQLiteQueue, error) {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	q := &SQLiteQueue{
		db:                db,
		visibilityTimeout: visibilityTimeout,
		pollInterval:      20 * time.Millisecond,
		clock:             time.Now,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_name TEXT NOT NULL,
			message_id TEXT NOT NULL,
			visible_at INTEGER NOT NULL,
			unacked INTEGER NOT NULL DEFAULT 0,
			deadline INTEGER NOT NULL DEFAULT 0,
			UNIQUE (queue_name, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible
			ON queue_messages (queue_name, unacked, visible_at);
	`)
	return err
}

func (q *SQLiteQueue) Push(ctx context.Context, queueName, id string, delay time.Duration) error {
	visibleAt := q.clock().Add(delay).UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (queue_name, message_id, visible_at, unacked, deadline)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT (queue_name, message_id)
		DO UPDATE SET visible_at = excluded.visible_at, unacked = 0, deadline = 0`,
		queueName, id, visibleAt,
	)
	return err
}

func (q *SQLiteQueue) PushIfNotExists(ctx context.Context, queueName, id string, delay time.Duration) (bool, error) {
	visibleAt := q.clock().Add(delay).UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (queue_name, message_id, visible_at, unacked, deadline)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT (queue_name, message_id) DO NOTHING`,
		queueName, id, visibleAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *SQLiteQueue) Pop(ctx context.Context, queueName string, count int, timeout time.Duration) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	deadline := q.clock().Add(timeout)
	var claimed []string

	for {
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		default:
		}

		ids, err := q.claim(ctx, queueName, count-len(claimed))
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, ids...)
		if len(claimed) >= count {
			return claimed, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return claimed, nil
		}
		wait := q.pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context, queueName string, n int) ([]string, error) {
	now := q.clock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT message_id FROM queue_messages
		WHERE queue_name = ? AND unacked = 0 AND visible_at <= ?
		ORDER BY visible_at, seq
		LIMIT ?`, queueName, now.UnixMilli(), n)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	unackDeadline := now.Add(q.visibilityTimeout).UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages SET unacked = 1, deadline = ?
			WHERE queue_name = ? AND message_id = ?`,
			unackDeadline, queueName, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, queueName, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_messages
		WHERE queue_name = ? AND message_id = ? AND unacked = 1`,
		queueName, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *SQLiteQueue) Remove(ctx context.Context, queueName, id string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_messages WHERE queue_name = ? AND message_id = ?`,
		queueName, id)
	return err
}

func (q *SQLiteQueue) Exists(ctx context.Context, queueName, id string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, `
		SELECT 1 FROM queue_messages WHERE queue_name = ? AND message_id = ?`,
		queueName, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *SQLiteQueue) Size(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_messages WHERE queue_name = ? AND unacked = 0`,
		queueName).Scan(&n)
	return n, err
}

func (q *SQLiteQueue) QueuesDetail(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue_name, COUNT(*) FROM queue_messages
		WHERE unacked = 0 GROUP BY queue_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	detail := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		detail[name] = n
	}
	return detail, rows.Err()
}

func (q *SQLiteQueue) ProcessUnacks(ctx context.Context, queueName string) error {
	now := q.clock().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET unacked = 0, visible_at = ?, deadline = 0
		WHERE queue_name = ? AND unacked = 1 AND deadline <= ?`,
		now, queueName, now)
	return err
}
