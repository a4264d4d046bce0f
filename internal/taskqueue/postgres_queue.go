package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresQueue is a persistent task queue backed by PostgreSQL. The
// claim uses FOR UPDATE SKIP LOCKED so concurrent workers never block
// on, or receive, the same row.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue initializes the tasks table in the given DB and
// returns a new queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_not_before ON tasks (not_before, seq);
	`)
	return err
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	enqueuedAt := t.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = enqueuedAt
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, execution_id, token, retry_count, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID,
		string(t.Type),
		t.ExecutionID,
		t.Token,
		t.RetryCount,
		enqueuedAt.UnixNano(),
		notBefore.UnixNano(),
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		var (
			id, typeStr string
			executionID string
			token       string
			retryCount  int
			enqueuedInt int64
			notBefore   int64
		)

		// Claim and delete in one statement; SKIP LOCKED keeps racing
		// workers off the same row.
		row := q.db.QueryRowContext(ctx, `
			DELETE FROM tasks
			WHERE seq = (
				SELECT seq FROM tasks
				WHERE not_before <= $1
				ORDER BY not_before, seq
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, type, execution_id, token, retry_count, enqueued_at, not_before`, now)
		err := row.Scan(&id, &typeStr, &executionID, &token, &retryCount, &enqueuedInt, &notBefore)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		return &Task{
			ID:          id,
			Type:        TaskType(typeStr),
			ExecutionID: executionID,
			Token:       token,
			RetryCount:  retryCount,
			EnqueuedAt:  time.Unix(0, enqueuedInt),
			NotBefore:   time.Unix(0, notBefore),
		}, nil
	}
}

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
