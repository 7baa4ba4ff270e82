package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mail-triage/internal/models"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Tasks is the queue surface handlers and the sync engine depend on.
// Implemented by PostgresQueue; tests substitute in-memory fakes.
type Tasks interface {
	Enqueue(ctx context.Context, kind models.TaskKind, accountID int64, payload map[string]any) (string, error)
	ClaimNext(ctx context.Context) (*models.Task, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, taskErr error, backoff time.Duration) (models.TaskStatus, error)
	HasActive(ctx context.Context, kind models.TaskKind, accountID int64, threadID string) (bool, error)
}

// PostgresQueue is the persisted work queue. All coordination between
// workers happens through the tasks table; there are no in-process locks
// because workers may live in separate processes.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

const taskColumns = `id, kind, account_id, payload, status, attempts, max_attempts, last_error, created_at, started_at, completed_at`

// Enqueue inserts a pending task and returns its id. Idempotent enqueue is
// the caller's responsibility via HasActive.
func (q *PostgresQueue) Enqueue(ctx context.Context, kind models.TaskKind, accountID int64, payload map[string]any) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("enqueue: unknown task kind %q", kind)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	_, err = q.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, account_id, payload, status, attempts, max_attempts, run_after, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
	`, id, string(kind), accountID, payloadJSON, string(models.TaskPending), models.DefaultMaxAttempts)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest eligible pending task and marks it
// running. Exactly one concurrent caller receives a given task: the claim is
// a single conditional update over a SKIP LOCKED subselect, never a separate
// read-then-write.
func (q *PostgresQueue) ClaimNext(ctx context.Context) (*models.Task, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $2 AND attempts < max_attempts AND run_after <= NOW()
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskColumns,
		string(models.TaskRunning), string(models.TaskPending))

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// Complete marks a task completed and stamps the completion time.
func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, completed_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = $3
	`, id, string(models.TaskCompleted), string(models.TaskRunning))
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Retry records a failed attempt. The attempt count is incremented and the
// task restored to pending with the backoff applied via run_after, unless
// the post-increment count reaches the ceiling, in which case the task
// transitions to failed permanently. The resulting status is returned so
// callers can write an error event on exhaustion.
func (q *PostgresQueue) Retry(ctx context.Context, id string, taskErr error, backoff time.Duration) (models.TaskStatus, error) {
	msg := taskErr.Error()
	var status string
	err := q.pool.QueryRow(ctx, `
		UPDATE tasks
		SET attempts     = attempts + 1,
		    status       = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE $3 END,
		    started_at   = NULL,
		    completed_at = CASE WHEN attempts + 1 >= max_attempts THEN NOW() ELSE NULL END,
		    run_after    = NOW() + $6::interval,
		    last_error   = $4
		WHERE id = $1 AND status = $5
		RETURNING status
	`, id, string(models.TaskFailed), string(models.TaskPending), msg, string(models.TaskRunning),
		fmt.Sprintf("%d milliseconds", backoff.Milliseconds())).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("retry task: %w", err)
	}
	return models.TaskStatus(status), nil
}

// HasActive reports whether a pending or running task of the given kind
// already exists for the account, optionally narrowed to one conversation.
// Handlers call this before enqueuing to keep at most one task in flight per
// (kind, conversation).
func (q *PostgresQueue) HasActive(ctx context.Context, kind models.TaskKind, accountID int64, threadID string) (bool, error) {
	var exists bool
	err := q.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			WHERE kind = $1 AND account_id = $2
			  AND status IN ($3, $4)
			  AND ($5 = '' OR payload->>'thread_id' = $5)
		)
	`, string(kind), accountID, string(models.TaskPending), string(models.TaskRunning), threadID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active tasks: %w", err)
	}
	return exists, nil
}

// Get fetches a task by id.
func (q *PostgresQueue) Get(ctx context.Context, id string) (*models.Task, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ReleaseStale resets running tasks whose start time exceeds the threshold
// back to pending. This sweep is the only recovery path for tasks orphaned
// by a crashed worker.
func (q *PostgresQueue) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < NOW() - $3::interval
	`, string(models.TaskPending), string(models.TaskRunning), fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("release stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Reap deletes completed and failed tasks older than the retention window
// and returns the removed rows so the caller can archive them. Pending and
// running tasks are never touched regardless of age.
func (q *PostgresQueue) Reap(ctx context.Context, olderThan time.Duration) ([]models.Task, error) {
	rows, err := q.pool.Query(ctx, `
		DELETE FROM tasks
		WHERE status IN ($1, $2) AND completed_at < NOW() - $3::interval
		RETURNING `+taskColumns,
		string(models.TaskCompleted), string(models.TaskFailed), fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("reap tasks: %w", err)
	}
	defer rows.Close()

	var reaped []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reaped task: %w", err)
		}
		reaped = append(reaped, *task)
	}
	return reaped, rows.Err()
}

// Stats summarizes queue depth by status.
func (q *PostgresQueue) Stats(ctx context.Context) (map[models.TaskStatus]int64, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[models.TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[models.TaskStatus(status)] = n
	}
	return stats, rows.Err()
}

// ListFailed returns recently failed tasks for operational inspection.
func (q *PostgresQueue) ListFailed(ctx context.Context, limit int) ([]models.Task, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 ORDER BY completed_at DESC LIMIT $2
	`, string(models.TaskFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	defer rows.Close()

	var failed []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed task: %w", err)
		}
		failed = append(failed, *task)
	}
	return failed, rows.Err()
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var kind, status string
	var payloadJSON []byte
	var lastErr pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&t.ID, &kind, &t.AccountID, &payloadJSON, &status,
		&t.Attempts, &t.MaxAttempts, &lastErr, &t.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	parsedKind, err := models.ParseTaskKind(kind)
	if err != nil {
		return nil, err
	}
	t.Kind = parsedKind
	t.Status = models.TaskStatus(status)
	if !t.Status.Valid() {
		return nil, fmt.Errorf("unknown task status %q", status)
	}
	if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if lastErr.Valid {
		t.LastError = &lastErr.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}
