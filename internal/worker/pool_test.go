package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mail-triage/internal/config"
	"mail-triage/internal/models"
)

// memQueue is an in-memory queue with the same claim and retry semantics as
// the Postgres implementation: exactly-one claim, attempt ceiling on retry.
type memQueue struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	order []string
	next  int
}

func newMemQueue() *memQueue {
	return &memQueue{tasks: map[string]*models.Task{}}
}

func (q *memQueue) Enqueue(_ context.Context, kind models.TaskKind, accountID int64, payload map[string]any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	id := fmt.Sprintf("task-%d", q.next)
	if payload == nil {
		payload = map[string]any{}
	}
	q.tasks[id] = &models.Task{
		ID: id, Kind: kind, AccountID: accountID, Payload: payload,
		Status: models.TaskPending, MaxAttempts: models.DefaultMaxAttempts,
		CreatedAt: time.Now(),
	}
	q.order = append(q.order, id)
	return id, nil
}

func (q *memQueue) ClaimNext(context.Context) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Status == models.TaskPending && t.Attempts < t.MaxAttempts {
			t.Status = models.TaskRunning
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (q *memQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != models.TaskRunning {
		return errors.New("not running")
	}
	t.Status = models.TaskCompleted
	return nil
}

func (q *memQueue) Retry(_ context.Context, id string, taskErr error, _ time.Duration) (models.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != models.TaskRunning {
		return "", errors.New("not running")
	}
	t.Attempts++
	msg := taskErr.Error()
	t.LastError = &msg
	if t.Attempts >= t.MaxAttempts {
		t.Status = models.TaskFailed
	} else {
		t.Status = models.TaskPending
	}
	return t.Status, nil
}

func (q *memQueue) HasActive(_ context.Context, kind models.TaskKind, accountID int64, threadID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Kind != kind || t.AccountID != accountID || t.Status.Terminal() {
			continue
		}
		if threadID == "" {
			return true, nil
		}
		if tid, _ := t.Payload[models.PayloadThreadID].(string); tid == threadID {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) ReleaseStale(context.Context, time.Duration) (int64, error) { return 0, nil }
func (q *memQueue) Reap(context.Context, time.Duration) ([]models.Task, error) {
	return nil, nil
}
func (q *memQueue) Stats(context.Context) (map[models.TaskStatus]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := map[models.TaskStatus]int64{}
	for _, t := range q.tasks {
		stats[t.Status]++
	}
	return stats, nil
}

func (q *memQueue) get(id string) models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.tasks[id]
}

type memEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *memEvents) Append(_ context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) ListByThread(_ context.Context, _ int64, threadID string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.ThreadID == threadID {
			out = append(out, e)
		}
	}
	return out, nil
}

func testConfig() config.Config {
	return config.Config{
		WorkerConcurrency:  1,
		WorkerPollInterval: time.Millisecond,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         time.Millisecond,
		StaleTaskThreshold: time.Minute,
		TaskRetention:      time.Hour,
	}
}

func TestPoolCompletesTask(t *testing.T) {
	q := newMemQueue()
	events := &memEvents{}
	pool := NewPool(testConfig(), q, events, nil)

	done := make(chan string, 1)
	pool.Register(models.KindSync, func(_ context.Context, task *models.Task) error {
		done <- task.ID
		return nil
	})

	id, _ := q.Enqueue(context.Background(), models.KindSync, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	defer cancel()

	select {
	case got := <-done:
		if got != id {
			t.Fatalf("handled %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	waitFor(t, func() bool { return q.get(id).Status == models.TaskCompleted })
}

func TestPoolRetriesUntilCeiling(t *testing.T) {
	q := newMemQueue()
	events := &memEvents{}
	pool := NewPool(testConfig(), q, events, nil)

	var mu sync.Mutex
	attempts := 0
	pool.Register(models.KindClassify, func(context.Context, *models.Task) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("transient failure")
	})

	id, _ := q.Enqueue(context.Background(), models.KindClassify, 1,
		map[string]any{models.PayloadThreadID: "t1"})

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	defer cancel()

	waitFor(t, func() bool { return q.get(id).Status == models.TaskFailed })

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != models.DefaultMaxAttempts {
		t.Fatalf("attempts = %d, want exactly %d", got, models.DefaultMaxAttempts)
	}

	// Exhaustion writes an audit event for the referenced conversation.
	waitFor(t, func() bool {
		evs, _ := events.ListByThread(context.Background(), 1, "t1")
		return len(evs) == 1 && evs[0].Kind == models.EventError
	})
}

func TestPoolRecoversFromPanic(t *testing.T) {
	q := newMemQueue()
	pool := NewPool(testConfig(), q, &memEvents{}, nil)

	pool.Register(models.KindDraft, func(context.Context, *models.Task) error {
		panic("handler exploded")
	})
	done := make(chan struct{}, 1)
	pool.Register(models.KindSync, func(context.Context, *models.Task) error {
		done <- struct{}{}
		return nil
	})

	panicID, _ := q.Enqueue(context.Background(), models.KindDraft, 1, nil)
	_, _ = q.Enqueue(context.Background(), models.KindSync, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	defer cancel()

	// The panicking task must not take the worker down with it.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}

	waitFor(t, func() bool { return q.get(panicID).Status == models.TaskFailed })
	task := q.get(panicID)
	if task.LastError == nil || *task.LastError == "" {
		t.Fatal("panic must be recorded as the task error")
	}
}

func TestPoolUnregisteredKindFails(t *testing.T) {
	q := newMemQueue()
	pool := NewPool(testConfig(), q, &memEvents{}, nil)
	pool.Register(models.KindSync, func(context.Context, *models.Task) error { return nil })

	id, _ := q.Enqueue(context.Background(), models.KindRework, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	defer cancel()

	waitFor(t, func() bool { return q.get(id).Status == models.TaskFailed })
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := time.Second
	max := 10 * time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		got := backoffWithJitter(base, max, attempt)
		if got <= 0 || got > max {
			t.Fatalf("attempt %d: backoff %s out of (0, %s]", attempt, got, max)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
