// Package worker runs the task execution pool. Every worker goroutine runs
// the same loop against the shared Postgres queue; task kinds dispatch
// through a handler registry populated at startup.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mail-triage/internal/config"
	"mail-triage/internal/models"
	"mail-triage/internal/queue"
	"mail-triage/internal/store"
	"mail-triage/internal/telemetry"
)

// Handler executes one claimed task. A nil return completes the task; any
// error sends it through the retry policy.
type Handler func(ctx context.Context, task *models.Task) error

// taskQueue is the queue surface the pool needs beyond handler dispatch:
// claiming plus the maintenance operations.
type taskQueue interface {
	queue.Tasks
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Reap(ctx context.Context, olderThan time.Duration) ([]models.Task, error)
	Stats(ctx context.Context) (map[models.TaskStatus]int64, error)
}

// Archiver receives reaped terminal tasks for cold storage. Optional.
type Archiver interface {
	Archive(ctx context.Context, tasks []models.Task) error
}

// Pool drives a fixed set of identical worker loops over the shared queue.
type Pool struct {
	cfg      config.Config
	queue    taskQueue
	events   store.Events
	archiver Archiver
	handlers map[models.TaskKind]Handler
}

func NewPool(cfg config.Config, q taskQueue, events store.Events, archiver Archiver) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    q,
		events:   events,
		archiver: archiver,
		handlers: make(map[models.TaskKind]Handler),
	}
}

// Register binds a handler to a task kind. There is no default handler: a
// kind without a registered handler fails through the retry policy, which
// surfaces wiring mistakes instead of silently eating tasks.
func (p *Pool) Register(kind models.TaskKind, h Handler) {
	if !kind.Valid() || h == nil {
		return
	}
	p.handlers[kind] = h
}

// Run starts the worker loops plus the maintenance loop and blocks until
// context cancellation. Workers hold no state; crash recovery is entirely
// the stale-task sweep's job.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 3
	}
	log.Info().Int("workers", n).Msg("worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.queue.ClaimNext(ctx)
		if err != nil {
			log.Error().Err(err).Int("worker", id).Msg("claim failed")
			sleepCtx(ctx, poll)
			continue
		}
		if task == nil {
			sleepCtx(ctx, poll)
			continue
		}
		p.process(ctx, id, task)
	}
}

func (p *Pool) process(ctx context.Context, workerID int, task *models.Task) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	err := p.dispatch(ctx, task)
	if err == nil {
		if cerr := p.queue.Complete(ctx, task.ID); cerr != nil {
			// The stale sweep will release the task; the handler must
			// tolerate the replay.
			log.Error().Err(cerr).Str("task_id", task.ID).Msg("complete failed")
			return
		}
		telemetry.TasksCompleted.WithLabelValues(string(task.Kind)).Inc()
		log.Debug().Int("worker", workerID).Str("task_id", task.ID).Str("kind", string(task.Kind)).
			Dur("took", time.Since(start)).Msg("task completed")
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, task.Attempts+1)
	status, rerr := p.queue.Retry(ctx, task.ID, err, backoff)
	if rerr != nil {
		log.Error().Err(rerr).Str("task_id", task.ID).Msg("retry bookkeeping failed")
		return
	}

	if status == models.TaskFailed {
		telemetry.TasksFailed.WithLabelValues(string(task.Kind)).Inc()
		log.Error().Err(err).Str("task_id", task.ID).Str("kind", string(task.Kind)).
			Int("attempts", task.Attempts+1).Msg("task exhausted attempts")
		p.recordFailure(ctx, task, err)
		return
	}
	telemetry.TasksRetried.WithLabelValues(string(task.Kind)).Inc()
	log.Warn().Err(err).Str("task_id", task.ID).Str("kind", string(task.Kind)).
		Dur("backoff", backoff).Msg("task failed, will retry")
}

// dispatch resolves the handler and confines panics to the single task: a
// panicking handler costs one attempt, never a worker goroutine.
func (p *Pool) dispatch(ctx context.Context, task *models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handler, ok := p.handlers[task.Kind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", task.Kind)
	}
	return handler(ctx, task)
}

// recordFailure appends an audit event for a permanently failed task when it
// references a conversation.
func (p *Pool) recordFailure(ctx context.Context, task *models.Task, taskErr error) {
	threadID, _ := task.Payload[models.PayloadThreadID].(string)
	if threadID == "" {
		return
	}
	ev := models.Event{
		AccountID: task.AccountID,
		ThreadID:  threadID,
		Kind:      models.EventError,
		Detail:    fmt.Sprintf("%s task failed permanently: %s", task.Kind, taskErr),
	}
	if aerr := p.events.Append(ctx, ev); aerr != nil {
		log.Error().Err(aerr).Str("task_id", task.ID).Msg("failure event append failed")
	}
}

// maintenanceLoop runs the periodic queue upkeep from inside the pool: the
// stale-task sweep, queue depth sampling, and retention reaping. Any running
// worker performs it, so upkeep needs no dedicated process.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	sweep := time.NewTicker(30 * time.Second)
	defer sweep.Stop()
	reap := time.NewTicker(time.Hour)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sweep.C:
			released, err := p.queue.ReleaseStale(ctx, p.cfg.StaleTaskThreshold)
			if err != nil {
				log.Error().Err(err).Msg("stale sweep failed")
			} else if released > 0 {
				telemetry.TasksReleased.Add(float64(released))
				log.Warn().Int64("released", released).Msg("stale running tasks released")
			}
			if stats, err := p.queue.Stats(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(stats[models.TaskPending]))
			}

		case <-reap.C:
			reaped, err := p.queue.Reap(ctx, p.cfg.TaskRetention)
			if err != nil {
				log.Error().Err(err).Msg("task reap failed")
				continue
			}
			if len(reaped) == 0 {
				continue
			}
			if p.archiver != nil {
				if err := p.archiver.Archive(ctx, reaped); err != nil {
					log.Error().Err(err).Int("tasks", len(reaped)).Msg("task archive failed")
				}
			}
			log.Info().Int("reaped", len(reaped)).Msg("terminal tasks reaped")
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
