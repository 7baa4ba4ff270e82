package models

import (
	"fmt"
	"time"
)

// TaskKind enumerates the kinds of queued work.
type TaskKind string

const (
	KindSync      TaskKind = "sync"
	KindClassify  TaskKind = "classify"
	KindDraft     TaskKind = "draft"
	KindLifecycle TaskKind = "lifecycle"
	KindRework    TaskKind = "rework"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindSync, KindClassify, KindDraft, KindLifecycle, KindRework:
		return true
	}
	return false
}

// ParseTaskKind validates a raw kind read from persistence or an external payload.
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown task kind %q", s)
	}
	return k, nil
}

// TaskStatus enumerates queue states persisted in Postgres.
// Transitions only move forward: pending -> running -> completed|pending(retry)|failed.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the status is retained only for auditing.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// DefaultMaxAttempts is the attempt ceiling applied when the enqueuer
// does not choose one.
const DefaultMaxAttempts = 3

// Task represents one persisted unit of queued work.
type Task struct {
	ID          string         `json:"id"`
	Kind        TaskKind       `json:"kind"`
	AccountID   int64          `json:"account_id"`
	Payload     map[string]any `json:"payload"`
	Status      TaskStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TaskPayload field names shared between enqueuers and handlers. Payloads
// reference conversations and cursors by identifier, never by embedded copy.
const (
	PayloadThreadID    = "thread_id"
	PayloadMessageID   = "message_id"
	PayloadCursor      = "cursor"
	PayloadForceFull   = "force_full"
	PayloadAction      = "action"
	PayloadManual      = "manual"
	PayloadInstruction = "instruction"
	PayloadReclassify  = "reclassify"
)

// Lifecycle task actions carried in the payload "action" field.
const (
	ActionDone      = "done"
	ActionCheckSent = "check_sent"
	ActionWaiting   = "check_waiting"
)
