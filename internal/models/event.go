package models

import "time"

// EventKind is the closed set of audit event types.
type EventKind string

const (
	EventClassified         EventKind = "classified"
	EventDraftCreated       EventKind = "draft_created"
	EventDraftTrashed       EventKind = "draft_trashed"
	EventDraftReworked      EventKind = "draft_reworked"
	EventSentDetected       EventKind = "sent_detected"
	EventArchived           EventKind = "archived"
	EventReworkLimitReached EventKind = "rework_limit_reached"
	EventWaitingRetriaged   EventKind = "waiting_retriaged"
	EventError              EventKind = "error"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventClassified, EventDraftCreated, EventDraftTrashed, EventDraftReworked,
		EventSentDetected, EventArchived, EventReworkLimitReached, EventWaitingRetriaged, EventError:
		return true
	}
	return false
}

// Event is one append-only audit row. Events are correlated to conversations
// by (AccountID, ThreadID), not by foreign key, so they survive reprocessing.
type Event struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	ThreadID  string    `json:"thread_id"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	LabelID   string    `json:"label_id,omitempty"`
	DraftID   string    `json:"draft_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncCursor is the single per-account row tracking incremental sync position
// and the push-notification watch subscription.
type SyncCursor struct {
	AccountID       int64      `json:"account_id"`
	Cursor          string     `json:"cursor"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	WatchResourceID string     `json:"watch_resource_id,omitempty"`
	WatchExpiresAt  *time.Time `json:"watch_expires_at,omitempty"`
}

// Account is a tracked mailbox owner.
type Account struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// LabelKey names the well-known mailbox labels the engine manages for an
// account. Classification categories double as label keys; the rest mark
// pipeline stages.
const (
	LabelOutbox = "outbox"
	LabelRework = "rework"
	LabelDone   = "done"
)

// TransientLabelKeys are the labels stripped on archival. The done marker is
// permanent and survives.
func TransientLabelKeys() []string {
	return []string{
		string(CategoryNeedsResponse),
		string(CategoryActionRequired),
		string(CategoryPaymentRequest),
		string(CategoryFYI),
		string(CategoryWaiting),
		LabelOutbox,
		LabelRework,
	}
}
