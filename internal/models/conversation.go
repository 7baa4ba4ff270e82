package models

import (
	"fmt"
	"time"
)

// Category is the mutually exclusive classification assigned to a conversation.
type Category string

const (
	CategoryNeedsResponse  Category = "needs_response"
	CategoryActionRequired Category = "action_required"
	CategoryPaymentRequest Category = "payment_request"
	CategoryFYI            Category = "fyi"
	CategoryWaiting        Category = "waiting"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryNeedsResponse, CategoryActionRequired, CategoryPaymentRequest, CategoryFYI, CategoryWaiting:
		return true
	}
	return false
}

// ParseCategory validates a category coming back from the inference service
// or from a persisted row.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Confidence is the tier reported alongside a classification.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// LifecycleStatus tracks where a conversation sits in the triage pipeline.
type LifecycleStatus string

const (
	StatusPending         LifecycleStatus = "pending"
	StatusDrafted         LifecycleStatus = "drafted"
	StatusReworkRequested LifecycleStatus = "rework_requested"
	StatusSent            LifecycleStatus = "sent"
	StatusSkipped         LifecycleStatus = "skipped"
	StatusArchived        LifecycleStatus = "archived"
)

func (s LifecycleStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDrafted, StatusReworkRequested, StatusSent, StatusSkipped, StatusArchived:
		return true
	}
	return false
}

// Terminal reports whether no further transitions apply. Archived rows are
// never physically deleted.
func (s LifecycleStatus) Terminal() bool {
	return s == StatusArchived
}

// MaxReworks bounds user-requested draft regeneration per conversation.
// The would-be fourth rework escalates to skipped instead.
const MaxReworks = 3

// Conversation is the tracked state for one mailbox conversation per account.
// Unique per (AccountID, ThreadID).
type Conversation struct {
	ID             int64           `json:"id"`
	AccountID      int64           `json:"account_id"`
	ThreadID       string          `json:"thread_id"`
	MessageID      string          `json:"message_id"`
	SenderEmail    string          `json:"sender_email"`
	SenderName     string          `json:"sender_name,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	Snippet        string          `json:"snippet,omitempty"`
	Category       Category        `json:"category,omitempty"`
	Confidence     Confidence      `json:"confidence,omitempty"`
	Rationale      string          `json:"rationale,omitempty"`
	Locale         string          `json:"locale,omitempty"`
	Style          string          `json:"style,omitempty"`
	MessageCount   int             `json:"message_count"`
	Status         LifecycleStatus `json:"status"`
	DraftID        string          `json:"draft_id,omitempty"`
	ReworkCount    int             `json:"rework_count"`
	LastReworkNote string          `json:"last_rework_note,omitempty"`
	ReceivedAt     *time.Time      `json:"received_at,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	DraftedAt      *time.Time      `json:"drafted_at,omitempty"`
	ActedAt        *time.Time      `json:"acted_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
