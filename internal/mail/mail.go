// Package mail abstracts the external mailbox provider. The sync engine and
// task handlers depend only on the interfaces here; the Gmail implementation
// lives alongside them.
package mail

import (
	"context"
	"errors"
	"time"
)

// ErrCursorExpired signals that the stored change cursor is no longer valid
// on the provider side and the caller must fall back to a full scan.
var ErrCursorExpired = errors.New("change cursor expired")

// ChangeKind classifies one observed mailbox delta.
type ChangeKind string

const (
	ChangeMessageAdded   ChangeKind = "message_added"
	ChangeLabelAdded     ChangeKind = "label_added"
	ChangeLabelRemoved   ChangeKind = "label_removed"
	ChangeMessageDeleted ChangeKind = "message_deleted"
)

// Change is a single delta from the provider's change feed.
type Change struct {
	Kind      ChangeKind
	MessageID string
	ThreadID  string
	// LabelIDs carries the labels added or removed for label changes, and
	// the message's current labels for additions.
	LabelIDs []string
}

// ChangePage is one page of the change feed. Callers follow NextPageToken
// until it is empty; NextCursor is only meaningful on the final page.
type ChangePage struct {
	Changes       []Change
	NextCursor    string
	NextPageToken string
}

// Message is the provider-neutral view of a single mail message.
type Message struct {
	ID          string
	ThreadID    string
	SenderEmail string
	SenderName  string
	Subject     string
	Snippet     string
	Body        string
	Headers     map[string]string
	LabelIDs    []string
	ReceivedAt  time.Time
}

// Thread is a conversation with its messages in delivery order.
type Thread struct {
	ID       string
	Messages []Message
}

// LatestMessage returns the newest message, or nil for an empty thread.
func (t *Thread) LatestMessage() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// MessageRef identifies a message without its content.
type MessageRef struct {
	ID       string
	ThreadID string
}

// WatchHandle describes a registered push-notification subscription.
type WatchHandle struct {
	ResourceID string
	Cursor     string
	ExpiresAt  time.Time
}

// Client is the per-account mailbox capability consumed by the core.
type Client interface {
	// ListChangesSince returns one page of changes after the cursor.
	// Returns ErrCursorExpired when the provider no longer accepts it.
	ListChangesSince(ctx context.Context, cursor, pageToken string) (*ChangePage, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	// ApplyLabels mutates labels over many messages in one batch call.
	ApplyLabels(ctx context.Context, messageIDs []string, add, remove []string) error
	CreateDraft(ctx context.Context, threadID, to, subject, body, inReplyTo string) (string, error)
	TrashDraft(ctx context.Context, draftID string) error
	// TrashThreadDrafts removes every draft attached to the thread,
	// clearing stale drafts from previous attempts.
	TrashThreadDrafts(ctx context.Context, threadID string) error
	DraftExists(ctx context.Context, draftID string) (bool, error)
	// DraftBody returns the body of an existing draft, empty if gone.
	DraftBody(ctx context.Context, draftID string) (string, error)
	// ThreadDraft returns the id and body of the first draft attached to
	// the thread, empty when the thread has none. Used to read the notes
	// draft a user leaves when requesting a manual reply.
	ThreadDraft(ctx context.Context, threadID string) (string, string, error)
	// Search returns inbox messages matching the provider query.
	Search(ctx context.Context, query string, max int64) ([]MessageRef, error)
	// CurrentCursor returns the provider's present change position, used to
	// baseline a cursor after a full scan.
	CurrentCursor(ctx context.Context) (string, error)
	// RegisterWatch (re-)registers change push notifications to the given
	// channel. The subscription expires and must be renewed periodically.
	RegisterWatch(ctx context.Context, channel string, labelIDs []string) (*WatchHandle, error)
}

// Service hands out per-account clients.
type Service interface {
	ForAccount(ctx context.Context, email string) (Client, error)
}
