package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"mail-triage/internal/inference"
	"mail-triage/internal/mail"
	"mail-triage/internal/models"
	"mail-triage/internal/queue"
	"mail-triage/internal/store"
	"mail-triage/internal/syncengine"
	"mail-triage/internal/telemetry"
)

// Handlers bundles the task handlers with their shared dependencies. All
// handlers are written to be safely re-runnable: a task released by the
// stale sweep or retried after a partial failure must converge, not
// duplicate its effects.
type Handlers struct {
	tasks         queue.Tasks
	conversations store.Conversations
	events        store.Events
	accounts      store.Accounts
	labels        store.Labels
	mailbox       mail.Service
	inference     inference.Service
	engine        *syncengine.Engine
}

func NewHandlers(
	tasks queue.Tasks,
	conversations store.Conversations,
	events store.Events,
	accounts store.Accounts,
	labels store.Labels,
	mailbox mail.Service,
	inf inference.Service,
	engine *syncengine.Engine,
) *Handlers {
	return &Handlers{
		tasks:         tasks,
		conversations: conversations,
		events:        events,
		accounts:      accounts,
		labels:        labels,
		mailbox:       mailbox,
		inference:     inf,
		engine:        engine,
	}
}

// RegisterAll wires every task kind into the pool's registry.
func (h *Handlers) RegisterAll(p *Pool) {
	p.Register(models.KindSync, h.HandleSync)
	p.Register(models.KindClassify, h.HandleClassify)
	p.Register(models.KindDraft, h.HandleDraft)
	p.Register(models.KindLifecycle, h.HandleLifecycle)
	p.Register(models.KindRework, h.HandleRework)
}

// HandleSync runs one incremental sync pass for the task's account.
func (h *Handlers) HandleSync(ctx context.Context, task *models.Task) error {
	account, client, err := h.session(ctx, task.AccountID)
	if err != nil {
		return err
	}
	cursor := payloadString(task, models.PayloadCursor)
	forceFull, _ := task.Payload[models.PayloadForceFull].(bool)

	ctx = syncengine.WithRouteClient(ctx, client)
	_, err = h.engine.RunIncrementalSync(ctx, *account, client, cursor, forceFull)
	return err
}

// HandleClassify classifies a newly observed conversation and queues a reply
// draft when one is warranted. The flow is read, inference, store write,
// label write, event, in that order.
func (h *Handlers) HandleClassify(ctx context.Context, task *models.Task) error {
	threadID := payloadString(task, models.PayloadThreadID)
	messageID := payloadString(task, models.PayloadMessageID)
	if threadID == "" || messageID == "" {
		return fmt.Errorf("classify: payload missing thread_id/message_id")
	}
	reclassify, _ := task.Payload[models.PayloadReclassify].(bool)

	existing, err := h.conversations.GetByThread(ctx, task.AccountID, threadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && !reclassify {
		// Classification is once per conversation; replays and duplicate
		// change records land here.
		log.Debug().Str("thread_id", threadID).Msg("conversation already tracked, classify skipped")
		return nil
	}

	account, client, err := h.session(ctx, task.AccountID)
	if err != nil {
		return err
	}
	msg, err := client.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("fetch message: %w", err)
	}
	thread, err := client.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("fetch thread: %w", err)
	}

	result, err := h.inference.Classify(ctx, inference.ClassifyRequest{
		SenderEmail:  msg.SenderEmail,
		SenderName:   msg.SenderName,
		Subject:      msg.Subject,
		Snippet:      msg.Snippet,
		Body:         msg.Body,
		MessageCount: len(thread.Messages),
	})
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	conv := &models.Conversation{
		AccountID:    account.ID,
		ThreadID:     threadID,
		MessageID:    msg.ID,
		SenderEmail:  msg.SenderEmail,
		SenderName:   msg.SenderName,
		Subject:      msg.Subject,
		Snippet:      msg.Snippet,
		Category:     result.Category,
		Confidence:   result.Confidence,
		Rationale:    result.Rationale,
		Locale:       result.Locale,
		Style:        result.Style,
		MessageCount: len(thread.Messages),
		ReceivedAt:   &msg.ReceivedAt,
	}
	if err := h.conversations.Upsert(ctx, conv); err != nil {
		return err
	}

	labelIDs, err := h.labels.GetLabels(ctx, account.ID)
	if err != nil {
		return err
	}
	if id := labelIDs[string(result.Category)]; id != "" {
		if err := client.ApplyLabels(ctx, []string{msg.ID}, []string{id}, nil); err != nil {
			return fmt.Errorf("apply category label: %w", err)
		}
	} else {
		log.Warn().Str("category", string(result.Category)).Int64("account_id", account.ID).
			Msg("no label mapping for category")
	}

	if err := h.events.Append(ctx, models.Event{
		AccountID: account.ID,
		ThreadID:  threadID,
		Kind:      models.EventClassified,
		Detail:    fmt.Sprintf("%s (%s confidence)", result.Category, result.Confidence),
		LabelID:   labelIDs[string(result.Category)],
	}); err != nil {
		return err
	}

	if result.Category == models.CategoryNeedsResponse {
		return h.enqueueDedup(ctx, account.ID, models.KindDraft, threadID, map[string]any{
			models.PayloadThreadID: threadID,
		})
	}
	return nil
}

// HandleDraft composes a reply draft for a pending needs-response
// conversation. Stale drafts from previous attempts are trashed before the
// new one is created, so a replay converges on exactly one draft.
func (h *Handlers) HandleDraft(ctx context.Context, task *models.Task) error {
	threadID := payloadString(task, models.PayloadThreadID)
	if threadID == "" {
		return fmt.Errorf("draft: payload missing thread_id")
	}

	conv, err := h.conversations.GetByThread(ctx, task.AccountID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("thread_id", threadID).Msg("draft requested for untracked conversation, skipped")
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Status != models.StatusPending {
		// The conversation moved on (drafted already, archived, or the user
		// acted on it) between enqueue and execution.
		log.Debug().Str("thread_id", threadID).Str("status", string(conv.Status)).
			Msg("conversation no longer pending, draft skipped")
		return nil
	}

	account, client, err := h.session(ctx, task.AccountID)
	if err != nil {
		return err
	}
	thread, err := client.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("fetch thread: %w", err)
	}
	latest := thread.LatestMessage()
	if latest == nil {
		log.Warn().Str("thread_id", threadID).Msg("thread has no messages, draft skipped")
		return nil
	}

	body, err := h.inference.ComposeDraft(ctx, inference.DraftRequest{
		SenderEmail: conv.SenderEmail,
		SenderName:  conv.SenderName,
		Subject:     conv.Subject,
		ThreadBody:  threadContext(thread),
		Style:       conv.Style,
	})
	if err != nil {
		return fmt.Errorf("compose draft: %w", err)
	}

	if err := client.TrashThreadDrafts(ctx, threadID); err != nil {
		return fmt.Errorf("trash stale drafts: %w", err)
	}
	draftID, err := client.CreateDraft(ctx, threadID, conv.SenderEmail, conv.Subject, body, messageIDHeader(latest))
	if err != nil {
		return fmt.Errorf("create draft: %w", err)
	}

	if err := h.conversations.SetDraft(ctx, account.ID, threadID, draftID); err != nil {
		return err
	}

	// The outbox marker replaces the category label across the whole
	// conversation. A crash before this lands is repaired by the
	// reconciliation pass.
	labelIDs, err := h.labels.GetLabels(ctx, account.ID)
	if err != nil {
		return err
	}
	add, remove := resolveLabels(labelIDs,
		[]string{models.LabelOutbox},
		[]string{string(models.CategoryNeedsResponse)})
	if len(add) > 0 || len(remove) > 0 {
		if err := client.ApplyLabels(ctx, messageIDs(thread), add, remove); err != nil {
			return fmt.Errorf("move labels: %w", err)
		}
	}

	telemetry.DraftsCreated.Inc()
	return h.events.Append(ctx, models.Event{
		AccountID: account.ID,
		ThreadID:  threadID,
		Kind:      models.EventDraftCreated,
		Detail:    fmt.Sprintf("reply draft for %s", conv.SenderEmail),
		DraftID:   draftID,
	})
}

// session resolves the account and opens its mailbox client.
func (h *Handlers) session(ctx context.Context, accountID int64) (*models.Account, mail.Client, error) {
	account, err := h.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve account %d: %w", accountID, err)
	}
	client, err := h.mailbox.ForAccount(ctx, account.Email)
	if err != nil {
		return nil, nil, fmt.Errorf("open mailbox for %s: %w", account.Email, err)
	}
	return account, client, nil
}

// enqueueDedup enqueues unless an equivalent task is already pending or
// running for the conversation.
func (h *Handlers) enqueueDedup(ctx context.Context, accountID int64, kind models.TaskKind, threadID string, payload map[string]any) error {
	active, err := h.tasks.HasActive(ctx, kind, accountID, threadID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	if _, err := h.tasks.Enqueue(ctx, kind, accountID, payload); err != nil {
		return err
	}
	telemetry.TasksEnqueued.WithLabelValues(string(kind)).Inc()
	return nil
}

func payloadString(task *models.Task, key string) string {
	s, _ := task.Payload[key].(string)
	return s
}

// resolveLabels maps well-known label keys to the account's external ids,
// dropping keys with no mapping.
func resolveLabels(labelIDs map[string]string, addKeys, removeKeys []string) (add, remove []string) {
	for _, k := range addKeys {
		if id := labelIDs[k]; id != "" {
			add = append(add, id)
		}
	}
	for _, k := range removeKeys {
		if id := labelIDs[k]; id != "" {
			remove = append(remove, id)
		}
	}
	return add, remove
}

func messageIDs(thread *mail.Thread) []string {
	ids := make([]string, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func messageIDHeader(msg *mail.Message) string {
	if v := msg.Headers["Message-ID"]; v != "" {
		return v
	}
	return msg.Headers["Message-Id"]
}

const (
	perMessageContext = 1500
	maxThreadContext  = 12000
)

// threadContext renders a thread into the bounded plain-text form the
// inference service consumes.
func threadContext(thread *mail.Thread) string {
	var b strings.Builder
	for i, m := range thread.Messages {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		from := m.SenderEmail
		if m.SenderName != "" {
			from = m.SenderName + " <" + m.SenderEmail + ">"
		}
		body := m.Body
		if len(body) > perMessageContext {
			body = body[:perMessageContext]
		}
		fmt.Fprintf(&b, "From: %s\n%s", from, body)
		if b.Len() > maxThreadContext {
			break
		}
	}
	s := b.String()
	if len(s) > maxThreadContext {
		s = s[:maxThreadContext]
	}
	return s
}
