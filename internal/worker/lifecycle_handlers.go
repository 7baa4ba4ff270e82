package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"mail-triage/internal/inference"
	"mail-triage/internal/lifecycle"
	"mail-triage/internal/mail"
	"mail-triage/internal/models"
	"mail-triage/internal/store"
	"mail-triage/internal/telemetry"
)

// reworkMarker separates the user's feedback (written above the line) from
// the machine draft below it when a draft is annotated for rework. A body
// without the marker is treated entirely as feedback.
const reworkMarker = "--- previous draft ---"

// HandleLifecycle applies one observed user signal to a tracked
// conversation. The transition itself is computed by the lifecycle machine;
// this handler only gathers the observation and applies the decision.
func (h *Handlers) HandleLifecycle(ctx context.Context, task *models.Task) error {
	threadID := payloadString(task, models.PayloadThreadID)
	action := payloadString(task, models.PayloadAction)
	if threadID == "" || action == "" {
		return fmt.Errorf("lifecycle: payload missing thread_id/action")
	}

	conv, err := h.conversations.GetByThread(ctx, task.AccountID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("thread_id", threadID).Str("action", action).
			Msg("lifecycle signal for untracked conversation, skipped")
		return nil
	}
	if err != nil {
		return err
	}

	account, client, err := h.session(ctx, task.AccountID)
	if err != nil {
		return err
	}

	switch action {
	case models.ActionDone:
		return h.applyDecision(ctx, account, client, conv, lifecycle.DecideDone(conv))

	case models.ActionCheckSent:
		exists := false
		if conv.DraftID != "" {
			exists, err = client.DraftExists(ctx, conv.DraftID)
			if err != nil {
				return fmt.Errorf("check draft: %w", err)
			}
		}
		return h.applyDecision(ctx, account, client, conv, lifecycle.DecideSentCheck(conv, exists))

	case models.ActionWaiting:
		thread, err := client.GetThread(ctx, threadID)
		if err != nil {
			return fmt.Errorf("fetch thread: %w", err)
		}
		observed := len(thread.Messages)
		decision := lifecycle.DecideWaitingRetriage(conv, observed)
		if !decision.Apply {
			return nil
		}
		if err := h.applyDecision(ctx, account, client, conv, decision); err != nil {
			return err
		}
		if err := h.conversations.SetMessageCount(ctx, account.ID, threadID, observed); err != nil {
			return err
		}
		if decision.ReenterClassify {
			latest := thread.LatestMessage()
			return h.enqueueDedup(ctx, account.ID, models.KindClassify, threadID, map[string]any{
				models.PayloadThreadID:   threadID,
				models.PayloadMessageID:  latest.ID,
				models.PayloadReclassify: true,
			})
		}
		return nil

	default:
		return fmt.Errorf("unknown lifecycle action %q", action)
	}
}

// HandleRework regenerates a conversation's draft with the user's feedback,
// bounded by the rework ceiling. With the manual flag set, this also covers
// a user requesting a reply on a conversation the classifier did not mark
// needs-response; feedback then comes from the notes draft the user left on
// the thread.
func (h *Handlers) HandleRework(ctx context.Context, task *models.Task) error {
	threadID := payloadString(task, models.PayloadThreadID)
	if threadID == "" {
		return fmt.Errorf("rework: payload missing thread_id")
	}
	manual, _ := task.Payload[models.PayloadManual].(bool)

	account, client, err := h.session(ctx, task.AccountID)
	if err != nil {
		return err
	}

	conv, err := h.conversations.GetByThread(ctx, task.AccountID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		if !manual {
			log.Warn().Str("thread_id", threadID).Msg("rework signal for untracked conversation, skipped")
			return nil
		}
		conv, err = h.seedManualConversation(ctx, account, client, task)
	}
	if err != nil {
		return err
	}

	if manual && conv.Status == models.StatusDrafted {
		// The pipeline applies the needs-response label itself when it
		// classifies, and that application echoes back through the change
		// feed as a manual request. A drafted conversation already has its
		// reply; regenerating here would feed the machine draft back to
		// inference as instructions and burn a rework slot.
		log.Debug().Str("thread_id", threadID).Msg("manual request on drafted conversation, skipped")
		return nil
	}

	decision := lifecycle.DecideRework(conv)
	if !decision.Apply {
		log.Debug().Str("thread_id", threadID).Str("status", string(conv.Status)).
			Msg("rework signal ignored for conversation state")
		return nil
	}
	if !decision.RegenerateDraft {
		// Ceiling reached: escalate for human action instead of a fourth
		// regeneration.
		return h.applyDecision(ctx, account, client, conv, decision)
	}

	instruction, prior, err := h.reworkFeedback(ctx, client, conv, manual, threadID)
	if err != nil {
		return err
	}
	if override := payloadString(task, models.PayloadInstruction); override != "" {
		instruction = override
	}

	// Mark the regeneration in progress before the slow inference call so
	// concurrent observers see a consistent state.
	if err := h.conversations.UpdateStatus(ctx, account.ID, threadID, models.StatusReworkRequested); err != nil {
		return err
	}

	thread, err := client.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("fetch thread: %w", err)
	}
	newBody, err := h.inference.ComposeDraft(ctx, inference.DraftRequest{
		SenderEmail:  conv.SenderEmail,
		SenderName:   conv.SenderName,
		Subject:      conv.Subject,
		ThreadBody:   threadContext(thread),
		Style:        conv.Style,
		PriorDraft:   prior,
		Instructions: instruction,
		ReworkCount:  conv.ReworkCount + 1,
	})
	if err != nil {
		return fmt.Errorf("compose rework draft: %w", err)
	}

	// Trash before create: the replaced draft (and any stale one from a
	// crashed attempt) must not linger next to the regeneration.
	if err := client.TrashThreadDrafts(ctx, threadID); err != nil {
		return fmt.Errorf("trash prior drafts: %w", err)
	}
	if conv.DraftID != "" {
		if err := h.events.Append(ctx, models.Event{
			AccountID: account.ID,
			ThreadID:  threadID,
			Kind:      models.EventDraftTrashed,
			Detail:    "replaced by rework",
			DraftID:   conv.DraftID,
		}); err != nil {
			return err
		}
	}

	latest := thread.LatestMessage()
	inReplyTo := ""
	if latest != nil {
		inReplyTo = messageIDHeader(latest)
	}
	newDraftID, err := client.CreateDraft(ctx, threadID, conv.SenderEmail, conv.Subject, newBody, inReplyTo)
	if err != nil {
		return fmt.Errorf("create rework draft: %w", err)
	}

	if err := h.conversations.IncrementRework(ctx, account.ID, threadID, newDraftID, instruction); err != nil {
		return err
	}
	telemetry.DraftsCreated.Inc()

	applied := lifecycle.ReworkApplied(conv.ReworkCount+1, instruction, newDraftID)
	// IncrementRework already set the drafted status; the decision here
	// only carries the label move and the audit event.
	applied.NextStatus = ""
	return h.applyDecision(ctx, account, client, conv, applied)
}

// seedManualConversation creates the tracked record for a manual reply
// request on a conversation the pipeline never classified.
func (h *Handlers) seedManualConversation(ctx context.Context, account *models.Account, client mail.Client, task *models.Task) (*models.Conversation, error) {
	threadID := payloadString(task, models.PayloadThreadID)
	messageID := payloadString(task, models.PayloadMessageID)

	var msg *mail.Message
	var err error
	if messageID != "" {
		msg, err = client.GetMessage(ctx, messageID)
	} else {
		var thread *mail.Thread
		thread, err = client.GetThread(ctx, threadID)
		if err == nil {
			msg = thread.LatestMessage()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch message for manual request: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("manual request on empty thread %s", threadID)
	}

	conv := &models.Conversation{
		AccountID:    account.ID,
		ThreadID:     threadID,
		MessageID:    msg.ID,
		SenderEmail:  msg.SenderEmail,
		SenderName:   msg.SenderName,
		Subject:      msg.Subject,
		Snippet:      msg.Snippet,
		Category:     models.CategoryNeedsResponse,
		Confidence:   models.ConfidenceHigh,
		Rationale:    "reply requested by user",
		MessageCount: 1,
		ReceivedAt:   &msg.ReceivedAt,
	}
	if err := h.conversations.Upsert(ctx, conv); err != nil {
		return nil, err
	}
	log.Info().Str("thread_id", threadID).Int64("account_id", account.ID).
		Msg("manual reply request on untracked conversation, record seeded")
	return conv, nil
}

// reworkFeedback gathers the user's instruction and the prior draft text.
func (h *Handlers) reworkFeedback(ctx context.Context, client mail.Client, conv *models.Conversation, manual bool, threadID string) (instruction, prior string, err error) {
	if manual {
		_, notes, err := client.ThreadDraft(ctx, threadID)
		if err != nil {
			return "", "", fmt.Errorf("read notes draft: %w", err)
		}
		return strings.TrimSpace(notes), "", nil
	}
	if conv.DraftID == "" {
		return "", "", nil
	}
	body, err := client.DraftBody(ctx, conv.DraftID)
	if err != nil {
		return "", "", fmt.Errorf("read draft: %w", err)
	}
	instruction, prior = splitFeedback(body)
	return instruction, prior, nil
}

func splitFeedback(body string) (instruction, prior string) {
	if i := strings.Index(body, reworkMarker); i >= 0 {
		return strings.TrimSpace(body[:i]), strings.TrimSpace(body[i+len(reworkMarker):])
	}
	return strings.TrimSpace(body), ""
}

// applyDecision executes a lifecycle decision: state store first, then the
// mailbox mutations, then the audit events. A crash between the store write
// and the label write leaves stored state ahead of the mailbox, which the
// reconciliation pass repairs.
func (h *Handlers) applyDecision(ctx context.Context, account *models.Account, client mail.Client, conv *models.Conversation, d lifecycle.Decision) error {
	if !d.Apply {
		return nil
	}

	if d.NextStatus != "" {
		if err := h.conversations.UpdateStatus(ctx, account.ID, conv.ThreadID, d.NextStatus); err != nil {
			return err
		}
	}

	if d.Commands.TrashDraftID != "" {
		if err := client.TrashDraft(ctx, d.Commands.TrashDraftID); err != nil {
			return fmt.Errorf("trash draft: %w", err)
		}
		if err := h.events.Append(ctx, models.Event{
			AccountID: account.ID,
			ThreadID:  conv.ThreadID,
			Kind:      models.EventDraftTrashed,
			DraftID:   d.Commands.TrashDraftID,
		}); err != nil {
			return err
		}
	}

	labelIDs, err := h.labels.GetLabels(ctx, account.ID)
	if err != nil {
		return err
	}
	add, remove := resolveLabels(labelIDs, d.Commands.AddLabelKeys, d.Commands.RemoveLabelKeys)
	remove = append(remove, d.Commands.RemoveRaw...)
	if len(add) > 0 || len(remove) > 0 {
		thread, err := client.GetThread(ctx, conv.ThreadID)
		if err != nil {
			return fmt.Errorf("fetch thread for labels: %w", err)
		}
		if err := client.ApplyLabels(ctx, messageIDs(thread), add, remove); err != nil {
			return fmt.Errorf("apply labels: %w", err)
		}
	}

	for _, spec := range d.Events {
		if err := h.events.Append(ctx, models.Event{
			AccountID: account.ID,
			ThreadID:  conv.ThreadID,
			Kind:      spec.Kind,
			Detail:    spec.Detail,
			DraftID:   spec.DraftID,
		}); err != nil {
			return err
		}
	}
	return nil
}
