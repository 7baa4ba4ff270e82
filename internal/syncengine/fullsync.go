package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"mail-triage/internal/mail"
	"mail-triage/internal/models"
	"mail-triage/internal/store"
	"mail-triage/internal/telemetry"
)

// RunFullSync is the fallback when the stored cursor is missing or expired:
// a bounded-window inbox scan for conversations with no tracked state, each
// treated as new-message-arrived. It also runs the reconciliation pass that
// repairs divergence left by the crash window between a state-store commit
// and the matching mailbox label mutation.
func (e *Engine) RunFullSync(ctx context.Context, account models.Account, client mail.Client) (*Result, error) {
	result := &Result{}

	query := fmt.Sprintf("in:inbox newer_than:%dd -in:trash -in:spam", e.fullSyncWindowDays)
	refs, err := client.Search(ctx, query, e.fullSyncMaxMessages)
	if err != nil {
		return nil, fmt.Errorf("full sync scan: %w", err)
	}

	seen := make(map[string]bool)
	for _, ref := range refs {
		_, err := e.conversations.GetByThread(ctx, account.ID, ref.ThreadID)
		if err == nil {
			result.Skipped++
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err := e.enqueueOnce(ctx, account.ID, models.KindClassify, ref.ThreadID, map[string]any{
			models.PayloadMessageID: ref.ID,
			models.PayloadThreadID:  ref.ThreadID,
		}, seen, result, &result.NewMessages); err != nil {
			return nil, err
		}
	}

	if err := e.reconcile(ctx, account, client, seen, result); err != nil {
		// Reconciliation is repair work; a failure here must not block the
		// scan from establishing a fresh cursor.
		log.Error().Err(err).Int64("account_id", account.ID).Msg("reconciliation pass failed")
	}

	// Baseline the cursor at the provider's current position. This is the
	// explicit reset path: everything before this point was covered by the
	// scan above.
	cursor, err := client.CurrentCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current cursor: %w", err)
	}
	if err := e.cursors.Advance(ctx, account.ID, cursor); err != nil {
		return nil, err
	}
	log.Info().Int64("account_id", account.ID).Str("cursor", cursor).
		Int("new_messages", result.NewMessages).
		Msg("full sync complete, cursor reset")
	return result, nil
}

// reconcile compares stored lifecycle state against the mailbox for drafted
// conversations. Policy: user-driven labels are authoritative and arrive via
// the normal change feed; system-applied markers are derived from storage,
// so a conversation whose stored state is ahead of its labels gets the
// missing marker re-applied, and one whose draft silently vanished gets a
// sent check queued.
func (e *Engine) reconcile(ctx context.Context, account models.Account, client mail.Client, seen map[string]bool, result *Result) error {
	drafted, err := e.conversations.ListByStatus(ctx, account.ID, models.StatusDrafted)
	if err != nil {
		return err
	}
	if len(drafted) == 0 {
		return nil
	}

	labelIDs, err := e.labels.GetLabels(ctx, account.ID)
	if err != nil {
		return err
	}
	outboxLabel := labelIDs[models.LabelOutbox]

	for _, conv := range drafted {
		exists, err := client.DraftExists(ctx, conv.DraftID)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", conv.ThreadID).Msg("reconcile: draft check failed, skipping")
			continue
		}
		if !exists {
			if err := e.enqueueOnce(ctx, account.ID, models.KindLifecycle, conv.ThreadID, map[string]any{
				models.PayloadAction:   models.ActionCheckSent,
				models.PayloadThreadID: conv.ThreadID,
			}, seen, result, &result.Deletions); err != nil {
				return err
			}
			continue
		}

		if outboxLabel == "" {
			continue
		}
		msg, err := client.GetMessage(ctx, conv.MessageID)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", conv.ThreadID).Msg("reconcile: message fetch failed, skipping")
			continue
		}
		if !hasLabel(msg.LabelIDs, outboxLabel) {
			// Stored state says drafted but the marker never landed: the
			// crash window between store write and label apply.
			if err := client.ApplyLabels(ctx, []string{conv.MessageID}, []string{outboxLabel}, nil); err != nil {
				log.Warn().Err(err).Str("thread_id", conv.ThreadID).Msg("reconcile: label repair failed")
				continue
			}
			telemetry.SyncChanges.WithLabelValues("reconciled").Inc()
			log.Info().Int64("account_id", account.ID).Str("thread_id", conv.ThreadID).
				Msg("reconcile: re-applied missing outbox label")
		}
	}
	return nil
}
