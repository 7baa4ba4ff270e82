// Package syncengine turns observed mailbox deltas into queued work. It is
// the only component that reads and advances per-account sync cursors.
package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"mail-triage/internal/mail"
	"mail-triage/internal/models"
	"mail-triage/internal/queue"
	"mail-triage/internal/store"
	"mail-triage/internal/telemetry"
)

// Router lets the surrounding application divert a new message to an
// alternate task kind before it reaches the classify pipeline. Returning
// false keeps the default routing.
type Router func(msg *mail.Message) (models.TaskKind, map[string]any, bool)

// Result summarizes one sync run.
type Result struct {
	NewMessages  int
	LabelChanges int
	Deletions    int
	TasksQueued  int
	Skipped      int
}

// Engine drives incremental and full mailbox synchronization.
type Engine struct {
	tasks         queue.Tasks
	conversations store.Conversations
	events        store.Events
	cursors       store.Cursors
	labels        store.Labels
	router        Router

	fullSyncWindowDays  int
	fullSyncMaxMessages int64
}

type Options struct {
	FullSyncWindowDays  int
	FullSyncMaxMessages int64
	Router              Router
}

func New(tasks queue.Tasks, conversations store.Conversations, events store.Events, cursors store.Cursors, labels store.Labels, opts Options) *Engine {
	if opts.FullSyncWindowDays == 0 {
		opts.FullSyncWindowDays = 10
	}
	if opts.FullSyncMaxMessages == 0 {
		opts.FullSyncMaxMessages = 50
	}
	return &Engine{
		tasks:               tasks,
		conversations:       conversations,
		events:              events,
		cursors:             cursors,
		labels:              labels,
		router:              opts.Router,
		fullSyncWindowDays:  opts.FullSyncWindowDays,
		fullSyncMaxMessages: opts.FullSyncMaxMessages,
	}
}

// ProcessNotification converts an inbound push signal into a sync task.
// Concurrent sync tasks for one account are prevented here, at enqueue time:
// a notification arriving while a sync is already pending or running is
// dropped, because the running sync will observe the same changes.
func (e *Engine) ProcessNotification(ctx context.Context, accountID int64, cursor string) (bool, error) {
	active, err := e.tasks.HasActive(ctx, models.KindSync, accountID, "")
	if err != nil {
		return false, err
	}
	if active {
		log.Debug().Int64("account_id", accountID).Msg("sync already active, notification coalesced")
		return false, nil
	}
	if _, err := e.tasks.Enqueue(ctx, models.KindSync, accountID, map[string]any{
		models.PayloadCursor: cursor,
	}); err != nil {
		return false, err
	}
	telemetry.TasksEnqueued.WithLabelValues(string(models.KindSync)).Inc()
	return true, nil
}

// RunIncrementalSync processes all changes since the account's stored
// cursor. Individual changes that fail semantically are logged and skipped —
// sync is not all-or-nothing at change-record granularity — but a storage
// failure aborts without advancing the cursor so the owning task's retry
// replays the window.
func (e *Engine) RunIncrementalSync(ctx context.Context, account models.Account, client mail.Client, notifiedCursor string, forceFull bool) (*Result, error) {
	if forceFull {
		log.Info().Int64("account_id", account.ID).Msg("forced full sync")
		return e.RunFullSync(ctx, account, client)
	}

	state, err := e.cursors.Get(ctx, account.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Int64("account_id", account.ID).Msg("no sync cursor, falling back to full sync")
		return e.RunFullSync(ctx, account, client)
	}
	if err != nil {
		return nil, err
	}

	labelIDs, err := e.labels.GetLabels(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	seen := make(map[string]bool)
	cursor := state.Cursor
	nextCursor := cursor
	pageToken := ""
	for {
		page, err := client.ListChangesSince(ctx, cursor, pageToken)
		if errors.Is(err, mail.ErrCursorExpired) {
			// Explicit, logged cursor reset — never silent loss.
			log.Warn().Int64("account_id", account.ID).Str("cursor", cursor).
				Msg("cursor expired on provider side, resetting via full sync")
			return e.RunFullSync(ctx, account, client)
		}
		if err != nil {
			return nil, fmt.Errorf("list changes: %w", err)
		}

		for _, change := range page.Changes {
			if err := e.processChange(ctx, account, change, labelIDs, seen, result); err != nil {
				// Storage failed: stop here so the cursor does not move
				// past a change that was never durably recorded.
				return nil, fmt.Errorf("process change %s/%s: %w", change.Kind, change.MessageID, err)
			}
		}
		if page.NextCursor != "" {
			nextCursor = page.NextCursor
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if notifiedCursor != "" {
		nextCursor = notifiedCursor
	}
	if err := e.cursors.Advance(ctx, account.ID, nextCursor); err != nil {
		return nil, err
	}

	log.Info().Int64("account_id", account.ID).
		Int("new_messages", result.NewMessages).
		Int("label_changes", result.LabelChanges).
		Int("deletions", result.Deletions).
		Int("tasks_queued", result.TasksQueued).
		Msg("incremental sync complete")
	return result, nil
}

// processChange classifies one delta and enqueues follow-up work. Returned
// errors are storage-layer only; semantic no-ops increment Skipped.
func (e *Engine) processChange(ctx context.Context, account models.Account, change mail.Change, labelIDs map[string]string, seen map[string]bool, result *Result) error {
	telemetry.SyncChanges.WithLabelValues(string(change.Kind)).Inc()

	switch change.Kind {
	case mail.ChangeMessageAdded:
		if !hasLabel(change.LabelIDs, "INBOX") {
			result.Skipped++
			return nil
		}
		return e.handleMessageAdded(ctx, account, change, seen, result)

	case mail.ChangeLabelAdded:
		return e.handleLabelAdded(ctx, account, change, labelIDs, seen, result)

	case mail.ChangeLabelRemoved:
		// Label removals carry no signal the pipeline acts on.
		result.Skipped++
		return nil

	case mail.ChangeMessageDeleted:
		return e.handleMessageDeleted(ctx, account, change, seen, result)

	default:
		log.Warn().Str("kind", string(change.Kind)).Msg("unknown change kind skipped")
		result.Skipped++
		return nil
	}
}

func (e *Engine) handleMessageAdded(ctx context.Context, account models.Account, change mail.Change, seen map[string]bool, result *Result) error {
	// A reply on a conversation parked as waiting re-enters triage through
	// the lifecycle machine rather than a fresh classification.
	existing, err := e.conversations.GetByThread(ctx, account.ID, change.ThreadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Category == models.CategoryWaiting {
		return e.enqueueOnce(ctx, account.ID, models.KindLifecycle, change.ThreadID, map[string]any{
			models.PayloadAction:   models.ActionWaiting,
			models.PayloadThreadID: change.ThreadID,
		}, seen, result, &result.NewMessages)
	}

	kind := models.TaskKind(models.KindClassify)
	payload := map[string]any{
		models.PayloadMessageID: change.MessageID,
		models.PayloadThreadID:  change.ThreadID,
	}
	if e.router != nil {
		// Routing predicates need message content; fetch lazily only when
		// a router is installed.
		if altKind, extra, ok := e.routeMessage(ctx, account, change); ok {
			kind = altKind
			for k, v := range extra {
				payload[k] = v
			}
		}
	}
	return e.enqueueOnce(ctx, account.ID, kind, change.ThreadID, payload, seen, result, &result.NewMessages)
}

func (e *Engine) routeMessage(ctx context.Context, account models.Account, change mail.Change) (models.TaskKind, map[string]any, bool) {
	// Routing is best-effort: a fetch failure falls through to classify.
	client, ok := ctx.Value(routeClientKey{}).(mail.Client)
	if !ok {
		return "", nil, false
	}
	msg, err := client.GetMessage(ctx, change.MessageID)
	if err != nil {
		log.Warn().Err(err).Str("message_id", change.MessageID).Msg("route fetch failed, defaulting to classify")
		return "", nil, false
	}
	return e.router(msg)
}

// routeClientKey carries the mail client into routeMessage without widening
// every signature for an optional feature.
type routeClientKey struct{}

// WithRouteClient returns a context carrying the client used for routing
// predicate message fetches.
func WithRouteClient(ctx context.Context, client mail.Client) context.Context {
	return context.WithValue(ctx, routeClientKey{}, client)
}

func (e *Engine) handleLabelAdded(ctx context.Context, account models.Account, change mail.Change, labelIDs map[string]string, seen map[string]bool, result *Result) error {
	doneLabel := labelIDs[models.LabelDone]
	reworkLabel := labelIDs[models.LabelRework]
	needsResponseLabel := labelIDs[string(models.CategoryNeedsResponse)]

	for _, added := range change.LabelIDs {
		switch {
		case doneLabel != "" && added == doneLabel:
			if err := e.enqueueOnce(ctx, account.ID, models.KindLifecycle, change.ThreadID, map[string]any{
				models.PayloadAction:   models.ActionDone,
				models.PayloadThreadID: change.ThreadID,
			}, seen, result, &result.LabelChanges); err != nil {
				return err
			}

		case reworkLabel != "" && added == reworkLabel:
			if err := e.enqueueOnce(ctx, account.ID, models.KindRework, change.ThreadID, map[string]any{
				models.PayloadMessageID: change.MessageID,
				models.PayloadThreadID:  change.ThreadID,
			}, seen, result, &result.LabelChanges); err != nil {
				return err
			}

		case needsResponseLabel != "" && added == needsResponseLabel:
			// A manually applied needs-response label requests a draft on
			// the user's terms; it enters the rework pipeline with the
			// manual flag so instructions are read from the user's notes
			// draft.
			if err := e.enqueueOnce(ctx, account.ID, models.KindRework, change.ThreadID, map[string]any{
				models.PayloadMessageID: change.MessageID,
				models.PayloadThreadID:  change.ThreadID,
				models.PayloadManual:    true,
			}, seen, result, &result.LabelChanges); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) handleMessageDeleted(ctx context.Context, account models.Account, change mail.Change, seen map[string]bool, result *Result) error {
	// A deletion only matters when it might be one of our tracked drafts.
	conv, err := e.conversations.GetByThread(ctx, account.ID, change.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		result.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Status != models.StatusDrafted || conv.DraftID == "" {
		result.Skipped++
		return nil
	}
	return e.enqueueOnce(ctx, account.ID, models.KindLifecycle, change.ThreadID, map[string]any{
		models.PayloadAction:   models.ActionCheckSent,
		models.PayloadThreadID: change.ThreadID,
	}, seen, result, &result.Deletions)
}

// enqueueOnce deduplicates both within this sync run (the provider reports
// one label change per message in a thread) and against tasks already in
// the queue.
func (e *Engine) enqueueOnce(ctx context.Context, accountID int64, kind models.TaskKind, threadID string, payload map[string]any, seen map[string]bool, result *Result, counter *int) error {
	key := string(kind)
	if action, ok := payload[models.PayloadAction].(string); ok {
		key += ":" + action
	}
	key += ":" + threadID
	if seen[key] {
		result.Skipped++
		return nil
	}
	seen[key] = true

	active, err := e.tasks.HasActive(ctx, kind, accountID, threadID)
	if err != nil {
		return err
	}
	if active {
		result.Skipped++
		return nil
	}
	if _, err := e.tasks.Enqueue(ctx, kind, accountID, payload); err != nil {
		return err
	}
	telemetry.TasksEnqueued.WithLabelValues(string(kind)).Inc()
	*counter++
	result.TasksQueued++
	return nil
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
