// Package lifecycle holds the deterministic state machine driving tracked
// conversations. Every Decide function is a pure computation over
// (conversation, observed signal): it returns the next state plus the
// side-effect commands to apply, and performs no I/O itself. Applying the
// decision is the calling handler's job, which keeps this logic testable
// without any double.
package lifecycle

import (
	"fmt"

	"mail-triage/internal/models"
)

// Commands are the external mutations a decision asks the caller to apply.
// Label fields carry well-known label keys; the applier resolves them to the
// account's external label ids. RemoveRaw carries provider-native ids that
// need no resolution.
type Commands struct {
	AddLabelKeys    []string
	RemoveLabelKeys []string
	RemoveRaw       []string
	TrashDraftID    string
}

// EventSpec describes an audit event the caller must append.
type EventSpec struct {
	Kind    models.EventKind
	Detail  string
	DraftID string
}

// Decision is the computed outcome for one observed signal.
type Decision struct {
	// Apply is false when the signal requires no transition.
	Apply      bool
	NextStatus models.LifecycleStatus
	Commands   Commands
	Events     []EventSpec
	// RegenerateDraft asks the caller to produce a new draft after
	// applying the transition (rework flow only).
	RegenerateDraft bool
	// ReenterClassify asks the caller to route the conversation back into
	// the classification pipeline (waiting-retriage flow only).
	ReenterClassify bool
}

// DecideDone handles an observed "done" signal: any non-terminal
// conversation archives. All transient markers are stripped and the
// conversation leaves the active inbox view; only the permanent done marker
// remains.
func DecideDone(c *models.Conversation) Decision {
	if c.Status.Terminal() {
		return Decision{}
	}
	return Decision{
		Apply:      true,
		NextStatus: models.StatusArchived,
		Commands: Commands{
			RemoveLabelKeys: models.TransientLabelKeys(),
			RemoveRaw:       []string{"INBOX"},
		},
		Events: []EventSpec{{
			Kind:   models.EventArchived,
			Detail: "done signal observed: archived, transient labels stripped",
		}},
	}
}

// DecideSentCheck handles the disappearance of a tracked draft. A drafted
// conversation whose draft no longer exists is treated as sent. This is a
// best-effort heuristic: a manually deleted draft is indistinguishable from
// a sent one, and the bounded false-positive rate is accepted.
func DecideSentCheck(c *models.Conversation, draftStillExists bool) Decision {
	if c.Status != models.StatusDrafted || c.DraftID == "" || draftStillExists {
		return Decision{}
	}
	return Decision{
		Apply:      true,
		NextStatus: models.StatusSent,
		Commands: Commands{
			RemoveLabelKeys: []string{models.LabelOutbox},
		},
		Events: []EventSpec{{
			Kind:    models.EventSentDetected,
			Detail:  "draft no longer exists, marking as sent",
			DraftID: c.DraftID,
		}},
	}
}

// DecideRework handles a user rework signal. The counter is bounded before
// the increment: at the ceiling the conversation escalates to skipped with a
// human-escalation marker instead of a fourth regeneration.
func DecideRework(c *models.Conversation) Decision {
	if c.Status.Terminal() || c.Status == models.StatusSent {
		return Decision{}
	}
	if c.ReworkCount >= models.MaxReworks {
		return Decision{
			Apply:      true,
			NextStatus: models.StatusSkipped,
			Commands: Commands{
				AddLabelKeys:    []string{string(models.CategoryActionRequired)},
				RemoveLabelKeys: []string{models.LabelRework},
			},
			Events: []EventSpec{{
				Kind:   models.EventReworkLimitReached,
				Detail: fmt.Sprintf("rework limit (%d) reached, escalated for human action", models.MaxReworks),
			}},
		}
	}
	return Decision{
		Apply:           true,
		NextStatus:      models.StatusReworkRequested,
		RegenerateDraft: true,
		Commands: Commands{
			TrashDraftID: c.DraftID,
		},
	}
}

// ReworkApplied computes what follows a successful regeneration: the rework
// label moves to outbox, or to the escalation marker when this was the last
// allowed rework.
func ReworkApplied(reworkCountAfter int, instruction, newDraftID string) Decision {
	target := models.LabelOutbox
	if reworkCountAfter >= models.MaxReworks {
		target = string(models.CategoryActionRequired)
	}
	return Decision{
		Apply:      true,
		NextStatus: models.StatusDrafted,
		Commands: Commands{
			AddLabelKeys:    []string{target},
			RemoveLabelKeys: []string{models.LabelRework},
		},
		Events: []EventSpec{{
			Kind:    models.EventDraftReworked,
			Detail:  fmt.Sprintf("rework #%d: %s", reworkCountAfter, truncate(instruction, 100)),
			DraftID: newDraftID,
		}},
	}
}

// DecideWaitingRetriage handles a new reply landing on a conversation parked
// as awaiting an external response: the waiting marker clears and the
// conversation re-enters the classify pipeline.
func DecideWaitingRetriage(c *models.Conversation, observedCount int) Decision {
	if c.Category != models.CategoryWaiting || observedCount <= c.MessageCount {
		return Decision{}
	}
	return Decision{
		Apply:           true,
		NextStatus:      models.StatusPending,
		ReenterClassify: true,
		Commands: Commands{
			RemoveLabelKeys: []string{string(models.CategoryWaiting)},
		},
		Events: []EventSpec{{
			Kind: models.EventWaitingRetriaged,
			Detail: fmt.Sprintf("new reply detected (%d observed vs %d stored), waiting marker cleared",
				observedCount, c.MessageCount),
		}},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
