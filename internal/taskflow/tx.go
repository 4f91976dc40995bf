package taskflow

import (
	"strings"
	"time"

	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

// Tx is the view of a locked task handed to Machine.Apply callbacks. Records
// attached through it are written atomically with the task row.
type Tx struct {
	task     *models.Task
	change   store.TaskChange
	now      time.Time
	override bool
	skip     bool
}

// Task is the locked task. Callers may change non-state fields directly.
func (tx *Tx) Task() *models.Task { return tx.task }

// Now is the timestamp used for every record written by this Tx.
func (tx *Tx) Now() time.Time { return tx.now }

// Skip discards the update; nothing is written.
func (tx *Tx) Skip() { tx.skip = true }

// AllowOverride permits edges reserved for manual intervention.
func (tx *Tx) AllowOverride() { tx.override = true }

// AttachDraft persists a draft attempt. A succeeded draft becomes the active one.
func (tx *Tx) AttachDraft(d *models.AiDraft) {
	tx.change.Draft = d
	if d.Status == models.DraftStatusSucceeded {
		id := d.DraftID
		tx.task.ActiveDraftID = &id
		tx.task.ActiveDraftKey = d.LedgerKey
	}
}

// AttachEdit persists a human edit and makes it the active one.
func (tx *Tx) AttachEdit(e *models.HumanEdit) {
	tx.change.Edit = e
	id := e.EditID
	tx.task.ActiveEditID = &id
}

// AttachQaCheck appends a review verdict.
func (tx *Tx) AttachQaCheck(c *models.QaCheck) {
	tx.change.QaCheck = c
	tx.task.LatestVerdict = c.Verdict
}

// AddUsage increments the organization usage counters in the same write.
func (tx *Tx) AddUsage(delta models.UsageDelta) {
	tx.change.Usage = &delta
}

// Transition moves the task to state to, enforcing the edge table and the
// guards on qa_pending, completed, rejected and draft_ready.
func (tx *Tx) Transition(to models.TaskState, actor, reason string) error {
	from := tx.task.State
	if !CanTransition(from, to) {
		return apperr.InvalidTransition("task %s cannot move from %s to %s", tx.task.TaskID, from, to)
	}
	if RequiresOverride(from, to) && !tx.override {
		return apperr.InvalidTransition("task %s in %s needs a manual override", tx.task.TaskID, from)
	}
	if err := tx.guard(to); err != nil {
		return err
	}

	tx.task.Seq++
	tx.task.State = to
	tx.task.StateChangedAt = tx.now
	tx.change.Transitions = append(tx.change.Transitions, &models.TransitionLog{
		TaskID:    tx.task.TaskID,
		Seq:       tx.task.Seq,
		From:      from,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: tx.now,
	})
	return nil
}

func (tx *Tx) guard(to models.TaskState) error {
	switch to {
	case models.TaskStateDraftReady:
		if tx.change.Draft == nil || tx.change.Draft.Status != models.DraftStatusSucceeded {
			return apperr.InvalidTransition("draft_ready requires a succeeded draft")
		}
	case models.TaskStateQAPending:
		if tx.task.ActiveEditID == nil {
			return apperr.InvalidTransition("qa_pending requires a human edit")
		}
	case models.TaskStateCompleted:
		c := tx.change.QaCheck
		if c == nil || c.Verdict != models.VerdictPass || tx.task.ActiveEditID == nil || c.EditID != *tx.task.ActiveEditID {
			return apperr.InvalidTransition("completed requires a pass verdict on the active edit")
		}
	case models.TaskStateRejected:
		c := tx.change.QaCheck
		if c == nil || c.Verdict != models.VerdictFail || strings.TrimSpace(c.Comment) == "" {
			return apperr.InvalidTransition("rejected requires a fail verdict with a comment")
		}
	}
	return nil
}
