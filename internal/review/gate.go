// Package review takes drafted tasks through human editing and QA review.
package review

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
	"github.com/wolfeidau/tablepipe/internal/taskflow"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultEscalationThreshold is the rejection count at which a task is
// flagged for escalation.
const DefaultEscalationThreshold = 3

// MaxEditLength bounds a submitted edit in bytes.
const MaxEditLength = 20000

// Gate accepts edits and verdicts for tasks past draft_ready.
type Gate struct {
	machine       *taskflow.Machine
	store         store.TaskStore
	escalateAfter int
}

// Option configures a Gate.
type Option func(*Gate)

// WithEscalationThreshold sets the rejection count that triggers an
// escalation warning. Zero disables it.
func WithEscalationThreshold(n int) Option {
	return func(g *Gate) { g.escalateAfter = n }
}

// NewGate creates a review gate.
func NewGate(machine *taskflow.Machine, s store.TaskStore, opts ...Option) *Gate {
	g := &Gate{
		machine:       machine,
		store:         s,
		escalateAfter: DefaultEscalationThreshold,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OpenTask assigns the task and moves it to in_progress. Opening a task that
// is already in progress only changes the assignee.
func (g *Gate) OpenTask(ctx context.Context, actor models.Actor, taskID uuid.UUID, assignee string) (*models.Task, error) {
	if assignee == "" {
		assignee = actor.UserID
	}
	return g.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		switch t.State {
		case models.TaskStateInProgress:
			if t.Assignee == assignee {
				tx.Skip()
			}
			t.Assignee = assignee
			return nil
		case models.TaskStateDraftReady, models.TaskStateRejected:
			t.Assignee = assignee
			return tx.Transition(models.TaskStateInProgress, actor.UserID, "opened by "+assignee)
		default:
			return apperr.InvalidTransition("task %s in %s cannot be opened", t.TaskID, t.State)
		}
	})
}

// SubmitEdit stores the annotator's text as the active edit and submits the
// task for QA. Tasks still in draft_ready or rejected pass through
// in_progress on the way.
func (g *Gate) SubmitEdit(ctx context.Context, actor models.Actor, taskID uuid.UUID, text string) (*models.HumanEdit, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return nil, apperr.Validation("edit text is required")
	case len(text) > MaxEditLength:
		return nil, apperr.Validation("edit text exceeds %d bytes", MaxEditLength)
	}

	var edit *models.HumanEdit
	_, err := g.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		switch t.State {
		case models.TaskStateDraftReady, models.TaskStateRejected:
			if t.Assignee == "" {
				t.Assignee = actor.UserID
			}
			if err := tx.Transition(models.TaskStateInProgress, actor.UserID, "edit submitted"); err != nil {
				return err
			}
		case models.TaskStateInProgress:
		default:
			return apperr.InvalidTransition("task %s in %s does not accept edits", t.TaskID, t.State)
		}

		editID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		edit = &models.HumanEdit{
			EditID:    editID,
			TaskID:    t.TaskID,
			DraftID:   t.ActiveDraftID,
			Text:      text,
			Editor:    actor.UserID,
			CreatedAt: tx.Now(),
		}
		tx.AttachEdit(edit)
		t.LatestVerdict = models.VerdictNone
		return tx.Transition(models.TaskStateQAPending, actor.UserID, "submitted for QA")
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("task_id", taskID.String()).
		Str("edit_id", edit.EditID.String()).
		Str("editor", actor.UserID).
		Msg("Edit submitted")
	return edit, nil
}

// SubmitReview records a verdict on the active edit of a qa_pending task.
// A fail verdict needs a comment; pass completes the task.
func (g *Gate) SubmitReview(ctx context.Context, actor models.Actor, taskID uuid.UUID, verdict models.Verdict, comment string) (*models.QaCheck, error) {
	comment = strings.TrimSpace(comment)
	if !verdict.Valid() {
		return nil, apperr.Validation("verdict must be pass or fail, got %q", verdict)
	}
	if verdict == models.VerdictFail && comment == "" {
		return nil, apperr.Validation("a fail verdict needs a comment")
	}

	var (
		check      *models.QaCheck
		rejections int
	)
	_, err := g.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		if t.State != models.TaskStateQAPending {
			return apperr.InvalidTransition("task %s in %s is not awaiting review", t.TaskID, t.State)
		}
		if t.ActiveEditID == nil {
			return apperr.InvalidTransition("task %s has no edit to review", t.TaskID)
		}

		checkID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		check = &models.QaCheck{
			CheckID:   checkID,
			TaskID:    t.TaskID,
			EditID:    *t.ActiveEditID,
			Verdict:   verdict,
			Comment:   comment,
			Reviewer:  actor.UserID,
			CreatedAt: tx.Now(),
		}
		tx.AttachQaCheck(check)

		if verdict == models.VerdictPass {
			return tx.Transition(models.TaskStateCompleted, actor.UserID, "qa passed")
		}
		t.Rejections++
		rejections = t.Rejections
		return tx.Transition(models.TaskStateRejected, actor.UserID, comment)
	})
	if err != nil {
		return nil, err
	}

	m := telemetry.GetMetrics()
	m.ReviewsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(verdict))))

	level := zerolog.InfoLevel
	escalate := g.escalateAfter > 0 && rejections >= g.escalateAfter
	if escalate {
		m.RejectionEscalations.Add(ctx, 1)
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).
		Str("task_id", taskID.String()).
		Str("verdict", string(verdict)).
		Str("reviewer", actor.UserID).
		Int("rejections", rejections).
		Bool("escalate", escalate).
		Msg("Review submitted")

	return check, nil
}

// Edit returns an edit belonging to a task the actor can see.
func (g *Gate) Edit(ctx context.Context, actor models.Actor, editID uuid.UUID) (*models.HumanEdit, error) {
	edit, err := g.store.GetEdit(ctx, editID)
	if err != nil {
		return nil, err
	}
	if _, err := g.machine.GetTaskState(ctx, actor, edit.TaskID); err != nil {
		return nil, err
	}
	return edit, nil
}

// Reviews returns every verdict recorded on the task, oldest first.
func (g *Gate) Reviews(ctx context.Context, actor models.Actor, taskID uuid.UUID) ([]*models.QaCheck, error) {
	if _, err := g.machine.GetTaskState(ctx, actor, taskID); err != nil {
		return nil, err
	}
	return g.store.ListQaChecks(ctx, taskID)
}
