// Package taskflow owns the task lifecycle: legal transitions, guards, and the
// append-only transition log.
package taskflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/auth"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the persistence the machine needs.
type Store interface {
	store.TaskStore
	store.ProjectStore
}

// Machine applies state changes to tasks through the store's per-task lock.
type Machine struct {
	store Store
	now   func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a state machine over the task store.
func NewMachine(s Store, opts ...Option) *Machine {
	m := &Machine{store: s, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOptions carries the scheduling attributes of a new task.
type CreateOptions struct {
	Priority   int
	Complexity string
	DueAt      *time.Time
}

// CreateTask creates the task for a persisted table and moves it straight to
// awaiting_draft.
func (m *Machine) CreateTask(ctx context.Context, table *models.ParsedTable, opts CreateOptions) (*models.Task, error) {
	now := m.now()
	taskID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		TaskID:         taskID,
		TableID:        table.TableID,
		FileID:         table.FileID,
		ProjectID:      table.ProjectID,
		OrgID:          table.OrgID,
		State:          models.TaskStateCreated,
		Priority:       opts.Priority,
		Complexity:     opts.Complexity,
		DueAt:          opts.DueAt,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx := &Tx{task: task, now: now}
	if err := tx.Transition(models.TaskStateAwaitingDraft, models.ActorSystem, "table persisted"); err != nil {
		return nil, err
	}

	if err := m.store.CreateTask(ctx, task, tx.change.Transitions); err != nil {
		return nil, err
	}

	telemetry.GetMetrics().TasksCreatedTotal.Add(ctx, 1)
	recordTransitions(ctx, tx.change.Transitions)

	log.Info().
		Str("task_id", task.TaskID.String()).
		Str("table_id", table.TableID.String()).
		Str("org_id", task.OrgID.String()).
		Msg("Created task")

	return task, nil
}

// Apply runs fn against the locked task on behalf of actor. Cross-tenant
// access is rejected before fn sees the task. Nothing is written when fn
// returns an error or calls Skip.
func (m *Machine) Apply(ctx context.Context, actor models.Actor, taskID uuid.UUID, fn func(tx *Tx) error) (*models.Task, error) {
	var written []*models.TransitionLog

	task, err := m.store.UpdateTask(ctx, taskID, func(task *models.Task) (*store.TaskChange, error) {
		if err := auth.RequireOrg(ctx, actor, task.OrgID, "task", task.TaskID); err != nil {
			return nil, err
		}
		if task.ArchivedAt != nil {
			return nil, apperr.InvalidTransition("task %s is archived", task.TaskID)
		}

		tx := &Tx{task: task, now: m.now()}
		if err := fn(tx); err != nil {
			return nil, err
		}
		if tx.skip {
			return nil, nil
		}
		written = tx.change.Transitions
		return &tx.change, nil
	})
	if err != nil {
		return nil, err
	}

	recordTransitions(ctx, written)
	return task, nil
}

// GetTaskState returns the task if actor may see it.
func (m *Machine) GetTaskState(ctx context.Context, actor models.Actor, taskID uuid.UUID) (*models.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOrg(ctx, actor, task.OrgID, "task", task.TaskID); err != nil {
		return nil, err
	}
	return task, nil
}

// History returns the task's transition log ordered by seq.
func (m *Machine) History(ctx context.Context, actor models.Actor, taskID uuid.UUID) ([]*models.TransitionLog, error) {
	if _, err := m.GetTaskState(ctx, actor, taskID); err != nil {
		return nil, err
	}
	return m.store.ListTransitions(ctx, taskID)
}

// Archive soft-deletes a project and its tasks. Logs and drafts are retained.
func (m *Machine) Archive(ctx context.Context, actor models.Actor, projectID uuid.UUID) error {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := auth.RequireOrg(ctx, actor, project.OrgID, "project", project.ProjectID); err != nil {
		return err
	}
	if project.IsArchived() {
		return nil
	}
	if err := m.store.ArchiveProject(ctx, projectID, m.now()); err != nil {
		return err
	}

	log.Info().
		Str("project_id", projectID.String()).
		Str("actor", actor.UserID).
		Msg("Archived project")
	return nil
}

func recordTransitions(ctx context.Context, logs []*models.TransitionLog) {
	for _, l := range logs {
		telemetry.GetMetrics().TaskTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(l.From)),
			attribute.String("to", string(l.To)),
		))
		log.Debug().
			Str("task_id", l.TaskID.String()).
			Int64("seq", l.Seq).
			Str("from", string(l.From)).
			Str("to", string(l.To)).
			Str("actor", l.Actor).
			Str("reason", l.Reason).
			Msg("Task transition")
	}
}
