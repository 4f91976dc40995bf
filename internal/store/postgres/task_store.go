package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

const taskColumns = `task_id, table_id, file_id, project_id, org_id, state, seq,
	assignee, priority, complexity, due_at,
	draft_attempt, draft_failures, next_retry_at, rejections,
	active_draft_id, active_draft_key, active_edit_id, latest_verdict,
	state_changed_at, created_at, updated_at, archived_at`

// CreateTask stores a new task with its initial transition rows.
func (s *Store) CreateTask(ctx context.Context, task *models.Task, transitions []*models.TransitionLog) error {
	if err := store.CheckSequence(0, task.TaskID, transitions); err != nil {
		return err
	}

	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
		)`,
			task.TaskID,
			task.TableID,
			task.FileID,
			task.ProjectID,
			task.OrgID,
			task.State,
			task.Seq,
			task.Assignee,
			task.Priority,
			task.Complexity,
			task.DueAt,
			task.DraftAttempt,
			task.DraftFailures,
			task.NextRetryAt,
			task.Rejections,
			task.ActiveDraftID,
			task.ActiveDraftKey,
			task.ActiveEditID,
			task.LatestVerdict,
			task.StateChangedAt,
			task.CreatedAt,
			task.UpdatedAt,
			task.ArchivedAt,
		)
		if err != nil {
			return mapPostgresError(err)
		}
		return insertTransitions(ctx, tx, transitions)
	})
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", mapPostgresError(err))
	}
	return task, nil
}

// UpdateTask locks the task row with SELECT FOR UPDATE, bounded by the
// configured lock timeout, then writes the task and its change in the same
// transaction.
func (s *Store) UpdateTask(ctx context.Context, taskID uuid.UUID, fn store.UpdateFunc) (*models.Task, error) {
	var updated *models.Task

	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		lockTimeout := strconv.FormatInt(s.cfg.LockTimeout.Milliseconds(), 10) + "ms"
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, lockTimeout); err != nil {
			return mapPostgresError(err)
		}

		current, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrTaskNotFound
			}
			return mapPostgresError(err)
		}

		working := *current
		change, err := fn(&working)
		if err != nil {
			return err
		}
		if change == nil {
			updated = current
			return nil
		}
		if err := store.CheckSequence(current.Seq, taskID, change.Transitions); err != nil {
			return err
		}

		// archived_at is owned by ArchiveProject
		working.ArchivedAt = current.ArchivedAt
		working.UpdatedAt = s.now()
		if err := updateTaskRow(ctx, tx, &working); err != nil {
			return err
		}
		if err := s.writeChange(ctx, tx, change); err != nil {
			return err
		}
		updated = &working
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func updateTaskRow(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET
			state = $2,
			seq = $3,
			assignee = $4,
			priority = $5,
			complexity = $6,
			due_at = $7,
			draft_attempt = $8,
			draft_failures = $9,
			next_retry_at = $10,
			rejections = $11,
			active_draft_id = $12,
			active_draft_key = $13,
			active_edit_id = $14,
			latest_verdict = $15,
			state_changed_at = $16,
			updated_at = $17
		WHERE task_id = $1
	`,
		t.TaskID,
		t.State,
		t.Seq,
		t.Assignee,
		t.Priority,
		t.Complexity,
		t.DueAt,
		t.DraftAttempt,
		t.DraftFailures,
		t.NextRetryAt,
		t.Rejections,
		t.ActiveDraftID,
		t.ActiveDraftKey,
		t.ActiveEditID,
		t.LatestVerdict,
		t.StateChangedAt,
		t.UpdatedAt,
	)
	return mapPostgresError(err)
}

func (s *Store) writeChange(ctx context.Context, tx pgx.Tx, change *store.TaskChange) error {
	if err := insertTransitions(ctx, tx, change.Transitions); err != nil {
		return err
	}

	if d := change.Draft; d != nil {
		var issues any
		if len(d.ValidationIssues) > 0 {
			v, err := toJSON("validation_issues", d.ValidationIssues)
			if err != nil {
				return err
			}
			issues = v
		}
		_, err := tx.Exec(ctx, `INSERT INTO ai_drafts (`+draftColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)`,
			d.DraftID,
			d.TaskID,
			d.OrgID,
			d.Attempt,
			d.LedgerKey,
			d.PromptHash,
			d.PromptVersion,
			d.Model,
			d.Text,
			d.InputTokens,
			d.OutputTokens,
			d.CostMicros,
			d.Status,
			d.Error,
			issues,
			d.CreatedAt,
		)
		if err != nil {
			return mapPostgresError(err)
		}
	}

	if e := change.Edit; e != nil {
		_, err := tx.Exec(ctx, `INSERT INTO human_edits (`+editColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			e.EditID, e.TaskID, e.DraftID, e.Text, e.Editor, e.CreatedAt)
		if err != nil {
			return mapPostgresError(err)
		}
	}

	if c := change.QaCheck; c != nil {
		_, err := tx.Exec(ctx, `INSERT INTO qa_checks (`+qaCheckColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.CheckID, c.TaskID, c.EditID, c.Verdict, c.Comment, c.Reviewer, c.CreatedAt)
		if err != nil {
			return mapPostgresError(err)
		}
	}

	if change.Usage != nil {
		if err := s.addUsage(ctx, tx, *change.Usage); err != nil {
			return err
		}
	}
	return nil
}

func insertTransitions(ctx context.Context, tx pgx.Tx, transitions []*models.TransitionLog) error {
	if len(transitions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, tr := range transitions {
		batch.Queue(`
			INSERT INTO transition_logs (task_id, seq, from_state, to_state, actor, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, tr.TaskID, tr.Seq, tr.From, tr.To, tr.Actor, tr.Reason, tr.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapPostgresError(err)
	}
	return nil
}

// ListTasks returns tasks matching the filter ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if !filter.IncludeArchived {
		where = append(where, "archived_at IS NULL")
	}
	if filter.OrgID != uuid.Nil {
		where = append(where, "org_id = "+arg(filter.OrgID))
	}
	if filter.ProjectID != uuid.Nil {
		where = append(where, "project_id = "+arg(filter.ProjectID))
	}
	if filter.FileID != uuid.Nil {
		where = append(where, "file_id = "+arg(filter.FileID))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		where = append(where, "state = ANY("+arg(states)+")")
	}
	if filter.RetryDueBefore != nil {
		where = append(where, "state = 'draft_failed' AND next_retry_at IS NOT NULL AND next_retry_at <= "+arg(*filter.RetryDueBefore))
	}
	if filter.ChangedBefore != nil {
		where = append(where, "state_changed_at < "+arg(*filter.ChangedBefore))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", mapPostgresError(err))
	}
	return collect(rows, scanTask)
}

// ListTransitions returns the task's audit trail ordered by seq.
func (s *Store) ListTransitions(ctx context.Context, taskID uuid.UUID) ([]*models.TransitionLog, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT task_id, seq, from_state, to_state, actor, reason, created_at
		FROM transition_logs
		WHERE task_id = $1
		ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", mapPostgresError(err))
	}
	return collect(rows, func(row scanner) (*models.TransitionLog, error) {
		var tr models.TransitionLog
		if err := row.Scan(&tr.TaskID, &tr.Seq, &tr.From, &tr.To, &tr.Actor, &tr.Reason, &tr.CreatedAt); err != nil {
			return nil, err
		}
		return &tr, nil
	})
}

const draftColumns = `draft_id, task_id, org_id, attempt, ledger_key, prompt_hash, prompt_version,
	model, text, input_tokens, output_tokens, cost_micros, status, error, validation_issues, created_at`

// GetDraft retrieves a draft by ID.
func (s *Store) GetDraft(ctx context.Context, draftID uuid.UUID) (*models.AiDraft, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	draft, err := scanDraft(s.pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM ai_drafts WHERE draft_id = $1`, draftID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrDraftNotFound
		}
		return nil, fmt.Errorf("failed to get draft: %w", mapPostgresError(err))
	}
	return draft, nil
}

// ListDrafts returns every attempt for a task, oldest first.
func (s *Store) ListDrafts(ctx context.Context, taskID uuid.UUID) ([]*models.AiDraft, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+draftColumns+` FROM ai_drafts WHERE task_id = $1 ORDER BY attempt, created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", mapPostgresError(err))
	}
	return collect(rows, scanDraft)
}

func scanDraft(row scanner) (*models.AiDraft, error) {
	var (
		d      models.AiDraft
		issues []byte
	)
	err := row.Scan(
		&d.DraftID,
		&d.TaskID,
		&d.OrgID,
		&d.Attempt,
		&d.LedgerKey,
		&d.PromptHash,
		&d.PromptVersion,
		&d.Model,
		&d.Text,
		&d.InputTokens,
		&d.OutputTokens,
		&d.CostMicros,
		&d.Status,
		&d.Error,
		&issues,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSON("validation_issues", issues, &d.ValidationIssues); err != nil {
		return nil, err
	}
	return &d, nil
}

const editColumns = `edit_id, task_id, draft_id, text, editor, created_at`

// GetEdit retrieves a human edit by ID.
func (s *Store) GetEdit(ctx context.Context, editID uuid.UUID) (*models.HumanEdit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var e models.HumanEdit
	err := s.pool.QueryRow(ctx, `SELECT `+editColumns+` FROM human_edits WHERE edit_id = $1`, editID).
		Scan(&e.EditID, &e.TaskID, &e.DraftID, &e.Text, &e.Editor, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrEditNotFound
		}
		return nil, fmt.Errorf("failed to get edit: %w", mapPostgresError(err))
	}
	return &e, nil
}

const qaCheckColumns = `check_id, task_id, edit_id, verdict, comment, reviewer, created_at`

// ListQaChecks returns the review history oldest first.
func (s *Store) ListQaChecks(ctx context.Context, taskID uuid.UUID) ([]*models.QaCheck, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+qaCheckColumns+` FROM qa_checks WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list qa checks: %w", mapPostgresError(err))
	}
	return collect(rows, func(row scanner) (*models.QaCheck, error) {
		var c models.QaCheck
		if err := row.Scan(&c.CheckID, &c.TaskID, &c.EditID, &c.Verdict, &c.Comment, &c.Reviewer, &c.CreatedAt); err != nil {
			return nil, err
		}
		return &c, nil
	})
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.TaskID,
		&t.TableID,
		&t.FileID,
		&t.ProjectID,
		&t.OrgID,
		&t.State,
		&t.Seq,
		&t.Assignee,
		&t.Priority,
		&t.Complexity,
		&t.DueAt,
		&t.DraftAttempt,
		&t.DraftFailures,
		&t.NextRetryAt,
		&t.Rejections,
		&t.ActiveDraftID,
		&t.ActiveDraftKey,
		&t.ActiveEditID,
		&t.LatestVerdict,
		&t.StateChangedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
