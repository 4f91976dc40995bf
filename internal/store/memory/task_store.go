package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

// CreateTask stores a new task with its initial transition rows.
func (s *Store) CreateTask(ctx context.Context, task *models.Task, transitions []*models.TransitionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return store.ErrAlreadyExists
	}
	if _, exists := s.tables[task.TableID]; !exists {
		return store.ErrTableNotFound
	}
	if err := store.CheckSequence(0, task.TaskID, transitions); err != nil {
		return err
	}

	s.tasks[task.TaskID] = cloneTask(task)
	for _, tr := range transitions {
		clone := *tr
		s.transitions[task.TaskID] = append(s.transitions[task.TaskID], &clone)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// UpdateTask runs fn under the per-task lock and applies the change atomically.
func (s *Store) UpdateTask(ctx context.Context, taskID uuid.UUID, fn store.UpdateFunc) (*models.Task, error) {
	unlock, err := s.lockTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	working := cloneTask(current)
	change, err := fn(working)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return current, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything before the first write so a failure leaves no trace
	if err := store.CheckSequence(current.Seq, taskID, change.Transitions); err != nil {
		return nil, err
	}
	if change.Usage != nil {
		if _, exists := s.organizations[change.Usage.OrgID]; !exists {
			return nil, store.ErrOrganizationNotFound
		}
	}
	if change.Draft != nil && change.Draft.Status == models.DraftStatusSucceeded {
		for _, d := range s.drafts {
			if d.LedgerKey == change.Draft.LedgerKey && d.Status == models.DraftStatusSucceeded {
				return nil, fmt.Errorf("succeeded draft for ledger key %s: %w", d.LedgerKey, store.ErrAlreadyExists)
			}
		}
	}

	for _, tr := range change.Transitions {
		clone := *tr
		s.transitions[taskID] = append(s.transitions[taskID], &clone)
	}
	if change.Draft != nil {
		clone := *change.Draft
		clone.ValidationIssues = slices.Clone(change.Draft.ValidationIssues)
		s.drafts[clone.DraftID] = &clone
	}
	if change.Edit != nil {
		clone := *change.Edit
		s.edits[clone.EditID] = &clone
	}
	if change.QaCheck != nil {
		clone := *change.QaCheck
		s.qaChecks[taskID] = append(s.qaChecks[taskID], &clone)
	}
	if change.Usage != nil {
		if err := s.addUsageLocked(*change.Usage); err != nil {
			return nil, err
		}
	}

	// archival happens outside the task lock
	if stored := s.tasks[taskID]; stored.ArchivedAt != nil && working.ArchivedAt == nil {
		v := *stored.ArchivedAt
		working.ArchivedAt = &v
	}
	working.UpdatedAt = s.now()
	s.tasks[taskID] = cloneTask(working)
	return working, nil
}

// ListTasks returns tasks matching the filter ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Task
	for _, t := range s.tasks {
		if matchTask(t, filter) {
			result = append(result, cloneTask(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListTransitions returns the task's audit trail ordered by seq.
func (s *Store) ListTransitions(ctx context.Context, taskID uuid.UUID) ([]*models.TransitionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.transitions[taskID]
	result := make([]*models.TransitionLog, 0, len(logs))
	for _, l := range logs {
		clone := *l
		result = append(result, &clone)
	}
	return result, nil
}

// GetDraft retrieves a draft by ID.
func (s *Store) GetDraft(ctx context.Context, draftID uuid.UUID) (*models.AiDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	draft, exists := s.drafts[draftID]
	if !exists {
		return nil, store.ErrDraftNotFound
	}
	clone := *draft
	clone.ValidationIssues = slices.Clone(draft.ValidationIssues)
	return &clone, nil
}

// ListDrafts returns every attempt for a task, oldest first.
func (s *Store) ListDrafts(ctx context.Context, taskID uuid.UUID) ([]*models.AiDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.AiDraft
	for _, d := range s.drafts {
		if d.TaskID == taskID {
			clone := *d
			clone.ValidationIssues = slices.Clone(d.ValidationIssues)
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Attempt != result[j].Attempt {
			return result[i].Attempt < result[j].Attempt
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// GetEdit retrieves a human edit by ID.
func (s *Store) GetEdit(ctx context.Context, editID uuid.UUID) (*models.HumanEdit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edit, exists := s.edits[editID]
	if !exists {
		return nil, store.ErrEditNotFound
	}
	clone := *edit
	return &clone, nil
}

// ListQaChecks returns the review history oldest first.
func (s *Store) ListQaChecks(ctx context.Context, taskID uuid.UUID) ([]*models.QaCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checks := s.qaChecks[taskID]
	result := make([]*models.QaCheck, 0, len(checks))
	for _, c := range checks {
		clone := *c
		result = append(result, &clone)
	}
	return result, nil
}

// lockTask acquires the exclusive per-task lock, waiting at most lockTimeout.
func (s *Store) lockTask(ctx context.Context, taskID uuid.UUID) (func(), error) {
	s.locksMu.Lock()
	lock, exists := s.taskLocks[taskID]
	if !exists {
		lock = make(chan struct{}, 1)
		s.taskLocks[taskID] = lock
	}
	s.locksMu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-timer.C:
		return nil, store.ErrLockTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", store.ErrLockTimeout, ctx.Err())
	}
}

func matchTask(t *models.Task, f store.TaskFilter) bool {
	if !f.IncludeArchived && t.ArchivedAt != nil {
		return false
	}
	if f.OrgID != uuid.Nil && t.OrgID != f.OrgID {
		return false
	}
	if f.ProjectID != uuid.Nil && t.ProjectID != f.ProjectID {
		return false
	}
	if f.FileID != uuid.Nil && t.FileID != f.FileID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
		return false
	}
	if f.RetryDueBefore != nil {
		if t.State != models.TaskStateDraftFailed || t.NextRetryAt == nil || t.NextRetryAt.After(*f.RetryDueBefore) {
			return false
		}
	}
	if f.ChangedBefore != nil && !t.StateChangedAt.Before(*f.ChangedBefore) {
		return false
	}
	return true
}

func cloneTask(t *models.Task) *models.Task {
	clone := *t
	if t.DueAt != nil {
		v := *t.DueAt
		clone.DueAt = &v
	}
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		clone.NextRetryAt = &v
	}
	if t.ActiveDraftID != nil {
		v := *t.ActiveDraftID
		clone.ActiveDraftID = &v
	}
	if t.ActiveEditID != nil {
		v := *t.ActiveEditID
		clone.ActiveEditID = &v
	}
	if t.ArchivedAt != nil {
		v := *t.ArchivedAt
		clone.ArchivedAt = &v
	}
	return &clone
}
