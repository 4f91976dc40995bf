// Package draft generates AI drafts for tasks through the idempotency ledger
// and schedules bounded retries when the provider fails.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/ledger"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/provider"
	"github.com/wolfeidau/tablepipe/internal/store"
	"github.com/wolfeidau/tablepipe/internal/taskflow"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LedgerKind names draft generation in ledger rows.
const LedgerKind = "draft"

// Store is the persistence the orchestrator reads directly.
type Store interface {
	store.TaskStore
	store.TableStore
}

// Orchestrator drives awaiting_draft tasks to draft_ready.
type Orchestrator struct {
	store     Store
	machine   *taskflow.Machine
	ledger    *ledger.Ledger
	provider  provider.Provider
	scheduler Scheduler
	policy    RetryPolicy
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the orchestrator. The scheduler receives retries; a
// TimerScheduler should be bound to ScheduledRetry.
func NewOrchestrator(s Store, machine *taskflow.Machine, l *ledger.Ledger, p provider.Provider, sched Scheduler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		machine:   machine,
		ledger:    l,
		provider:  p,
		scheduler: sched,
		policy:    DefaultRetryPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RequestDraft generates the draft for a task in awaiting_draft. Concurrent
// callers for the same attempt share one provider call. A task that already
// has an active draft returns it unchanged.
func (o *Orchestrator) RequestDraft(ctx context.Context, actor models.Actor, taskID uuid.UUID) (*models.AiDraft, error) {
	task, err := o.machine.GetTaskState(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}
	if task.ActiveDraftID != nil {
		return o.store.GetDraft(ctx, *task.ActiveDraftID)
	}

	switch task.State {
	case models.TaskStateAwaitingDraft, models.TaskStateDraftGenerating:
	case models.TaskStateDraftFailed:
		return nil, apperr.InvalidTransition("draft failed; a retry is scheduled for task %s", task.TaskID)
	case models.TaskStateDraftFailedPermanent:
		return nil, apperr.InvalidTransition("draft failed permanently; task %s needs a manual retry", task.TaskID)
	default:
		return nil, apperr.InvalidTransition("task %s in %s cannot request a draft", task.TaskID, task.State)
	}

	table, err := o.store.GetTable(ctx, task.TableID)
	if err != nil {
		return nil, fmt.Errorf("failed to load table: %w", err)
	}

	prompt := BuildPrompt(table)
	hash := PromptHash(prompt)
	attempt := task.DraftAttempt
	key := ledger.Key(task.TaskID, LedgerKind, []byte(hash), attempt)

	telemetry.GetMetrics().DraftsRequestedTotal.Add(ctx, 1)
	log.Info().
		Str("task_id", task.TaskID.String()).
		Int("attempt", attempt).
		Str("prompt_hash", hash).
		Msg("Requesting draft")

	entry, err := o.ledger.ExecuteOnce(ctx, ledger.Request{
		Key:           key,
		TaskID:        task.TaskID,
		Kind:          LedgerKind,
		AuditCritical: true,
	}, func(ctx context.Context) (json.RawMessage, error) {
		return o.generate(ctx, actor, task.TaskID, attempt, prompt)
	})

	switch {
	case entry == nil:
		return nil, err
	case err == nil:
		var c provider.Completion
		if err := json.Unmarshal(entry.Result, &c); err != nil {
			return nil, fmt.Errorf("failed to decode ledgered completion: %w", err)
		}
		return o.completeDraft(ctx, actor, task.TaskID, attempt, key, hash, &c)
	case apperr.KindOf(err) == apperr.KindInvalidTransition:
		// the task moved on before this caller took the lock
		return nil, err
	default:
		return nil, o.failDraft(ctx, actor, task.TaskID, attempt, key, hash, err)
	}
}

// generate runs inside the ledger lock: it marks the task as generating and
// calls the provider. The task lock is not held during the call.
func (o *Orchestrator) generate(ctx context.Context, actor models.Actor, taskID uuid.UUID, attempt int, prompt string) (json.RawMessage, error) {
	_, err := o.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		if t.State == models.TaskStateDraftGenerating && t.DraftAttempt == attempt {
			// a previous owner moved the task but never claimed this key;
			// holding the claim now makes this call the only one
			tx.Skip()
			return nil
		}
		if t.State != models.TaskStateAwaitingDraft || t.DraftAttempt != attempt {
			return apperr.InvalidTransition("task %s is %s at attempt %d, not awaiting attempt %d", t.TaskID, t.State, t.DraftAttempt, attempt)
		}
		return tx.Transition(models.TaskStateDraftGenerating, actor.UserID, "draft lock acquired")
	})
	if err != nil {
		return nil, err
	}

	c, err := o.provider.Complete(ctx, prompt)
	if err != nil {
		return nil, provider.Classify(err)
	}
	return json.Marshal(c)
}

// completeDraft stores the draft and bills usage in the same write. Replays
// of an already recorded key change nothing.
func (o *Orchestrator) completeDraft(ctx context.Context, actor models.Actor, taskID uuid.UUID, attempt int, key, hash string, c *provider.Completion) (*models.AiDraft, error) {
	var created *models.AiDraft

	task, err := o.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		if t.ActiveDraftKey == key || t.State != models.TaskStateDraftGenerating || t.DraftAttempt != attempt {
			tx.Skip()
			return nil
		}

		draftID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		draft := &models.AiDraft{
			DraftID:          draftID,
			TaskID:           t.TaskID,
			OrgID:            t.OrgID,
			Attempt:          attempt,
			LedgerKey:        key,
			PromptHash:       hash,
			PromptVersion:    PromptVersion,
			Model:            c.Model,
			Text:             c.Text,
			InputTokens:      c.InputTokens,
			OutputTokens:     c.OutputTokens,
			CostMicros:       c.CostMicros,
			Status:           models.DraftStatusSucceeded,
			ValidationIssues: ValidateDraft(c.Text),
			CreatedAt:        tx.Now(),
		}
		tx.AttachDraft(draft)
		tx.AddUsage(models.UsageDelta{
			OrgID:      t.OrgID,
			Tokens:     draft.TotalTokens(),
			CostMicros: draft.CostMicros,
			Drafts:     1,
		})
		t.NextRetryAt = nil
		created = draft
		return tx.Transition(models.TaskStateDraftReady, actor.UserID, "provider succeeded")
	})
	if err != nil {
		return nil, err
	}

	if created == nil {
		if task.ActiveDraftID == nil {
			return nil, apperr.New(apperr.KindConcurrencyConflict, "task %s has no active draft after generation", taskID)
		}
		return o.store.GetDraft(ctx, *task.ActiveDraftID)
	}

	m := telemetry.GetMetrics()
	m.UsageTokensTotal.Add(ctx, created.TotalTokens(), metric.WithAttributes(attribute.String("model", created.Model)))
	m.UsageCostMicrosTotal.Add(ctx, created.CostMicros, metric.WithAttributes(attribute.String("model", created.Model)))

	log.Info().
		Str("task_id", taskID.String()).
		Str("draft_id", created.DraftID.String()).
		Int64("tokens", created.TotalTokens()).
		Float64("cost_usd", created.CostUSD()).
		Strs("validation_issues", created.ValidationIssues).
		Msg("Draft ready")

	return created, nil
}

// failDraft records the failed attempt, moves the task to draft_failed and
// either schedules the next attempt or gives up. It returns cause.
func (o *Orchestrator) failDraft(ctx context.Context, actor models.Actor, taskID uuid.UUID, attempt int, key, hash string, cause error) error {
	var (
		retryAt   *time.Time
		permanent bool
		orgID     uuid.UUID
	)

	_, err := o.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		if t.State == models.TaskStateAwaitingDraft && t.DraftAttempt == attempt {
			// the key failed before generation started; move on to a fresh
			// key without spending the retry budget
			t.DraftAttempt++
			return nil
		}
		if t.State != models.TaskStateDraftGenerating || t.DraftAttempt != attempt {
			tx.Skip()
			return nil
		}

		draftID, err := uuid.NewV7()
		if err != nil {
			return err
		}
		tx.AttachDraft(&models.AiDraft{
			DraftID:       draftID,
			TaskID:        t.TaskID,
			OrgID:         t.OrgID,
			Attempt:       attempt,
			LedgerKey:     key,
			PromptHash:    hash,
			PromptVersion: PromptVersion,
			Model:         o.provider.Model(),
			Status:        models.DraftStatusFailed,
			Error:         cause.Error(),
			CreatedAt:     tx.Now(),
		})
		if err := tx.Transition(models.TaskStateDraftFailed, actor.UserID, string(apperr.KindOf(cause))); err != nil {
			return err
		}

		t.DraftAttempt++
		t.DraftFailures++
		orgID = t.OrgID

		if apperr.KindOf(cause) == apperr.KindPermanentProvider || o.policy.Exhausted(t.DraftFailures) {
			permanent = true
			t.NextRetryAt = nil
			reason := fmt.Sprintf("gave up after %d failures", t.DraftFailures)
			if apperr.KindOf(cause) == apperr.KindPermanentProvider {
				reason = "permanent provider error"
			}
			return tx.Transition(models.TaskStateDraftFailedPermanent, models.ActorSystem, reason)
		}

		at := tx.Now().Add(o.policy.Delay(t.DraftFailures))
		t.NextRetryAt = &at
		retryAt = &at
		return nil
	})
	if err != nil {
		return errors.Join(cause, err)
	}

	switch {
	case permanent:
		log.Warn().
			Err(cause).
			Str("task_id", taskID.String()).
			Int("attempt", attempt).
			Msg("Draft failed permanently")
	case retryAt != nil:
		o.scheduler.Schedule(orgID, taskID, *retryAt)
		telemetry.GetMetrics().DraftRetriesScheduled.Add(ctx, 1)
		log.Warn().
			Err(cause).
			Str("task_id", taskID.String()).
			Int("attempt", attempt).
			Time("retry_at", *retryAt).
			Msg("Draft failed, retry scheduled")
	}

	return cause
}

// ScheduledRetry is the Scheduler callback: a due draft_failed task goes
// back to awaiting_draft and is drafted again. Tasks whose retries were
// cancelled or already picked up are left alone.
func (o *Orchestrator) ScheduledRetry(ctx context.Context, orgID, taskID uuid.UUID) {
	actor := models.SystemActor(orgID)

	task, err := o.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		if t.State != models.TaskStateDraftFailed {
			tx.Skip()
			return nil
		}
		t.NextRetryAt = nil
		return tx.Transition(models.TaskStateAwaitingDraft, models.ActorSystem, "automatic retry")
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID.String()).Msg("Failed to re-queue draft")
		return
	}
	if task.State != models.TaskStateAwaitingDraft {
		return
	}

	if _, err := o.RequestDraft(ctx, actor, taskID); err != nil {
		log.Debug().Err(err).Str("task_id", taskID.String()).Msg("Scheduled draft attempt failed")
	}
}

// RetryDraft is a manual retry of a draft_failed task. It counts against the
// same retry budget as automatic retries.
func (o *Orchestrator) RetryDraft(ctx context.Context, actor models.Actor, taskID uuid.UUID) (*models.AiDraft, error) {
	_, err := o.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		switch t.State {
		case models.TaskStateAwaitingDraft:
			tx.Skip()
			return nil
		case models.TaskStateDraftFailed:
			t.NextRetryAt = nil
			return tx.Transition(models.TaskStateAwaitingDraft, actor.UserID, "manual retry")
		case models.TaskStateDraftFailedPermanent:
			return apperr.InvalidTransition("task %s failed permanently; use force retry", t.TaskID)
		default:
			return apperr.InvalidTransition("task %s in %s has no failed draft to retry", t.TaskID, t.State)
		}
	})
	if err != nil {
		return nil, err
	}
	o.scheduler.Cancel(taskID)
	return o.RequestDraft(ctx, actor, taskID)
}

// ForceRetry is the manual override out of draft_failed_permanent. The retry
// budget starts over; earlier attempts and their billing are kept.
func (o *Orchestrator) ForceRetry(ctx context.Context, actor models.Actor, taskID uuid.UUID, reason string) (*models.Task, error) {
	if reason == "" {
		reason = "manual override"
	}
	task, err := o.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		if t.State != models.TaskStateDraftFailedPermanent {
			return apperr.InvalidTransition("task %s in %s is not permanently failed", t.TaskID, t.State)
		}
		t.DraftFailures = 0
		t.NextRetryAt = nil
		tx.AllowOverride()
		return tx.Transition(models.TaskStateAwaitingDraft, actor.UserID, reason)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("task_id", taskID.String()).
		Str("actor", actor.UserID).
		Str("reason", reason).
		Msg("Forced draft retry")
	return task, nil
}

// CancelRetries stops automatic retries for a draft_failed task. Nothing
// already billed is reverted.
func (o *Orchestrator) CancelRetries(ctx context.Context, actor models.Actor, taskID uuid.UUID, reason string) (*models.Task, error) {
	if reason == "" {
		reason = "retries cancelled"
	}
	task, err := o.machine.Apply(ctx, actor, taskID, func(tx *taskflow.Tx) error {
		t := tx.Task()
		if t.State != models.TaskStateDraftFailed {
			return apperr.InvalidTransition("task %s in %s has no pending retry", t.TaskID, t.State)
		}
		t.NextRetryAt = nil
		return tx.Transition(models.TaskStateDraftFailedPermanent, actor.UserID, reason)
	})
	if err != nil {
		return nil, err
	}
	o.scheduler.Cancel(taskID)

	log.Info().
		Str("task_id", taskID.String()).
		Str("actor", actor.UserID).
		Str("reason", reason).
		Msg("Cancelled draft retries")
	return task, nil
}

// Drafts returns every attempt for the task, failed ones included.
func (o *Orchestrator) Drafts(ctx context.Context, actor models.Actor, taskID uuid.UUID) ([]*models.AiDraft, error) {
	if _, err := o.machine.GetTaskState(ctx, actor, taskID); err != nil {
		return nil, err
	}
	return o.store.ListDrafts(ctx, taskID)
}
