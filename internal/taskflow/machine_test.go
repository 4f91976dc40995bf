package taskflow

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store/memory"
	"github.com/wolfeidau/tablepipe/internal/storetest"
)

func setup(t *testing.T) (*Machine, *memory.Store, *storetest.Tenant, *models.Task) {
	t.Helper()
	s := memory.NewStore()
	tenant := storetest.SeedTenant(t, s, "acme")
	table := storetest.SeedTable(t, s, tenant)

	m := NewMachine(s)
	task, err := m.CreateTask(context.Background(), table, CreateOptions{Priority: 1})
	require.NoError(t, err)
	return m, s, tenant, task
}

func TestCreateTask(t *testing.T) {
	m, _, tenant, task := setup(t)

	require.Equal(t, models.TaskStateAwaitingDraft, task.State)
	require.Equal(t, int64(1), task.Seq)

	logs, err := m.History(context.Background(), tenant.Actor, task.TaskID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, models.TaskStateCreated, logs[0].From)
	require.Equal(t, models.TaskStateAwaitingDraft, logs[0].To)
	require.Equal(t, models.ActorSystem, logs[0].Actor)
}

func TestApplyRejectsIllegalEdges(t *testing.T) {
	tests := []struct {
		name string
		to   models.TaskState
	}{
		{"skip to completed", models.TaskStateCompleted},
		{"skip to draft_ready", models.TaskStateDraftReady},
		{"backwards to created", models.TaskStateCreated},
		{"straight to qa", models.TaskStateQAPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, tenant, task := setup(t)

			_, err := m.Apply(context.Background(), tenant.Actor, task.TaskID, func(tx *Tx) error {
				return tx.Transition(tt.to, tenant.Actor.UserID, "test")
			})
			require.ErrorIs(t, err, apperr.ErrInvalidTransition)

			got, err := m.GetTaskState(context.Background(), tenant.Actor, task.TaskID)
			require.NoError(t, err)
			require.Equal(t, models.TaskStateAwaitingDraft, got.State)
			require.Equal(t, int64(1), got.Seq)
		})
	}
}

func TestApplyForbidsOtherOrg(t *testing.T) {
	m, s, _, task := setup(t)
	other := storetest.SeedTenant(t, s, "globex")

	called := false
	_, err := m.Apply(context.Background(), other.Actor, task.TaskID, func(tx *Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	require.False(t, called)

	_, err = m.GetTaskState(context.Background(), other.Actor, task.TaskID)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = m.History(context.Background(), other.Actor, task.TaskID)
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestGuards(t *testing.T) {
	m, _, tenant, task := setup(t)
	ctx := context.Background()

	// draft_ready without a succeeded draft
	_, err := m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		if err := tx.Transition(models.TaskStateDraftGenerating, "system", "test"); err != nil {
			return err
		}
		return tx.Transition(models.TaskStateDraftReady, "system", "test")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	draftID := uuid.Must(uuid.NewV7())
	_, err = m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		if err := tx.Transition(models.TaskStateDraftGenerating, "system", "test"); err != nil {
			return err
		}
		tx.AttachDraft(&models.AiDraft{DraftID: draftID, TaskID: task.TaskID, OrgID: task.OrgID, LedgerKey: "k1", Status: models.DraftStatusSucceeded, Text: "draft"})
		if err := tx.Transition(models.TaskStateDraftReady, "system", "test"); err != nil {
			return err
		}
		return tx.Transition(models.TaskStateInProgress, tenant.Actor.UserID, "opened")
	})
	require.NoError(t, err)

	// qa_pending without an edit
	_, err = m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		return tx.Transition(models.TaskStateQAPending, tenant.Actor.UserID, "submit")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	editID := uuid.Must(uuid.NewV7())
	_, err = m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		tx.AttachEdit(&models.HumanEdit{EditID: editID, TaskID: task.TaskID, Text: "edited", Editor: tenant.Actor.UserID})
		return tx.Transition(models.TaskStateQAPending, tenant.Actor.UserID, "submit")
	})
	require.NoError(t, err)

	// rejected needs a comment
	_, err = m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		tx.AttachQaCheck(&models.QaCheck{CheckID: uuid.Must(uuid.NewV7()), TaskID: task.TaskID, EditID: editID, Verdict: models.VerdictFail})
		return tx.Transition(models.TaskStateRejected, "qa", "review")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	// completed needs a pass on the active edit
	_, err = m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		tx.AttachQaCheck(&models.QaCheck{CheckID: uuid.Must(uuid.NewV7()), TaskID: task.TaskID, EditID: uuid.Must(uuid.NewV7()), Verdict: models.VerdictPass})
		return tx.Transition(models.TaskStateCompleted, "qa", "review")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		tx.AttachQaCheck(&models.QaCheck{CheckID: uuid.Must(uuid.NewV7()), TaskID: task.TaskID, EditID: editID, Verdict: models.VerdictPass})
		return tx.Transition(models.TaskStateCompleted, "qa", "review")
	})
	require.NoError(t, err)
	require.Equal(t, models.TaskStateCompleted, got.State)
	require.Equal(t, models.VerdictPass, got.LatestVerdict)

	logs, err := m.History(ctx, tenant.Actor, task.TaskID)
	require.NoError(t, err)
	require.NoError(t, ValidatePath(logs))
	require.Equal(t, got.Seq, logs[len(logs)-1].Seq)
}

func TestOverrideRequired(t *testing.T) {
	m, _, tenant, task := setup(t)
	ctx := context.Background()

	_, err := m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		for _, to := range []models.TaskState{models.TaskStateDraftGenerating, models.TaskStateDraftFailed, models.TaskStateDraftFailedPermanent} {
			if err := tx.Transition(to, "system", "provider down"); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	_, err = m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		return tx.Transition(models.TaskStateAwaitingDraft, "system", "retry")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		tx.AllowOverride()
		return tx.Transition(models.TaskStateAwaitingDraft, tenant.Actor.UserID, "manual")
	})
	require.NoError(t, err)
	require.Equal(t, models.TaskStateAwaitingDraft, got.State)
}

func TestSkipWritesNothing(t *testing.T) {
	m, _, tenant, task := setup(t)

	got, err := m.Apply(context.Background(), tenant.Actor, task.TaskID, func(tx *Tx) error {
		tx.Task().Assignee = "ignored"
		tx.Skip()
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, got.Assignee)
}

func TestConcurrentApplyKeepsSeqMonotonic(t *testing.T) {
	m, _, tenant, task := setup(t)
	ctx := context.Background()

	// only one of the racing callers can take awaiting_draft -> draft_generating
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
				return tx.Transition(models.TaskStateDraftGenerating, "system", "race")
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	logs, err := m.History(ctx, tenant.Actor, task.TaskID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.NoError(t, ValidatePath(logs))
}

func TestArchive(t *testing.T) {
	m, s, tenant, task := setup(t)
	ctx := context.Background()
	other := storetest.SeedTenant(t, s, "globex")

	require.ErrorIs(t, m.Archive(ctx, other.Actor, tenant.Project.ProjectID), apperr.ErrForbidden)
	require.NoError(t, m.Archive(ctx, tenant.Actor, tenant.Project.ProjectID))

	_, err := m.Apply(ctx, tenant.Actor, task.TaskID, func(tx *Tx) error {
		return tx.Transition(models.TaskStateDraftGenerating, "system", "after archive")
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	logs, err := m.History(ctx, tenant.Actor, task.TaskID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestValidatePath(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	tr := func(seq int64, from, to models.TaskState) *models.TransitionLog {
		return &models.TransitionLog{TaskID: id, Seq: seq, From: from, To: to}
	}

	tests := []struct {
		name    string
		logs    []*models.TransitionLog
		wantErr bool
	}{
		{"empty", nil, false},
		{"happy path", []*models.TransitionLog{
			tr(1, models.TaskStateCreated, models.TaskStateAwaitingDraft),
			tr(2, models.TaskStateAwaitingDraft, models.TaskStateDraftGenerating),
			tr(3, models.TaskStateDraftGenerating, models.TaskStateDraftReady),
			tr(4, models.TaskStateDraftReady, models.TaskStateInProgress),
			tr(5, models.TaskStateInProgress, models.TaskStateQAPending),
			tr(6, models.TaskStateQAPending, models.TaskStateCompleted),
		}, false},
		{"gap in seq", []*models.TransitionLog{
			tr(1, models.TaskStateCreated, models.TaskStateAwaitingDraft),
			tr(3, models.TaskStateAwaitingDraft, models.TaskStateDraftGenerating),
		}, true},
		{"disconnected", []*models.TransitionLog{
			tr(1, models.TaskStateCreated, models.TaskStateAwaitingDraft),
			tr(2, models.TaskStateDraftReady, models.TaskStateInProgress),
		}, true},
		{"illegal edge", []*models.TransitionLog{
			tr(1, models.TaskStateCreated, models.TaskStateCompleted),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.logs)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
