package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
)

// Sentinel errors for store operations. Not-found errors also match
// apperr.ErrNotFound and lock timeouts match apperr.ErrConcurrencyConflict.
var (
	ErrProjectNotFound     = fmt.Errorf("project not found: %w", apperr.ErrNotFound)
	ErrFileNotFound        = fmt.Errorf("file not found: %w", apperr.ErrNotFound)
	ErrTableNotFound       = fmt.Errorf("table not found: %w", apperr.ErrNotFound)
	ErrTaskNotFound        = fmt.Errorf("task not found: %w", apperr.ErrNotFound)
	ErrDraftNotFound       = fmt.Errorf("draft not found: %w", apperr.ErrNotFound)
	ErrEditNotFound        = fmt.Errorf("edit not found: %w", apperr.ErrNotFound)
	ErrExportNotFound      = fmt.Errorf("export not found: %w", apperr.ErrNotFound)
	ErrLedgerEntryNotFound = fmt.Errorf("ledger entry not found: %w", apperr.ErrNotFound)

	ErrAlreadyExists = errors.New("already exists")
	ErrLockTimeout   = fmt.Errorf("task lock wait exceeded: %w", apperr.ErrConcurrencyConflict)
	ErrLeaseLost     = errors.New("ledger lease lost")
)

// Store is the full persistence boundary shared by all pipeline components.
type Store interface {
	OrganizationStore
	ProjectStore
	FileStore
	TableStore
	TaskStore
	LedgerStore
	ExportStore
}

// ProjectStore persists projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *models.Project) error

	// GetProject returns ErrProjectNotFound if the project does not exist.
	GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)

	ListProjects(ctx context.Context, orgID uuid.UUID) ([]*models.Project, error)

	// ArchiveProject soft-deletes the project and every task it owns.
	ArchiveProject(ctx context.Context, projectID uuid.UUID, at time.Time) error
}

// FileStore persists uploaded PDF metadata.
type FileStore interface {
	CreateFile(ctx context.Context, file *models.PdfFile) error
	GetFile(ctx context.Context, fileID uuid.UUID) (*models.PdfFile, error)
	UpdateFile(ctx context.Context, file *models.PdfFile) error
	ListFiles(ctx context.Context, projectID uuid.UUID) ([]*models.PdfFile, error)
}

// TableStore persists normalized tables. Tables are immutable.
type TableStore interface {
	CreateTable(ctx context.Context, table *models.ParsedTable) error
	GetTable(ctx context.Context, tableID uuid.UUID) (*models.ParsedTable, error)
	ListTables(ctx context.Context, fileID uuid.UUID) ([]*models.ParsedTable, error)
}

// TaskChange is everything persisted together with a task update, in one
// atomic unit.
type TaskChange struct {
	Transitions []*models.TransitionLog
	Draft       *models.AiDraft
	Edit        *models.HumanEdit
	QaCheck     *models.QaCheck
	Usage       *models.UsageDelta
}

// Empty reports whether the change writes nothing besides the task row.
func (c *TaskChange) Empty() bool {
	return c == nil || (len(c.Transitions) == 0 && c.Draft == nil && c.Edit == nil && c.QaCheck == nil && c.Usage == nil)
}

// CheckSequence verifies that transitions belong to taskID and continue the
// log directly after seq last.
func CheckSequence(last int64, taskID uuid.UUID, transitions []*models.TransitionLog) error {
	for _, tr := range transitions {
		if tr.TaskID != taskID {
			return fmt.Errorf("transition for task %s written to task %s", tr.TaskID, taskID)
		}
		if tr.Seq != last+1 {
			return fmt.Errorf("transition seq %d does not follow %d: %w", tr.Seq, last, ErrAlreadyExists)
		}
		last = tr.Seq
	}
	return nil
}

// UpdateFunc mutates the locked task in place. Returning a nil change skips
// the write entirely; returning an error aborts without writing.
type UpdateFunc func(task *models.Task) (*TaskChange, error)

// TaskFilter selects tasks for listing. Zero values match everything.
type TaskFilter struct {
	OrgID           uuid.UUID
	ProjectID       uuid.UUID
	FileID          uuid.UUID
	States          []models.TaskState
	RetryDueBefore  *time.Time // only draft_failed tasks whose NextRetryAt is at or before this
	ChangedBefore   *time.Time // only tasks whose StateChangedAt is before this
	IncludeArchived bool
	Limit           int
}

// TaskStore persists tasks with their audit trail.
type TaskStore interface {
	// CreateTask stores a new task together with its first transition rows.
	CreateTask(ctx context.Context, task *models.Task, transitions []*models.TransitionLog) error

	GetTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error)

	// UpdateTask runs fn while holding the exclusive per-task lock, then writes
	// the task row and the returned change atomically. Returns ErrLockTimeout
	// when the lock cannot be acquired in time.
	UpdateTask(ctx context.Context, taskID uuid.UUID, fn UpdateFunc) (*models.Task, error)

	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	// ListTransitions returns the log ordered by seq.
	ListTransitions(ctx context.Context, taskID uuid.UUID) ([]*models.TransitionLog, error)

	GetDraft(ctx context.Context, draftID uuid.UUID) (*models.AiDraft, error)
	ListDrafts(ctx context.Context, taskID uuid.UUID) ([]*models.AiDraft, error)
	GetEdit(ctx context.Context, editID uuid.UUID) (*models.HumanEdit, error)

	// ListQaChecks returns checks oldest first.
	ListQaChecks(ctx context.Context, taskID uuid.UUID) ([]*models.QaCheck, error)
}

// ClaimRequest asks for exclusive execution rights on a ledger key.
type ClaimRequest struct {
	Key         string
	TaskID      uuid.UUID
	Kind        string
	Owner       string
	Lease       time.Duration
	TTL         time.Duration // zero keeps the entry forever
	RetryFailed bool
	Now         time.Time
}

// ExpiresAt computes the entry expiry for the request.
func (r ClaimRequest) ExpiresAt() *time.Time {
	if r.TTL <= 0 {
		return nil
	}
	at := r.Now.Add(r.TTL)
	return &at
}

// LeaseExpiredMessage is recorded on entries whose owner never reported back.
const LeaseExpiredMessage = "lease expired before the operation reported a result"

// LedgerStore persists idempotency ledger entries.
type LedgerStore interface {
	// Claim inserts an in-flight entry owned by req.Owner, or returns the
	// existing entry with claimed=false. An in-flight entry whose lease has
	// passed is first converted to failed. A failed entry is re-claimed only
	// when req.RetryFailed is set. Entries past their TTL are replaced.
	Claim(ctx context.Context, req ClaimRequest) (entry *models.LedgerEntry, claimed bool, err error)

	// Complete records a success. Returns ErrLeaseLost if owner no longer holds the entry.
	Complete(ctx context.Context, key, owner string, result json.RawMessage) (*models.LedgerEntry, error)

	// Fail records a failure. Returns ErrLeaseLost if owner no longer holds the entry.
	Fail(ctx context.Context, key, owner string, kind apperr.Kind, message string) (*models.LedgerEntry, error)

	GetEntry(ctx context.Context, key string) (*models.LedgerEntry, error)

	// PurgeExpired deletes finished entries whose TTL has passed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ExportStore persists export logs.
type ExportStore interface {
	CreateExport(ctx context.Context, log *models.ExportLog) error
	GetExport(ctx context.Context, exportID uuid.UUID) (*models.ExportLog, error)
	UpdateExport(ctx context.Context, log *models.ExportLog) error
	ListExports(ctx context.Context, orgID, projectID uuid.UUID) ([]*models.ExportLog, error)
}
