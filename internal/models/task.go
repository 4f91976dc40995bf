package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateCreated              TaskState = "created"
	TaskStateAwaitingDraft        TaskState = "awaiting_draft"
	TaskStateDraftGenerating      TaskState = "draft_generating"
	TaskStateDraftReady           TaskState = "draft_ready"
	TaskStateDraftFailed          TaskState = "draft_failed"
	TaskStateDraftFailedPermanent TaskState = "draft_failed_permanent"
	TaskStateInProgress           TaskState = "in_progress"
	TaskStateQAPending            TaskState = "qa_pending"
	TaskStateCompleted            TaskState = "completed"
	TaskStateRejected             TaskState = "rejected"
)

// IsTerminal reports whether no automatic transition leaves the state.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateDraftFailedPermanent
}

// Task tracks one ParsedTable through the pipeline.
type Task struct {
	TaskID     uuid.UUID
	TableID    uuid.UUID
	FileID     uuid.UUID
	ProjectID  uuid.UUID
	OrgID      uuid.UUID
	State      TaskState
	Seq        int64 // sequence of the last transition log entry
	Assignee   string
	Priority   int
	Complexity string
	DueAt      *time.Time

	DraftAttempt  int // monotonic attempt number, part of the ledger key
	DraftFailures int // failures since creation or the last manual override
	NextRetryAt   *time.Time
	Rejections    int

	ActiveDraftID  *uuid.UUID
	ActiveDraftKey string
	ActiveEditID   *uuid.UUID
	LatestVerdict  Verdict

	StateChangedAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ArchivedAt     *time.Time
}

// TransitionLog is one immutable audit row.
type TransitionLog struct {
	TaskID    uuid.UUID `json:"task_id"`
	Seq       int64     `json:"seq"`
	From      TaskState `json:"from"`
	To        TaskState `json:"to"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
