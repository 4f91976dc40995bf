package models

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is a QA reviewer decision.
type Verdict string

const (
	VerdictNone Verdict = ""
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Valid reports whether v is pass or fail.
func (v Verdict) Valid() bool {
	return v == VerdictPass || v == VerdictFail
}

// HumanEdit is the annotator's text. A resubmission supersedes the active edit.
type HumanEdit struct {
	EditID    uuid.UUID  `json:"edit_id"`
	TaskID    uuid.UUID  `json:"task_id"`
	DraftID   *uuid.UUID `json:"draft_id,omitempty"`
	Text      string     `json:"text"`
	Editor    string     `json:"editor"`
	CreatedAt time.Time  `json:"created_at"`
}

// QaCheck is one append-only review verdict.
type QaCheck struct {
	CheckID   uuid.UUID `json:"check_id"`
	TaskID    uuid.UUID `json:"task_id"`
	EditID    uuid.UUID `json:"edit_id"`
	Verdict   Verdict   `json:"verdict"`
	Comment   string    `json:"comment,omitempty"`
	Reviewer  string    `json:"reviewer"`
	CreatedAt time.Time `json:"created_at"`
}
