package models

import (
	"time"

	"github.com/google/uuid"
)

// DraftStatus is the provider outcome recorded on an AiDraft.
type DraftStatus string

const (
	DraftStatusSucceeded DraftStatus = "succeeded"
	DraftStatusFailed    DraftStatus = "failed"
)

// AiDraft is one generation attempt for a task. Failed attempts are kept for audit.
type AiDraft struct {
	DraftID          uuid.UUID   `json:"draft_id"`
	TaskID           uuid.UUID   `json:"task_id"`
	OrgID            uuid.UUID   `json:"org_id"`
	Attempt          int         `json:"attempt"`
	LedgerKey        string      `json:"ledger_key"`
	PromptHash       string      `json:"prompt_hash"`
	PromptVersion    string      `json:"prompt_version"`
	Model            string      `json:"model"`
	Text             string      `json:"text,omitempty"`
	InputTokens      int64       `json:"input_tokens"`
	OutputTokens     int64       `json:"output_tokens"`
	CostMicros       int64       `json:"cost_micros"`
	Status           DraftStatus `json:"status"`
	Error            string      `json:"error,omitempty"`
	ValidationIssues []string    `json:"validation_issues,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// TotalTokens is input plus output tokens.
func (d *AiDraft) TotalTokens() int64 {
	return d.InputTokens + d.OutputTokens
}

// CostUSD converts the stored micro-dollar cost.
func (d *AiDraft) CostUSD() float64 {
	return float64(d.CostMicros) / 1e6
}
