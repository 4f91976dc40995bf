package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LedgerStatus is the state of an idempotency ledger entry.
type LedgerStatus string

const (
	LedgerStatusInFlight  LedgerStatus = "in_flight"
	LedgerStatusSucceeded LedgerStatus = "succeeded"
	LedgerStatusFailed    LedgerStatus = "failed"
)

// LedgerEntry is the persisted outcome of one keyed operation.
type LedgerEntry struct {
	Key          string
	TaskID       uuid.UUID
	Kind         string
	Status       LedgerStatus
	Owner        string
	LeaseUntil   time.Time
	Attempts     int
	Result       json.RawMessage
	ErrorKind    string
	ErrorMessage string
	ExpiresAt    *time.Time // nil means audit-critical, never purged
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Done reports whether the entry holds a final result.
func (e *LedgerEntry) Done() bool {
	return e.Status == LedgerStatusSucceeded || e.Status == LedgerStatusFailed
}

// Expired reports whether the TTL has elapsed at now.
func (e *LedgerEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}
