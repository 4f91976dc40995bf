package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization represents a tenant. Projects, files and tasks all carry the
// owning OrgID so isolation checks never need a join.
type Organization struct {
	OrgID             uuid.UUID // UUIDv7
	Name              string
	StorageQuotaBytes int64

	// Usage counters, only ever changed by atomic increment.
	UsageTokens     int64
	UsageCostMicros int64 // micro-dollars
	UsageDrafts     int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageDelta is a single increment applied to an organization's usage counters.
type UsageDelta struct {
	OrgID      uuid.UUID
	Tokens     int64
	CostMicros int64
	Drafts     int64
}

// Project belongs to exactly one organization and is never reassigned.
type Project struct {
	ProjectID   uuid.UUID
	OrgID       uuid.UUID
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ArchivedAt  *time.Time
}

// IsArchived reports whether the project has been soft-deleted.
func (p *Project) IsArchived() bool {
	return p.ArchivedAt != nil
}

// Actor identifies who is performing an operation and which tenant they act for.
type Actor struct {
	OrgID  uuid.UUID
	UserID string
}

// SystemActor is recorded on transitions driven by the pipeline itself.
func SystemActor(orgID uuid.UUID) Actor {
	return Actor{OrgID: orgID, UserID: ActorSystem}
}

const ActorSystem = "system"
