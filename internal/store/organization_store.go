package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
)

// Sentinel errors for organization store operations
var (
	ErrOrganizationNotFound      = fmt.Errorf("organization not found: %w", apperr.ErrNotFound)
	ErrOrganizationAlreadyExists = errors.New("organization already exists")
)

// OrganizationStore defines the interface for organization storage operations.
// Organizations are tenants; every other entity carries an OrgID.
type OrganizationStore interface {
	// CreateOrganization returns ErrOrganizationAlreadyExists on a duplicate ID.
	CreateOrganization(ctx context.Context, org *models.Organization) error

	// GetOrganization returns ErrOrganizationNotFound if the organization doesn't exist.
	GetOrganization(ctx context.Context, orgID uuid.UUID) (*models.Organization, error)

	// UpdateOrganization changes name and quota. Usage counters are ignored;
	// they only move through AddUsage or a TaskChange.
	UpdateOrganization(ctx context.Context, org *models.Organization) error

	// AddUsage atomically increments the usage counters.
	AddUsage(ctx context.Context, delta models.UsageDelta) error
}
