package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

// CreateOrganization creates a new organization in the database.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO organizations (
			org_id, name, storage_quota_bytes,
			usage_tokens, usage_cost_micros, usage_drafts,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := s.pool.Exec(ctx, query,
		org.OrgID,
		org.Name,
		org.StorageQuotaBytes,
		org.UsageTokens,
		org.UsageCostMicros,
		org.UsageDrafts,
		org.CreatedAt,
		org.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrOrganizationAlreadyExists
		}
		return fmt.Errorf("failed to create organization: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Str("name", org.Name).
		Msg("Created organization")

	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT org_id, name, storage_quota_bytes,
			usage_tokens, usage_cost_micros, usage_drafts,
			created_at, updated_at
		FROM organizations
		WHERE org_id = $1
	`

	var org models.Organization
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&org.OrgID,
		&org.Name,
		&org.StorageQuotaBytes,
		&org.UsageTokens,
		&org.UsageCostMicros,
		&org.UsageDrafts,
		&org.CreatedAt,
		&org.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", mapPostgresError(err))
	}

	return &org, nil
}

// UpdateOrganization updates name and quota. Usage counters are left alone.
func (s *Store) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	org.UpdatedAt = s.now()

	query := `
		UPDATE organizations SET
			name = $2,
			storage_quota_bytes = $3,
			updated_at = $4
		WHERE org_id = $1
	`

	result, err := s.pool.Exec(ctx, query,
		org.OrgID,
		org.Name,
		org.StorageQuotaBytes,
		org.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update organization: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Msg("Updated organization")

	return nil
}

// AddUsage atomically increments the usage counters.
func (s *Store) AddUsage(ctx context.Context, delta models.UsageDelta) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.addUsage(ctx, s.pool, delta)
}

func (s *Store) addUsage(ctx context.Context, q querier, delta models.UsageDelta) error {
	query := `
		UPDATE organizations SET
			usage_tokens = usage_tokens + $2,
			usage_cost_micros = usage_cost_micros + $3,
			usage_drafts = usage_drafts + $4,
			updated_at = $5
		WHERE org_id = $1
	`

	result, err := q.Exec(ctx, query,
		delta.OrgID,
		delta.Tokens,
		delta.CostMicros,
		delta.Drafts,
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}
	return nil
}
