package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

// CreateOrganization creates a new organization in memory.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.organizations[org.OrgID]; exists {
		return store.ErrOrganizationAlreadyExists
	}

	// Clone to avoid external modifications
	clone := *org
	s.organizations[org.OrgID] = &clone

	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, exists := s.organizations[orgID]
	if !exists {
		return nil, store.ErrOrganizationNotFound
	}

	clone := *org
	return &clone, nil
}

// UpdateOrganization updates name and quota, leaving usage counters alone.
func (s *Store) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.organizations[org.OrgID]
	if !exists {
		return store.ErrOrganizationNotFound
	}

	existing.Name = org.Name
	existing.StorageQuotaBytes = org.StorageQuotaBytes
	existing.UpdatedAt = s.now()

	return nil
}

// AddUsage increments the usage counters under the store lock.
func (s *Store) AddUsage(ctx context.Context, delta models.UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addUsageLocked(delta)
}

func (s *Store) addUsageLocked(delta models.UsageDelta) error {
	org, exists := s.organizations[delta.OrgID]
	if !exists {
		return store.ErrOrganizationNotFound
	}
	org.UsageTokens += delta.Tokens
	org.UsageCostMicros += delta.CostMicros
	org.UsageDrafts += delta.Drafts
	org.UpdatedAt = s.now()
	return nil
}
