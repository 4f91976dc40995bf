package memory

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

// Claim implements store.LedgerStore.
func (s *Store) Claim(ctx context.Context, req store.ClaimRequest) (*models.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	entry, exists := s.ledger[req.Key]
	if !exists || (entry.Done() && entry.Expired(now)) {
		attempts := 1
		if exists {
			attempts = entry.Attempts + 1
		}
		fresh := &models.LedgerEntry{
			Key:        req.Key,
			TaskID:     req.TaskID,
			Kind:       req.Kind,
			Status:     models.LedgerStatusInFlight,
			Owner:      req.Owner,
			LeaseUntil: now.Add(req.Lease),
			Attempts:   attempts,
			ExpiresAt:  req.ExpiresAt(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.ledger[req.Key] = fresh
		return cloneEntry(fresh), true, nil
	}

	if entry.Status == models.LedgerStatusInFlight && !now.Before(entry.LeaseUntil) {
		entry.Status = models.LedgerStatusFailed
		entry.ErrorKind = string(apperr.KindTransientProvider)
		entry.ErrorMessage = store.LeaseExpiredMessage
		entry.UpdatedAt = now
	}

	if entry.Status == models.LedgerStatusFailed && req.RetryFailed {
		entry.Status = models.LedgerStatusInFlight
		entry.Owner = req.Owner
		entry.LeaseUntil = now.Add(req.Lease)
		entry.Attempts++
		entry.Result = nil
		entry.ErrorKind = ""
		entry.ErrorMessage = ""
		entry.UpdatedAt = now
		return cloneEntry(entry), true, nil
	}

	return cloneEntry(entry), false, nil
}

// Complete implements store.LedgerStore.
func (s *Store) Complete(ctx context.Context, key, owner string, result json.RawMessage) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.ownedEntryLocked(key, owner)
	if err != nil {
		return nil, err
	}
	entry.Status = models.LedgerStatusSucceeded
	entry.Result = slices.Clone(result)
	entry.UpdatedAt = s.now()
	return cloneEntry(entry), nil
}

// Fail implements store.LedgerStore.
func (s *Store) Fail(ctx context.Context, key, owner string, kind apperr.Kind, message string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.ownedEntryLocked(key, owner)
	if err != nil {
		return nil, err
	}
	entry.Status = models.LedgerStatusFailed
	entry.ErrorKind = string(kind)
	entry.ErrorMessage = message
	entry.UpdatedAt = s.now()
	return cloneEntry(entry), nil
}

// GetEntry implements store.LedgerStore.
func (s *Store) GetEntry(ctx context.Context, key string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.ledger[key]
	if !exists {
		return nil, store.ErrLedgerEntryNotFound
	}
	return cloneEntry(entry), nil
}

// PurgeExpired implements store.LedgerStore.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, entry := range s.ledger {
		if entry.Done() && entry.Expired(now) {
			delete(s.ledger, key)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) ownedEntryLocked(key, owner string) (*models.LedgerEntry, error) {
	entry, exists := s.ledger[key]
	if !exists {
		return nil, store.ErrLedgerEntryNotFound
	}
	if entry.Status != models.LedgerStatusInFlight || entry.Owner != owner {
		return nil, store.ErrLeaseLost
	}
	return entry, nil
}

func cloneEntry(e *models.LedgerEntry) *models.LedgerEntry {
	clone := *e
	clone.Result = slices.Clone(e.Result)
	if e.ExpiresAt != nil {
		v := *e.ExpiresAt
		clone.ExpiresAt = &v
	}
	return &clone
}
