package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

// CreateExport stores a new export log.
func (s *Store) CreateExport(ctx context.Context, log *models.ExportLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.exports[log.ExportID]; exists {
		return store.ErrAlreadyExists
	}
	s.exports[log.ExportID] = cloneExport(log)
	return nil
}

// GetExport retrieves an export log by ID.
func (s *Store) GetExport(ctx context.Context, exportID uuid.UUID) (*models.ExportLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, exists := s.exports[exportID]
	if !exists {
		return nil, store.ErrExportNotFound
	}
	return cloneExport(log), nil
}

// UpdateExport replaces an export log.
func (s *Store) UpdateExport(ctx context.Context, log *models.ExportLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.exports[log.ExportID]; !exists {
		return store.ErrExportNotFound
	}
	s.exports[log.ExportID] = cloneExport(log)
	return nil
}

// ListExports returns a project's exports, newest first.
func (s *Store) ListExports(ctx context.Context, orgID, projectID uuid.UUID) ([]*models.ExportLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.ExportLog
	for _, l := range s.exports {
		if l.Scope.OrgID == orgID && l.Scope.ProjectID == projectID {
			result = append(result, cloneExport(l))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func cloneExport(l *models.ExportLog) *models.ExportLog {
	clone := *l
	if l.Scope.FileID != nil {
		v := *l.Scope.FileID
		clone.Scope.FileID = &v
	}
	if l.CompletedAt != nil {
		v := *l.CompletedAt
		clone.CompletedAt = &v
	}
	return &clone
}
