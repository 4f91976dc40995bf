package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

const exportColumns = `export_id, org_id, project_id, file_id, format, options, requested_by, status,
	artifact_ref, record_count, size_bytes, checksum, error, created_at, completed_at`

// CreateExport stores a new export log.
func (s *Store) CreateExport(ctx context.Context, log *models.ExportLog) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	options, err := toJSON("options", log.Options)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO export_logs (`+exportColumns+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
	)`,
		log.ExportID,
		log.Scope.OrgID,
		log.Scope.ProjectID,
		log.Scope.FileID,
		log.Format,
		options,
		log.RequestedBy,
		log.Status,
		log.ArtifactRef,
		log.RecordCount,
		log.SizeBytes,
		log.Checksum,
		log.Error,
		log.CreatedAt,
		log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create export: %w", mapPostgresError(err))
	}
	return nil
}

// GetExport retrieves an export log by ID.
func (s *Store) GetExport(ctx context.Context, exportID uuid.UUID) (*models.ExportLog, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	log, err := scanExport(s.pool.QueryRow(ctx, `SELECT `+exportColumns+` FROM export_logs WHERE export_id = $1`, exportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrExportNotFound
		}
		return nil, fmt.Errorf("failed to get export: %w", mapPostgresError(err))
	}
	return log, nil
}

// UpdateExport records the outcome of an export. Scope, format and options
// are fixed at creation.
func (s *Store) UpdateExport(ctx context.Context, log *models.ExportLog) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.pool.Exec(ctx, `
		UPDATE export_logs SET
			status = $2,
			artifact_ref = $3,
			record_count = $4,
			size_bytes = $5,
			checksum = $6,
			error = $7,
			completed_at = $8
		WHERE export_id = $1
	`,
		log.ExportID,
		log.Status,
		log.ArtifactRef,
		log.RecordCount,
		log.SizeBytes,
		log.Checksum,
		log.Error,
		log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update export: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrExportNotFound
	}
	return nil
}

// ListExports returns a project's exports, newest first.
func (s *Store) ListExports(ctx context.Context, orgID, projectID uuid.UUID) ([]*models.ExportLog, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+exportColumns+` FROM export_logs
		WHERE org_id = $1 AND project_id = $2
		ORDER BY created_at DESC
	`, orgID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", mapPostgresError(err))
	}
	return collect(rows, scanExport)
}

func scanExport(row scanner) (*models.ExportLog, error) {
	var (
		l       models.ExportLog
		options []byte
	)
	err := row.Scan(
		&l.ExportID,
		&l.Scope.OrgID,
		&l.Scope.ProjectID,
		&l.Scope.FileID,
		&l.Format,
		&options,
		&l.RequestedBy,
		&l.Status,
		&l.ArtifactRef,
		&l.RecordCount,
		&l.SizeBytes,
		&l.Checksum,
		&l.Error,
		&l.CreatedAt,
		&l.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSON("options", options, &l.Options); err != nil {
		return nil, err
	}
	return &l, nil
}
