package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

const projectColumns = `project_id, org_id, name, description, created_by, created_at, updated_at, archived_at`

// CreateProject stores a new project.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `INSERT INTO projects (`+projectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		project.ProjectID,
		project.OrgID,
		project.Name,
		project.Description,
		project.CreatedBy,
		project.CreatedAt,
		project.UpdatedAt,
		project.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", mapPostgresError(err))
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	project, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id = $1`, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", mapPostgresError(err))
	}
	return project, nil
}

// ListProjects returns the organization's projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context, orgID uuid.UUID) ([]*models.Project, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", mapPostgresError(err))
	}
	return collect(rows, scanProject)
}

// ArchiveProject soft-deletes the project and its tasks in one transaction.
func (s *Store) ArchiveProject(ctx context.Context, projectID uuid.UUID, at time.Time) error {
	var archivedTasks int64
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `UPDATE projects SET archived_at = $2, updated_at = $2 WHERE project_id = $1`, projectID, at)
		if err != nil {
			return mapPostgresError(err)
		}
		if result.RowsAffected() == 0 {
			return store.ErrProjectNotFound
		}

		result, err = tx.Exec(ctx, `
			UPDATE tasks SET archived_at = $2, updated_at = $2
			WHERE project_id = $1 AND archived_at IS NULL
		`, projectID, at)
		if err != nil {
			return mapPostgresError(err)
		}
		archivedTasks = result.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive project: %w", err)
	}

	log.Info().
		Str("project_id", projectID.String()).
		Int64("tasks", archivedTasks).
		Msg("Archived project")

	return nil
}

func scanProject(row scanner) (*models.Project, error) {
	var p models.Project
	err := row.Scan(
		&p.ProjectID,
		&p.OrgID,
		&p.Name,
		&p.Description,
		&p.CreatedBy,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const fileColumns = `file_id, project_id, org_id, name, storage_ref, size_bytes, page_count,
	status, parse_error, page_errors, uploaded_by, created_at, updated_at`

// CreateFile stores new file metadata.
func (s *Store) CreateFile(ctx context.Context, file *models.PdfFile) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pageErrors, err := marshalPageErrors(file.PageErrors)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO pdf_files (`+fileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		file.FileID,
		file.ProjectID,
		file.OrgID,
		file.Name,
		file.StorageRef,
		file.SizeBytes,
		file.PageCount,
		file.Status,
		file.ParseError,
		pageErrors,
		file.UploadedBy,
		file.CreatedAt,
		file.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", mapPostgresError(err))
	}
	return nil
}

// GetFile retrieves file metadata by ID.
func (s *Store) GetFile(ctx context.Context, fileID uuid.UUID) (*models.PdfFile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	file, err := scanFile(s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM pdf_files WHERE file_id = $1`, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", mapPostgresError(err))
	}
	return file, nil
}

// UpdateFile replaces the mutable file fields.
func (s *Store) UpdateFile(ctx context.Context, file *models.PdfFile) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pageErrors, err := marshalPageErrors(file.PageErrors)
	if err != nil {
		return err
	}
	file.UpdatedAt = s.now()

	result, err := s.pool.Exec(ctx, `
		UPDATE pdf_files SET
			page_count = $2,
			status = $3,
			parse_error = $4,
			page_errors = $5,
			updated_at = $6
		WHERE file_id = $1
	`,
		file.FileID,
		file.PageCount,
		file.Status,
		file.ParseError,
		pageErrors,
		file.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", mapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrFileNotFound
	}
	return nil
}

// ListFiles returns a project's files ordered by creation time.
func (s *Store) ListFiles(ctx context.Context, projectID uuid.UUID) ([]*models.PdfFile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+fileColumns+` FROM pdf_files WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", mapPostgresError(err))
	}
	return collect(rows, scanFile)
}

func scanFile(row scanner) (*models.PdfFile, error) {
	var (
		f          models.PdfFile
		pageErrors []byte
	)
	err := row.Scan(
		&f.FileID,
		&f.ProjectID,
		&f.OrgID,
		&f.Name,
		&f.StorageRef,
		&f.SizeBytes,
		&f.PageCount,
		&f.Status,
		&f.ParseError,
		&pageErrors,
		&f.UploadedBy,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSON("page_errors", pageErrors, &f.PageErrors); err != nil {
		return nil, err
	}
	return &f, nil
}

func marshalPageErrors(pageErrors []models.PageError) (any, error) {
	if len(pageErrors) == 0 {
		return nil, nil
	}
	return toJSON("page_errors", pageErrors)
}

const tableColumns = `table_id, file_id, project_id, org_id, page, source_ref, version,
	bbox, n_rows, n_cols, cells, meta, raw_ref, created_at`

// CreateTable stores a normalized table.
func (s *Store) CreateTable(ctx context.Context, table *models.ParsedTable) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	bbox, err := toJSON("bbox", table.BBox)
	if err != nil {
		return err
	}
	cells, err := toJSON("cells", table.Cells)
	if err != nil {
		return err
	}
	meta, err := toJSON("meta", table.Meta)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO parsed_tables (`+tableColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		table.TableID,
		table.FileID,
		table.ProjectID,
		table.OrgID,
		table.Page,
		table.SourceRef,
		table.Version,
		bbox,
		table.NRows,
		table.NCols,
		cells,
		meta,
		table.RawRef,
		table.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", mapPostgresError(err))
	}
	return nil
}

// GetTable retrieves a table by ID.
func (s *Store) GetTable(ctx context.Context, tableID uuid.UUID) (*models.ParsedTable, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	table, err := scanTable(s.pool.QueryRow(ctx, `SELECT `+tableColumns+` FROM parsed_tables WHERE table_id = $1`, tableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTableNotFound
		}
		return nil, fmt.Errorf("failed to get table: %w", mapPostgresError(err))
	}
	return table, nil
}

// ListTables returns a file's tables ordered by page then creation time.
func (s *Store) ListTables(ctx context.Context, fileID uuid.UUID) ([]*models.ParsedTable, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+tableColumns+` FROM parsed_tables WHERE file_id = $1 ORDER BY page, created_at`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", mapPostgresError(err))
	}
	return collect(rows, scanTable)
}

func scanTable(row scanner) (*models.ParsedTable, error) {
	var (
		t                 models.ParsedTable
		bbox, cells, meta []byte
	)
	err := row.Scan(
		&t.TableID,
		&t.FileID,
		&t.ProjectID,
		&t.OrgID,
		&t.Page,
		&t.SourceRef,
		&t.Version,
		&bbox,
		&t.NRows,
		&t.NCols,
		&cells,
		&meta,
		&t.RawRef,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSON("bbox", bbox, &t.BBox); err != nil {
		return nil, err
	}
	if err := fromJSON("cells", cells, &t.Cells); err != nil {
		return nil, err
	}
	if err := fromJSON("meta", meta, &t.Meta); err != nil {
		return nil, err
	}
	return &t, nil
}
