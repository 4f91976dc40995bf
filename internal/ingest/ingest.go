// Package ingest takes uploaded PDFs through detection and normalization into
// tables and tasks.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/auth"
	"github.com/wolfeidau/tablepipe/internal/blob"
	"github.com/wolfeidau/tablepipe/internal/detector"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/normalize"
	"github.com/wolfeidau/tablepipe/internal/store"
	"github.com/wolfeidau/tablepipe/internal/taskflow"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CodeQuotaExceeded tags uploads that would take an organization past its
// storage quota.
const CodeQuotaExceeded = "QuotaExceeded"

// MaxNameLength bounds uploaded file names.
const MaxNameLength = 255

// Store is the persistence the ingestor writes.
type Store interface {
	store.OrganizationStore
	store.ProjectStore
	store.FileStore
	store.TableStore
	store.TaskStore
}

// ParseResult summarizes one parse run.
type ParseResult struct {
	File       *models.PdfFile
	Tables     []*models.ParsedTable
	Tasks      []*models.Task
	PageErrors []models.PageError
}

// Ingestor stores uploads and turns detections into tasks.
type Ingestor struct {
	store      Store
	blobs      blob.Store
	detector   detector.Detector
	normalizer *normalize.Normalizer
	machine    *taskflow.Machine
	now        func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// New creates an ingestor.
func New(s Store, blobs blob.Store, d detector.Detector, n *normalize.Normalizer, m *taskflow.Machine, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:      s,
		blobs:      blobs,
		detector:   d,
		normalizer: n,
		machine:    m,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Upload stores a PDF under the project and records it as uploaded.
func (i *Ingestor) Upload(ctx context.Context, actor models.Actor, projectID uuid.UUID, name string, data []byte) (*models.PdfFile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("file name is required")
	}
	if len(name) > MaxNameLength {
		return nil, apperr.Validation("file name exceeds %d characters", MaxNameLength)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return nil, apperr.Validation("file name must not contain path separators")
	}
	if len(data) == 0 {
		return nil, apperr.Validation("file is empty")
	}
	if err := detector.CheckPDF(data); err != nil {
		return nil, err
	}

	project, err := i.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOrg(ctx, actor, project.OrgID, "project", project.ProjectID); err != nil {
		return nil, err
	}
	if project.IsArchived() {
		return nil, apperr.InvalidTransition("project %s is archived", project.ProjectID)
	}
	if err := i.checkQuota(ctx, project.OrgID, int64(len(data))); err != nil {
		return nil, err
	}

	fileID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := i.now()
	file := &models.PdfFile{
		FileID:     fileID,
		ProjectID:  project.ProjectID,
		OrgID:      project.OrgID,
		Name:       name,
		StorageRef: blob.SourceKey(project.OrgID, project.ProjectID, fileID),
		SizeBytes:  int64(len(data)),
		Status:     models.FileStatusUploaded,
		UploadedBy: actor.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := i.blobs.Put(ctx, file.StorageRef, data, "application/pdf"); err != nil {
		return nil, fmt.Errorf("failed to store pdf: %w", err)
	}
	if err := i.store.CreateFile(ctx, file); err != nil {
		if derr := i.blobs.Delete(ctx, file.StorageRef); derr != nil {
			log.Warn().Err(derr).Str("key", file.StorageRef).Msg("Failed to remove orphaned upload")
		}
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	log.Info().
		Str("file_id", file.FileID.String()).
		Str("project_id", project.ProjectID.String()).
		Str("org_id", project.OrgID.String()).
		Int64("size_bytes", file.SizeBytes).
		Msg("File uploaded")

	return file, nil
}

func (i *Ingestor) checkQuota(ctx context.Context, orgID uuid.UUID, size int64) error {
	org, err := i.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	if org.StorageQuotaBytes <= 0 {
		return nil
	}

	projects, err := i.store.ListProjects(ctx, orgID)
	if err != nil {
		return err
	}
	used := size
	for _, p := range projects {
		files, err := i.store.ListFiles(ctx, p.ProjectID)
		if err != nil {
			return err
		}
		for _, f := range files {
			used += f.SizeBytes
		}
	}
	if used > org.StorageQuotaBytes {
		return apperr.Validation("storage quota of %d bytes exceeded", org.StorageQuotaBytes).WithCode(CodeQuotaExceeded)
	}
	return nil
}

// Parse runs detection over the file, persists every table that survives
// normalization and creates a task for each. A file whose every page with
// detections failed ends in parse_failed; otherwise it ends parsed with the
// per-page errors recorded.
func (i *Ingestor) Parse(ctx context.Context, actor models.Actor, fileID uuid.UUID, pages []int) (*ParseResult, error) {
	file, err := i.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOrg(ctx, actor, file.OrgID, "file", file.FileID); err != nil {
		return nil, err
	}
	if file.Status != models.FileStatusUploaded && file.Status != models.FileStatusParseFailed {
		return nil, apperr.InvalidTransition("file %s is %s, cannot parse", file.FileID, file.Status)
	}
	for _, p := range pages {
		if p < 1 {
			return nil, apperr.Validation("page numbers start at 1, got %d", p)
		}
	}

	file.Status = models.FileStatusParsing
	file.ParseError = ""
	file.PageErrors = nil
	if err := i.setFile(ctx, file); err != nil {
		return nil, err
	}

	result, err := i.parse(ctx, file, pages)
	if err != nil {
		file.Status = models.FileStatusParseFailed
		file.ParseError = err.Error()
		if uerr := i.setFile(ctx, file); uerr != nil {
			log.Error().Err(uerr).Str("file_id", file.FileID.String()).Msg("Failed to record parse failure")
		}
		i.record(ctx, file, err)
		return nil, err
	}

	i.record(ctx, file, nil)
	return result, nil
}

func (i *Ingestor) parse(ctx context.Context, file *models.PdfFile, pages []int) (*ParseResult, error) {
	pdf, err := i.blobs.Get(ctx, file.StorageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load pdf: %w", err)
	}

	detected, err := i.detector.Detect(ctx, pdf, pages)
	if err != nil {
		return nil, err
	}

	done, err := i.persisted(ctx, file)
	if err != nil {
		return nil, err
	}

	result := &ParseResult{File: file}
	pagesWithTables, failedPages := 0, 0

	for _, page := range detected.Pages {
		if len(page.Tables) == 0 {
			continue
		}
		pagesWithTables++

		bounds := normalize.PageBounds{Width: page.Width, Height: page.Height}
		pr := i.normalizer.NormalizePage(ctx, page.Number, page.Tables, bounds)
		if len(pr.Errors) > 0 {
			result.PageErrors = append(result.PageErrors, models.PageError{Page: page.Number, Errors: pr.ErrorMessages()})
		}
		if pr.Failed {
			failedPages++
			continue
		}

		for n, table := range pr.Tables {
			if prev, ok := done[detectionKey(table)]; ok {
				task, err := i.resume(ctx, prev)
				if err != nil {
					return nil, err
				}
				result.Tables = append(result.Tables, prev.table)
				result.Tasks = append(result.Tasks, task)
				continue
			}

			task, err := i.persist(ctx, file, table, page.Tables[pr.Sources[n]])
			if err != nil {
				return nil, err
			}
			result.Tables = append(result.Tables, table)
			result.Tasks = append(result.Tasks, task)
		}
	}

	file.PageCount = detected.PageCount
	file.PageErrors = result.PageErrors
	file.Status = models.FileStatusParsed
	if pagesWithTables > 0 && failedPages == pagesWithTables {
		file.Status = models.FileStatusParseFailed
		file.ParseError = fmt.Sprintf("all %d pages with detections failed normalization", failedPages)
	}
	if err := i.setFile(ctx, file); err != nil {
		return nil, err
	}

	log.Info().
		Str("file_id", file.FileID.String()).
		Str("status", string(file.Status)).
		Int("page_count", file.PageCount).
		Int("tables", len(result.Tables)).
		Int("page_errors", len(result.PageErrors)).
		Msg("File parsed")

	return result, nil
}

type persistedTable struct {
	table *models.ParsedTable
	task  *models.Task
}

// detectionKey identifies a detection across parse runs of the same file.
func detectionKey(table *models.ParsedTable) string {
	return fmt.Sprintf("%d/%s", table.Page, table.SourceRef)
}

// persisted returns the tables an earlier, interrupted run already stored
// for file, so a re-parse never creates a second table or task for them.
func (i *Ingestor) persisted(ctx context.Context, file *models.PdfFile) (map[string]*persistedTable, error) {
	tables, err := i.store.ListTables(ctx, file.FileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, nil
	}
	tasks, err := i.store.ListTasks(ctx, store.TaskFilter{FileID: file.FileID, IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	byTable := make(map[uuid.UUID]*models.Task, len(tasks))
	for _, task := range tasks {
		byTable[task.TableID] = task
	}

	done := make(map[string]*persistedTable, len(tables))
	for _, table := range tables {
		done[detectionKey(table)] = &persistedTable{table: table, task: byTable[table.TableID]}
	}
	return done, nil
}

// resume returns the task of an already stored table, creating it when the
// earlier run stopped between the table and its task.
func (i *Ingestor) resume(ctx context.Context, prev *persistedTable) (*models.Task, error) {
	log.Debug().
		Str("table_id", prev.table.TableID.String()).
		Str("source_ref", prev.table.SourceRef).
		Bool("has_task", prev.task != nil).
		Msg("Reusing table from earlier parse")
	if prev.task != nil {
		return prev.task, nil
	}
	return i.machine.CreateTask(ctx, prev.table, taskflow.CreateOptions{})
}

// persist stores the raw detection, the table and its task.
func (i *Ingestor) persist(ctx context.Context, file *models.PdfFile, table *models.ParsedTable, raw models.RawTableDetection) (*models.Task, error) {
	tableID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	table.TableID = tableID
	table.FileID = file.FileID
	table.ProjectID = file.ProjectID
	table.OrgID = file.OrgID
	table.RawRef = blob.RawTableKey(file.OrgID, file.ProjectID, file.FileID, tableID)
	table.CreatedAt = i.now()

	if err := i.blobs.Put(ctx, table.RawRef, raw.Payload, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to store raw detection: %w", err)
	}
	if err := i.store.CreateTable(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return i.machine.CreateTask(ctx, table, taskflow.CreateOptions{})
}

func (i *Ingestor) setFile(ctx context.Context, file *models.PdfFile) error {
	file.UpdatedAt = i.now()
	if err := i.store.UpdateFile(ctx, file); err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	return nil
}

func (i *Ingestor) record(ctx context.Context, file *models.PdfFile, err error) {
	telemetry.GetMetrics().FilesParsedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(file.Status))))
	if err != nil {
		log.Error().
			Err(err).
			Str("file_id", file.FileID.String()).
			Str("code", apperr.CodeOf(err)).
			Msg("Parse failed")
	}
}
