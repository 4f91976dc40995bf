// Package export assembles completed tasks into downloadable artifacts.
package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/crc64nvme"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/auth"
	"github.com/wolfeidau/tablepipe/internal/blob"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the persistence the assembler reads.
type Store interface {
	store.ProjectStore
	store.FileStore
	store.TableStore
	store.TaskStore
	store.ExportStore
}

// Request asks for an export of one file or a whole project.
type Request struct {
	Scope   models.ExportScope
	Format  models.ExportFormat
	Options models.ExportOptions
}

// Download is a completed export artifact.
type Download struct {
	Log         *models.ExportLog
	Name        string
	ContentType string
	Data        []byte
}

// Assembler runs exports in the background and stores the artifacts.
type Assembler struct {
	store Store
	blobs blob.Store
	now   func() time.Time
	wg    sync.WaitGroup
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an assembler writing artifacts to blobs.
func NewAssembler(s Store, blobs blob.Store, opts ...Option) *Assembler {
	a := &Assembler{store: s, blobs: blobs, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Export validates the request, records an ExportLog in processing and
// assembles the artifact in the background. Cross-tenant scopes are
// rejected before anything is read.
func (a *Assembler) Export(ctx context.Context, actor models.Actor, req Request) (*models.ExportLog, error) {
	if req.Scope.OrgID == uuid.Nil {
		req.Scope.OrgID = actor.OrgID
	}
	if err := auth.RequireOrg(ctx, actor, req.Scope.OrgID, "organization", req.Scope.OrgID); err != nil {
		return nil, err
	}
	if !req.Format.Valid() {
		return nil, apperr.Validation("unsupported export format %q", req.Format)
	}
	if req.Scope.ProjectID == uuid.Nil {
		return nil, apperr.Validation("project_id is required")
	}

	project, err := a.store.GetProject(ctx, req.Scope.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOrg(ctx, actor, project.OrgID, "project", project.ProjectID); err != nil {
		return nil, err
	}
	if req.Scope.FileID != nil {
		file, err := a.store.GetFile(ctx, *req.Scope.FileID)
		if err != nil {
			return nil, err
		}
		if err := auth.RequireOrg(ctx, actor, file.OrgID, "file", file.FileID); err != nil {
			return nil, err
		}
		if file.ProjectID != project.ProjectID {
			return nil, apperr.Validation("file %s does not belong to project %s", file.FileID, project.ProjectID)
		}
	}

	exportID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	entry := &models.ExportLog{
		ExportID:    exportID,
		Scope:       req.Scope,
		Format:      req.Format,
		Options:     req.Options,
		RequestedBy: actor.UserID,
		Status:      models.ExportStatusProcessing,
		CreatedAt:   a.now(),
	}
	if err := a.store.CreateExport(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create export log: %w", err)
	}

	log.Info().
		Str("export_id", exportID.String()).
		Str("org_id", req.Scope.OrgID.String()).
		Str("project_id", project.ProjectID.String()).
		Str("format", string(req.Format)).
		Msg("Export requested")

	started := *entry
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.assemble(context.WithoutCancel(ctx), &started, project)
	}()

	return entry, nil
}

// Wait blocks until every background export has finished.
func (a *Assembler) Wait() {
	a.wg.Wait()
}

func (a *Assembler) assemble(ctx context.Context, entry *models.ExportLog, project *models.Project) {
	start := a.now()
	m := telemetry.GetMetrics()
	formatAttr := metric.WithAttributes(attribute.String("format", string(entry.Format)))

	artifact, records, err := a.build(ctx, entry, project)
	if err == nil {
		key := blob.ExportKey(entry.Scope.OrgID, entry.Scope.ProjectID, entry.ExportID, artifact.Ext)
		if err = a.blobs.Put(ctx, key, artifact.Data, artifact.ContentType); err == nil {
			entry.ArtifactRef = key
			entry.RecordCount = records
			entry.SizeBytes = int64(len(artifact.Data))
			entry.Checksum = Checksum(artifact.Data)
		}
	}

	done := a.now()
	entry.CompletedAt = &done
	if err != nil {
		entry.Status = models.ExportStatusFailed
		entry.Error = err.Error()
		m.ExportFailuresTotal.Add(ctx, 1, formatAttr)
		log.Error().Err(err).Str("export_id", entry.ExportID.String()).Msg("Export failed")
	} else {
		entry.Status = models.ExportStatusCompleted
		m.ExportsTotal.Add(ctx, 1, formatAttr)
		m.ExportArtifactBytes.Record(ctx, entry.SizeBytes, formatAttr)
		log.Info().
			Str("export_id", entry.ExportID.String()).
			Str("artifact_ref", entry.ArtifactRef).
			Int("records", records).
			Int64("size_bytes", entry.SizeBytes).
			Msg("Export completed")
	}
	m.ExportDurationMS.Record(ctx, float64(done.Sub(start).Milliseconds()), formatAttr)

	if err := a.store.UpdateExport(ctx, entry); err != nil {
		log.Error().Err(err).Str("export_id", entry.ExportID.String()).Msg("Failed to update export log")
	}
}

func (a *Assembler) build(ctx context.Context, entry *models.ExportLog, project *models.Project) (*Artifact, int, error) {
	doc, err := a.collect(ctx, entry, project)
	if err != nil {
		return nil, 0, err
	}
	artifact, err := Encode(doc, entry.Format)
	if err != nil {
		return nil, 0, err
	}
	return artifact, doc.Records(), nil
}

// collect gathers completed tasks in file then page order.
func (a *Assembler) collect(ctx context.Context, entry *models.ExportLog, project *models.Project) (*Document, error) {
	doc := &Document{
		ExportID:    entry.ExportID,
		GeneratedAt: entry.CreatedAt,
		Project: ProjectInfo{
			ProjectID:   project.ProjectID,
			Name:        project.Name,
			Description: project.Description,
			OrgID:       project.OrgID,
			CreatedAt:   project.CreatedAt,
		},
	}

	var files []*models.PdfFile
	if entry.Scope.FileID != nil {
		file, err := a.store.GetFile(ctx, *entry.Scope.FileID)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	} else {
		var err error
		if files, err = a.store.ListFiles(ctx, project.ProjectID); err != nil {
			return nil, err
		}
	}

	for _, file := range files {
		record, err := a.collectFile(ctx, entry, file)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", file.FileID, err)
		}
		doc.Files = append(doc.Files, *record)
	}
	return doc, nil
}

func (a *Assembler) collectFile(ctx context.Context, entry *models.ExportLog, file *models.PdfFile) (*FileRecord, error) {
	record := &FileRecord{
		FileID:    file.FileID,
		Name:      file.Name,
		PageCount: file.PageCount,
		CreatedAt: file.CreatedAt,
		Tables:    []TableRecord{},
	}

	tasks, err := a.store.ListTasks(ctx, store.TaskFilter{
		OrgID:  entry.Scope.OrgID,
		FileID: file.FileID,
		States: []models.TaskState{models.TaskStateCompleted},
	})
	if err != nil {
		return nil, err
	}
	byTable := make(map[uuid.UUID]*models.Task, len(tasks))
	for _, t := range tasks {
		byTable[t.TableID] = t
	}

	tables, err := a.store.ListTables(ctx, file.FileID)
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		task, ok := byTable[table.TableID]
		if !ok {
			continue
		}
		checks, err := a.store.ListQaChecks(ctx, task.TaskID)
		if err != nil {
			return nil, err
		}
		var latest *models.QaCheck
		if len(checks) > 0 {
			latest = checks[len(checks)-1]
		}
		if !Exportable(task, latest) {
			continue
		}

		tr, err := a.tableRecord(ctx, entry.Options, table, task, latest)
		if err != nil {
			return nil, err
		}
		record.Tables = append(record.Tables, *tr)
	}
	return record, nil
}

func (a *Assembler) tableRecord(ctx context.Context, opts models.ExportOptions, table *models.ParsedTable, task *models.Task, check *models.QaCheck) (*TableRecord, error) {
	tr := &TableRecord{
		TableID:     table.TableID,
		Page:        table.Page,
		Detector:    table.Meta.Detector,
		Confidence:  table.Meta.Confidence,
		CreatedAt:   table.CreatedAt,
		TaskID:      task.TaskID,
		TaskState:   task.State,
		CompletedAt: task.StateChangedAt,
	}

	if opts.IncludeRawParse {
		tr.RawParse = &RawParse{NRows: table.NRows, NCols: table.NCols, BBox: table.BBox, Cells: table.Cells}
	}
	if opts.IncludeAIDraft && task.ActiveDraftID != nil {
		d, err := a.store.GetDraft(ctx, *task.ActiveDraftID)
		if err != nil {
			return nil, err
		}
		tr.AIDraft = &DraftRecord{
			DraftID:       d.DraftID,
			Model:         d.Model,
			PromptVersion: d.PromptVersion,
			Text:          d.Text,
			InputTokens:   d.InputTokens,
			OutputTokens:  d.OutputTokens,
			CostUSD:       d.CostUSD(),
			CreatedAt:     d.CreatedAt,
		}
	}
	if opts.IncludeHumanEdit {
		e, err := a.store.GetEdit(ctx, *task.ActiveEditID)
		if err != nil {
			return nil, err
		}
		tr.HumanEdit = &EditRecord{EditID: e.EditID, Text: e.Text, Editor: e.Editor, CreatedAt: e.CreatedAt}
	}
	if opts.IncludeQAResults {
		tr.QAResult = &QARecord{
			CheckID:   check.CheckID,
			Verdict:   check.Verdict,
			Comment:   check.Comment,
			Reviewer:  check.Reviewer,
			CreatedAt: check.CreatedAt,
		}
	}
	return tr, nil
}

// Get returns an export log the actor may see.
func (a *Assembler) Get(ctx context.Context, actor models.Actor, exportID uuid.UUID) (*models.ExportLog, error) {
	entry, err := a.store.GetExport(ctx, exportID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOrg(ctx, actor, entry.Scope.OrgID, "export", entry.ExportID); err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns a project's exports, newest first.
func (a *Assembler) List(ctx context.Context, actor models.Actor, projectID uuid.UUID) ([]*models.ExportLog, error) {
	project, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireOrg(ctx, actor, project.OrgID, "project", project.ProjectID); err != nil {
		return nil, err
	}
	return a.store.ListExports(ctx, project.OrgID, projectID)
}

// Download returns the artifact of a completed export after verifying its
// checksum.
func (a *Assembler) Download(ctx context.Context, actor models.Actor, exportID uuid.UUID) (*Download, error) {
	entry, err := a.Get(ctx, actor, exportID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.ExportStatusCompleted {
		return nil, apperr.InvalidTransition("export %s is %s", entry.ExportID, entry.Status)
	}

	data, err := a.blobs.Get(ctx, entry.ArtifactRef)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if sum := Checksum(data); sum != entry.Checksum {
		return nil, fmt.Errorf("artifact %s checksum %s does not match %s", entry.ArtifactRef, sum, entry.Checksum)
	}

	project, err := a.store.GetProject(ctx, entry.Scope.ProjectID)
	if err != nil {
		return nil, err
	}
	f := formats[entry.Format]
	return &Download{
		Log:         entry,
		Name:        FileName(project.Name, f.ext),
		ContentType: f.contentType,
		Data:        data,
	}, nil
}

// Checksum is the base58 encoded CRC-64/NVME of data.
func Checksum(data []byte) string {
	h := crc64nvme.New()
	_, _ = h.Write(data)
	return base58.Encode(h.Sum(nil))
}
