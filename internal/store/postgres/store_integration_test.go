//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*Store, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := NewPool(ctx, &PoolConfig{
		ConnString: fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
	})
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, pool))
	// a second run is a no-op
	require.NoError(t, RunMigrations(ctx, pool))

	s, err := NewStore(pool, StoreConfig{LockTimeout: 500 * time.Millisecond})
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
	return s, cleanup
}

type fixture struct {
	org     *models.Organization
	project *models.Project
	file    *models.PdfFile
	table   *models.ParsedTable
}

func seed(t *testing.T, ctx context.Context, s *Store) fixture {
	now := time.Now().UTC().Truncate(time.Microsecond)

	org := &models.Organization{OrgID: uuid.New(), Name: "acme", StorageQuotaBytes: 1 << 20, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateOrganization(ctx, org))

	project := &models.Project{ProjectID: uuid.New(), OrgID: org.OrgID, Name: "annual reports", CreatedBy: "alice", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateProject(ctx, project))

	file := &models.PdfFile{
		FileID:     uuid.New(),
		ProjectID:  project.ProjectID,
		OrgID:      org.OrgID,
		Name:       "report.pdf",
		StorageRef: "orgs/x/report.pdf",
		SizeBytes:  1024,
		Status:     models.FileStatusUploaded,
		UploadedBy: "alice",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateFile(ctx, file))

	table := &models.ParsedTable{
		TableID:   uuid.New(),
		FileID:    file.FileID,
		ProjectID: project.ProjectID,
		OrgID:     org.OrgID,
		Page:      1,
		SourceRef: "t0",
		Version:   1,
		BBox:      models.BBox{10, 10, 200, 100},
		NRows:     1,
		NCols:     2,
		Cells: []models.Cell{
			{Row: 0, Col: 0, Text: "Revenue", BBox: models.BBox{10, 10, 100, 50}, RowSpan: 1, ColSpan: 1, IsHeader: true, Confidence: 0.9},
			{Row: 0, Col: 1, Text: "42", BBox: models.BBox{100, 10, 200, 50}, RowSpan: 1, ColSpan: 1, Confidence: 0.8},
		},
		Meta:      models.DetectorMeta{Detector: "tabula", ExtractionFlavor: "lattice", Confidence: 0.85},
		CreatedAt: now,
	}
	require.NoError(t, s.CreateTable(ctx, table))

	return fixture{org: org, project: project, file: file, table: table}
}

func newTask(f fixture, now time.Time) (*models.Task, []*models.TransitionLog) {
	task := &models.Task{
		TaskID:         uuid.New(),
		TableID:        f.table.TableID,
		FileID:         f.file.FileID,
		ProjectID:      f.project.ProjectID,
		OrgID:          f.org.OrgID,
		State:          models.TaskStateAwaitingDraft,
		Seq:            2,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return task, []*models.TransitionLog{
		{TaskID: task.TaskID, Seq: 1, To: models.TaskStateCreated, Actor: models.ActorSystem, CreatedAt: now},
		{TaskID: task.TaskID, Seq: 2, From: models.TaskStateCreated, To: models.TaskStateAwaitingDraft, Actor: models.ActorSystem, CreatedAt: now},
	}
}

func TestIntegration_Entities(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	f := seed(t, ctx, s)

	t.Run("organization", func(t *testing.T) {
		require.ErrorIs(t, s.CreateOrganization(ctx, f.org), store.ErrOrganizationAlreadyExists)

		_, err := s.GetOrganization(ctx, uuid.New())
		require.ErrorIs(t, err, apperr.ErrNotFound)

		require.NoError(t, s.AddUsage(ctx, models.UsageDelta{OrgID: f.org.OrgID, Tokens: 10, CostMicros: 5, Drafts: 1}))
		org, err := s.GetOrganization(ctx, f.org.OrgID)
		require.NoError(t, err)
		require.Equal(t, int64(10), org.UsageTokens)
		require.Equal(t, int64(1), org.UsageDrafts)
	})

	t.Run("file round trip with page errors", func(t *testing.T) {
		f.file.Status = models.FileStatusParsed
		f.file.PageCount = 3
		f.file.PageErrors = []models.PageError{{Page: 2, Errors: []string{"cell overlap"}}}
		require.NoError(t, s.UpdateFile(ctx, f.file))

		got, err := s.GetFile(ctx, f.file.FileID)
		require.NoError(t, err)
		require.Equal(t, models.FileStatusParsed, got.Status)
		require.Equal(t, f.file.PageErrors, got.PageErrors)
	})

	t.Run("table round trip", func(t *testing.T) {
		got, err := s.GetTable(ctx, f.table.TableID)
		require.NoError(t, err)
		require.Equal(t, f.table.BBox, got.BBox)
		require.Equal(t, f.table.Cells, got.Cells)
		require.Equal(t, f.table.Meta, got.Meta)

		tables, err := s.ListTables(ctx, f.file.FileID)
		require.NoError(t, err)
		require.Len(t, tables, 1)
	})

	t.Run("missing parent", func(t *testing.T) {
		orphan := *f.file
		orphan.FileID = uuid.New()
		orphan.ProjectID = uuid.New()
		require.ErrorIs(t, s.CreateFile(ctx, &orphan), store.ErrProjectNotFound)
	})
}

func TestIntegration_UpdateTask(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	f := seed(t, ctx, s)
	now := time.Now().UTC().Truncate(time.Microsecond)
	task, transitions := newTask(f, now)
	require.NoError(t, s.CreateTask(ctx, task, transitions))

	t.Run("writes task and change atomically", func(t *testing.T) {
		draftID := uuid.New()
		updated, err := s.UpdateTask(ctx, task.TaskID, func(tk *models.Task) (*store.TaskChange, error) {
			tk.State = models.TaskStateDraftReady
			tk.Seq = 3
			tk.ActiveDraftID = &draftID
			return &store.TaskChange{
				Transitions: []*models.TransitionLog{{TaskID: tk.TaskID, Seq: 3, From: models.TaskStateAwaitingDraft, To: models.TaskStateDraftReady, Actor: models.ActorSystem, CreatedAt: now}},
				Draft: &models.AiDraft{
					DraftID: draftID, TaskID: tk.TaskID, OrgID: tk.OrgID, Attempt: 1, LedgerKey: "draft:k1",
					PromptHash: "h", PromptVersion: "v1", Model: "m", Text: "ok", Status: models.DraftStatusSucceeded,
					ValidationIssues: []string{"minor"}, CreatedAt: now,
				},
				Usage: &models.UsageDelta{OrgID: tk.OrgID, Tokens: 100, Drafts: 1},
			}, nil
		})
		require.NoError(t, err)
		require.Equal(t, models.TaskStateDraftReady, updated.State)

		logs, err := s.ListTransitions(ctx, task.TaskID)
		require.NoError(t, err)
		require.Len(t, logs, 3)

		drafts, err := s.ListDrafts(ctx, task.TaskID)
		require.NoError(t, err)
		require.Len(t, drafts, 1)
		require.Equal(t, []string{"minor"}, drafts[0].ValidationIssues)
	})

	t.Run("failure rolls back everything", func(t *testing.T) {
		_, err := s.UpdateTask(ctx, task.TaskID, func(tk *models.Task) (*store.TaskChange, error) {
			tk.State = models.TaskStateInProgress
			tk.Seq = 4
			return &store.TaskChange{
				Transitions: []*models.TransitionLog{{TaskID: tk.TaskID, Seq: 4, From: tk.State, To: models.TaskStateInProgress, Actor: "bob", CreatedAt: now}},
				Usage:       &models.UsageDelta{OrgID: uuid.New(), Tokens: 1},
			}, nil
		})
		require.ErrorIs(t, err, apperr.ErrNotFound)

		got, err := s.GetTask(ctx, task.TaskID)
		require.NoError(t, err)
		require.Equal(t, models.TaskStateDraftReady, got.State)

		logs, err := s.ListTransitions(ctx, task.TaskID)
		require.NoError(t, err)
		require.Len(t, logs, 3)
	})

	t.Run("second succeeded draft for a key is rejected", func(t *testing.T) {
		_, err := s.UpdateTask(ctx, task.TaskID, func(tk *models.Task) (*store.TaskChange, error) {
			return &store.TaskChange{Draft: &models.AiDraft{
				DraftID: uuid.New(), TaskID: tk.TaskID, OrgID: tk.OrgID, Attempt: 1, LedgerKey: "draft:k1",
				PromptHash: "h", PromptVersion: "v1", Model: "m", Status: models.DraftStatusSucceeded, CreatedAt: now,
			}}, nil
		})
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("lock timeout", func(t *testing.T) {
		held := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			_, err := s.UpdateTask(ctx, task.TaskID, func(tk *models.Task) (*store.TaskChange, error) {
				close(held)
				<-release
				return nil, nil
			})
			done <- err
		}()

		<-held
		_, err := s.UpdateTask(ctx, task.TaskID, func(tk *models.Task) (*store.TaskChange, error) {
			return nil, nil
		})
		require.ErrorIs(t, err, store.ErrLockTimeout)
		require.ErrorIs(t, err, apperr.ErrConcurrencyConflict)

		close(release)
		require.NoError(t, <-done)
	})

	t.Run("retry due filter and archive", func(t *testing.T) {
		due := now.Add(-time.Minute)
		_, err := s.UpdateTask(ctx, task.TaskID, func(tk *models.Task) (*store.TaskChange, error) {
			tk.State = models.TaskStateDraftFailed
			tk.NextRetryAt = &due
			return &store.TaskChange{}, nil
		})
		require.NoError(t, err)

		tasks, err := s.ListTasks(ctx, store.TaskFilter{OrgID: f.org.OrgID, RetryDueBefore: &now})
		require.NoError(t, err)
		require.Len(t, tasks, 1)

		stateAt := tasks[0].StateChangedAt
		tasks, err = s.ListTasks(ctx, store.TaskFilter{OrgID: f.org.OrgID, ChangedBefore: &stateAt})
		require.NoError(t, err)
		require.Empty(t, tasks)
		later := stateAt.Add(time.Second)
		tasks, err = s.ListTasks(ctx, store.TaskFilter{OrgID: f.org.OrgID, ChangedBefore: &later})
		require.NoError(t, err)
		require.Len(t, tasks, 1)

		require.NoError(t, s.ArchiveProject(ctx, f.project.ProjectID, now))
		tasks, err = s.ListTasks(ctx, store.TaskFilter{ProjectID: f.project.ProjectID})
		require.NoError(t, err)
		require.Empty(t, tasks)

		tasks, err = s.ListTasks(ctx, store.TaskFilter{ProjectID: f.project.ProjectID, IncludeArchived: true})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		require.NotNil(t, tasks[0].ArchivedAt)
	})
}

func TestIntegration_Ledger(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Microsecond)
	req := store.ClaimRequest{
		Key: "draft:abc", TaskID: uuid.New(), Kind: "draft", Owner: "worker-1",
		Lease: time.Minute, TTL: time.Hour, Now: now,
	}

	entry, claimed, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, 1, entry.Attempts)

	other := req
	other.Owner = "worker-2"
	entry, claimed, err = s.Claim(ctx, other)
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, "worker-1", entry.Owner)

	_, err = s.Complete(ctx, req.Key, "worker-2", json.RawMessage(`{}`))
	require.ErrorIs(t, err, store.ErrLeaseLost)

	entry, err = s.Complete(ctx, req.Key, "worker-1", json.RawMessage(`{"draft_id":"d1"}`))
	require.NoError(t, err)
	require.Equal(t, models.LedgerStatusSucceeded, entry.Status)
	require.JSONEq(t, `{"draft_id":"d1"}`, string(entry.Result))

	t.Run("expired lease becomes failed and can be retried", func(t *testing.T) {
		r := req
		r.Key = "draft:lease"
		_, claimed, err := s.Claim(ctx, r)
		require.NoError(t, err)
		require.True(t, claimed)

		later := r
		later.Owner = "worker-2"
		later.Now = now.Add(2 * time.Minute)
		entry, claimed, err := s.Claim(ctx, later)
		require.NoError(t, err)
		require.False(t, claimed)
		require.Equal(t, models.LedgerStatusFailed, entry.Status)
		require.Equal(t, store.LeaseExpiredMessage, entry.ErrorMessage)

		later.RetryFailed = true
		entry, claimed, err = s.Claim(ctx, later)
		require.NoError(t, err)
		require.True(t, claimed)
		require.Equal(t, 2, entry.Attempts)
		require.Equal(t, "worker-2", entry.Owner)
	})

	t.Run("purge removes finished expired entries", func(t *testing.T) {
		purged, err := s.PurgeExpired(ctx, now.Add(2*time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(1), purged)

		_, err = s.GetEntry(ctx, req.Key)
		require.ErrorIs(t, err, store.ErrLedgerEntryNotFound)
	})
}

func TestIntegration_Exports(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	f := seed(t, ctx, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	log := &models.ExportLog{
		ExportID:    uuid.New(),
		Scope:       models.ExportScope{OrgID: f.org.OrgID, ProjectID: f.project.ProjectID, FileID: &f.file.FileID},
		Format:      models.ExportFormatJSON,
		Options:     models.DefaultExportOptions(),
		RequestedBy: "alice",
		Status:      models.ExportStatusProcessing,
		CreatedAt:   now,
	}
	require.NoError(t, s.CreateExport(ctx, log))

	log.Status = models.ExportStatusCompleted
	log.RecordCount = 1
	log.Checksum = "abc"
	log.CompletedAt = &now
	require.NoError(t, s.UpdateExport(ctx, log))

	got, err := s.GetExport(ctx, log.ExportID)
	require.NoError(t, err)
	require.Equal(t, models.ExportStatusCompleted, got.Status)
	require.Equal(t, log.Options, got.Options)
	require.Equal(t, f.file.FileID, *got.Scope.FileID)

	list, err := s.ListExports(ctx, f.org.OrgID, f.project.ProjectID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = s.GetExport(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrExportNotFound)
}
