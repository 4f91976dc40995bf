package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store in memory. Data is lost on restart; it backs
// unit tests and the single process dev server.
type Store struct {
	mu sync.RWMutex

	organizations map[uuid.UUID]*models.Organization
	projects      map[uuid.UUID]*models.Project
	files         map[uuid.UUID]*models.PdfFile
	tables        map[uuid.UUID]*models.ParsedTable
	tasks         map[uuid.UUID]*models.Task
	transitions   map[uuid.UUID][]*models.TransitionLog
	drafts        map[uuid.UUID]*models.AiDraft
	edits         map[uuid.UUID]*models.HumanEdit
	qaChecks      map[uuid.UUID][]*models.QaCheck
	ledger        map[string]*models.LedgerEntry
	exports       map[uuid.UUID]*models.ExportLog

	locksMu     sync.Mutex
	taskLocks   map[uuid.UUID]chan struct{}
	lockTimeout time.Duration

	now func() time.Time
}

// Option configures the memory store.
type Option func(*Store)

// WithLockTimeout bounds how long UpdateTask waits for the per-task lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		organizations: make(map[uuid.UUID]*models.Organization),
		projects:      make(map[uuid.UUID]*models.Project),
		files:         make(map[uuid.UUID]*models.PdfFile),
		tables:        make(map[uuid.UUID]*models.ParsedTable),
		tasks:         make(map[uuid.UUID]*models.Task),
		transitions:   make(map[uuid.UUID][]*models.TransitionLog),
		drafts:        make(map[uuid.UUID]*models.AiDraft),
		edits:         make(map[uuid.UUID]*models.HumanEdit),
		qaChecks:      make(map[uuid.UUID][]*models.QaCheck),
		ledger:        make(map[string]*models.LedgerEntry),
		exports:       make(map[uuid.UUID]*models.ExportLog),
		taskLocks:     make(map[uuid.UUID]chan struct{}),
		lockTimeout:   5 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProject stores a new project.
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[project.ProjectID]; exists {
		return store.ErrAlreadyExists
	}
	if _, exists := s.organizations[project.OrgID]; !exists {
		return store.ErrOrganizationNotFound
	}

	clone := *project
	s.projects[project.ProjectID] = &clone
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project, exists := s.projects[projectID]
	if !exists {
		return nil, store.ErrProjectNotFound
	}
	clone := *project
	return &clone, nil
}

// ListProjects returns the organization's projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context, orgID uuid.UUID) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Project
	for _, p := range s.projects {
		if p.OrgID == orgID {
			clone := *p
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ArchiveProject soft-deletes the project and its tasks.
func (s *Store) ArchiveProject(ctx context.Context, projectID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, exists := s.projects[projectID]
	if !exists {
		return store.ErrProjectNotFound
	}
	archivedAt := at
	project.ArchivedAt = &archivedAt
	project.UpdatedAt = at

	for _, task := range s.tasks {
		if task.ProjectID == projectID && task.ArchivedAt == nil {
			taskArchivedAt := at
			task.ArchivedAt = &taskArchivedAt
			task.UpdatedAt = at
		}
	}
	return nil
}

// CreateFile stores new file metadata.
func (s *Store) CreateFile(ctx context.Context, file *models.PdfFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[file.FileID]; exists {
		return store.ErrAlreadyExists
	}
	if _, exists := s.projects[file.ProjectID]; !exists {
		return store.ErrProjectNotFound
	}
	s.files[file.FileID] = cloneFile(file)
	return nil
}

// GetFile retrieves file metadata by ID.
func (s *Store) GetFile(ctx context.Context, fileID uuid.UUID) (*models.PdfFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, exists := s.files[fileID]
	if !exists {
		return nil, store.ErrFileNotFound
	}
	return cloneFile(file), nil
}

// UpdateFile replaces file metadata.
func (s *Store) UpdateFile(ctx context.Context, file *models.PdfFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[file.FileID]; !exists {
		return store.ErrFileNotFound
	}
	file.UpdatedAt = s.now()
	s.files[file.FileID] = cloneFile(file)
	return nil
}

// ListFiles returns a project's files ordered by creation time.
func (s *Store) ListFiles(ctx context.Context, projectID uuid.UUID) ([]*models.PdfFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.PdfFile
	for _, f := range s.files {
		if f.ProjectID == projectID {
			result = append(result, cloneFile(f))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// CreateTable stores a normalized table.
func (s *Store) CreateTable(ctx context.Context, table *models.ParsedTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tables[table.TableID]; exists {
		return store.ErrAlreadyExists
	}
	if _, exists := s.files[table.FileID]; !exists {
		return store.ErrFileNotFound
	}
	s.tables[table.TableID] = cloneTable(table)
	return nil
}

// GetTable retrieves a table by ID.
func (s *Store) GetTable(ctx context.Context, tableID uuid.UUID) (*models.ParsedTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, exists := s.tables[tableID]
	if !exists {
		return nil, store.ErrTableNotFound
	}
	return cloneTable(table), nil
}

// ListTables returns a file's tables ordered by page then creation time.
func (s *Store) ListTables(ctx context.Context, fileID uuid.UUID) ([]*models.ParsedTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.ParsedTable
	for _, t := range s.tables {
		if t.FileID == fileID {
			result = append(result, cloneTable(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Page != result[j].Page {
			return result[i].Page < result[j].Page
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func cloneFile(f *models.PdfFile) *models.PdfFile {
	clone := *f
	clone.PageErrors = append([]models.PageError(nil), f.PageErrors...)
	return &clone
}

func cloneTable(t *models.ParsedTable) *models.ParsedTable {
	clone := *t
	clone.Cells = append([]models.Cell(nil), t.Cells...)
	return &clone
}
