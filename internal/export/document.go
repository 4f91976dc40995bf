package export

import (
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/models"
)

// Document is the structured export of one file or a whole project.
type Document struct {
	ExportID    uuid.UUID    `json:"export_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	Project     ProjectInfo  `json:"project_info"`
	Files       []FileRecord `json:"files"`
}

// ProjectInfo describes the exported project.
type ProjectInfo struct {
	ProjectID   uuid.UUID `json:"project_id"`
	Name        string    `json:"project_name"`
	Description string    `json:"description,omitempty"`
	OrgID       uuid.UUID `json:"organization_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileRecord holds the completed tables of one PDF.
type FileRecord struct {
	FileID    uuid.UUID     `json:"file_id"`
	Name      string        `json:"file_name"`
	PageCount int           `json:"total_pages"`
	CreatedAt time.Time     `json:"created_at"`
	Tables    []TableRecord `json:"tables"`
}

// TableRecord is one completed task with the records selected by the
// export options.
type TableRecord struct {
	TableID     uuid.UUID        `json:"table_id"`
	Page        int              `json:"page_number"`
	Detector    string           `json:"detector"`
	Confidence  float64          `json:"confidence"`
	CreatedAt   time.Time        `json:"created_at"`
	RawParse    *RawParse        `json:"raw_parse,omitempty"`
	TaskID      uuid.UUID        `json:"task_id"`
	TaskState   models.TaskState `json:"task_status"`
	CompletedAt time.Time        `json:"completed_at"`
	AIDraft     *DraftRecord     `json:"ai_draft,omitempty"`
	HumanEdit   *EditRecord      `json:"human_edit,omitempty"`
	QAResult    *QARecord        `json:"qa_result,omitempty"`
}

// RawParse is the normalized grid.
type RawParse struct {
	NRows int           `json:"n_rows"`
	NCols int           `json:"n_cols"`
	BBox  models.BBox   `json:"bbox"`
	Cells []models.Cell `json:"cells"`
}

// DraftRecord is the draft the annotator started from.
type DraftRecord struct {
	DraftID       uuid.UUID `json:"draft_id"`
	Model         string    `json:"model_name"`
	PromptVersion string    `json:"prompt_version"`
	Text          string    `json:"draft_text"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	CreatedAt     time.Time `json:"created_at"`
}

// EditRecord is the accepted human edit.
type EditRecord struct {
	EditID    uuid.UUID `json:"edit_id"`
	Text      string    `json:"edited_text"`
	Editor    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// QARecord is the passing verdict.
type QARecord struct {
	CheckID   uuid.UUID      `json:"qa_id"`
	Verdict   models.Verdict `json:"result"`
	Comment   string         `json:"comments,omitempty"`
	Reviewer  string         `json:"reviewer_id"`
	CreatedAt time.Time      `json:"created_at"`
}

// Records counts exported tables.
func (d *Document) Records() int {
	n := 0
	for _, f := range d.Files {
		n += len(f.Tables)
	}
	return n
}

// Exportable reports whether a task may appear in an export: it must be
// completed and its latest verdict must be a pass.
func Exportable(t *models.Task, latest *models.QaCheck) bool {
	if t.State != models.TaskStateCompleted || t.ArchivedAt != nil {
		return false
	}
	if latest == nil || latest.Verdict != models.VerdictPass {
		return false
	}
	return t.ActiveEditID != nil && latest.EditID == *t.ActiveEditID
}
