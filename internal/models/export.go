package models

import (
	"time"

	"github.com/google/uuid"
)

// ExportFormat is the artifact encoding.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatTXT  ExportFormat = "txt"
	ExportFormatZIP  ExportFormat = "zip"
	ExportFormatXLSX ExportFormat = "xlsx"
)

// Valid reports whether the format is supported.
func (f ExportFormat) Valid() bool {
	switch f {
	case ExportFormatJSON, ExportFormatTXT, ExportFormatZIP, ExportFormatXLSX:
		return true
	}
	return false
}

// ExportStatus tracks an export from request to artifact.
type ExportStatus string

const (
	ExportStatusProcessing ExportStatus = "processing"
	ExportStatusCompleted  ExportStatus = "completed"
	ExportStatusFailed     ExportStatus = "failed"
)

// ExportScope is one file or a whole project, always inside one organization.
type ExportScope struct {
	OrgID     uuid.UUID  `json:"org_id"`
	ProjectID uuid.UUID  `json:"project_id"`
	FileID    *uuid.UUID `json:"file_id,omitempty"`
}

// ExportOptions selects which records appear in a structured export.
type ExportOptions struct {
	IncludeRawParse  bool `json:"include_raw_parse"`
	IncludeAIDraft   bool `json:"include_ai_draft"`
	IncludeHumanEdit bool `json:"include_human_edit"`
	IncludeQAResults bool `json:"include_qa_results"`
}

// DefaultExportOptions includes everything.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		IncludeRawParse:  true,
		IncludeAIDraft:   true,
		IncludeHumanEdit: true,
		IncludeQAResults: true,
	}
}

// ExportLog records one export operation.
type ExportLog struct {
	ExportID    uuid.UUID     `json:"export_id"`
	Scope       ExportScope   `json:"scope"`
	Format      ExportFormat  `json:"format"`
	Options     ExportOptions `json:"options"`
	RequestedBy string        `json:"requested_by"`
	Status      ExportStatus  `json:"status"`
	ArtifactRef string        `json:"artifact_ref,omitempty"`
	RecordCount int           `json:"record_count"`
	SizeBytes   int64         `json:"size_bytes"`
	Checksum    string        `json:"checksum,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
