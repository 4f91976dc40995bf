package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BBox is [x0, y0, x1, y1] in PDF points.
type BBox [4]float64

// Width of the box.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height of the box.
func (b BBox) Height() float64 { return b[3] - b[1] }

// Cell is one normalized table cell.
type Cell struct {
	Row        int     `json:"row"`
	Col        int     `json:"col"`
	Text       string  `json:"text"`
	BBox       BBox    `json:"bbox"`
	RowSpan    int     `json:"rowspan"`
	ColSpan    int     `json:"colspan"`
	IsHeader   bool    `json:"is_header"`
	Confidence float64 `json:"confidence"`
}

// DetectorMeta describes how a table was detected.
type DetectorMeta struct {
	Detector         string  `json:"detector"`
	ExtractionFlavor string  `json:"extraction_flavor"`
	Confidence       float64 `json:"confidence"`
	OCRUsed          bool    `json:"ocr_used"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
}

// ParsedTable is one detected and normalized table. Immutable once stored;
// re-detection produces a new Version.
type ParsedTable struct {
	TableID   uuid.UUID    `json:"table_id"`
	FileID    uuid.UUID    `json:"file_id"`
	ProjectID uuid.UUID    `json:"project_id"`
	OrgID     uuid.UUID    `json:"org_id"`
	Page      int          `json:"page"`
	SourceRef string       `json:"source_ref"` // detector's own table id
	Version   int          `json:"version"`
	BBox      BBox         `json:"bbox"`
	NRows     int          `json:"n_rows"`
	NCols     int          `json:"n_cols"`
	Cells     []Cell       `json:"cells"`
	Meta      DetectorMeta `json:"meta"`
	RawRef    string       `json:"raw_ref,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// RawTableDetection is one table as emitted by a detector, before normalization.
type RawTableDetection struct {
	Page    int
	Payload json.RawMessage
}
