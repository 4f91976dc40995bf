// Package normalize validates raw detector output and turns it into
// ParsedTables with a consistent cell grid.
package normalize

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
)

// Error codes attached to validation errors.
const (
	CodeSchemaInvalid   = "SchemaInvalid"
	CodeGridMismatch    = "GridMismatch"
	CodeBBoxOutOfBounds = "BBoxOutOfBounds"
)

// Defaults applied to optional detector fields.
const (
	DefaultDetector         = "unknown"
	DefaultExtractionFlavor = "default"
	DefaultConfidence       = 0.5
)

// bboxTolerance absorbs rounding in detector coordinates, in points.
const bboxTolerance = 1.0

//go:embed table_schema.json
var tableSchema []byte

// PageBounds is the page size in points. A zero value skips the bounds check.
type PageBounds struct {
	Width  float64
	Height float64
}

// Normalizer validates raw detections against the table schema.
type Normalizer struct {
	schema *jsonschema.Schema
}

// New compiles the embedded table schema.
func New() (*Normalizer, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("table_schema.json", bytes.NewReader(tableSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("table_schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Normalizer{schema: schema}, nil
}

type rawCell struct {
	Row        int          `json:"row"`
	Col        int          `json:"col"`
	Text       string       `json:"text"`
	BBox       *models.BBox `json:"bbox"`
	RowSpan    *int         `json:"rowspan"`
	ColSpan    *int         `json:"colspan"`
	IsHeader   bool         `json:"is_header"`
	Confidence *float64     `json:"confidence"`
}

type rawMeta struct {
	Detector         string   `json:"detector"`
	ExtractionFlavor string   `json:"extraction_flavor"`
	Confidence       *float64 `json:"confidence"`
	OCRUsed          bool     `json:"ocr_used"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

type rawTable struct {
	DocID   string      `json:"doc_id"`
	Page    int         `json:"page"`
	TableID string      `json:"table_id"`
	BBox    models.BBox `json:"bbox"`
	NRows   int         `json:"n_rows"`
	NCols   int         `json:"n_cols"`
	Cells   []rawCell   `json:"cells"`
	Meta    rawMeta     `json:"meta"`
}

// Normalize validates one detection and returns the normalized table. The
// table carries no IDs; the caller assigns them when persisting.
func (n *Normalizer) Normalize(raw models.RawTableDetection, bounds PageBounds) (*models.ParsedTable, error) {
	var doc any
	if err := json.Unmarshal(raw.Payload, &doc); err != nil {
		return nil, schemaInvalid("payload is not valid JSON: %v", err)
	}
	if err := n.schema.Validate(doc); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "table does not match schema").WithCode(CodeSchemaInvalid)
	}

	var rt rawTable
	if err := json.Unmarshal(raw.Payload, &rt); err != nil {
		return nil, schemaInvalid("decode table: %v", err)
	}
	if raw.Page > 0 && rt.Page != raw.Page {
		return nil, schemaInvalid("table %s reports page %d but was detected on page %d", rt.TableID, rt.Page, raw.Page)
	}

	if err := checkBBox(rt.BBox, bounds); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "table %s", rt.TableID).WithCode(CodeBBoxOutOfBounds)
	}

	meta := models.DetectorMeta{
		Detector:         rt.Meta.Detector,
		ExtractionFlavor: rt.Meta.ExtractionFlavor,
		Confidence:       DefaultConfidence,
		OCRUsed:          rt.Meta.OCRUsed,
		ProcessingTimeMS: rt.Meta.ProcessingTimeMS,
	}
	if meta.Detector == "" {
		meta.Detector = DefaultDetector
	}
	if meta.ExtractionFlavor == "" {
		meta.ExtractionFlavor = DefaultExtractionFlavor
	}
	if rt.Meta.Confidence != nil {
		meta.Confidence = *rt.Meta.Confidence
	}

	cells := make([]models.Cell, 0, len(rt.Cells))
	for i, rc := range rt.Cells {
		cell := models.Cell{
			Row:        rc.Row,
			Col:        rc.Col,
			Text:       rc.Text,
			RowSpan:    1,
			ColSpan:    1,
			IsHeader:   rc.IsHeader,
			Confidence: meta.Confidence,
		}
		if rc.RowSpan != nil {
			cell.RowSpan = *rc.RowSpan
		}
		if rc.ColSpan != nil {
			cell.ColSpan = *rc.ColSpan
		}
		if rc.Confidence != nil {
			cell.Confidence = *rc.Confidence
		}
		if rc.BBox != nil {
			cell.BBox = *rc.BBox
			if err := checkBBox(cell.BBox, bounds); err != nil {
				return nil, apperr.Wrap(apperr.KindValidation, err, "table %s cell %d", rt.TableID, i).WithCode(CodeBBoxOutOfBounds)
			}
		}

		if cell.Row >= rt.NRows || cell.Col >= rt.NCols {
			return nil, schemaInvalid("table %s cell %d at (%d,%d) outside %dx%d grid", rt.TableID, i, cell.Row, cell.Col, rt.NRows, rt.NCols)
		}
		if cell.Row+cell.RowSpan > rt.NRows || cell.Col+cell.ColSpan > rt.NCols {
			return nil, schemaInvalid("table %s cell %d span overflows %dx%d grid", rt.TableID, i, rt.NRows, rt.NCols)
		}
		cells = append(cells, cell)
	}

	cells, dropped := dedupe(cells)
	if dropped > 0 {
		log.Debug().Str("table_ref", rt.TableID).Int("dropped", dropped).Msg("Dropped duplicate cells")
	}

	if err := checkGrid(cells, rt.NRows, rt.NCols); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "table %s", rt.TableID).WithCode(CodeGridMismatch)
	}

	return &models.ParsedTable{
		Page:      rt.Page,
		SourceRef: rt.TableID,
		Version:   1,
		BBox:      rt.BBox,
		NRows:     rt.NRows,
		NCols:     rt.NCols,
		Cells:     cells,
		Meta:      meta,
	}, nil
}

// dedupe keeps one cell per (row, col), the highest confidence winning and
// ties keeping the first seen. The result is ordered row-major.
func dedupe(cells []models.Cell) ([]models.Cell, int) {
	type pos struct{ row, col int }
	best := make(map[pos]int, len(cells))
	out := make([]models.Cell, 0, len(cells))

	for _, c := range cells {
		p := pos{c.Row, c.Col}
		if i, ok := best[p]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		best[p] = len(out)
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out, len(cells) - len(out)
}

// checkGrid requires the cells to reach the last row and column declared.
func checkGrid(cells []models.Cell, nRows, nCols int) error {
	maxRow, maxCol := 0, 0
	for _, c := range cells {
		maxRow = max(maxRow, c.Row+c.RowSpan)
		maxCol = max(maxCol, c.Col+c.ColSpan)
	}
	if maxRow != nRows || maxCol != nCols {
		return fmt.Errorf("cells span %dx%d but table declares %dx%d", maxRow, maxCol, nRows, nCols)
	}
	return nil
}

func checkBBox(b models.BBox, bounds PageBounds) error {
	if b[0] > b[2] || b[1] > b[3] {
		return fmt.Errorf("bbox %v is inverted", b)
	}
	if bounds.Width <= 0 || bounds.Height <= 0 {
		return nil
	}
	if b[0] < -bboxTolerance || b[1] < -bboxTolerance ||
		b[2] > bounds.Width+bboxTolerance || b[3] > bounds.Height+bboxTolerance {
		return fmt.Errorf("bbox %v outside page %.0fx%.0f", b, bounds.Width, bounds.Height)
	}
	return nil
}

func schemaInvalid(format string, args ...any) error {
	return apperr.Validation(format, args...).WithCode(CodeSchemaInvalid)
}
