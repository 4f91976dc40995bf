package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
	"github.com/tsawler/tabula/model"
	"github.com/tsawler/tabula/reader"
	"github.com/tsawler/tabula/tables"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
)

// DetectorName is reported in the meta of every detection.
const DetectorName = "tabula-geometric"

// Tabula detects tables with tabula's geometric detector. pdfcpu validates
// the document and counts pages first.
type Tabula struct {
	detector tables.Detector
	tempDir  string
}

var _ Detector = (*Tabula)(nil)

// TabulaConfig tunes the geometric detector.
type TabulaConfig struct {
	TempDir       string  `help:"Directory for staging PDFs during detection." env:"TEMP_DIR"`
	MinConfidence float64 `help:"Minimum detection confidence." default:"0.5" env:"MIN_CONFIDENCE"`
	MinRows       int     `help:"Minimum rows for a table." default:"2" env:"MIN_ROWS"`
}

// NewTabula creates a detector. Documents are staged in cfg.TempDir, or the
// system temp directory when empty.
func NewTabula(cfg TabulaConfig) (*Tabula, error) {
	// pdfcpu only counts pages here; it has no need for its user config dir
	api.DisableConfigDir()

	d := tables.NewGeometricDetector()
	tc := tables.DefaultConfig()
	if cfg.MinConfidence > 0 {
		tc.MinConfidence = cfg.MinConfidence
	}
	if cfg.MinRows > 0 {
		tc.MinRows = cfg.MinRows
	}
	if err := d.Configure(tc); err != nil {
		return nil, fmt.Errorf("failed to configure detector: %w", err)
	}
	return &Tabula{detector: d, tempDir: cfg.TempDir}, nil
}

func (t *Tabula) Detect(ctx context.Context, pdf []byte, pages []int) (*Result, error) {
	if err := CheckPDF(pdf); err != nil {
		return nil, err
	}

	path, cleanup, err := t.stage(pdf)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pageCount, err := api.PageCountFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "document could not be read").WithCode(CodeCorruptDocument)
	}

	r, err := reader.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "document could not be opened").WithCode(CodeCorruptDocument)
	}
	defer r.Close()

	if len(pages) == 0 {
		pages = make([]int, pageCount)
		for i := range pages {
			pages[i] = i + 1
		}
	}

	result := &Result{PageCount: pageCount}
	for _, n := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n < 1 || n > pageCount {
			return nil, apperr.Validation("page %d outside document of %d pages", n, pageCount)
		}

		page, err := t.detectPage(ctx, r, n)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", n, err)
		}
		result.Pages = append(result.Pages, *page)
	}
	return result, nil
}

func (t *Tabula) detectPage(ctx context.Context, r *reader.Reader, n int) (*Page, error) {
	start := time.Now()

	p, err := r.GetPage(n - 1)
	if err != nil {
		return nil, err
	}
	width, err := p.Width()
	if err != nil {
		return nil, err
	}
	height, err := p.Height()
	if err != nil {
		return nil, err
	}
	fragments, err := r.ExtractTextFragments(p)
	if err != nil {
		return nil, err
	}

	mp := model.NewPage(width, height)
	mp.Number = n
	for _, f := range fragments {
		mp.RawText = append(mp.RawText, model.TextFragment{
			Text:     f.Text,
			BBox:     model.NewBBox(f.X, f.Y, f.Width, f.Height),
			FontSize: f.FontSize,
			FontName: f.FontName,
		})
	}

	found, err := t.detector.Detect(mp)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	telemetry.GetMetrics().DetectionDurationMS.Record(ctx, float64(elapsed.Milliseconds()))

	page := &Page{Number: n, Width: width, Height: height}
	for i, table := range found {
		payload, err := json.Marshal(toRaw(n, i, table, elapsed))
		if err != nil {
			return nil, err
		}
		page.Tables = append(page.Tables, models.RawTableDetection{Page: n, Payload: payload})
	}

	log.Debug().
		Int("page", n).
		Int("fragments", len(fragments)).
		Int("tables", len(page.Tables)).
		Dur("elapsed", elapsed).
		Msg("Detected tables")
	return page, nil
}

func (t *Tabula) stage(pdf []byte) (string, func(), error) {
	f, err := os.CreateTemp(t.tempDir, "tablepipe-*.pdf")
	if err != nil {
		return "", nil, fmt.Errorf("failed to stage document: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if _, err := f.Write(pdf); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to stage document: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to stage document: %w", err)
	}
	return f.Name(), cleanup, nil
}

type rawCell struct {
	Row      int          `json:"row"`
	Col      int          `json:"col"`
	Text     string       `json:"text"`
	BBox     *models.BBox `json:"bbox,omitempty"`
	RowSpan  int          `json:"rowspan"`
	ColSpan  int          `json:"colspan"`
	IsHeader bool         `json:"is_header"`
}

type rawMeta struct {
	Detector         string  `json:"detector"`
	ExtractionFlavor string  `json:"extraction_flavor"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
}

type rawTable struct {
	Page    int         `json:"page"`
	TableID string      `json:"table_id"`
	BBox    models.BBox `json:"bbox"`
	NRows   int         `json:"n_rows"`
	NCols   int         `json:"n_cols"`
	Cells   []rawCell   `json:"cells"`
	Meta    rawMeta     `json:"meta"`
}

// toRaw converts a tabula table. Spans are clipped to the grid.
func toRaw(page, index int, t *model.Table, elapsed time.Duration) rawTable {
	nRows, nCols := t.RowCount(), t.ColCount()
	flavor := "stream"
	if t.HasGrid {
		flavor = "lattice"
	}

	raw := rawTable{
		Page:    page,
		TableID: fmt.Sprintf("p%d_t%d", page, index+1),
		BBox:    toBBox(t.BBox),
		NRows:   nRows,
		NCols:   nCols,
		Meta: rawMeta{
			Detector:         DetectorName,
			ExtractionFlavor: flavor,
			Confidence:       clamp01(t.Confidence),
			ProcessingTimeMS: elapsed.Milliseconds(),
		},
	}

	for r, row := range t.Rows {
		for c, cell := range row {
			if c >= nCols {
				break
			}
			rc := rawCell{
				Row:      r,
				Col:      c,
				Text:     cell.Text,
				RowSpan:  min(max(cell.RowSpan, 1), nRows-r),
				ColSpan:  min(max(cell.ColSpan, 1), nCols-c),
				IsHeader: cell.IsHeader || r == 0,
			}
			if cell.BBox.Width > 0 && cell.BBox.Height > 0 {
				b := toBBox(cell.BBox)
				rc.BBox = &b
			}
			raw.Cells = append(raw.Cells, rc)
		}
	}
	return raw
}

func toBBox(b model.BBox) models.BBox {
	return models.BBox{b.X, b.Y, b.X + b.Width, b.Y + b.Height}
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
