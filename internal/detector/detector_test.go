package detector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tsawler/tabula/model"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/normalize"
)

func TestCheckPDF(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"pdf header", []byte("%PDF-1.7\n..."), true},
		{"empty", nil, false},
		{"png", []byte("\x89PNG\r\n"), false},
		{"text", []byte("hello"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPDF(tt.data)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperr.ErrValidation)
			require.Equal(t, CodeUnsupportedFormat, apperr.CodeOf(err))
		})
	}
}

func TestTabulaRejectsNonPDF(t *testing.T) {
	d, err := NewTabula(TabulaConfig{TempDir: t.TempDir()})
	require.NoError(t, err)

	_, err = d.Detect(context.Background(), []byte("not a pdf"), nil)
	require.Equal(t, CodeUnsupportedFormat, apperr.CodeOf(err))

	_, err = d.Detect(context.Background(), []byte("%PDF-1.4\ngarbage"), nil)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestToRawNormalizes(t *testing.T) {
	table := model.NewTable(2, 2)
	table.BBox = model.NewBBox(50, 600, 200, 40)
	table.Confidence = 1.3
	table.HasGrid = true
	table.Rows[0][0] = model.Cell{Text: "Item", RowSpan: 1, ColSpan: 1, BBox: model.NewBBox(50, 620, 100, 20)}
	table.Rows[0][1] = model.Cell{Text: "Cost", RowSpan: 1, ColSpan: 3}
	table.Rows[1][0] = model.Cell{Text: "Paper"}
	table.Rows[1][1] = model.Cell{Text: "4.50", RowSpan: 1, ColSpan: 1}

	raw := toRaw(3, 0, table, 12*time.Millisecond)
	require.Equal(t, "p3_t1", raw.TableID)
	require.Equal(t, models.BBox{50, 600, 250, 640}, raw.BBox)
	require.Equal(t, "lattice", raw.Meta.ExtractionFlavor)
	require.Equal(t, 1.0, raw.Meta.Confidence)
	require.Len(t, raw.Cells, 4)
	require.Equal(t, 1, raw.Cells[1].ColSpan, "span clipped to grid")
	require.Equal(t, 1, raw.Cells[2].RowSpan, "zero span defaults to one")
	require.True(t, raw.Cells[0].IsHeader)
	require.False(t, raw.Cells[2].IsHeader)

	payload, err := json.Marshal(raw)
	require.NoError(t, err)

	n, err := normalize.New()
	require.NoError(t, err)
	parsed, err := n.Normalize(models.RawTableDetection{Page: 3, Payload: payload}, normalize.PageBounds{Width: 612, Height: 792})
	require.NoError(t, err)
	require.Equal(t, 2, parsed.NRows)
	require.Equal(t, DetectorName, parsed.Meta.Detector)
	require.Equal(t, "Paper", parsed.Cells[2].Text)
}

func TestFunc(t *testing.T) {
	var d Detector = Func(func(ctx context.Context, pdf []byte, pages []int) (*Result, error) {
		return &Result{PageCount: len(pages)}, nil
	})
	res, err := d.Detect(context.Background(), nil, []int{1, 2})
	require.NoError(t, err)
	require.Equal(t, 2, res.PageCount)
}
