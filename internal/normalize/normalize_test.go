package normalize

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
)

var letter = PageBounds{Width: 612, Height: 792}

func detection(t *testing.T, page int, table map[string]any) models.RawTableDetection {
	t.Helper()
	b, err := json.Marshal(table)
	require.NoError(t, err)
	return models.RawTableDetection{Page: page, Payload: b}
}

func validTable() map[string]any {
	return map[string]any{
		"doc_id":   "report.pdf",
		"page":     1,
		"table_id": "p1_t0",
		"bbox":     []float64{50, 100, 350, 160},
		"n_rows":   2,
		"n_cols":   2,
		"cells": []map[string]any{
			{"row": 0, "col": 0, "text": "Item", "bbox": []float64{50, 100, 200, 130}, "is_header": true},
			{"row": 0, "col": 1, "text": "Qty", "bbox": []float64{200, 100, 350, 130}, "is_header": true},
			{"row": 1, "col": 0, "text": "Bolts", "bbox": []float64{50, 130, 200, 160}},
			{"row": 1, "col": 1, "text": "40", "bbox": []float64{200, 130, 350, 160}},
		},
		"meta": map[string]any{"detector": "geometric", "confidence": 0.8},
	}
}

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New()
	require.NoError(t, err)
	return n
}

func TestNormalize(t *testing.T) {
	n := newNormalizer(t)

	table, err := n.Normalize(detection(t, 1, validTable()), letter)
	require.NoError(t, err)
	require.Equal(t, 1, table.Page)
	require.Equal(t, "p1_t0", table.SourceRef)
	require.Equal(t, 2, table.NRows)
	require.Equal(t, 2, table.NCols)
	require.Len(t, table.Cells, 4)
	require.Equal(t, "geometric", table.Meta.Detector)
	require.Equal(t, DefaultExtractionFlavor, table.Meta.ExtractionFlavor)

	// cells inherit the table confidence and default spans
	for _, c := range table.Cells {
		require.Equal(t, 1, c.RowSpan)
		require.Equal(t, 1, c.ColSpan)
		require.InDelta(t, 0.8, c.Confidence, 1e-9)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	n := newNormalizer(t)
	raw := validTable()
	delete(raw, "meta")

	table, err := n.Normalize(detection(t, 1, raw), letter)
	require.NoError(t, err)
	require.Equal(t, DefaultDetector, table.Meta.Detector)
	require.Equal(t, DefaultExtractionFlavor, table.Meta.ExtractionFlavor)
	require.InDelta(t, DefaultConfidence, table.Meta.Confidence, 1e-9)
	require.False(t, table.Meta.OCRUsed)
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		bounds PageBounds
		code   string
	}{
		{
			name:   "missing cells",
			mutate: func(m map[string]any) { delete(m, "cells") },
			code:   CodeSchemaInvalid,
		},
		{
			name:   "missing table id",
			mutate: func(m map[string]any) { delete(m, "table_id") },
			code:   CodeSchemaInvalid,
		},
		{
			name:   "short bbox",
			mutate: func(m map[string]any) { m["bbox"] = []float64{1, 2} },
			code:   CodeSchemaInvalid,
		},
		{
			name: "row out of range",
			mutate: func(m map[string]any) {
				m["cells"] = append(m["cells"].([]map[string]any), map[string]any{"row": 5, "col": 0, "text": "x"})
			},
			code: CodeSchemaInvalid,
		},
		{
			name: "span overflows grid",
			mutate: func(m map[string]any) {
				cells := m["cells"].([]map[string]any)
				cells[3]["colspan"] = 2
			},
			code: CodeSchemaInvalid,
		},
		{
			name:   "grid smaller than declared",
			mutate: func(m map[string]any) { m["n_rows"] = 3 },
			code:   CodeGridMismatch,
		},
		{
			name:   "table outside page",
			mutate: func(m map[string]any) { m["bbox"] = []float64{50, 100, 700, 160} },
			bounds: letter,
			code:   CodeBBoxOutOfBounds,
		},
		{
			name:   "inverted bbox",
			mutate: func(m map[string]any) { m["bbox"] = []float64{350, 100, 50, 160} },
			code:   CodeBBoxOutOfBounds,
		},
		{
			name:   "page mismatch",
			mutate: func(m map[string]any) { m["page"] = 2 },
			code:   CodeSchemaInvalid,
		},
	}

	n := newNormalizer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validTable()
			tt.mutate(raw)

			_, err := n.Normalize(detection(t, 1, raw), tt.bounds)
			require.ErrorIs(t, err, apperr.ErrValidation)
			require.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestNormalizeRejectsMalformedJSON(t *testing.T) {
	n := newNormalizer(t)
	for _, payload := range []string{`{"page": 1,`, ``, `not json`} {
		_, err := n.Normalize(models.RawTableDetection{Page: 1, Payload: json.RawMessage(payload)}, letter)
		require.ErrorIs(t, err, apperr.ErrValidation)
		require.Equal(t, CodeSchemaInvalid, apperr.CodeOf(err))
	}
}

func TestNormalizeDedupe(t *testing.T) {
	n := newNormalizer(t)
	raw := validTable()
	cells := raw["cells"].([]map[string]any)
	cells[2]["confidence"] = 0.4
	raw["cells"] = append(cells,
		map[string]any{"row": 1, "col": 0, "text": "Bolts (M8)", "confidence": 0.9},
		map[string]any{"row": 1, "col": 1, "text": "41", "confidence": 0.8},
	)

	table, err := n.Normalize(detection(t, 1, raw), letter)
	require.NoError(t, err)
	require.Len(t, table.Cells, 4)

	// highest confidence wins
	require.Equal(t, "Bolts (M8)", table.Cells[2].Text)
	// equal confidence keeps the first
	require.Equal(t, "40", table.Cells[3].Text)
}

func TestNormalizePage(t *testing.T) {
	n := newNormalizer(t)
	ctx := context.Background()

	bad := validTable()
	delete(bad, "n_cols")

	t.Run("partial failure keeps good tables", func(t *testing.T) {
		res := n.NormalizePage(ctx, 1, []models.RawTableDetection{
			detection(t, 1, validTable()),
			detection(t, 1, bad),
		}, letter)
		require.False(t, res.Failed)
		require.Len(t, res.Tables, 1)
		require.Len(t, res.Errors, 1)
		require.Equal(t, 1, res.Errors[0].Index)
		require.Len(t, res.ErrorMessages(), 1)
	})

	t.Run("all tables failing fails the page", func(t *testing.T) {
		res := n.NormalizePage(ctx, 1, []models.RawTableDetection{detection(t, 1, bad)}, letter)
		require.True(t, res.Failed)
		require.Empty(t, res.Tables)
	})

	t.Run("no detections is not a failure", func(t *testing.T) {
		res := n.NormalizePage(ctx, 1, nil, letter)
		require.False(t, res.Failed)
	})
}
