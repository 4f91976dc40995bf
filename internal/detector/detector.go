// Package detector finds tables in PDFs and reports them in the raw
// detection format the normalizer validates.
package detector

import (
	"bytes"
	"context"

	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
)

// Error codes for rejected documents.
const (
	CodeUnsupportedFormat = "UnsupportedFormat"
	CodeCorruptDocument   = "CorruptDocument"
)

var pdfMagic = []byte("%PDF-")

// Page is the detector output for one page.
type Page struct {
	Number int
	Width  float64
	Height float64
	Tables []models.RawTableDetection
}

// Result is the detector output for one document.
type Result struct {
	PageCount int
	Pages     []Page
}

// Detector finds tables in a PDF. An empty pages list means every page.
type Detector interface {
	Detect(ctx context.Context, pdf []byte, pages []int) (*Result, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, pdf []byte, pages []int) (*Result, error)

func (f Func) Detect(ctx context.Context, pdf []byte, pages []int) (*Result, error) {
	return f(ctx, pdf, pages)
}

// CheckPDF rejects anything that does not start with a PDF header.
func CheckPDF(data []byte) error {
	if !bytes.HasPrefix(data, pdfMagic) {
		return apperr.Validation("document is not a PDF").WithCode(CodeUnsupportedFormat)
	}
	return nil
}
