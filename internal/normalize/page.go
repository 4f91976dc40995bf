package normalize

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TableError records why one detection on a page was rejected.
type TableError struct {
	Index int
	Code  string
	Err   error
}

// PageResult is the outcome of normalizing every detection on one page.
type PageResult struct {
	Page   int
	Tables []*models.ParsedTable
	Errors []TableError

	// Sources[i] is the index in the input of Tables[i].
	Sources []int

	// Failed is set when the page had detections and none survived.
	Failed bool
}

// ErrorMessages flattens the table errors for storage on the file.
func (r *PageResult) ErrorMessages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Err.Error())
	}
	return msgs
}

// NormalizePage normalizes all detections from one page. A bad table never
// discards the good ones next to it.
func (n *Normalizer) NormalizePage(ctx context.Context, page int, raws []models.RawTableDetection, bounds PageBounds) PageResult {
	result := PageResult{Page: page}

	for i, raw := range raws {
		table, err := n.Normalize(raw, bounds)
		if err != nil {
			code := apperr.CodeOf(err)
			result.Errors = append(result.Errors, TableError{Index: i, Code: code, Err: err})
			telemetry.GetMetrics().TablesRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))

			log.Warn().
				Err(err).
				Int("page", page).
				Int("index", i).
				Str("code", code).
				Msg("Table failed normalization")
			continue
		}
		result.Tables = append(result.Tables, table)
		result.Sources = append(result.Sources, i)
		telemetry.GetMetrics().TablesNormalized.Add(ctx, 1)
	}

	result.Failed = len(raws) > 0 && len(result.Tables) == 0
	return result
}
