package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/tablepipe"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Ingest metrics
	FilesParsedTotal     metric.Int64Counter
	TablesNormalized     metric.Int64Counter
	TablesRejectedTotal  metric.Int64Counter
	DetectionDurationMS  metric.Float64Histogram
	TasksCreatedTotal    metric.Int64Counter
	TaskTransitionsTotal metric.Int64Counter

	// Draft metrics
	DraftsRequestedTotal   metric.Int64Counter
	ProviderCallsTotal     metric.Int64Counter
	ProviderFailuresTotal  metric.Int64Counter
	ProviderCallDurationMS metric.Float64Histogram
	DraftRetriesScheduled  metric.Int64Counter
	UsageTokensTotal       metric.Int64Counter
	UsageCostMicrosTotal   metric.Int64Counter

	// Ledger metrics
	LedgerExecutionsTotal metric.Int64Counter
	LedgerReplaysTotal    metric.Int64Counter
	LedgerWaitsTotal      metric.Int64Counter
	LedgerPurgedTotal     metric.Int64Counter

	// Review metrics
	ReviewsTotal         metric.Int64Counter
	RejectionEscalations metric.Int64Counter
	SecurityEventsTotal  metric.Int64Counter

	// Export metrics
	ExportsTotal        metric.Int64Counter
	ExportFailuresTotal metric.Int64Counter
	ExportDurationMS    metric.Float64Histogram
	ExportArtifactBytes metric.Int64Histogram

	// Worker metrics
	SweptTasksTotal  metric.Int64Counter
	SweepErrorsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments. The global meter
// provider delegates, so instruments created before InitTelemetry still export.
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.FilesParsedTotal, _ = meter.Int64Counter(
		"tablepipe.files.parsed.total",
		metric.WithDescription("Total number of files parsed, by outcome"),
		metric.WithUnit("{file}"),
	)

	m.TablesNormalized, _ = meter.Int64Counter(
		"tablepipe.tables.normalized.total",
		metric.WithDescription("Total number of tables that passed normalization"),
		metric.WithUnit("{table}"),
	)

	m.TablesRejectedTotal, _ = meter.Int64Counter(
		"tablepipe.tables.rejected.total",
		metric.WithDescription("Total number of detected tables rejected by normalization"),
		metric.WithUnit("{table}"),
	)

	m.DetectionDurationMS, _ = meter.Float64Histogram(
		"tablepipe.detection.duration",
		metric.WithDescription("Duration of table detection per file"),
		metric.WithUnit("ms"),
	)

	m.TasksCreatedTotal, _ = meter.Int64Counter(
		"tablepipe.tasks.created.total",
		metric.WithDescription("Total number of tasks created"),
		metric.WithUnit("{task}"),
	)

	m.TaskTransitionsTotal, _ = meter.Int64Counter(
		"tablepipe.tasks.transitions.total",
		metric.WithDescription("Total number of task state transitions"),
		metric.WithUnit("{transition}"),
	)

	m.DraftsRequestedTotal, _ = meter.Int64Counter(
		"tablepipe.drafts.requested.total",
		metric.WithDescription("Total number of draft requests"),
		metric.WithUnit("{request}"),
	)

	m.ProviderCallsTotal, _ = meter.Int64Counter(
		"tablepipe.provider.calls.total",
		metric.WithDescription("Total number of completion provider invocations"),
		metric.WithUnit("{call}"),
	)

	m.ProviderFailuresTotal, _ = meter.Int64Counter(
		"tablepipe.provider.failures.total",
		metric.WithDescription("Total number of failed completion provider invocations"),
		metric.WithUnit("{call}"),
	)

	m.ProviderCallDurationMS, _ = meter.Float64Histogram(
		"tablepipe.provider.call.duration",
		metric.WithDescription("Duration of completion provider calls"),
		metric.WithUnit("ms"),
	)

	m.DraftRetriesScheduled, _ = meter.Int64Counter(
		"tablepipe.drafts.retries_scheduled.total",
		metric.WithDescription("Total number of automatic draft retries scheduled"),
		metric.WithUnit("{retry}"),
	)

	m.UsageTokensTotal, _ = meter.Int64Counter(
		"tablepipe.usage.tokens.total",
		metric.WithDescription("Total number of provider tokens billed"),
		metric.WithUnit("{token}"),
	)

	m.UsageCostMicrosTotal, _ = meter.Int64Counter(
		"tablepipe.usage.cost.total",
		metric.WithDescription("Total estimated provider cost"),
		metric.WithUnit("u[USD]"),
	)

	m.LedgerExecutionsTotal, _ = meter.Int64Counter(
		"tablepipe.ledger.executions.total",
		metric.WithDescription("Total number of ledger operations executed, by outcome"),
		metric.WithUnit("{operation}"),
	)

	m.LedgerReplaysTotal, _ = meter.Int64Counter(
		"tablepipe.ledger.replays.total",
		metric.WithDescription("Total number of ledger calls answered from a stored result"),
		metric.WithUnit("{operation}"),
	)

	m.LedgerWaitsTotal, _ = meter.Int64Counter(
		"tablepipe.ledger.waits.total",
		metric.WithDescription("Total number of polls spent waiting on another owner's lease"),
		metric.WithUnit("{poll}"),
	)

	m.LedgerPurgedTotal, _ = meter.Int64Counter(
		"tablepipe.ledger.purged.total",
		metric.WithDescription("Total number of expired ledger entries purged"),
		metric.WithUnit("{entry}"),
	)

	m.ReviewsTotal, _ = meter.Int64Counter(
		"tablepipe.reviews.total",
		metric.WithDescription("Total number of QA verdicts, by verdict"),
		metric.WithUnit("{review}"),
	)

	m.RejectionEscalations, _ = meter.Int64Counter(
		"tablepipe.reviews.escalations.total",
		metric.WithDescription("Total number of tasks crossing the rejection escalation threshold"),
		metric.WithUnit("{task}"),
	)

	m.SecurityEventsTotal, _ = meter.Int64Counter(
		"tablepipe.security.events.total",
		metric.WithDescription("Total number of denied cross-tenant accesses"),
		metric.WithUnit("{event}"),
	)

	m.ExportsTotal, _ = meter.Int64Counter(
		"tablepipe.exports.total",
		metric.WithDescription("Total number of exports requested, by format"),
		metric.WithUnit("{export}"),
	)

	m.ExportFailuresTotal, _ = meter.Int64Counter(
		"tablepipe.exports.failures.total",
		metric.WithDescription("Total number of exports that failed"),
		metric.WithUnit("{export}"),
	)

	m.ExportDurationMS, _ = meter.Float64Histogram(
		"tablepipe.exports.duration",
		metric.WithDescription("Duration of export assembly"),
		metric.WithUnit("ms"),
	)

	m.ExportArtifactBytes, _ = meter.Int64Histogram(
		"tablepipe.exports.artifact.size",
		metric.WithDescription("Size of generated export artifacts"),
		metric.WithUnit("By"),
	)

	m.SweptTasksTotal, _ = meter.Int64Counter(
		"tablepipe.worker.swept.total",
		metric.WithDescription("Total number of tasks picked up by the sweeper, by kind"),
		metric.WithUnit("{task}"),
	)

	m.SweepErrorsTotal, _ = meter.Int64Counter(
		"tablepipe.worker.sweep.errors.total",
		metric.WithDescription("Total number of failed sweeper polls"),
		metric.WithUnit("{poll}"),
	)

	return m
}
