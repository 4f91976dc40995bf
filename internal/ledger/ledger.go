// Package ledger runs keyed operations at most once across concurrent callers
// and processes, persisting the outcome of every attempt.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLease        = 2 * time.Minute
	DefaultTTL          = 30 * 24 * time.Hour
	DefaultPollInterval = 250 * time.Millisecond
)

// Operation is the work guarded by a ledger key. The returned JSON is stored
// verbatim and handed to every later caller with the same key.
type Operation func(ctx context.Context) (json.RawMessage, error)

// Request identifies one keyed execution.
type Request struct {
	Key    string
	TaskID uuid.UUID
	Kind   string

	// AuditCritical entries never expire.
	AuditCritical bool

	// RetryFailed re-runs the operation when the key holds a failed result.
	RetryFailed bool
}

// Config tunes leases and retention.
type Config struct {
	Owner        string        // identifies this process in lease rows
	Lease        time.Duration // hard deadline for one operation
	TTL          time.Duration // retention of non audit-critical entries
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Owner == "" {
		c.Owner = uuid.NewString()
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Ledger implements execute-once over a LedgerStore.
type Ledger struct {
	store store.LedgerStore
	cfg   Config
	group singleflight.Group
	now   func() time.Time
}

// New creates a ledger.
func New(s store.LedgerStore, cfg Config) *Ledger {
	cfg.applyDefaults()
	return &Ledger{store: s, cfg: cfg, now: time.Now}
}

// Lease is the deadline applied to each operation.
func (l *Ledger) Lease() time.Duration { return l.cfg.Lease }

// ExecuteOnce runs op unless the key already holds a result. Callers racing
// on the same key wait for the single execution and receive its entry. A
// failed entry is returned together with an error of the recorded kind.
func (l *Ledger) ExecuteOnce(ctx context.Context, req Request, op Operation) (*models.LedgerEntry, error) {
	if req.Key == "" {
		return nil, apperr.Validation("ledger key is required")
	}

	ch := l.group.DoChan(req.Key, func() (any, error) {
		// detached so one caller giving up does not fail the others
		return l.execute(context.WithoutCancel(ctx), req, op)
	})

	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindTransientProvider, ctx.Err(), "gave up waiting on ledger key")
	case res := <-ch:
		if res.Shared {
			telemetry.GetMetrics().LedgerReplaysTotal.Add(ctx, 1, kindAttr(req.Kind))
		}
		entry, _ := res.Val.(*models.LedgerEntry)
		if entry != nil {
			entry = cloneEntry(entry)
		}
		return entry, res.Err
	}
}

func (l *Ledger) execute(ctx context.Context, req Request, op Operation) (*models.LedgerEntry, error) {
	claim := store.ClaimRequest{
		Key:         req.Key,
		TaskID:      req.TaskID,
		Kind:        req.Kind,
		Owner:       fmt.Sprintf("%s/%s", l.cfg.Owner, uuid.NewString()),
		Lease:       l.cfg.Lease,
		RetryFailed: req.RetryFailed,
	}
	if !req.AuditCritical {
		claim.TTL = l.cfg.TTL
	}

	// the wait is bounded by the other owner's lease, after which Claim
	// converts the entry to failed
	for {
		claim.Now = l.now()
		entry, claimed, err := l.store.Claim(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("failed to claim ledger key: %w", err)
		}
		if claimed {
			return l.run(ctx, req, claim.Owner, op)
		}

		switch entry.Status {
		case models.LedgerStatusSucceeded:
			telemetry.GetMetrics().LedgerReplaysTotal.Add(ctx, 1, kindAttr(req.Kind))
			return entry, nil
		case models.LedgerStatusFailed:
			telemetry.GetMetrics().LedgerReplaysTotal.Add(ctx, 1, kindAttr(req.Kind))
			return entry, EntryError(entry)
		}

		telemetry.GetMetrics().LedgerWaitsTotal.Add(ctx, 1, kindAttr(req.Kind))
		time.Sleep(l.cfg.PollInterval)
	}
}

func (l *Ledger) run(ctx context.Context, req Request, owner string, op Operation) (*models.LedgerEntry, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.cfg.Lease)
	defer cancel()

	start := l.now()
	result, opErr := op(opCtx)

	if opErr != nil {
		kind := classify(opErr)
		entry, err := l.store.Fail(ctx, req.Key, owner, kind, opErr.Error())
		if err != nil {
			return nil, fmt.Errorf("failed to record ledger failure: %w", errors.Join(err, opErr))
		}
		telemetry.GetMetrics().LedgerExecutionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", req.Kind),
			attribute.String("outcome", "failed"),
		))

		log.Warn().
			Err(opErr).
			Str("key", req.Key).
			Str("kind", req.Kind).
			Str("error_kind", string(kind)).
			Dur("duration", l.now().Sub(start)).
			Msg("Ledger operation failed")

		if apperr.KindOf(opErr) != kind {
			opErr = apperr.Wrap(kind, opErr, "ledger operation %s", req.Kind)
		}
		return entry, opErr
	}

	if result == nil {
		result = json.RawMessage("null")
	}
	entry, err := l.store.Complete(ctx, req.Key, owner, result)
	if err != nil {
		return nil, fmt.Errorf("failed to record ledger result: %w", err)
	}
	telemetry.GetMetrics().LedgerExecutionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", req.Kind),
		attribute.String("outcome", "succeeded"),
	))

	log.Debug().
		Str("key", req.Key).
		Str("kind", req.Kind).
		Dur("duration", l.now().Sub(start)).
		Msg("Ledger operation succeeded")

	return entry, nil
}

// Get returns the entry stored under key.
func (l *Ledger) Get(ctx context.Context, key string) (*models.LedgerEntry, error) {
	return l.store.GetEntry(ctx, key)
}

// Purge removes finished entries whose TTL has passed. Audit-critical entries
// carry no expiry and are never removed.
func (l *Ledger) Purge(ctx context.Context) (int64, error) {
	n, err := l.store.PurgeExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge ledger: %w", err)
	}
	telemetry.GetMetrics().LedgerPurgedTotal.Add(ctx, n)
	if n > 0 {
		log.Info().Int64("purged", n).Msg("Purged expired ledger entries")
	}
	return n, nil
}

// EntryError rebuilds the error recorded on a failed entry.
func EntryError(entry *models.LedgerEntry) error {
	if entry == nil || entry.Status != models.LedgerStatusFailed {
		return nil
	}
	kind := apperr.Kind(entry.ErrorKind)
	if kind == "" {
		kind = apperr.KindUnknown
	}
	return apperr.New(kind, "%s", entry.ErrorMessage)
}

// classify maps an operation error onto the taxonomy. Deadlines and
// cancellation count as transient so the attempt may be retried.
func classify(err error) apperr.Kind {
	kind := apperr.KindOf(err)
	if kind != apperr.KindUnknown {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.KindTransientProvider
	}
	return apperr.KindUnknown
}

func kindAttr(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}

func cloneEntry(e *models.LedgerEntry) *models.LedgerEntry {
	clone := *e
	clone.Result = append(json.RawMessage(nil), e.Result...)
	if e.ExpiresAt != nil {
		v := *e.ExpiresAt
		clone.ExpiresAt = &v
	}
	return &clone
}
