// Package worker drives tasks that are waiting on the pipeline: new tasks
// that need a first draft, failed drafts whose retry is due and drafts left
// generating by a worker that never reported back.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/ledger"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/store"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Drafter is the part of the draft orchestrator the sweeper drives.
type Drafter interface {
	RequestDraft(ctx context.Context, actor models.Actor, taskID uuid.UUID) (*models.AiDraft, error)
	ScheduledRetry(ctx context.Context, orgID, taskID uuid.UUID)
}

// Config controls polling.
type Config struct {
	PollInterval time.Duration `help:"Delay between sweeps" default:"5s" env:"WORKER_POLL_INTERVAL"`
	Concurrency  int           `help:"Tasks drafted in parallel" default:"4" env:"WORKER_CONCURRENCY"`
	BatchSize    int           `help:"Tasks picked up per sweep and kind" default:"50" env:"WORKER_BATCH_SIZE"`

	// StaleAfter is how long a task may sit in draft_generating before it is
	// recovered. It should match the ledger lease so the owner's lease has
	// lapsed by then.
	StaleAfter time.Duration `help:"Age after which a generating draft is recovered (defaults to the ledger lease)" env:"WORKER_STALE_AFTER"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = ledger.DefaultLease
	}
	return c
}

// Sweeper polls the task store and hands due work to the drafter.
type Sweeper struct {
	store   store.TaskStore
	drafter Drafter
	cfg     Config
	now     func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(s store.TaskStore, d Drafter, cfg Config) *Sweeper {
	return &Sweeper{store: s, drafter: d, cfg: cfg.withDefaults(), now: time.Now}
}

// Run sweeps until ctx is cancelled. Failed polls back off exponentially up
// to a minute.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("concurrency", s.cfg.Concurrency).
		Msg("Sweeper starting")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.PollInterval
	b.MaxInterval = time.Minute

	for {
		wait := s.cfg.PollInterval
		n, err := s.Sweep(ctx)
		switch {
		case ctx.Err() != nil:
			log.Info().Msg("Sweeper stopped")
			return nil
		case err != nil:
			telemetry.GetMetrics().SweepErrorsTotal.Add(ctx, 1)
			wait = b.NextBackOff()
			log.Error().Err(err).Dur("retry_in", wait).Msg("Sweep failed")
		default:
			b.Reset()
			if n > 0 {
				log.Debug().Int("tasks", n).Msg("Sweep finished")
			}
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// Sweep runs one pass and returns the number of tasks handed out. A failing
// task never stops the others.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	waiting, err := s.store.ListTasks(ctx, store.TaskFilter{
		States: []models.TaskState{models.TaskStateAwaitingDraft},
		Limit:  s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	now := s.now()
	due, err := s.store.ListTasks(ctx, store.TaskFilter{
		States:         []models.TaskState{models.TaskStateDraftFailed},
		RetryDueBefore: &now,
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	// an expired lease on the replayed key is recorded as failed, a
	// recorded success completes the draft
	staleBefore := now.Add(-s.cfg.StaleAfter)
	stale, err := s.store.ListTasks(ctx, store.TaskFilter{
		States:        []models.TaskState{models.TaskStateDraftGenerating},
		ChangedBefore: &staleBefore,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)

	for _, task := range waiting {
		g.Go(func() error {
			s.count(ctx, "awaiting_draft")
			if _, err := s.drafter.RequestDraft(ctx, models.SystemActor(task.OrgID), task.TaskID); err != nil {
				log.Debug().Err(err).Str("task_id", task.TaskID.String()).Msg("Draft attempt failed")
			}
			return nil
		})
	}
	for _, task := range due {
		g.Go(func() error {
			s.count(ctx, "retry_due")
			s.drafter.ScheduledRetry(ctx, task.OrgID, task.TaskID)
			return nil
		})
	}

	for _, task := range stale {
		g.Go(func() error {
			s.count(ctx, "stale_generating")
			log.Warn().
				Str("task_id", task.TaskID.String()).
				Time("state_changed_at", task.StateChangedAt).
				Msg("Recovering stale draft generation")
			if _, err := s.drafter.RequestDraft(ctx, models.SystemActor(task.OrgID), task.TaskID); err != nil {
				log.Debug().Err(err).Str("task_id", task.TaskID.String()).Msg("Stale draft recovery failed")
			}
			return nil
		})
	}

	_ = g.Wait()
	return len(waiting) + len(due) + len(stale), nil
}

func (s *Sweeper) count(ctx context.Context, kind string) {
	telemetry.GetMetrics().SweptTasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
