package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/blob"
	"github.com/wolfeidau/tablepipe/internal/config"
	"github.com/wolfeidau/tablepipe/internal/detector"
	"github.com/wolfeidau/tablepipe/internal/draft"
	"github.com/wolfeidau/tablepipe/internal/ledger"
	"github.com/wolfeidau/tablepipe/internal/provider"
	"github.com/wolfeidau/tablepipe/internal/store"
	memorystore "github.com/wolfeidau/tablepipe/internal/store/memory"
	postgresstore "github.com/wolfeidau/tablepipe/internal/store/postgres"
	"github.com/wolfeidau/tablepipe/internal/taskflow"
	"github.com/wolfeidau/tablepipe/internal/worker"
)

// StoreFlags selects and configures the metadata store.
type StoreFlags struct {
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"TABLEPIPE_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Store Configuration
	QueryTimeout time.Duration `help:"maximum time for a single query or transaction" default:"10s"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"TABLEPIPE_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (s *PostgresStoreFlags) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
	}
	return postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
		ConnString:      s.ConnString,
		MaxConns:        s.MaxConns,
		MinConns:        s.MinConns,
		MaxConnLifetime: s.MaxConnLifetime,
		MaxConnIdleTime: s.MaxConnIdleTime,
	})
}

// BlobFlags selects where PDFs, raw detections and export artifacts live.
type BlobFlags struct {
	BlobType string         `help:"blob store type (memory or gcs)" default:"memory" env:"TABLEPIPE_BLOB_TYPE" enum:"memory,gcs"`
	GCS      blob.GCSConfig `embed:"" prefix:"gcs-" envprefix:"TABLEPIPE_GCS_"`
}

// ProviderFlags selects the completion backend. The model comes from the
// pipeline settings file.
type ProviderFlags struct {
	Provider      string  `help:"completion provider (mock or vertex)" default:"mock" env:"TABLEPIPE_PROVIDER" enum:"mock,vertex"`
	VertexProject string  `help:"Google Cloud project for Vertex AI" env:"TABLEPIPE_VERTEX_PROJECT"`
	VertexRegion  string  `help:"Vertex AI region" default:"us-central1" env:"TABLEPIPE_VERTEX_REGION"`
	Temperature   float32 `help:"sampling temperature" default:"0.2" env:"TABLEPIPE_TEMPERATURE"`
	MaxTokens     int32   `help:"maximum output tokens per draft" default:"2048" env:"TABLEPIPE_MAX_TOKENS"`
}

// runtime holds the components shared by the serve and worker commands.
type runtime struct {
	cfg       *config.Pipeline
	store     store.Store
	pool      *pgxpool.Pool
	machine   *taskflow.Machine
	drafts    *draft.Orchestrator
	scheduler *draft.TimerScheduler
	closers   []func() error
}

// loadPipeline reads the settings file and registers its model prices.
func loadPipeline(globals *Globals) (*config.Pipeline, error) {
	cfg, err := config.Load(globals.Config)
	if err != nil {
		return nil, err
	}
	cfg.ApplyRates()
	return cfg, nil
}

func newRuntime(ctx context.Context, globals *Globals, sf StoreFlags, pf ProviderFlags) (*runtime, error) {
	cfg, err := loadPipeline(globals)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}

	switch sf.StoreType {
	case "postgres":
		pool, err := sf.PostgresStore.openPool(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		rt.pool = pool
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })

		if sf.PostgresStore.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				rt.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("Database migrations completed")
		}

		st, err := postgresstore.NewStore(pool, postgresstore.StoreConfig{
			QueryTimeout: sf.PostgresStore.QueryTimeout,
			LockTimeout:  cfg.Tasks.LockTimeout,
		})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.store = st
		log.Info().Msg("Using PostgreSQL store")

	default:
		rt.store = memorystore.NewStore(memorystore.WithLockTimeout(cfg.Tasks.LockTimeout))
		log.Info().Msg("Using in-memory store")
	}

	p, err := newProvider(ctx, pf, cfg.Provider.Model)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if closer, ok := p.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, closer.Close)
	}

	owner, err := leaseOwner()
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.machine = taskflow.NewMachine(rt.store)
	rt.scheduler = draft.NewTimerScheduler()
	rt.drafts = draft.NewOrchestrator(rt.store, rt.machine, ledger.New(rt.store, cfg.LedgerConfig(owner)), p, rt.scheduler,
		draft.WithRetryPolicy(cfg.RetryPolicy()))
	rt.scheduler.Bind(rt.drafts.ScheduledRetry)
	rt.closers = append(rt.closers, func() error { rt.scheduler.Stop(); return nil })

	log.Info().
		Str("owner", owner).
		Str("model", p.Model()).
		Int("max_retries", cfg.Retry.MaxRetries).
		Dur("lease", cfg.Ledger.Lease).
		Msg("Draft pipeline ready")

	return rt, nil
}

// sweeperConfig recovers generating drafts once the ledger lease has lapsed
// unless the flags say otherwise.
func (rt *runtime) sweeperConfig(cfg worker.Config) worker.Config {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = rt.cfg.Ledger.Lease
	}
	return cfg
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Error().Err(err).Msg("Failed to close resource")
		}
	}
	rt.closers = nil
}

func newProvider(ctx context.Context, pf ProviderFlags, model string) (provider.Provider, error) {
	switch pf.Provider {
	case "vertex":
		v, err := provider.NewVertex(ctx, provider.VertexConfig{
			ProjectID:   pf.VertexProject,
			Region:      pf.VertexRegion,
			Model:       model,
			Temperature: pf.Temperature,
			MaxTokens:   pf.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create vertex provider: %w", err)
		}
		return v, nil
	default:
		log.Warn().Msg("Using mock completion provider, drafts are canned text")
		return provider.NewMock(model), nil
	}
}

func newBlobStore(ctx context.Context, bf BlobFlags) (blob.Store, func() error, error) {
	switch bf.BlobType {
	case "gcs":
		g, err := blob.NewGCS(ctx, bf.GCS)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gcs blob store: %w", err)
		}
		log.Info().Str("bucket", bf.GCS.Bucket).Msg("Using GCS blob store")
		return g, g.Close, nil
	default:
		log.Info().Msg("Using in-memory blob store")
		return blob.NewMemory(), func() error { return nil }, nil
	}
}

func newDetector(cfg detector.TabulaConfig) (detector.Detector, error) {
	d, err := detector.NewTabula(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	return d, nil
}

// leaseOwner identifies this process in ledger leases.
func leaseOwner() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to read hostname: %w", err)
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid()), nil
}
