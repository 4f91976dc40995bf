package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/tablepipe/internal/auth"
	"github.com/wolfeidau/tablepipe/internal/detector"
	"github.com/wolfeidau/tablepipe/internal/export"
	"github.com/wolfeidau/tablepipe/internal/ingest"
	"github.com/wolfeidau/tablepipe/internal/normalize"
	"github.com/wolfeidau/tablepipe/internal/review"
	"github.com/wolfeidau/tablepipe/internal/server"
	postgresstore "github.com/wolfeidau/tablepipe/internal/store/postgres"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"github.com/wolfeidau/tablepipe/internal/worker"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"TABLEPIPE_LISTEN"`
	Cert   string `help:"path to TLS cert file" default:"" env:"TABLEPIPE_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"TABLEPIPE_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" env:"TABLEPIPE_CORS_ORIGINS"`

	MaxUploadBytes int64 `help:"maximum PDF upload size in bytes" default:"52428800" env:"TABLEPIPE_MAX_UPLOAD_BYTES"`

	// Authentication, identity headers are trusted when no key is set
	JWTPublicKey string `help:"PEM-encoded ECDSA public key for bearer token auth" env:"TABLEPIPE_JWT_PUBLIC_KEY"`

	// Operational modes
	Tracing     bool    `help:"enable tracing" default:"false" env:"TABLEPIPE_TRACING"`
	SampleRatio float64 `help:"fraction of traces sampled" default:"1" env:"TABLEPIPE_TRACE_SAMPLE_RATIO"`
	Sweep       bool    `help:"run the draft sweeper in this process" default:"true" negatable:"" env:"TABLEPIPE_SWEEP"`

	Store    StoreFlags            `embed:""`
	Blob     BlobFlags             `embed:""`
	Provider ProviderFlags         `embed:""`
	Detector detector.TabulaConfig `embed:"" prefix:"tabula-" envprefix:"TABLEPIPE_TABULA_"`
	Worker   worker.Config         `embed:"" prefix:"worker-"`
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := setupLogger(globals)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "tablepipe-server",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	rt, err := newRuntime(ctx, globals, c.Store, c.Provider)
	if err != nil {
		return err
	}
	defer rt.Close()

	blobs, closeBlobs, err := newBlobStore(ctx, c.Blob)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBlobs(); err != nil {
			log.Error().Err(err).Msg("Failed to close blob store")
		}
	}()

	det, err := newDetector(c.Detector)
	if err != nil {
		return err
	}
	normalizer, err := normalize.New()
	if err != nil {
		return fmt.Errorf("failed to create normalizer: %w", err)
	}

	exports := export.NewAssembler(rt.store, blobs)
	defer exports.Wait()

	opts := []server.Option{server.WithCORSOrigins(c.CORSOrigins), server.WithMaxUploadBytes(c.MaxUploadBytes)}
	if c.JWTPublicKey != "" {
		verifier, err := auth.NewVerifierFromPEM(c.JWTPublicKey)
		if err != nil {
			return fmt.Errorf("failed to load JWT public key: %w", err)
		}
		opts = append(opts, server.WithTokenVerifier(verifier))
		log.Info().Msg("Bearer token authentication enabled")
	}

	srv := server.NewServer(server.Services{
		Machine:  rt.machine,
		Drafts:   rt.drafts,
		Review:   review.NewGate(rt.machine, rt.store, review.WithEscalationThreshold(rt.cfg.Review.EscalationThreshold)),
		Exports:  exports,
		Ingestor: ingest.New(rt.store, blobs, det, normalizer, rt.machine),
	}, opts...)

	httpServer := configureHTTPServer(c.Listen, srv.Handler(log))

	g, gctx := errgroup.WithContext(ctx)

	if c.Sweep {
		sweeper := worker.NewSweeper(rt.store, rt.drafts, rt.sweeperConfig(c.Worker))
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	if rt.pool != nil {
		g.Go(func() error {
			postgresstore.MonitorPool(gctx, rt.pool, 30*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		tls := c.Cert != "" && c.Key != ""
		log.Info().Str("addr", c.Listen).Bool("tls", tls).Msg("Starting HTTP server")

		var err error
		if tls {
			err = httpServer.ListenAndServeTLS(c.Cert, c.Key)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
