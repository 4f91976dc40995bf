package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/ledger"
	postgresstore "github.com/wolfeidau/tablepipe/internal/store/postgres"
)

// PurgeLedgerCmd removes finished ledger entries past their retention.
// Audit-critical entries never expire and are kept.
type PurgeLedgerCmd struct {
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Every         time.Duration      `help:"repeat at this interval instead of running once" default:"0s"`
}

func (c *PurgeLedgerCmd) Run(globals *Globals) error {
	logger := setupLogger(globals)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := c.PostgresStore.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := postgresstore.NewStore(pool, postgresstore.StoreConfig{})
	if err != nil {
		return err
	}
	l := ledger.New(st, ledger.Config{})

	if c.Every <= 0 {
		return purgeOnce(ctx, l)
	}

	ticker := time.NewTicker(c.Every)
	defer ticker.Stop()
	for {
		if err := purgeOnce(ctx, l); err != nil {
			logger.Error().Err(err).Msg("Ledger purge failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func purgeOnce(ctx context.Context, l *ledger.Ledger) error {
	purged, err := l.Purge(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge ledger: %w", err)
	}
	log.Info().Int64("purged", purged).Msg("Purged expired ledger entries")
	return nil
}
