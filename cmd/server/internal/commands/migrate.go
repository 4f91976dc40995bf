package commands

import (
	"context"
	"time"

	postgresstore "github.com/wolfeidau/tablepipe/internal/store/postgres"
)

type MigrateCmd struct {
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Timeout       time.Duration      `help:"give up after this long" default:"5m"`
}

func (c *MigrateCmd) Run(globals *Globals) error {
	log := setupLogger(globals)
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	pool, err := c.PostgresStore.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgresstore.RunMigrations(ctx, pool); err != nil {
		return err
	}
	log.Info().Msg("Database is up to date")
	return nil
}
