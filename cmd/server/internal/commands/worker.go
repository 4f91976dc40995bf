package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wolfeidau/tablepipe/internal/worker"
)

// WorkerCmd drafts tasks in a process without the HTTP API. It only makes
// sense against a shared store.
type WorkerCmd struct {
	Store    StoreFlags    `embed:""`
	Provider ProviderFlags `embed:""`
	Worker   worker.Config `embed:"" prefix:"worker-"`
}

func (c *WorkerCmd) Run(globals *Globals) error {
	log := setupLogger(globals)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Store.StoreType == "memory" {
		log.Warn().Msg("Worker is using the in-memory store and will only see tasks it creates itself")
	}

	rt, err := newRuntime(ctx, globals, c.Store, c.Provider)
	if err != nil {
		return err
	}
	defer rt.Close()

	log.Info().
		Dur("poll_interval", c.Worker.PollInterval).
		Int("concurrency", c.Worker.Concurrency).
		Msg("Starting worker")

	return worker.NewSweeper(rt.store, rt.drafts, rt.sweeperConfig(c.Worker)).Run(ctx)
}
