package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/tablepipe/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug       bool   `help:"Enable debug mode."`
		Config      string `help:"Pipeline settings file (YAML)." type:"path" env:"TABLEPIPE_CONFIG"`
		Version     kong.VersionFlag
		Serve       commands.ServeCmd       `cmd:"" help:"Start the HTTP API"`
		Worker      commands.WorkerCmd      `cmd:"" help:"Run the draft sweeper without the API"`
		Migrate     commands.MigrateCmd     `cmd:"" help:"Apply database migrations"`
		PurgeLedger commands.PurgeLedgerCmd `cmd:"" help:"Delete expired idempotency ledger entries"`
		Token       commands.TokenCmd       `cmd:"" help:"Issue a bearer token for the API"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("tablepipe"),
		kong.Description("PDF table extraction and review pipeline."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, Config: cli.Config})
	cmd.FatalIfErrorf(err)
}
