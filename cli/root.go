/*
Package cli implements creditsctl, the operator command line.

COMMANDS:
  serve                  Run the HTTP API and the scheduler
  migrate [command]      goose migrations (up, down, status, version)
  import FILE            Issue credits from a CSV file
  export [-o FILE]       Write every transaction as CSV
  sweep expired          Expire lapsed buckets now
  sweep notices          Send due expiry notices now
  balance USER_ID        Show a user's available credits and buckets
  token USER_ID          Mint a bearer token for the API

Every command reads the same CREDITS_* environment as the server; the
--db and --log-level flags override it. Ledger writes made from the CLI
are recorded with the system user as the acting user.
*/
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/warp/credit-ledger/app"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/logging"
)

type globals struct {
	dbPath   string
	logLevel string

	cfg *config.Config
	log *logging.Logger
}

// NewRootCommand builds the creditsctl command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "creditsctl",
		Short:         "Operate the credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "SQLite database path (overrides CREDITS_DB_PATH)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (overrides CREDITS_LOG_LEVEL)")

	root.AddCommand(
		newServeCommand(g),
		newMigrateCommand(g),
		newImportCommand(g),
		newExportCommand(g),
		newSweepCommand(g),
		newBalanceCommand(g),
		newTokenCommand(g),
	)
	return root
}

// Execute runs creditsctl with the process arguments.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (g *globals) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if g.dbPath != "" {
		cfg.DB.Path = g.dbPath
	}
	if g.logLevel != "" {
		cfg.App.LogLevel = g.logLevel
	}
	g.cfg = cfg
	g.log = app.NewLogger(cfg.App)
	return nil
}

// open wires the application for a one-shot command. The scheduler loops
// never start outside serve.
func (g *globals) open(cmd *cobra.Command) (*app.App, context.Context, error) {
	ctx := credits.WithActor(cmd.Context(), credits.SystemUserID)
	a, err := app.New(ctx, g.cfg, g.log)
	if err != nil {
		return nil, nil, err
	}
	return a, ctx, nil
}
