package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/scheduler"
	"github.com/warp/credit-ledger/transfer"
)

// ─── serve ──────────────────────────────────────────────────────────────────

func newServeCommand(g *globals) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != 0 {
				g.cfg.App.Port = port
			}
			a, ctx, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides CREDITS_APP_PORT)")
	return cmd
}

// ─── migrate ────────────────────────────────────────────────────────────────

func newMigrateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status|version|redo]",
		Short: "Run database migrations",
		Long: `Run goose against the embedded migrations. Opening the database
already applies pending migrations, so "up" is only needed to check the
result; "down" rolls back the latest one.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "version", "redo"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			a, ctx, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Store.Migrate(ctx, g.log, command)
		},
	}
}

// ─── import ─────────────────────────────────────────────────────────────────

func newImportCommand(g *globals) *cobra.Command {
	var delimiter string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Issue credits from a CSV file",
		Long: `Issue one bucket per row of FILE. The header names the columns, in any
order: userid, amount, validuntil (YYYY-MM-DD), publicnote, privatenote.
Rows that fail validation are skipped and listed with their line number.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open import file: %w", err)
			}
			defer f.Close()

			a, ctx, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			importer, err := transfer.NewImporter(transfer.ImporterOptions{
				Issuer:    a.Engine,
				Users:     a.Store,
				Location:  a.Engine.Location(),
				Delimiter: delimiter,
				Logger:    g.log,
			})
			if err != nil {
				return err
			}
			res, err := importer.Import(ctx, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported %d rows (%d credits)\n", res.Imported, res.Credits)
			for _, s := range res.Skipped {
				fmt.Fprintf(out, "  skipped %s\n", s.Error())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&delimiter, "delimiter", "d", "comma", "field delimiter: comma, semicolon, colon, tab or one character")
	return cmd
}

// ─── export ─────────────────────────────────────────────────────────────────

func newExportCommand(g *globals) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every transaction as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			exporter := transfer.NewExporter(a.Store, a.Engine.Location())
			w := cmd.OutOrStdout()
			if output != "" {
				if output == "auto" {
					output = exporter.Filename(a.Engine.Now())
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				defer f.Close()
				w = f
			}

			n, err := exporter.Export(ctx, w)
			if err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d transactions to %s\n", n, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", `output file; "auto" uses credits-txs-DATE.csv (default stdout)`)
	return cmd
}

// ─── sweep ──────────────────────────────────────────────────────────────────

func newSweepCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a scheduled job now",
	}
	cmd.AddCommand(
		newSweepJobCommand(g, "expired", "Expire every lapsed bucket", scheduler.JobExpireCredits),
		newSweepJobCommand(g, "notices", "Send due expiry notices", scheduler.JobSendExpiryNotices),
	)
	return cmd
}

func newSweepJobCommand(g *globals, use, short, job string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.Scheduler.RunNow(ctx, job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: processed=%d skipped=%d failed=%d credits=%d\n",
				run.Job, run.Status, run.Result.Processed, run.Result.Skipped, run.Result.Failed, run.Result.Credits)
			return nil
		},
	}
}

// ─── balance ────────────────────────────────────────────────────────────────

func newBalanceCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Show a user's available credits and buckets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			a, ctx, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			now := a.Engine.Now()
			available, err := a.Engine.AvailableCredits(ctx, userID, now)
			if err != nil {
				return err
			}
			buckets, err := a.Engine.Buckets(ctx, userID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User %d: %d credits available\n", userID, available)
			for _, b := range buckets {
				fmt.Fprintf(out, "  #%d %-8s total=%d used=%d expired=%d remaining=%d valid_until=%s\n",
					b.ID, b.StateAt(now), b.Total, b.Used, b.Expired, b.Remaining,
					b.ValidUntil.In(a.Engine.Location()).Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

// ─── token ──────────────────────────────────────────────────────────────────

func newTokenCommand(g *globals) *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Mint a bearer token for the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			auth, err := api.NewAuthenticator(g.cfg.Auth.JWTSecret, g.cfg.Auth.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := auth.Mint(credits.Subject{UserID: userID, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (credits:manage, credits:viewall), repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}
