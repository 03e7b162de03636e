/*
main.go - Application entry point

PURPOSE:
  Starts the credit ledger HTTP server and its scheduled sweeps.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and CREDITS_* environment variables
  2. Apply command-line overrides
  3. Wire store, locks, notifiers, engine and scheduler (app.New)
  4. Serve the API and run the sweeps until interrupted

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides CREDITS_APP_PORT)
  -db      SQLite database path (overrides CREDITS_DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler loops
  2. Wait for active requests (CREDITS_APP_SHUTDOWN_TIMEOUT)
  3. Close redis, kafka and the database
  4. Exit

SEE ALSO:
  - app/app.go: Wiring
  - config/config.go: Environment variables
  - cmd/creditsctl: Operator CLI
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/warp/credit-ledger/app"
	"github.com/warp/credit-ledger/config"
)

func main() {
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *port != 0 {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	logger := app.NewLogger(cfg.App)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "failed to initialize", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Serve(ctx); err != nil {
		logger.Error(ctx, "server error", err)
		a.Close()
		os.Exit(1)
	}
}
