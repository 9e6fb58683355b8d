/*
main.go - Application entry point

PURPOSE:
  Command-line front end of the estate billing engine. Loads configuration,
  opens the store, wires the engine and either serves HTTP or runs one job.

COMMANDS:
  serve      HTTP API, /metrics and the cron scheduler
  generate   Generate charges for one period and exit
  sweep      Mark overdue charges and exit
  migrate    Open the store, apply the schema and exit

CONFIGURATION (later wins):
  1. Built-in defaults
  2. --config YAML file (or BILLING_CONFIG)
  3. .env and BILLING_* environment variables
  4. Command-line flags

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop scheduling jobs and wait for running ones
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Run with a file database
  ./server serve --db ./data/billing.db

  # Run against Postgres
  BILLING_PG_DSN=postgres://... ./server serve --driver postgres

  # Rerun April by hand
  ./server generate --period 2025-04

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration layers
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/estate-billing/config"
)

// flags override the loaded configuration when set.
type flags struct {
	configPath string
	addr       string
	driver     string
	dbPath     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "server",
		Short:         "Recurring estate billing and balance settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&f.driver, "driver", "", "store driver: sqlite or postgres")
	root.PersistentFlags().StringVar(&f.dbPath, "db", "", `SQLite database path (":memory:" for in-memory)`)
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")

	serve := newServeCmd(f)
	serve.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address")

	root.AddCommand(serve, newGenerateCmd(f), newSweepCmd(f), newMigrateCmd(f))
	return root
}

// load applies flags on top of the layered configuration.
func (f *flags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.addr != "" {
		cfg.HTTPAddr = f.addr
	}
	if f.driver != "" {
		cfg.Store.Driver = f.driver
	}
	if f.dbPath != "" {
		cfg.Store.SQLitePath = f.dbPath
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}
