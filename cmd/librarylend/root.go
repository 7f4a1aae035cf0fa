package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"librarylend/internal/config"
	"librarylend/internal/logger"
	"librarylend/internal/store"
)

// app carries what every subcommand shares once the environment is loaded.
type app struct {
	cfg config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var env, driver, dsn string
	root := &cobra.Command{
		Use:           "librarylend",
		Short:         "Library catalog and lending service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg = config.Load()
			flags := cmd.Flags()
			if flags.Changed("env") {
				a.cfg.Env = env
			}
			if flags.Changed("store") {
				a.cfg.StoreDriver = driver
			}
			if flags.Changed("database-url") {
				a.cfg.DatabaseURL = dsn
			}
			if flags.Changed("port") {
				a.cfg.HTTPPort, _ = flags.GetString("port")
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			// serve logs to stdout; the tools keep stdout for their own output.
			if cmd.Name() == "serve" {
				a.log = logger.New(a.cfg.Env)
			} else {
				a.log = logger.NewWithWriter(a.cfg.Env, os.Stderr)
			}
			slog.SetDefault(a.log)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&env, "env", "", "environment name, overrides APP_ENV")
	pf.StringVar(&driver, "store", "", "store driver (memory|postgres), overrides STORE_DRIVER")
	pf.StringVar(&dsn, "database-url", "", "PostgreSQL DSN, overrides DATABASE_URL")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newReconcileCmd(a),
		newChaosCmd(a),
		newUseraddCmd(a),
	)
	return root
}

// openStore connects the configured driver. The raw store is returned for
// tools that must see faults unretried; callers close it.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		a.log.Warn("using the in-memory store; data is lost on exit")
		return store.NewMemory(), nil
	}
}

// resilient wraps st with retries and the circuit breaker.
func (a *app) resilient(st store.Store) store.Store {
	return store.NewResilient(st, store.ResilienceOptions{
		MaxRetries: uint(a.cfg.StoreMaxRetries),
		BaseDelay:  a.cfg.StoreRetryBase,
		Logger:     a.log,
	})
}

func (a *app) persistent() bool { return a.cfg.StoreDriver == config.DriverPostgres }
