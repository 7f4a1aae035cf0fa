package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"librarylend/internal/api"
	"librarylend/internal/auth"
	"librarylend/internal/catalog"
	"librarylend/internal/circulation"
	"librarylend/internal/membership"
	"librarylend/internal/reconcile"
	"librarylend/internal/telemetry"
	"librarylend/internal/worker"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("port", "", "listen port, overrides HTTP_PORT")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	cfg, log := a.cfg, a.log

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.Env)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Error("tracing shutdown", "err", err)
		}
	}()

	raw, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer raw.Close()
	st := a.resilient(raw)

	wp := worker.NewPool(cfg.RepairWorkers, 256, log)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wp.Shutdown(dctx); err != nil {
			log.Warn("repair queue not drained; run reconcile", "err", err)
		}
	}()
	rec := reconcile.New(st, reconcile.Options{Grace: cfg.ReconcileGrace, Logger: log})
	repairs := reconcile.NewQueue(wp, rec, log)

	var tokens *auth.TokenManager
	if cfg.TokensEnabled() {
		tokens = auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	}

	deps := api.RouterDeps{
		Catalog: catalog.NewService(st),
		Membership: membership.NewService(st, membership.Options{
			RatePerMinute: cfg.AuthRatePerMin,
			Burst:         cfg.AuthBurst,
			Tokens:        tokens,
			Logger:        log,
		}),
		Circulation: circulation.NewService(st, circulation.Options{
			MaxAttempts: cfg.EditMaxAttempts,
			Repairs:     repairs,
			Logger:      log,
		}),
		Store:   st,
		Logger:  log,
		RateRPS: cfg.HTTPRateRPS,
	}
	if cfg.AdminAuth {
		deps.AdminTokens = tokens
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "admin_auth", cfg.AdminAuth)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "err", err)
	}
	return nil
}
