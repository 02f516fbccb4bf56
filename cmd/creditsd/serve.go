package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xraph/credits/api"
	audithook "github.com/xraph/credits/audit_hook"
	"github.com/xraph/credits/identity"
	"github.com/xraph/credits/observability"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the credit portal API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg, ""))

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	audit := audithook.New(audithook.SlogRecorder(logger.With("component", "audit")),
		audithook.WithLogger(logger),
	)

	rt, err := setup(ctx, cfg, logger, metrics, audit)
	if err != nil {
		return err
	}
	defer rt.close()

	resolver, err := identity.NewResolver([]byte(rt.cfg.Session.Secret),
		identity.WithCookieName(rt.cfg.Session.CookieName),
		identity.WithIssuer(rt.cfg.Session.Issuer),
		identity.WithLeeway(rt.cfg.Session.Leeway),
	)
	if err != nil {
		return err
	}

	if err := rt.engine.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler := api.New(rt.engine, resolver,
		api.WithLogger(rt.logger),
		api.WithDataPlane(rt.gateway),
		api.WithMetricsHandler(observability.Handler(reg)),
	)

	srv := &http.Server{
		Addr:              rt.cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadTimeout:       rt.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: rt.cfg.Server.ReadTimeout,
		WriteTimeout:      rt.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("credits portal listening", "addr", srv.Addr)
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

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
