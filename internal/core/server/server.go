// Package server wires the report routes onto a chi router and runs the
// HTTP listener until its context ends.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/config"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/health"
	middleware "github.com/mohammed-shakir/parcel-intersections/internal/core/middleware"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/router"
)

// Deps are the handlers' collaborators. Cadastre, Ready and Metrics are optional.
type Deps struct {
	Reports  router.ReportHandler
	Cadastre router.CadastreFetcher
	Checks   []health.Check
	Ready    health.ReadinessReporter
	Metrics  http.Handler
}

func NewRouter(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, d.Checks, d.Ready))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Post("/v1/reports", router.HandleReport(logger, d.Reports, d.Cadastre, 0))
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
