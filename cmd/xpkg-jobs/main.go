// The xpkg-jobs service runs the coordinator workers register their jobs
// with, and aborts jobs that outlive their deadline.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/xpkg-net/registry/pkg/config"
	"github.com/xpkg-net/registry/pkg/httputil"
	"github.com/xpkg-net/registry/pkg/jobs"
	"github.com/xpkg-net/registry/pkg/observability"
)

func main() {
	cfg := config.Load()
	log := observability.NewLogger("xpkg-jobs", cfg.LogLevel, nil)
	if err := cfg.ValidateJobs(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	coordinator := jobs.NewCoordinator(cfg.Jobs, log)

	router := mux.NewRouter()
	router.Handle("/jobs", coordinator)
	root := httputil.Chain(
		httputil.RecoveryMiddleware(log),
		httputil.LoggingMiddleware(log),
	)(router)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		coordinator.SweepTimeouts(time.Now())
	}); err != nil {
		log.WithError(err).Fatal("failed to schedule timeout sweep")
	}
	sweeper.Start()

	server := &http.Server{
		Addr:        cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:     root,
		IdleTimeout: cfg.Server.IdleTimeout,
		// No read/write timeouts: job channels stay open for the whole run.
	}

	checker := observability.NewHealthChecker(nil, nil)
	hm := http.NewServeMux()
	hm.HandleFunc("/healthz", checker.Liveness)
	hm.HandleFunc("/readyz", checker.Readiness)
	hm.Handle("/metrics", observability.MetricsHandler(nil))
	healthServer := &http.Server{Addr: cfg.Server.Host + ":" + cfg.Server.HealthPort, Handler: hm}

	shutdown := observability.NewShutdownManager(log, server, cfg.Server.ShutdownTimeout)
	shutdown.Register(func(ctx context.Context) error {
		sweeper.Stop()
		return healthServer.Shutdown(ctx)
	})

	var g errgroup.Group
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("jobs coordinator listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error { return shutdown.Wait() })

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("jobs coordinator failed")
	}
}
