// The xpkg-registry service owns packages, versions, uploads and the
// packaging pipeline, downloads, analytics, and the public catalog.
package main

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/xpkg-net/registry/pkg/config"
	"github.com/xpkg-net/registry/pkg/httputil"
	"github.com/xpkg-net/registry/pkg/identity"
	"github.com/xpkg-net/registry/pkg/mailer"
	"github.com/xpkg-net/registry/pkg/middleware"
	"github.com/xpkg-net/registry/pkg/observability"
	"github.com/xpkg-net/registry/pkg/pipeline"
	"github.com/xpkg-net/registry/pkg/registry"
	"github.com/xpkg-net/registry/pkg/storage"
)

// pipelineWorkers bounds concurrent archive processing per replica.
const pipelineWorkers = 4

func main() {
	cfg := config.Load()
	log := observability.NewLogger("xpkg-registry", cfg.LogLevel, nil)
	if err := cfg.ValidateRegistry(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	db, err := storage.Connect(cfg.Postgres)
	if err != nil {
		log.WithError(err).Fatal("postgres connection failed")
	}
	ctx := context.Background()
	if err := storage.Migrate(ctx, db); err != nil {
		log.WithError(err).Fatal("migration failed")
	}

	objects, err := storage.NewObjectStore(ctx, cfg.S3)
	if err != nil {
		log.WithError(err).Fatal("object store init failed")
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	mail := mailer.NewLogMailer(log)
	idStore := identity.NewStore(db)
	idService := identity.NewService(idStore, mail, identity.AllowAllChecker{}, log, cfg.Identity.PortalURL)

	store := registry.NewStore(db)
	workers := pipeline.NewWorkers(ctx, store, objects, mail, cfg.Jobs, cfg.Registry, pipelineWorkers, log)
	catalog := registry.NewCatalogGenerator(store, log, cfg.Registry.CatalogPath)
	handler := registry.NewHandler(store, objects, idService, workers, catalog, cfg.Registry, log)

	metrics := observability.NewMetrics(nil)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	chain := []func(http.Handler) http.Handler{
		httputil.RecoveryMiddleware(log),
		httputil.LoggingMiddleware(log),
	}
	if redisClient != nil {
		limiter := middleware.NewRateLimiter(redisClient, log)
		chain = append(chain,
			middleware.Annotate(idService),
			limiter.Limit(middleware.DefaultRateLimitConfig("registry")),
		)
	}
	root := httputil.Chain(chain...)(metrics.InstrumentHandler("registry", router))

	crons := cron.New()
	if _, err := crons.AddFunc("@every "+cfg.Registry.CatalogInterval.String(), func() {
		genCtx, cancel := context.WithTimeout(context.Background(), cfg.Registry.CatalogInterval)
		defer cancel()
		if err := catalog.Generate(genCtx); err != nil {
			log.WithError(err).Error("catalog generation failed")
			return
		}
		metrics.CatalogGenerations.Inc()
	}); err != nil {
		log.WithError(err).Fatal("failed to schedule catalog generation")
	}
	crons.Start()

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := newHealthServer(cfg.Server, db, redisClient)

	shutdown := observability.NewShutdownManager(log, server, cfg.Server.ShutdownTimeout)
	shutdown.Register(func(ctx context.Context) error {
		crons.Stop()
		return healthServer.Shutdown(ctx)
	})
	shutdown.Register(func(context.Context) error {
		return workers.Shutdown(cfg.Server.ShutdownTimeout)
	})
	shutdown.Register(func(context.Context) error { return db.Close() })

	var g errgroup.Group
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("registry service listening")
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
		log.WithError(err).Fatal("registry service failed")
	}
}

func newHealthServer(cfg config.ServerConfig, db *sql.DB, redisClient *redis.Client) *http.Server {
	checker := observability.NewHealthChecker(db, redisClient)
	m := http.NewServeMux()
	m.HandleFunc("/healthz", checker.Liveness)
	m.HandleFunc("/readyz", checker.Readiness)
	m.Handle("/metrics", observability.MetricsHandler(nil))
	return &http.Server{Addr: cfg.Host + ":" + cfg.HealthPort, Handler: m}
}
