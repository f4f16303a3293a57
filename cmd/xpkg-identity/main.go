// The xpkg-identity service owns accounts, OAuth clients, tokens, and the
// PKCE authorization flow.
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
	"github.com/xpkg-net/registry/pkg/storage"
)

func main() {
	cfg := config.Load()
	log := observability.NewLogger("xpkg-identity", cfg.LogLevel, nil)
	if err := cfg.ValidateIdentity(); err != nil {
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

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	store := identity.NewStore(db)
	mail := mailer.NewLogMailer(log)
	service := identity.NewService(store, mail, identity.AllowAllChecker{}, log, cfg.Identity.PortalURL)
	handler := identity.NewHandler(service, log)

	metrics := observability.NewMetrics(nil)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	chain := []func(http.Handler) http.Handler{
		httputil.RecoveryMiddleware(log),
		httputil.LoggingMiddleware(log),
		httputil.MaxBytesMiddleware(1 << 20),
	}
	if redisClient != nil {
		limiter := middleware.NewRateLimiter(redisClient, log)
		chain = append(chain,
			middleware.Annotate(service),
			limiter.Limit(middleware.DefaultRateLimitConfig("identity")),
		)
	}
	root := httputil.Chain(chain...)(metrics.InstrumentHandler("identity", router))

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 10m", func() {
		service.SweepExpired(context.Background())
	}); err != nil {
		log.WithError(err).Fatal("failed to schedule token sweep")
	}
	sweeper.Start()

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
		sweeper.Stop()
		return healthServer.Shutdown(ctx)
	})
	shutdown.Register(func(context.Context) error { return db.Close() })

	var g errgroup.Group
	g.Go(func() error {
		log.WithField("addr", server.Addr).Info("identity service listening")
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
		log.WithError(err).Fatal("identity service failed")
	}
}

// newHealthServer serves probes and metrics on the side port.
func newHealthServer(cfg config.ServerConfig, db *sql.DB, redisClient *redis.Client) *http.Server {
	checker := observability.NewHealthChecker(db, redisClient)
	m := http.NewServeMux()
	m.HandleFunc("/healthz", checker.Liveness)
	m.HandleFunc("/readyz", checker.Readiness)
	m.Handle("/metrics", observability.MetricsHandler(nil))
	return &http.Server{Addr: cfg.Host + ":" + cfg.HealthPort, Handler: m}
}
