/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points redemption server.
  Wires configuration, storage, the redemption service, and the HTTP
  router through fx, which also owns graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (file, REDEEM_* env, flags)
  2. Build the zap logger
  3. Open the ledger store (sqlite, postgres via gorm, or memory)
  4. Seed the catalog when seed.enabled and the store is empty
  5. Build the redemption service, auditor, and idempotency store
  6. Configure the HTTP router and start the server

COMMAND-LINE FLAGS:
  --config     YAML config file
  --port       HTTP server port (overrides http.addr)
  --db-driver  sqlite | postgres | memory
  --db-dsn     Database DSN or SQLite path (":memory:" works)
  --seed       Load the sample catalog into an empty store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM fx runs the OnStop hooks in reverse order:
  1. Stop accepting new connections and drain active requests
  2. Stop the auditor
  3. Close the redis client, if any
  4. Close the database connection

EXAMPLES:
  # Run against a local SQLite file with sample data
  ./server --db-dsn=./data/redemption.db --seed

  # Run against postgres
  REDEEM_AUTH_JWT_SECRET=... ./server --db-driver=postgres \
      --db-dsn="host=localhost user=app dbname=rewards sslmode=disable"

SEE ALSO:
  - config/config.go: Every setting and its default
  - api/server.go: Router configuration
  - redemption/service.go: The redemption transaction
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/warp/redemption-engine/api"
	"github.com/warp/redemption-engine/auth"
	"github.com/warp/redemption-engine/config"
	"github.com/warp/redemption-engine/idempotency"
	"github.com/warp/redemption-engine/ledger"
	memstore "github.com/warp/redemption-engine/ledger/store"
	"github.com/warp/redemption-engine/logger"
	"github.com/warp/redemption-engine/redemption"
	"github.com/warp/redemption-engine/seed"
	"github.com/warp/redemption-engine/store/gormstore"
	"github.com/warp/redemption-engine/store/sqlite"
)

func main() {
	app := fx.New(
		fx.Provide(
			func() (*config.Config, error) { return config.Load(os.Args[1:]) },
			logger.New,
			provideStore,
			provideMetrics,
			provideService,
			provideAuditor,
			provideIdempotency,
			provideVerifier,
			provideRouter,
			provideHTTPServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(
			seedCatalog,
			startAuditor,
			run,
		),
	)

	app.Run()
}

// provideStore opens the configured ledger store and closes it on shutdown.
func provideStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (ledger.Store, error) {
	var (
		store ledger.Store
		err   error
	)
	switch cfg.Database.Driver {
	case "sqlite":
		store, err = sqlite.Open(sqlite.Config{
			Path:         cfg.Database.DSN,
			BusyTimeout:  cfg.Database.BusyTimeout,
			MaxOpenConns: cfg.Database.MaxOpenConns,
		})
	case "postgres":
		db, openErr := gormstore.Open(gormstore.Config{
			Driver:       "postgres",
			DSN:          cfg.Database.DSN,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			Production:   cfg.IsProduction(),
			Metrics:      true,
		}, log)
		if openErr != nil {
			return nil, openErr
		}
		store, err = gormstore.New(db)
	case "memory":
		store = memstore.NewMemory()
	default:
		err = fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}

	log.Info("ledger store ready", zap.String("driver", cfg.Database.Driver))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			log.Info("closing ledger store")
			return store.Close()
		},
	})
	return store, nil
}

func provideMetrics() *redemption.Metrics {
	return redemption.NewMetrics(prometheus.DefaultRegisterer)
}

func provideService(store ledger.Store, log *zap.Logger, metrics *redemption.Metrics) *redemption.Service {
	return redemption.NewService(store,
		redemption.WithLogger(log),
		redemption.WithMetrics(metrics),
	)
}

func provideAuditor(cfg *config.Config, store ledger.Store, log *zap.Logger, metrics *redemption.Metrics) *redemption.Auditor {
	a := redemption.NewAuditor(store, log, metrics)
	a.Enabled = cfg.Auditor.Enabled
	a.CheckInterval = cfg.Auditor.Interval
	return a
}

// provideIdempotency picks the replay store. Redis is pinged at startup so a
// bad address fails fast instead of on the first POST.
func provideIdempotency(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*idempotency.Middleware, error) {
	var store idempotency.Store
	switch cfg.Idempotency.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				log.Info("closing redis client")
				return rdb.Close()
			},
		})
		store = idempotency.NewRedisStore(rdb)
	default:
		store = idempotency.NewMemoryStore()
	}
	log.Info("idempotency store ready",
		zap.String("backend", cfg.Idempotency.Backend),
		zap.Duration("ttl", cfg.Idempotency.TTL))
	return idempotency.NewMiddleware(store, cfg.Idempotency.TTL, log), nil
}

func provideVerifier(cfg *config.Config, store ledger.Store, log *zap.Logger) (*auth.Verifier, error) {
	return auth.NewVerifier([]byte(cfg.Auth.JWTSecret), store,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithLogger(log),
	)
}

func provideRouter(
	cfg *config.Config,
	store ledger.Store,
	svc *redemption.Service,
	auditor *redemption.Auditor,
	idem *idempotency.Middleware,
	verifier *auth.Verifier,
	log *zap.Logger,
) http.Handler {
	h := api.NewHandler(store, svc, auditor, log)
	return api.NewRouter(h, api.RouterConfig{
		Verifier:    verifier,
		Idempotency: idem,
		Gatherer:    prometheus.DefaultGatherer,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Logger:      log,
	})
}

func provideHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
}

// seedCatalog loads seed.file, or the embedded catalog, into an empty store.
func seedCatalog(lc fx.Lifecycle, cfg *config.Config, store ledger.Store, log *zap.Logger) {
	if !cfg.Seed.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			fixture, err := loadFixture(cfg.Seed.File)
			if err != nil {
				return err
			}
			res, loaded, err := seed.LoadIfEmpty(ctx, store, fixture, log)
			if err != nil {
				return err
			}
			if !loaded {
				log.Info("store already has users, skipping seed")
				return nil
			}
			log.Info("seeded catalog",
				zap.Int("users", res.Users),
				zap.Int("rewards", res.Rewards),
				zap.Int("redemptions", res.Redemptions))
			return nil
		},
	})
}

func loadFixture(path string) (*seed.Fixture, error) {
	if path == "" {
		return seed.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return seed.Parse(data)
}

func startAuditor(lc fx.Lifecycle, a *redemption.Auditor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			a.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			a.Stop()
			return nil
		},
	})
}

// run wires the HTTP server lifecycle to the fx application.
func run(lc fx.Lifecycle, log *zap.Logger, srv *http.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("starting HTTP server", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("HTTP server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down HTTP server", zap.String("addr", srv.Addr))
			return srv.Shutdown(ctx)
		},
	})
}
