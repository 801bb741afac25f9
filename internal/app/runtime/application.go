// Package runtime assembles the control plane from configuration: stores,
// locks, core services and the HTTP server.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/dws/internal/app"
	"github.com/R3E-Network/dws/internal/app/httpapi"
	"github.com/R3E-Network/dws/internal/app/lock"
	"github.com/R3E-Network/dws/internal/app/services/discovery"
	"github.com/R3E-Network/dws/internal/app/services/nodes"
	"github.com/R3E-Network/dws/internal/app/services/stateful"
	"github.com/R3E-Network/dws/internal/app/services/sweeper"
	"github.com/R3E-Network/dws/internal/app/services/workers"
	"github.com/R3E-Network/dws/internal/app/storage/postgres"
	"github.com/R3E-Network/dws/internal/config"
	"github.com/R3E-Network/dws/internal/logging"
	"github.com/R3E-Network/dws/internal/middleware"
	"github.com/R3E-Network/dws/internal/platform/migrations"
)

const limiterIdle = 10 * time.Minute

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logging.Logger
	core    *app.Application
	handler http.Handler
	server  *http.Server
	db      *sql.DB
	redis   *redis.Client
	audit   *httpapi.FileAuditSink
	stop    chan struct{}
	limiter *middleware.RateLimiter
}

// New builds the application. An empty database DSN keeps state in memory
// and an empty Redis address uses an in-process lock.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logging.New("dws", cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{cfg: cfg, log: log, stop: make(chan struct{})}

	stores := app.Stores{}
	if cfg.Database.DSN != "" {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.db = db
		if cfg.Database.Migrate {
			if err := migrations.Apply(ctx, db); err != nil {
				a.closeResources()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		store := postgres.New(db)
		stores = app.Stores{Nodes: store, Stateful: store, Workers: store, Records: store}
		log.Info("using postgres store")
	} else {
		log.Warn("no database configured, state is kept in memory")
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	core, err := app.New(stores, coreOptions(cfg, locker), log)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.core = core

	opts, err := a.httpOptions()
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.handler = httpapi.NewHandler(core, opts, log.Named("httpapi"))
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return a, nil
}

func coreOptions(cfg *config.Config, locker lock.Locker) app.Options {
	return app.Options{
		Registry: nodes.Options{
			HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
			EvictionGrace:    cfg.Registry.EvictionGrace,
		},
		Discovery: discovery.Options{TTL: cfg.Discovery.TTL},
		Provisioner: stateful.Options{
			Zone:             cfg.Provisioner.Zone,
			OperationTimeout: cfg.Provisioner.OperationTimeout,
		},
		Workers: workers.Options{
			Zone:             cfg.Provisioner.Zone,
			OperationTimeout: cfg.Provisioner.OperationTimeout,
		},
		Sweeper:   sweeper.Options{Schedule: cfg.Registry.SweepSchedule},
		Catalogue: cfg.Workers.Catalogue(),
		Locker:    locker,
	}
}

func (a *Application) newLocker(ctx context.Context) (lock.Locker, error) {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return lock.NewKeyed(a.cfg.Provisioner.LockWait), nil
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}
	a.redis = client
	a.log.WithField("addr", rc.Addr).Info("using redis lock")
	return lock.NewRedis(client, lock.RedisOptions{
		Prefix: rc.LockPrefix,
		TTL:    rc.LockTTL,
		Wait:   a.cfg.Provisioner.LockWait,
	}, a.log.Named("lock")), nil
}

func (a *Application) httpOptions() (httpapi.Options, error) {
	var opts httpapi.Options
	cfg := a.cfg
	if cfg.Auth.Enabled {
		opts.Auth = middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, a.log.Named("auth"), cfg.Auth.SkipPaths)
	} else {
		a.log.Warn("authentication disabled")
	}
	if cfg.RateLimit.Enabled {
		a.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, a.log.Named("ratelimit"))
		opts.RateLimiter = a.limiter
	}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		opts.CORS = middleware.NewCORSMiddleware(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders, cfg.CORS.MaxAge)
	}
	sink, err := httpapi.NewFileAuditSink(cfg.Server.AuditLog)
	if err != nil {
		return opts, fmt.Errorf("open audit log: %w", err)
	}
	var auditSink httpapi.AuditSink
	if sink != nil {
		a.audit = sink
		auditSink = sink
	}
	opts.Audit = httpapi.NewAuditLog(cfg.Server.AuditSize, auditSink)
	return opts, nil
}

// Core exposes the assembled services.
func (a *Application) Core() *app.Application { return a.core }

// Handler returns the HTTP handler served by Run.
func (a *Application) Handler() http.Handler { return a.handler }

// Run starts the services and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.core.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	if a.limiter != nil {
		a.limiter.StartCleanup(limiterIdle, a.stop)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.Server.Addr).Info("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, then the services, then closes stores.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.core.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("services: %w", err))
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *Application) closeResources() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.WithError(err).Warn("error closing audit log")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
}

// OpenDatabase opens and pings the Postgres database described by cfg.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	return openDatabase(ctx, cfg)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	configurePool(db, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func configurePool(db *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}
