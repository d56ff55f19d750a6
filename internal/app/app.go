// Package app arma el signer a partir de la config: stores, limiter, cache,
// core, dispatcher y router HTTP, con su ciclo de vida.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/signer/internal/audit"
	"github.com/dropDatabas3/signer/internal/cache"
	"github.com/dropDatabas3/signer/internal/config"
	"github.com/dropDatabas3/signer/internal/dispatcher"
	signerhttp "github.com/dropDatabas3/signer/internal/http"
	"github.com/dropDatabas3/signer/internal/keystore"
	"github.com/dropDatabas3/signer/internal/metrics"
	"github.com/dropDatabas3/signer/internal/observability/logger"
	"github.com/dropDatabas3/signer/internal/policy"
	"github.com/dropDatabas3/signer/internal/presign"
	"github.com/dropDatabas3/signer/internal/rate"
	"github.com/dropDatabas3/signer/internal/security/secretbox"
	"github.com/dropDatabas3/signer/internal/signer"
	"github.com/dropDatabas3/signer/internal/store/pg"
	"github.com/dropDatabas3/signer/internal/util"
)

// Resources son las conexiones compartidas. Se abren sólo si la config las usa.
type Resources struct {
	Pool  *pgxpool.Pool
	Redis redis.UniversalClient

	closers []func() error
}

// OpenResources abre el pool de postgres (y migra) y el cliente redis según cfg.
func OpenResources(ctx context.Context, cfg *config.Config) (*Resources, error) {
	r := &Resources{}
	if cfg.NeedsPostgres() {
		pool, err := pg.Open(ctx, cfg.Storage.DSN, pg.Options{
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		logger.Named("app").Info("postgres connected", logger.String("dsn", util.MaskDSN(cfg.Storage.DSN)))
		r.Pool = pool
		r.closers = append(r.closers, func() error { pool.Close(); return nil })
		if _, err := pg.Migrate(ctx, pool); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if cfg.UsesRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			_ = r.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		r.Redis = rdb
		r.closers = append(r.closers, rdb.Close)
	}
	return r, nil
}

// Close libera en orden inverso de apertura.
func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// OpenKeys abre el keystore con el Source configurado y carga las claves.
func OpenKeys(ctx context.Context, cfg *config.Config, res *Resources) (*keystore.Store, error) {
	var src keystore.Source
	switch cfg.Keys.Source {
	case "memory":
		src = keystore.NewMemorySource()
	case "file", "postgres":
		box, err := secretbox.FromString(cfg.Security.SecretBoxMasterKey)
		if err != nil {
			return nil, err
		}
		if cfg.Keys.Source == "file" {
			src, err = keystore.NewFileSource(cfg.Keys.Dir, box)
		} else {
			src, err = keystore.NewPostgresSource(res.Pool, box)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.Keys.Source)
	}
	return keystore.Open(ctx, src, keystore.WithLogger(logger.Named("keystore")))
}

// OpenAuditStore abre el store primario de auditoría.
func OpenAuditStore(cfg *config.Config, res *Resources) (audit.Store, error) {
	switch cfg.Audit.Store {
	case "memory":
		return audit.NewMemoryStore(), nil
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.BoltPath), 0o700); err != nil {
			return nil, err
		}
		return audit.OpenBoltStore(cfg.Audit.BoltPath)
	case "postgres":
		return audit.NewPostgresStore(res.Pool), nil
	}
	return nil, fmt.Errorf("unknown audit store %q", cfg.Audit.Store)
}

// App es el signer armado.
type App struct {
	Config     *config.Config
	Resources  *Resources
	Keys       *keystore.Store
	Audit      *audit.Log
	Dispatcher *dispatcher.Dispatcher
	Presigner  *presign.Presigner
	Metrics    *metrics.Signer
	Handler    http.Handler

	cache   cache.Client
	dates   cache.Client
	sweeper *rate.MemoryLimiter
	mirror  *audit.KafkaMirror
	log     *zap.Logger
}

// Option configura New.
type Option func(*options)

type options struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer
}

// WithRegistry usa un registry propio (tests) en lugar del default.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.reg, o.gatherer = reg, reg }
}

// New arma el signer completo.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{reg: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, fn := range opts {
		fn(&o)
	}
	log := logger.Named("app")

	res, err := OpenResources(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Resources: res, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Metrics, err = metrics.NewSigner(o.reg); err != nil {
		return nil, err
	}
	if a.Keys, err = OpenKeys(ctx, cfg, res); err != nil {
		return nil, err
	}

	// auditoría: store primario + mirror opcional
	store, err := OpenAuditStore(cfg, res)
	if err != nil {
		return nil, err
	}
	auditOpts := []audit.Option{
		audit.WithLogger(logger.Named("audit")),
		audit.WithFailureHook(a.Metrics.AuditFailure),
	}
	if cfg.Audit.Kafka.Enabled {
		k := cfg.Audit.Kafka
		a.mirror, err = audit.NewKafkaMirror(ctx, audit.KafkaConfig{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			ClientID:     k.ClientID,
			EnsureTopic:  k.EnsureTopic,
			Partitions:   k.Partitions,
			Replication:  k.Replication,
			WriteTimeout: k.Timeout,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		auditOpts = append(auditOpts, audit.WithMirror(a.mirror))
	}
	a.Audit = audit.NewLog(store, auditOpts...)

	var lim rate.Limiter
	switch cfg.Rate.Backend {
	case "redis":
		lim = rate.NewRedisLimiter(res.Redis, "")
	default:
		a.sweeper = rate.NewMemoryLimiter()
		lim = a.sweeper
	}
	pol := policy.New(policy.DefaultRules(policy.Config{
		MaxPayloadBytes:    cfg.Policy.MaxPayloadBytes,
		PerKeyLimit:        cfg.Rate.PerKey.Limit,
		PerKeyWindow:       cfg.Rate.PerKey.Window,
		PerRequesterLimit:  cfg.Rate.PerRequester.Limit,
		PerRequesterWindow: cfg.Rate.PerRequester.Window,
		Allowlist:          cfg.Policy.Allowlist,
	}, lim), logger.Named("policy"))

	core := signer.New(a.Keys, pol, a.Audit,
		signer.WithLogger(logger.Named("signer")),
		signer.WithObserver(a.Metrics),
		signer.WithRetryPolicy(signer.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}),
	)

	switch cfg.Cache.Kind {
	case "redis":
		a.cache = cache.NewRedisFromClient(res.Redis, cfg.Cache.Redis.Prefix, cfg.Dispatcher.IdempotenceWindow)
	default:
		a.cache = cache.NewMemory("idem", cfg.Dispatcher.IdempotenceWindow)
	}
	a.Dispatcher = dispatcher.New(core, a.cache, dispatcher.Config{
		Window:          cfg.Dispatcher.IdempotenceWindow,
		Timeout:         cfg.Dispatcher.Timeout,
		MaxPayloadBytes: cfg.Dispatcher.MaxPayloadBytes,
	}, dispatcher.WithLogger(logger.Named("dispatcher")), dispatcher.WithObserver(a.Metrics))
	// fechas de presign por request id, en el mismo backend que la idempotencia
	switch cfg.Cache.Kind {
	case "redis":
		prefix := "presign"
		if cfg.Cache.Redis.Prefix != "" {
			prefix = cfg.Cache.Redis.Prefix + ":presign"
		}
		a.dates = cache.NewRedisFromClient(res.Redis, prefix, cfg.Dispatcher.IdempotenceWindow)
	default:
		a.dates = cache.NewMemory("presign", cfg.Dispatcher.IdempotenceWindow)
	}
	a.Presigner = presign.New(a.Dispatcher, presign.WithDateCache(a.dates))

	httpMetrics, metricsHandler, err := signerhttp.RegisterMetrics(signerhttp.MetricsConfig{
		Registry: o.reg,
		Gatherer: o.gatherer,
		Pool:     func() *pgxpool.Pool { return res.Pool },
	})
	if err != nil {
		return nil, err
	}
	a.Handler = signerhttp.NewRouter(signerhttp.Deps{
		Dispatcher: a.Dispatcher,
		Presigner:  a.Presigner,
		Keys:       a.Keys,
		Audit:      a.Audit,
		Checks:     a.checks(),
		Presign: signerhttp.PresignDefaults{
			KeyID:       cfg.Presign.KeyID,
			AccessKeyID: cfg.Presign.AccessKeyID,
			Bucket:      cfg.Presign.Bucket,
			Endpoint:    cfg.Presign.Endpoint,
			Region:      cfg.Presign.Region,
		},
		Auth: signerhttp.AuthConfig{
			Enabled:  cfg.Auth.Enabled,
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   30 * time.Second,
		},
		Metrics:        httpMetrics,
		MetricsHandler: metricsHandler,
		Version:        cfg.App.Version,
	})

	log.Info("signer wired",
		logger.String("key_source", a.Keys.Kind()),
		logger.String("audit_store", cfg.Audit.Store),
		logger.String("cache", cfg.Cache.Kind),
		logger.String("rate_backend", cfg.Rate.Backend),
		logger.Bool("kafka_mirror", a.mirror != nil),
		logger.Count(len(a.Keys.List(ctx))),
	)
	return a, nil
}

func (a *App) checks() map[string]signerhttp.Check {
	c := map[string]signerhttp.Check{"cache": a.cache.Ping}
	if a.Resources.Pool != nil {
		c["postgres"] = a.Resources.Pool.Ping
	}
	return c
}

// Run sirve HTTP hasta que ctx se cancela y hace shutdown ordenado.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.Config.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http listening", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.sweeper != nil {
		g.Go(func() error {
			a.sweeper.RunSweeper(gctx, time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
		defer cancel()
		a.log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Close espera el trabajo en curso del dispatcher y libera todo lo que abrió New.
func (a *App) Close() error {
	var errs []error
	// el trabajo que sobrevivió a un timeout todavía tiene que auditarse
	if a.Dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		if err := a.Dispatcher.Drain(ctx); err != nil {
			a.log.Error("dispatcher drain incomplete, closing stores anyway", logger.Err(err))
		}
		cancel()
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	// el cliente redis es compartido: lo cierra Resources
	if a.Config.Cache.Kind != "redis" {
		for _, c := range []cache.Client{a.cache, a.dates} {
			if c != nil {
				errs = append(errs, c.Close())
			}
		}
	}
	if a.Resources != nil {
		errs = append(errs, a.Resources.Close())
	}
	return errors.Join(errs...)
}
