package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskmaster/api"
	"taskmaster/config"
	"taskmaster/domain"
	"taskmaster/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log.StandardLogger())
	},
}

// app holds everything the HTTP server needs, plus what must be closed.
type app struct {
	echo    *echo.Echo
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("close failed")
		}
	}
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.echo.Start(":" + cfg.Port)
	}()
	logger.WithFields(log.Fields{"port": cfg.Port, "backend": cfg.StorageBackend}).Info("taskmaster listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return a.echo.Shutdown(shutdownCtx)
}

// build wires storage, locking, events and auth into an Echo server.
func build(cfg config.Config, logger *log.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	var rc *redis.Client
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return fail(err)
	}
	if redisOpts != nil {
		rc = redis.NewClient(redisOpts)
		a.closers = append(a.closers, rc.Close)
	}

	store, err := openStore(cfg, a)
	if err != nil {
		return fail(err)
	}
	if rc != nil && cfg.CacheTTL > 0 {
		store = storage.NewCache(store, rc, cfg.CacheTTL)
	}

	var locker domain.Locker = domain.NewLocalLocker(cfg.LockTimeout)
	if rc != nil {
		locker = storage.NewRedisLocker(rc, cfg.LockTimeout, cfg.LockTTL)
	}

	var events domain.EventPublisher
	if cfg.EventsQueue != "" {
		pub, err := storage.NewQueuePublisher(cfg.StorageConnectionString, cfg.EventsQueue)
		if err != nil {
			return fail(fmt.Errorf("events queue: %w", err))
		}
		events = pub
	}

	svc := domain.NewTaskService(store, locker, events, logger, domain.ServiceConfig{
		MaxAttempts:  cfg.MoveMaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
	})

	auth, err := newAuth(cfg, logger)
	if err != nil {
		return fail(err)
	}
	if auth.JWKS != nil {
		a.closers = append(a.closers, func() error { auth.JWKS.EndBackground(); return nil })
	}

	opts := api.Options{SecureCookies: cfg.CookieSecure}
	if cfg.LocalAuth() {
		opts.Issuer = auth
		opts.Users = api.NewMemoryUserDirectory()
	}
	if rc != nil {
		opts.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		if opts.Users != nil {
			opts.Users = api.NewRedisUserDirectory(rc)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
		AllowCredentials: true,
	}))
	e.Use(api.GzipRequestMiddleware())
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "taskmaster",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	api.Register(e, svc, auth, logger, opts)

	a.echo = e
	return a, nil
}

func openStore(cfg config.Config, a *app) (domain.Store, error) {
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		st, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		return st, nil
	case config.BackendAzTables:
		st, err := storage.NewTableStore(cfg.StorageConnectionString, cfg.TasksTable)
		if err != nil {
			return nil, fmt.Errorf("tasks table: %w", err)
		}
		return st, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func newAuth(cfg config.Config, logger *log.Logger) (*api.Auth, error) {
	authCfg := api.AuthConfig{
		Audience:     cfg.Auth0Audience,
		Issuer:       cfg.Issuer(),
		LocalMode:    cfg.LocalAuthMode,
		LocalSecret:  cfg.LocalAuthSecret,
		TestMode:     cfg.AuthTestMode,
		TestSecret:   cfg.TestJWTSecret,
		JWKSCacheTTL: cfg.JWKSCacheTTL,
		TokenTTL:     cfg.TokenTTL,
	}
	if cfg.LocalAuth() {
		return api.NewAuth(nil, authCfg)
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, authCfg)
}
