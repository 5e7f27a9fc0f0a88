package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"

	app "github.com/kode4food/stalwart"
	"github.com/kode4food/stalwart/internal/config"
	"github.com/kode4food/stalwart/internal/engine"
	"github.com/kode4food/stalwart/internal/fault"
	"github.com/kode4food/stalwart/internal/server"
	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/internal/store/memory"
	"github.com/kode4food/stalwart/internal/store/redis"
	"github.com/kode4food/stalwart/internal/store/sqlite"
	"github.com/kode4food/stalwart/internal/store/timebox"
	"github.com/kode4food/stalwart/pkg/log"
)

type stalwart struct {
	cfg        *config.Config
	store      store.Store
	reporter   fault.Reporter
	registry   *engine.Registry
	engine     *engine.Engine
	apiServer  *server.Server
	httpServer *http.Server
	quit       chan os.Signal
}

const (
	storeRetries = 5
	sentryFlush  = 2 * time.Second
)

var (
	ErrOpenStore    = errors.New("failed to open store")
	ErrStoreOffline = errors.New("store unreachable")
	ErrInitSentry   = errors.New("failed to initialize sentry")
)

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &stalwart{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(1)
	}
}

func (s *stalwart) run() error {
	if err := s.setupReporting(); err != nil {
		return err
	}
	defer sentry.Flush(sentryFlush)

	if err := s.initializeStore(); err != nil {
		return err
	}

	if err := s.initializeEngine(); err != nil {
		_ = s.store.Close()
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *stalwart) setupLogging() {
	level, _ := log.ParseLevel(s.cfg.LogLevel)
	logger := log.NewWithLevel(app.Name, s.cfg.Env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Stalwart starting",
		slog.String("log_level", s.cfg.LogLevel))

	slog.Info("Configuration loaded",
		log.ReplicaID(s.cfg.ReplicaID),
		slog.String("store_type", s.cfg.StoreType),
		slog.String("redis_addr", s.cfg.Redis.Addr),
		slog.Int("redis_db", s.cfg.Redis.DB),
		slog.String("sqlite_path", s.cfg.SQLitePath),
		slog.Duration("lease_length", s.cfg.Flow.LeaseLength),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort))
}

// setupReporting sends framework errors to the log and, when a DSN is
// configured, to Sentry
func (s *stalwart) setupReporting() error {
	s.reporter = fault.Logger()
	if s.cfg.SentryDSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              s.cfg.SentryDSN,
		Release:          app.Version,
		Environment:      s.cfg.Env,
		ServerName:       string(s.cfg.ReplicaID),
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitSentry, err)
	}
	s.reporter = fault.Multi(s.reporter, fault.Sentry(sentry.CurrentHub()))
	return nil
}

func (s *stalwart) initializeStore() error {
	st, err := openStore(s.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenStore, err)
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout*storeRetries,
	)
	defer cancel()
	if err := waitForStore(ctx, st, storeRetries); err != nil {
		_ = st.Close()
		return fmt.Errorf("%w: %w", ErrStoreOffline, err)
	}
	s.store = st
	return nil
}

func (s *stalwart) initializeEngine() error {
	s.registry = engine.NewRegistry()
	if err := registerFlows(s.registry); err != nil {
		return err
	}

	eng, err := engine.New(s.cfg, engine.Dependencies{
		Store:    s.store,
		Registry: s.registry,
		Reporter: s.reporter,
	})
	if err != nil {
		return err
	}
	s.engine = eng
	return s.engine.Start()
}

func (s *stalwart) startServer() {
	s.apiServer = server.NewServer(s.engine)
	mux := s.apiServer.SetupRoutes()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler: mux,
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *stalwart) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}

	if err := s.engine.Stop(); err != nil {
		slog.Error("Engine shutdown failed", log.Error(err))
	}

	_ = s.store.Close()

	slog.Info("Server exited")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreType {
	case config.StoreRedis:
		return redis.New(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}), nil
	case config.StoreSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.StoreTimebox:
		return timebox.New(timebox.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}), nil
	case config.StoreMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrInvalidStoreType,
			cfg.StoreType)
	}
}

// waitForStore initializes the store, retrying with exponential backoff
// while it is unreachable
func waitForStore(ctx context.Context, st store.Store, retries uint64) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx,
	)
	return backoff.RetryNotify(func() error {
		return st.Initialize(ctx)
	}, b, func(err error, next time.Duration) {
		slog.Warn("Store not ready, retrying",
			log.Error(err),
			slog.Duration("next", next))
	})
}
