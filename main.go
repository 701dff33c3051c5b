package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasklist/api"
	"tasklist/config"
	"tasklist/events"
	"tasklist/storage"
	"tasklist/taskstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		opts, err := storage.ParseRedisOptions(cfg.RedisConnectionString)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	backend, closeBackend, err := openBackend(ctx, cfg, rc)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer closeBackend()

	store := taskstore.New(backend,
		taskstore.WithKey(cfg.StorageKey),
		taskstore.WithLogger(logger),
		taskstore.WithWriteTimeout(cfg.WriteTimeout),
	)
	if cfg.ResetOnStart {
		if err := store.ClearStorage(ctx); err != nil {
			logger.WithError(err).Warn("reset on start failed")
		}
	}

	forwarders, err := openForwarders(ctx, cfg, rc, logger)
	if err != nil {
		logger.Fatalf("change feed: %v", err)
	}
	for _, f := range forwarders {
		f.Attach(store)
	}

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.RedisKeyPrefix, cfg.DeduperTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "Idempotency-Key"},
	}))
	api.Register(e, store, deduper, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	// /healthz answers 503 until this returns.
	store.Hydrate(ctx)
	logger.WithFields(log.Fields{"backend": cfg.Backend, "key": store.Key(), "tasks": len(store.Tasks())}).Info("task store ready")

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("task store did not flush")
	}
	for _, f := range forwarders {
		if err := f.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("change feed did not drain")
		}
	}
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

// openBackend builds the persistence adapter selected by cfg.Backend.
func openBackend(ctx context.Context, cfg config.Config, rc *redis.Client) (taskstore.Backend, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), noop, nil
	case config.BackendFile:
		f, err := storage.NewFile(cfg.DataDir)
		return f, noop, err
	case config.BackendSQLite:
		s, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendRedis:
		if rc == nil {
			return nil, noop, errors.New("redis backend requires a redis client")
		}
		return storage.NewRedis(rc, cfg.RedisKeyPrefix), noop, nil
	case config.BackendTables:
		t, err := storage.NewTables(cfg.StorageConnectionString, cfg.TasksTable, cfg.TasksPartition)
		if err != nil {
			return nil, noop, err
		}
		if err := t.EnsureTable(ctx); err != nil {
			return nil, noop, err
		}
		return t, noop, nil
	}
	return nil, noop, errors.New("unknown backend " + cfg.Backend)
}

func openForwarders(ctx context.Context, cfg config.Config, rc *redis.Client, logger *log.Logger) ([]*events.Forwarder, error) {
	var out []*events.Forwarder
	if cfg.ChangesChannel != "" && rc != nil {
		out = append(out, events.NewForwarder(events.NewRedisPublisher(rc, cfg.ChangesChannel), logger))
	}
	if cfg.ChangesQueue != "" {
		q, err := events.NewQueuePublisher(cfg.StorageConnectionString, cfg.ChangesQueue)
		if err != nil {
			return nil, err
		}
		if err := q.EnsureQueue(ctx); err != nil {
			return nil, err
		}
		out = append(out, events.NewForwarder(q, logger))
	}
	return out, nil
}
