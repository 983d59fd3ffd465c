// Package app wires the engine components from the environment for the
// blockflow binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/animus-labs/blockflow/internal/block"
	"github.com/animus-labs/blockflow/internal/block/builtin"
	"github.com/animus-labs/blockflow/internal/config"
	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/events"
	"github.com/animus-labs/blockflow/internal/notify"
	"github.com/animus-labs/blockflow/internal/orchestrator"
	"github.com/animus-labs/blockflow/internal/platform/env"
	"github.com/animus-labs/blockflow/internal/platform/metrics"
	"github.com/animus-labs/blockflow/internal/platform/objectstore"
	platformpostgres "github.com/animus-labs/blockflow/internal/platform/postgres"
	platformsqlite "github.com/animus-labs/blockflow/internal/platform/sqlite"
	"github.com/animus-labs/blockflow/internal/repo"
	"github.com/animus-labs/blockflow/internal/repo/memory"
	pgstore "github.com/animus-labs/blockflow/internal/repo/postgres"
	sqlitestore "github.com/animus-labs/blockflow/internal/repo/sqlite"
	"github.com/animus-labs/blockflow/internal/scheduler"
	"github.com/animus-labs/blockflow/internal/service/pipelines"
	"github.com/animus-labs/blockflow/internal/worker"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Engine is the set of components a binary works with.
type Engine struct {
	Config       config.Engine
	Store        repo.Store
	Metrics      *metrics.Metrics
	Registry     *block.Registry
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Pipelines    *pipelines.Service
	Sink         events.Sink
	Logger       *slog.Logger

	closers []func() error
}

// Open reads the environment and builds the engine. Close releases the
// store and the event backends.
func Open(ctx context.Context, logger *slog.Logger) (*Engine, error) {
	cfg, err := config.EngineFromEnv()
	if err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	e := &Engine{Config: cfg, Logger: logger, Metrics: metrics.New()}

	store, closeStore, err := OpenStore(ctx, env.String("BLOCKFLOW_STORE", StorePostgres), logger)
	if err != nil {
		return nil, err
	}
	e.Store = store
	e.closers = append(e.closers, closeStore)

	e.Registry = block.NewRegistry(nil)
	if err := builtin.Register(e.Registry); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("register builtin blocks: %w", err)
	}

	eventsCfg, err := events.ConfigFromEnv()
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("events config: %w", err)
	}
	sink, closeSinks, err := events.Open(eventsCfg, logger)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.Sink = sink
	e.closers = append(e.closers, closeSinks)

	notifyCfg, err := notify.ConfigFromEnv()
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("notify config: %w", err)
	}
	notifier, err := notify.Open(notifyCfg)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	archiver, err := openArchiver(ctx, logger)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	e.Scheduler = scheduler.New(store, cfg, e.Metrics, logger)
	e.Orchestrator = orchestrator.New(store, e.Scheduler, notifier, sink, cfg, e.Metrics, logger)
	e.Pipelines = pipelines.New(store, e.Registry.Types(), archiver, logger)
	return e, nil
}

func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Engine) WorkerDeps() worker.Deps {
	return worker.Deps{
		Store:      e.Store,
		Registry:   e.Registry,
		Scheduler:  e.Scheduler,
		Reconciler: e.Orchestrator,
		Sink:       e.Sink,
		Metrics:    e.Metrics,
	}
}

// OpenStore opens the named store kind and applies its schema.
func OpenStore(ctx context.Context, kind string, logger *slog.Logger) (repo.Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case StorePostgres:
		cfg, err := platformpostgres.ConfigFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("database config: %w", err)
		}
		db, err := platformpostgres.Open(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("database unavailable: %w", err)
		}
		if cfg.AutoMigrate {
			if err := pgstore.EnsureSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("apply schema: %w", err)
			}
		}
		logger.Info("store opened", "kind", StorePostgres)
		return pgstore.NewStore(db), db.Close, nil
	case StoreSQLite:
		cfg, err := platformsqlite.ConfigFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite config: %w", err)
		}
		db, err := platformsqlite.Open(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite unavailable: %w", err)
		}
		store, err := sqlitestore.New(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
		logger.Info("store opened", "kind", StoreSQLite, "path", cfg.Path)
		return store, db.Close, nil
	case StoreMemory:
		logger.Warn("using in-memory store; state is lost on exit")
		return memory.New(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown BLOCKFLOW_STORE %q", kind)
	}
}

func openArchiver(ctx context.Context, logger *slog.Logger) (pipelines.Archiver, error) {
	switch backend := strings.ToLower(env.String("ARCHIVE_BACKEND", "none")); backend {
	case "none":
		return pipelines.NopArchiver{}, nil
	case "minio":
		cfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("archive config: %w", err)
		}
		client, err := objectstore.NewMinIOClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("archive client: %w", err)
		}
		if err := objectstore.EnsureBucket(ctx, client, cfg); err != nil {
			return nil, fmt.Errorf("archive bucket: %w", err)
		}
		archive, err := objectstore.NewDefinitionArchive(client, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("definition archive enabled", "bucket", cfg.Bucket)
		return archive, nil
	default:
		return nil, fmt.Errorf("unknown ARCHIVE_BACKEND %q", backend)
	}
}

// WorkerID returns WORKER_ID, or host-<suffix> when it is unset.
func WorkerID() string {
	if id := env.String("WORKER_ID", ""); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + domain.NewID()[:8]
}
