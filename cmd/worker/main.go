package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/blockflow/internal/app"
	"github.com/animus-labs/blockflow/internal/platform/env"
	"github.com/animus-labs/blockflow/internal/platform/httpserver"
	"github.com/animus-labs/blockflow/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	concurrency, err := env.Int("BLOCKFLOW_WORKER_CONCURRENCY", 1)
	if err != nil || concurrency < 1 {
		logger.Error("invalid env", "error", err, "concurrency", concurrency)
		os.Exit(2)
	}
	opsCfg, err := httpserver.ConfigFromEnv("worker")
	if err != nil {
		logger.Error("invalid ops server config", "error", err)
		os.Exit(2)
	}

	eng, err := app.Open(ctx, logger)
	if err != nil {
		logger.Error("engine unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = eng.Close() }()

	deps := eng.WorkerDeps()
	baseID := app.WorkerID()

	g, gctx := errgroup.WithContext(ctx)
	for i := range concurrency {
		id := baseID
		if concurrency > 1 {
			id = fmt.Sprintf("%s-%d", baseID, i)
		}
		w, err := worker.New(id, deps, eng.Config, logger)
		if err != nil {
			logger.Error("invalid worker config", "error", err)
			os.Exit(2)
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	reaper, err := worker.NewReaper(deps, eng.Config, logger)
	if err != nil {
		logger.Error("invalid reaper config", "error", err)
		os.Exit(2)
	}
	g.Go(func() error { return reaper.Run(gctx) })

	handler := httpserver.NewOpsHandler(logger, "worker", eng.Metrics.Handler(), httpserver.ReadinessCheck{
		Name: "store",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return eng.Store.Ping(checkCtx)
		},
	})
	g.Go(func() error { return httpserver.Run(gctx, logger, opsCfg, handler) })

	logger.Info("worker started", "worker_id", baseID, "concurrency", concurrency, "reap_stale", eng.Config.ReapAfter > 0)
	if err := g.Wait(); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
