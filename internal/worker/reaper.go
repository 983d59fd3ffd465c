package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/animus-labs/blockflow/internal/config"
	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/events"
	"github.com/animus-labs/blockflow/internal/repo"
)

const workerLost = "worker lost"

// Reaper repairs open runs whose propagation or requeue was interrupted and,
// when ReapAfter is set, fails block runs that stayed RUNNING longer than it.
type Reaper struct {
	outcomes

	scheduler Scheduler
}

type ReapResult struct {
	Reaped      int
	Propagated  int
	Requeued    int
	RunsChecked int
	// Skipped counts block runs and runs left for the next sweep after an error.
	Skipped int
}

func NewReaper(deps Deps, cfg config.Engine, logger *slog.Logger) (*Reaper, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.RepairAfter <= 0 {
		return nil, errors.New("repair after must be positive")
	}
	if cfg.ReapAfter < 0 {
		return nil, errors.New("reap after must be >= 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Sink == nil {
		deps.Sink = events.Nop{}
	}
	return &Reaper{
		outcomes: outcomes{
			store:      deps.Store,
			reconciler: deps.Reconciler,
			sink:       deps.Sink,
			metrics:    deps.Metrics,
			cfg:        cfg,
			logger:     logger.With("component", "reaper"),
			now:        func() time.Time { return time.Now().UTC() },
		},
		scheduler: deps.Scheduler,
	}, nil
}

func (r *Reaper) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Run sweeps every ReapInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started",
		"reap_after", r.cfg.ReapAfter.String(),
		"repair_after", r.cfg.RepairAfter.String(),
		"interval", r.cfg.ReapInterval.String())
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reap failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReapOnce performs one sweep. Errors on a single block run or run are
// logged and counted in Skipped; only failing to list work is returned.
func (r *Reaper) ReapOnce(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	blocksByPipeline := map[string]map[string]domain.Block{}

	if r.cfg.ReapAfter > 0 {
		stale, err := r.store.ListStaleRunning(ctx, r.now().Add(-r.cfg.ReapAfter))
		if err != nil {
			return res, fmt.Errorf("list stale block runs: %w", err)
		}
		for _, br := range stale {
			logger := r.logger.With("run_id", br.RunID, "block_id", br.BlockID, "block_run_id", br.ID, "attempt", br.Attempts, "worker_id", br.WorkerID)
			reaped, err := r.reap(ctx, logger, blocksByPipeline, br)
			if err != nil {
				logger.Error("reap block run failed", "error", err)
				res.Skipped++
				continue
			}
			if reaped {
				res.Reaped++
			}
		}
	}

	if err := r.repairOpenRuns(ctx, r.now().Add(-r.cfg.RepairAfter), blocksByPipeline, &res); err != nil {
		return res, err
	}
	if res.Reaped > 0 || res.Propagated > 0 || res.Requeued > 0 || res.Skipped > 0 {
		r.logger.Info("reap sweep", "reaped", res.Reaped, "propagated", res.Propagated, "requeued", res.Requeued, "runs_checked", res.RunsChecked, "skipped", res.Skipped)
	}
	return res, nil
}

func (r *Reaper) reap(ctx context.Context, logger *slog.Logger, cache map[string]map[string]domain.Block, br domain.BlockRun) (bool, error) {
	run, blk, err := r.lookup(ctx, cache, br)
	if err != nil {
		return false, err
	}
	applied, err := r.finishAttempt(ctx, br, domain.StatusFailed, workerLost)
	if err != nil {
		return false, fmt.Errorf("fail stale block run: %w", err)
	}
	if !applied {
		return false, nil
	}
	r.metrics.Reaped()
	r.metrics.BlockFinished(string(blk.Type), string(domain.StatusFailed), r.now().Sub(startedAt(br, run)))
	if err := r.afterFailure(ctx, logger, blk, br, br.Priority, workerLost, events.BlockReaped); err != nil {
		return true, err
	}
	return true, nil
}

// repairOpenRuns re-propagates successes and requeues retryable failures
// that finished before cutoff without leaving work behind, then reconciles.
// Both operations are idempotent, so racing a live worker is harmless.
func (r *Reaper) repairOpenRuns(ctx context.Context, cutoff time.Time, cache map[string]map[string]domain.Block, res *ReapResult) error {
	runs, err := r.store.ListRuns(ctx, repo.RunFilter{Status: domain.StatusRunning})
	if err != nil {
		return fmt.Errorf("list open runs: %w", err)
	}
	for _, run := range runs {
		res.RunsChecked++
		if err := r.repairRun(ctx, run, cutoff, cache, res); err != nil {
			r.logger.Error("repair run failed", "run_id", run.ID, "error", err)
			res.Skipped++
		}
	}
	return nil
}

func (r *Reaper) repairRun(ctx context.Context, run domain.PipelineRun, cutoff time.Time, cache map[string]map[string]domain.Block, res *ReapResult) error {
	blockRuns, err := r.store.ListBlockRuns(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list block runs: %w", err)
	}
	var errs []error
	for _, br := range blockRuns {
		if br.FinishedAt == nil || !br.FinishedAt.Before(cutoff) {
			continue
		}
		switch br.Status {
		case domain.StatusSucceeded:
			n, err := r.scheduler.OnBlockFinished(ctx, run.ID, br.BlockID, br.Priority)
			if err != nil {
				errs = append(errs, fmt.Errorf("propagate %s: %w", br.BlockID, err))
				continue
			}
			res.Propagated += n
		case domain.StatusFailed:
			ok, err := r.requeueFailed(ctx, cache, br)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				res.Requeued++
			}
		}
	}
	if _, err := r.reconciler.ReconcileRun(ctx, run.ID); err != nil {
		errs = append(errs, fmt.Errorf("reconcile run: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Reaper) requeueFailed(ctx context.Context, cache map[string]map[string]domain.Block, br domain.BlockRun) (bool, error) {
	_, blk, err := r.lookup(ctx, cache, br)
	if err != nil {
		return false, err
	}
	if blk.RetryPolicy(r.cfg.DefaultRetry).Exhausted(br.Attempts) {
		return false, nil
	}
	pending, err := r.store.HasPending(ctx, br.RunID, br.BlockID)
	if err != nil {
		return false, fmt.Errorf("has pending: %w", err)
	}
	if pending {
		return false, nil
	}
	priority := br.Priority
	if priority == 0 {
		priority = r.cfg.DefaultPriority
	}
	now := r.now()
	ok, err := r.store.Requeue(ctx, br.ID, br.Attempts, domain.QueueItem{
		RunID:      br.RunID,
		BlockID:    br.BlockID,
		Priority:   priority,
		NotBefore:  now,
		EnqueuedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", br.BlockID, err)
	}
	if ok {
		r.metrics.Enqueued("retry", 1)
	}
	return ok, nil
}

func (r *Reaper) lookup(ctx context.Context, cache map[string]map[string]domain.Block, br domain.BlockRun) (domain.PipelineRun, domain.Block, error) {
	run, err := r.store.GetRun(ctx, br.RunID)
	if err != nil {
		return domain.PipelineRun{}, domain.Block{}, fmt.Errorf("get run: %w", err)
	}
	blocks, ok := cache[run.PipelineID]
	if !ok {
		list, err := r.store.ListBlocks(ctx, run.PipelineID)
		if err != nil {
			return domain.PipelineRun{}, domain.Block{}, fmt.Errorf("list blocks: %w", err)
		}
		blocks = make(map[string]domain.Block, len(list))
		for _, b := range list {
			blocks[b.ID] = b
		}
		cache[run.PipelineID] = blocks
	}
	blk, ok := blocks[br.BlockID]
	if !ok {
		return run, domain.Block{}, fmt.Errorf("block %s: %w", br.BlockID, repo.ErrNotFound)
	}
	return run, blk, nil
}

func startedAt(br domain.BlockRun, run domain.PipelineRun) time.Time {
	if br.StartedAt != nil {
		return *br.StartedAt
	}
	return run.StartedAt
}
