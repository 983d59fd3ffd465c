// Package worker runs the claim, execute and record loop, and the reaper that
// recovers block runs abandoned by crashed workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/block"
	"github.com/animus-labs/blockflow/internal/config"
	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/events"
	"github.com/animus-labs/blockflow/internal/platform/metrics"
	"github.com/animus-labs/blockflow/internal/platform/retry"
	"github.com/animus-labs/blockflow/internal/queue"
	"github.com/animus-labs/blockflow/internal/repo"
)

// Scheduler propagates a successful block to its children.
type Scheduler interface {
	OnBlockFinished(ctx context.Context, runID, finishedBlockID string, priority int) (int, error)
}

// Reconciler recomputes a run's status after a block outcome.
type Reconciler interface {
	ReconcileRun(ctx context.Context, runID string) (domain.RunStatus, error)
}

type Deps struct {
	Store      repo.Store
	Registry   *block.Registry
	Scheduler  Scheduler
	Reconciler Reconciler
	// Claimer defaults to a claimer over Store using the engine claim policy.
	Claimer *queue.Claimer
	Sink    events.Sink
	Metrics *metrics.Metrics
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("store is required")
	case d.Registry == nil:
		return errors.New("block registry is required")
	case d.Scheduler == nil:
		return errors.New("scheduler is required")
	case d.Reconciler == nil:
		return errors.New("reconciler is required")
	}
	return nil
}

// outcomes holds what the worker and the reaper share to record a failed
// attempt and decide between retry and terminal failure.
type outcomes struct {
	store      repo.Store
	reconciler Reconciler
	sink       events.Sink
	metrics    *metrics.Metrics
	cfg        config.Engine
	logger     *slog.Logger
	now        func() time.Time
}

type Worker struct {
	outcomes

	id        string
	claimer   *queue.Claimer
	registry  *block.Registry
	scheduler Scheduler
}

func New(id string, deps Deps, cfg config.Engine, logger *slog.Logger) (*Worker, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("worker id is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("worker_id", id)
	if deps.Sink == nil {
		deps.Sink = events.Nop{}
	}
	claimer := deps.Claimer
	if claimer == nil {
		claimer = queue.NewClaimer(deps.Store, cfg.Claim, deps.Metrics, logger)
	}
	return &Worker{
		outcomes: outcomes{
			store:      deps.Store,
			reconciler: deps.Reconciler,
			sink:       deps.Sink,
			metrics:    deps.Metrics,
			cfg:        cfg,
			logger:     logger,
			now:        func() time.Time { return time.Now().UTC() },
		},
		id:        id,
		claimer:   claimer,
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
	}, nil
}

func (w *Worker) ID() string { return w.id }

// SetClock replaces the clock used for outcome timestamps, retry gates and
// claim eligibility.
func (w *Worker) SetClock(now func() time.Time) {
	if now != nil {
		w.now = now
		w.claimer.SetClock(now)
	}
}

// Run processes items until ctx is cancelled. It loops without pausing while
// work is available, sleeps PollInterval when the queue is empty and
// ErrorBackoff after an unexpected error.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval.String())
	defer w.logger.Info("worker stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		found, err := w.ProcessNext(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("process next failed", "error", err)
			sleep(ctx, w.cfg.ErrorBackoff)
		case !found:
			sleep(ctx, w.cfg.PollInterval)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ProcessNext claims and executes at most one item. It reports whether an
// item was claimed. Block failures are recorded on the block run and do not
// produce an error; only store failures do.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	claim, ok, err := w.claimer.ClaimNext(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}

	// Outcomes are recorded even when shutdown cancels the execution.
	persist := context.WithoutCancel(ctx)
	br := claim.BlockRun
	logger := w.logger.With("run_id", br.RunID, "block_id", br.BlockID, "block_run_id", br.ID, "attempt", br.Attempts)

	run, err := w.store.GetRun(persist, br.RunID)
	if err != nil {
		return true, w.abandon(persist, logger, domain.Block{ID: br.BlockID}, br, claim.Item.Priority, fmt.Errorf("get run: %w", err))
	}
	if run.Status.Terminal() {
		msg := "run already " + strings.ToLower(string(run.Status))
		if _, err := w.finishAttempt(persist, br, domain.StatusFailed, msg); err != nil {
			return true, fmt.Errorf("discard item: %w", err)
		}
		logger.Info("discarded item of finished run", "run_status", string(run.Status))
		return true, nil
	}

	blk, err := w.findBlock(persist, run.PipelineID, br.BlockID)
	if err != nil {
		return true, w.abandon(persist, logger, domain.Block{ID: br.BlockID, PipelineID: run.PipelineID}, br, claim.Item.Priority, err)
	}

	w.sink.Emit(ctx, events.Event{
		Type:       events.BlockStart,
		RunID:      br.RunID,
		BlockID:    br.BlockID,
		BlockRunID: br.ID,
		WorkerID:   w.id,
		Attempt:    br.Attempts,
		OccurredAt: w.now(),
		Detail:     map[string]any{"block_type": string(blk.Type), "block_name": blk.Name},
	})
	logger.Info("block started", "block_type", string(blk.Type))

	started := time.Now()
	execErr := block.Run(ctx, w.registry, block.Task{
		Store:    w.store,
		Run:      run,
		Block:    blk,
		BlockRun: br,
		Logger:   logger,
	})
	took := time.Since(started)

	if execErr == nil {
		return true, w.succeed(persist, logger, blk, br, claim.Item.Priority, took)
	}
	return true, w.fail(persist, logger, blk, br, claim.Item.Priority, execErr.Error(), took, events.BlockFailed)
}

func (w *Worker) findBlock(ctx context.Context, pipelineID, blockID string) (domain.Block, error) {
	blocks, err := w.store.ListBlocks(ctx, pipelineID)
	if err != nil {
		return domain.Block{}, fmt.Errorf("list blocks: %w", err)
	}
	for _, b := range blocks {
		if b.ID == blockID {
			return b, nil
		}
	}
	return domain.Block{}, fmt.Errorf("block %s of pipeline %s: %w", blockID, pipelineID, repo.ErrNotFound)
}

func (w *Worker) succeed(ctx context.Context, logger *slog.Logger, blk domain.Block, br domain.BlockRun, priority int, took time.Duration) error {
	applied, err := w.finishAttempt(ctx, br, domain.StatusSucceeded, "")
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	if !applied {
		logger.Warn("stale block outcome ignored", "status", string(domain.StatusSucceeded))
		return nil
	}
	w.metrics.BlockFinished(string(blk.Type), string(domain.StatusSucceeded), took)
	w.sink.Emit(ctx, events.Event{
		Type:       events.BlockSucceeded,
		RunID:      br.RunID,
		BlockID:    br.BlockID,
		BlockRunID: br.ID,
		WorkerID:   w.id,
		Attempt:    br.Attempts,
		OccurredAt: w.now(),
		Detail:     map[string]any{"duration_seconds": took.Seconds()},
	})
	logger.Info("block succeeded", "duration", took.String())

	if _, err := w.scheduler.OnBlockFinished(ctx, br.RunID, br.BlockID, priority); err != nil {
		return fmt.Errorf("propagate: %w", err)
	}
	if _, err := w.reconciler.ReconcileRun(ctx, br.RunID); err != nil {
		return fmt.Errorf("reconcile run: %w", err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, blk domain.Block, br domain.BlockRun, priority int, msg string, took time.Duration, kind events.Type) error {
	applied, err := w.finishAttempt(ctx, br, domain.StatusFailed, msg)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if !applied {
		logger.Warn("stale block outcome ignored", "status", string(domain.StatusFailed))
		return nil
	}
	w.metrics.BlockFinished(string(blk.Type), string(domain.StatusFailed), took)
	return w.afterFailure(ctx, logger, blk, br, priority, msg, kind)
}

// abandon fails an attempt that could not be started and sends it through
// the retry path. It returns cause, joined with any error recording it. What
// it cannot record is left to the repair sweep.
func (w *Worker) abandon(ctx context.Context, logger *slog.Logger, blk domain.Block, br domain.BlockRun, priority int, cause error) error {
	applied, err := w.finishAttempt(ctx, br, domain.StatusFailed, cause.Error())
	if err != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	if !applied {
		return cause
	}
	if err := w.afterFailure(ctx, logger, blk, br, priority, cause.Error(), events.BlockFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// afterFailure runs once a FAILED outcome has been recorded: it reconciles
// the run and, while attempts remain and the run is still open, requeues the
// block with exponential backoff.
func (o *outcomes) afterFailure(ctx context.Context, logger *slog.Logger, blk domain.Block, br domain.BlockRun, priority int, msg string, kind events.Type) error {
	policy := blk.RetryPolicy(o.cfg.DefaultRetry)
	exhausted := policy.Exhausted(br.Attempts)
	o.sink.Emit(ctx, events.Event{
		Type:       kind,
		RunID:      br.RunID,
		BlockID:    br.BlockID,
		BlockRunID: br.ID,
		WorkerID:   br.WorkerID,
		Attempt:    br.Attempts,
		OccurredAt: o.now(),
		Detail: map[string]any{
			"error":        msg,
			"max_attempts": policy.MaxAttempts,
			"exhausted":    exhausted,
		},
	})
	logger.Warn("block failed", "error", msg, "max_attempts", policy.MaxAttempts, "exhausted", exhausted)

	status, err := o.reconciler.ReconcileRun(ctx, br.RunID)
	if err != nil {
		return fmt.Errorf("reconcile run: %w", err)
	}
	if exhausted || status.Terminal() {
		return nil
	}

	if priority == 0 {
		priority = o.cfg.DefaultPriority
	}
	now := o.now()
	delay := o.cfg.Backoff(policy, br.Attempts)
	item := domain.QueueItem{
		RunID:      br.RunID,
		BlockID:    br.BlockID,
		Priority:   priority,
		NotBefore:  now.Add(delay),
		EnqueuedAt: now,
	}
	var requeued bool
	err = retry.Do(ctx, o.cfg.Claim, queue.IsContention, func(ctx context.Context) error {
		var err error
		requeued, err = o.store.Requeue(ctx, br.ID, br.Attempts, item)
		return err
	})
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if requeued {
		o.metrics.Enqueued("retry", 1)
		logger.Info("block requeued", "delay", delay.String(), "next_attempt", br.Attempts+1)
	}
	return nil
}

// finishAttempt records the outcome of the block run's current attempt,
// retrying on store contention.
func (o *outcomes) finishAttempt(ctx context.Context, br domain.BlockRun, status domain.RunStatus, msg string) (bool, error) {
	var applied bool
	err := retry.Do(ctx, o.cfg.Claim, queue.IsContention, func(ctx context.Context) error {
		var err error
		applied, err = o.store.FinishAttempt(ctx, br.ID, br.Attempts, status, msg, o.now())
		return err
	})
	return applied, err
}
