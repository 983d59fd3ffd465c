package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/config"
	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/events"
	"github.com/animus-labs/blockflow/internal/notify"
	"github.com/animus-labs/blockflow/internal/platform/metrics"
	"github.com/animus-labs/blockflow/internal/repo"
	"github.com/animus-labs/blockflow/internal/scheduler"
)

var ErrEmptyPipeline = errors.New("pipeline has no blocks")

type Orchestrator struct {
	store     repo.Store
	scheduler *scheduler.Scheduler
	notifier  notify.Notifier
	sink      events.Sink
	metrics   *metrics.Metrics
	cfg       config.Engine
	logger    *slog.Logger
	now       func() time.Time
}

type StartOptions struct {
	// CorrelationID is generated when empty.
	CorrelationID string
	// Priority of the root items; zero selects the engine default.
	Priority int
}

func New(store repo.Store, sched *scheduler.Scheduler, notifier notify.Notifier, sink events.Sink, cfg config.Engine, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if store == nil || sched == nil {
		return nil
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if sink == nil {
		sink = events.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		store:     store,
		scheduler: sched,
		notifier:  notifier,
		sink:      sink,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) SetClock(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// StartRun validates the pipeline graph, creates a RUNNING run and enqueues
// its root blocks. Nothing is persisted when validation fails.
func (o *Orchestrator) StartRun(ctx context.Context, pipelineID string, opts StartOptions) (domain.PipelineRun, error) {
	pipeline, err := o.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("get pipeline: %w", err)
	}
	if err := o.scheduler.ValidateDAG(ctx, pipeline.ID); err != nil {
		return domain.PipelineRun{}, err
	}
	blocks, err := o.store.ListBlocks(ctx, pipeline.ID)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("list blocks: %w", err)
	}
	if len(blocks) == 0 {
		return domain.PipelineRun{}, ErrEmptyPipeline
	}

	correlationID := strings.TrimSpace(opts.CorrelationID)
	if correlationID == "" {
		correlationID = domain.NewID()
	}
	run := domain.PipelineRun{
		ID:            domain.NewID(),
		PipelineID:    pipeline.ID,
		Status:        domain.StatusRunning,
		CorrelationID: correlationID,
		StartedAt:     o.now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return domain.PipelineRun{}, fmt.Errorf("create run: %w", err)
	}
	o.metrics.RunTransition(string(domain.StatusRunning))

	count, err := o.scheduler.EnqueueRoots(ctx, pipeline.ID, run.ID, opts.Priority)
	if err != nil {
		return run, fmt.Errorf("enqueue roots: %w", err)
	}
	o.logger.Info("run started",
		"run_id", run.ID,
		"pipeline_id", pipeline.ID,
		"pipeline", pipeline.Name,
		"version", pipeline.Version,
		"correlation_id", correlationID,
		"roots", count,
	)
	return run, nil
}

// StartLatest starts a run of the current version of the named pipeline.
func (o *Orchestrator) StartLatest(ctx context.Context, name string, opts StartOptions) (domain.PipelineRun, error) {
	pipeline, err := o.store.GetLatestPipeline(ctx, name)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("get pipeline %q: %w", name, err)
	}
	return o.StartRun(ctx, pipeline.ID, opts)
}

// ReconcileRun recomputes the run status from its block runs and applies a
// terminal transition at most once. Runs that are already terminal are
// returned unchanged.
func (o *Orchestrator) ReconcileRun(ctx context.Context, runID string) (domain.RunStatus, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("get run: %w", err)
	}
	if run.Status.Terminal() {
		return run.Status, nil
	}
	blocks, err := o.store.ListBlocks(ctx, run.PipelineID)
	if err != nil {
		return "", fmt.Errorf("list blocks: %w", err)
	}
	blockRuns, err := o.store.ListBlockRuns(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("list block runs: %w", err)
	}

	derived := DeriveRunStatus(blocks, blockRuns, o.cfg.DefaultRetry)
	if !derived.Terminal() {
		return derived, nil
	}

	finishedAt := o.now()
	changed, err := o.store.FinishRun(ctx, runID, derived, finishedAt)
	if err != nil {
		return "", fmt.Errorf("finish run: %w", err)
	}
	if !changed {
		current, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return "", fmt.Errorf("get run: %w", err)
		}
		return current.Status, nil
	}

	run.Status = derived
	run.FinishedAt = &finishedAt
	summary := domain.Summarize(blockRuns)
	o.metrics.RunTransition(string(derived))
	o.logger.Info("run finished",
		"run_id", run.ID,
		"pipeline_id", run.PipelineID,
		"status", string(derived),
		"correlation_id", run.CorrelationID,
		"duration", run.Duration().String(),
	)
	o.sink.Emit(ctx, events.Event{
		Type:       events.RunFinished,
		RunID:      run.ID,
		OccurredAt: finishedAt,
		Detail: map[string]any{
			"status":         string(derived),
			"pipeline_id":    run.PipelineID,
			"correlation_id": run.CorrelationID,
			"summary":        summary.Labels(),
		},
	})
	if err := o.notifier.Notify(ctx, notify.NewPayload(run, summary)); err != nil {
		o.metrics.NotifyFailed()
		o.logger.Warn("run notification failed", "run_id", run.ID, "status", string(derived), "error", err)
	}
	return derived, nil
}

// RunView is a run together with its block runs.
type RunView struct {
	Run       domain.PipelineRun
	Pipeline  domain.Pipeline
	Blocks    []domain.Block
	BlockRuns []domain.BlockRun
	Summary   domain.RunSummary
	Pending   int
}

func (o *Orchestrator) Describe(ctx context.Context, runID string) (RunView, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("get run: %w", err)
	}
	pipeline, err := o.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return RunView{}, fmt.Errorf("get pipeline: %w", err)
	}
	blocks, err := o.store.ListBlocks(ctx, run.PipelineID)
	if err != nil {
		return RunView{}, fmt.Errorf("list blocks: %w", err)
	}
	blockRuns, err := o.store.ListBlockRuns(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("list block runs: %w", err)
	}
	pending, err := o.store.CountPending(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("count pending: %w", err)
	}
	return RunView{
		Run:       run,
		Pipeline:  pipeline,
		Blocks:    blocks,
		BlockRuns: blockRuns,
		Summary:   domain.Summarize(blockRuns),
		Pending:   pending,
	}, nil
}

// Cleanup deletes terminal runs that finished more than olderThan ago.
func (o *Orchestrator) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("retention must be positive")
	}
	cutoff := o.now().Add(-olderThan)
	deleted, err := o.store.DeleteRunsFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	o.logger.Info("retention cleanup", "cutoff", cutoff, "deleted_runs", deleted)
	return deleted, nil
}
