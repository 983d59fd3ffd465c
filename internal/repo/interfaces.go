package repo

import (
	"context"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
)

type RunFilter struct {
	PipelineID string
	Status     domain.RunStatus
	Limit      int
}

// PipelineRepository manages immutable pipeline versions.
type PipelineRepository interface {
	// CreatePipelineVersion assigns the next version for the pipeline name,
	// stores blocks and edges, and marks the previous version superseded.
	// The superseded pipeline is returned when one existed.
	CreatePipelineVersion(ctx context.Context, version domain.PipelineVersion) (domain.Pipeline, *domain.Pipeline, error)
	GetPipeline(ctx context.Context, id string) (domain.Pipeline, error)
	GetLatestPipeline(ctx context.Context, name string) (domain.Pipeline, error)
	ListBlocks(ctx context.Context, pipelineID string) ([]domain.Block, error)
	ListEdges(ctx context.Context, pipelineID string) ([]domain.Edge, error)
}

// RunRepository manages pipeline runs.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
	// FinishRun moves a non-terminal run to a terminal status. It reports
	// false when the run was already terminal.
	FinishRun(ctx context.Context, id string, status domain.RunStatus, finishedAt time.Time) (bool, error)
	// DeleteRunsFinishedBefore removes terminal runs finished before cutoff
	// together with their block runs and queue items.
	DeleteRunsFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BlockRunRepository manages per-block execution state.
type BlockRunRepository interface {
	// EnsureBlockRun returns the block run for (run, block), creating it in
	// QUEUED when absent. The bool reports whether it was created.
	EnsureBlockRun(ctx context.Context, runID, blockID string) (domain.BlockRun, bool, error)
	GetBlockRun(ctx context.Context, id string) (domain.BlockRun, error)
	ListBlockRuns(ctx context.Context, runID string) ([]domain.BlockRun, error)
	// FinishAttempt records the outcome of attempt. It only applies while the
	// block run is RUNNING on that attempt and reports false otherwise.
	FinishAttempt(ctx context.Context, id string, attempt int, status domain.RunStatus, errMsg string, at time.Time) (bool, error)
	ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]domain.BlockRun, error)
}

// QueueRepository is the persistent work queue.
type QueueRepository interface {
	// Enqueue ensures the block run exists and inserts the item when the
	// block run is QUEUED and has no unclaimed item.
	Enqueue(ctx context.Context, item domain.QueueItem) (bool, error)
	// Requeue moves a FAILED block run back to QUEUED and inserts the item,
	// guarded by the attempt that failed.
	Requeue(ctx context.Context, blockRunID string, attempt int, item domain.QueueItem) (bool, error)
	// ClaimNext consumes the first eligible item and marks its block run
	// RUNNING with one more attempt. It returns ErrNoWork when nothing is
	// eligible and ErrContention when another claimer won.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (domain.Claim, error)
	HasPending(ctx context.Context, runID, blockID string) (bool, error)
	// CountPending counts unclaimed items, for one run or for all when runID is empty.
	CountPending(ctx context.Context, runID string) (int, error)
}

// Store is a complete engine store.
type Store interface {
	PipelineRepository
	RunRepository
	BlockRunRepository
	QueueRepository
	Ping(ctx context.Context) error
}
