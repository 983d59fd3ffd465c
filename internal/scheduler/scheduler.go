// Package scheduler turns graph readiness into queue items for a run. It is
// called when a run starts and after every block that finishes successfully.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/animus-labs/blockflow/internal/config"
	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/graph"
	"github.com/animus-labs/blockflow/internal/platform/metrics"
	"github.com/animus-labs/blockflow/internal/platform/retry"
	"github.com/animus-labs/blockflow/internal/queue"
	"github.com/animus-labs/blockflow/internal/repo"
)

type Scheduler struct {
	store   repo.Store
	cfg     config.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// Pipeline versions are immutable, so their graphs are cached.
	graphs *lru.Cache
}

func New(store repo.Store, cfg config.Engine, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if store == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	size := cfg.GraphCacheSize
	if size <= 0 {
		size = config.Default().GraphCacheSize
	}
	graphs, err := lru.New(size)
	if err != nil {
		return nil
	}
	return &Scheduler{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		graphs:  graphs,
	}
}

// SetClock replaces the clock used for enqueue timestamps.
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Graph returns the dependency graph of a pipeline version.
func (s *Scheduler) Graph(ctx context.Context, pipelineID string) (*graph.Graph, error) {
	if cached, ok := s.graphs.Get(pipelineID); ok {
		return cached.(*graph.Graph), nil
	}
	blocks, err := s.store.ListBlocks(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	edges, err := s.store.ListEdges(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	nodes := make([]string, 0, len(blocks))
	for _, b := range blocks {
		nodes = append(nodes, b.ID)
	}
	links := make([]graph.Edge, 0, len(edges))
	for _, e := range edges {
		links = append(links, graph.Edge{From: e.From, To: e.To})
	}
	g, err := graph.Build(nodes, links)
	if err != nil {
		return nil, err
	}
	if len(nodes) > 0 {
		s.graphs.Add(pipelineID, g)
	}
	return g, nil
}

// ValidateDAG fails with *graph.CycleError when the pipeline's edges form a cycle.
func (s *Scheduler) ValidateDAG(ctx context.Context, pipelineID string) error {
	g, err := s.Graph(ctx, pipelineID)
	if err != nil {
		s.graphs.Remove(pipelineID)
		return err
	}
	if _, err := g.TopologicalOrder(); err != nil {
		s.graphs.Remove(pipelineID)
		return err
	}
	return nil
}

// EnqueueRoots makes sure every root block of the run has a QUEUED block run
// and one unclaimed item. Calling it again enqueues nothing new.
// A priority of zero selects the configured default.
func (s *Scheduler) EnqueueRoots(ctx context.Context, pipelineID, runID string, priority int) (int, error) {
	g, err := s.Graph(ctx, pipelineID)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, blockID := range g.Roots() {
		ok, err := s.enqueue(ctx, runID, blockID, priority)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	s.metrics.Enqueued("root", enqueued)
	s.logger.Info("roots enqueued", "run_id", runID, "pipeline_id", pipelineID, "count", enqueued)
	return enqueued, nil
}

// OnBlockFinished enqueues the children of finishedBlockID whose parents all
// succeeded. Children that already started or already have an unclaimed item
// are skipped, so concurrent calls for sibling parents enqueue a child once.
func (s *Scheduler) OnBlockFinished(ctx context.Context, runID, finishedBlockID string, priority int) (int, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("get run: %w", err)
	}
	g, err := s.Graph(ctx, run.PipelineID)
	if err != nil {
		return 0, err
	}
	children := g.Children(finishedBlockID)
	if len(children) == 0 {
		return 0, nil
	}

	blockRuns, err := s.store.ListBlockRuns(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("list block runs: %w", err)
	}
	byBlock := make(map[string]domain.BlockRun, len(blockRuns))
	succeeded := graph.NewSet()
	for _, br := range blockRuns {
		byBlock[br.BlockID] = br
		if br.Status == domain.StatusSucceeded {
			succeeded[br.BlockID] = struct{}{}
		}
	}

	enqueued := 0
	for _, child := range children {
		if br, ok := byBlock[child]; ok && br.Status != domain.StatusQueued {
			continue
		}
		if !g.ParentsCompleted(child, succeeded) {
			continue
		}
		pending, err := s.store.HasPending(ctx, runID, child)
		if err != nil {
			return enqueued, fmt.Errorf("has pending: %w", err)
		}
		if pending {
			continue
		}
		ok, err := s.enqueue(ctx, runID, child, priority)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	s.metrics.Enqueued("child", enqueued)
	if enqueued > 0 {
		s.logger.Info("children enqueued", "run_id", runID, "block_id", finishedBlockID, "count", enqueued)
	}
	return enqueued, nil
}

func (s *Scheduler) enqueue(ctx context.Context, runID, blockID string, priority int) (bool, error) {
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}
	now := s.now()
	item := domain.QueueItem{
		RunID:      runID,
		BlockID:    blockID,
		Priority:   priority,
		NotBefore:  now,
		EnqueuedAt: now,
	}
	var inserted bool
	err := retry.Do(ctx, s.cfg.Claim, queue.IsContention, func(ctx context.Context) error {
		var err error
		inserted, err = s.store.Enqueue(ctx, item)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("enqueue block %s: %w", blockID, err)
	}
	return inserted, nil
}
