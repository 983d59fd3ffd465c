// Package memory is an in-process engine store. It gives the same guarantees
// as the SQL stores within a single process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/repo"
)

type Store struct {
	mu sync.Mutex

	pipelines map[string]domain.Pipeline
	blocks    map[string][]domain.Block
	edges     map[string][]domain.Edge
	runs      map[string]domain.PipelineRun
	blockRuns map[string]domain.BlockRun
	// byRunBlock indexes block runs by run id and block id.
	byRunBlock map[[2]string]string
	queue      []domain.QueueItem
	nextItemID int64
	now        func() time.Time
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		pipelines:  map[string]domain.Pipeline{},
		blocks:     map[string][]domain.Block{},
		edges:      map[string][]domain.Edge{},
		runs:       map[string]domain.PipelineRun{},
		blockRuns:  map[string]domain.BlockRun{},
		byRunBlock: map[[2]string]string{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) CreatePipelineVersion(_ context.Context, version domain.PipelineVersion) (domain.Pipeline, *domain.Pipeline, error) {
	if err := version.Validate(); err != nil {
		return domain.Pipeline{}, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[version.Pipeline.ID]; ok {
		return domain.Pipeline{}, nil, fmt.Errorf("pipeline %s: %w", version.Pipeline.ID, repo.ErrConflict)
	}

	var previous *domain.Pipeline
	for _, p := range s.pipelines {
		if p.Name != version.Pipeline.Name || p.SupersededAt != nil {
			continue
		}
		cp := p
		previous = &cp
	}

	created := version.Pipeline
	created.Version = 1
	if created.CreatedAt.IsZero() {
		created.CreatedAt = s.now()
	}
	created.SupersededAt = nil
	if previous != nil {
		created.Version = previous.Version + 1
		at := created.CreatedAt
		previous.SupersededAt = &at
		s.pipelines[previous.ID] = *previous
	}
	s.pipelines[created.ID] = created

	blocks := make([]domain.Block, 0, len(version.Blocks))
	for _, b := range version.Blocks {
		b.Config = b.Config.Clone()
		blocks = append(blocks, b)
	}
	s.blocks[created.ID] = blocks
	s.edges[created.ID] = append([]domain.Edge(nil), version.Edges...)
	return created, previous, nil
}

func (s *Store) GetPipeline(_ context.Context, id string) (domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetLatestPipeline(_ context.Context, name string) (domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Pipeline
	for _, p := range s.pipelines {
		if p.Name != strings.TrimSpace(name) {
			continue
		}
		if latest == nil || p.Version > latest.Version {
			cp := p
			latest = &cp
		}
	}
	if latest == nil {
		return domain.Pipeline{}, repo.ErrNotFound
	}
	return *latest, nil
}

func (s *Store) ListBlocks(_ context.Context, pipelineID string) ([]domain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Block, 0, len(s.blocks[pipelineID]))
	for _, b := range s.blocks[pipelineID] {
		b.Config = b.Config.Clone()
		out = append(out, b)
	}
	return out, nil
}

func (s *Store) ListEdges(_ context.Context, pipelineID string) ([]domain.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Edge{}, s.edges[pipelineID]...), nil
}

func (s *Store) CreateRun(_ context.Context, run domain.PipelineRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[run.PipelineID]; !ok {
		return fmt.Errorf("pipeline %s: %w", run.PipelineID, repo.ErrNotFound)
	}
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, repo.ErrConflict)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	s.runs[run.ID] = run
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *Store) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PipelineRun, 0)
	for _, run := range s.runs {
		if filter.PipelineID != "" && run.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) FinishRun(_ context.Context, id string, status domain.RunStatus, finishedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish run: status %s is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if run.Status.Terminal() {
		return false, nil
	}
	at := finishedAt.UTC()
	run.Status = status
	run.FinishedAt = &at
	s.runs[id] = run
	return true, nil
}

func (s *Store) DeleteRunsFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doomed := map[string]struct{}{}
	for id, run := range s.runs {
		if run.Status.Terminal() && run.FinishedAt != nil && run.FinishedAt.Before(cutoff) {
			doomed[id] = struct{}{}
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	kept := s.queue[:0]
	for _, item := range s.queue {
		if _, ok := doomed[item.RunID]; !ok {
			kept = append(kept, item)
		}
	}
	s.queue = kept
	for id, br := range s.blockRuns {
		if _, ok := doomed[br.RunID]; ok {
			delete(s.blockRuns, id)
			delete(s.byRunBlock, [2]string{br.RunID, br.BlockID})
		}
	}
	for id := range doomed {
		delete(s.runs, id)
	}
	return int64(len(doomed)), nil
}

func (s *Store) EnsureBlockRun(_ context.Context, runID, blockID string) (domain.BlockRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureBlockRunLocked(runID, blockID)
}

func (s *Store) ensureBlockRunLocked(runID, blockID string) (domain.BlockRun, bool, error) {
	if strings.TrimSpace(runID) == "" || strings.TrimSpace(blockID) == "" {
		return domain.BlockRun{}, false, fmt.Errorf("run id and block id are required")
	}
	if id, ok := s.byRunBlock[[2]string{runID, blockID}]; ok {
		return s.blockRuns[id], false, nil
	}
	if _, ok := s.runs[runID]; !ok {
		return domain.BlockRun{}, false, fmt.Errorf("run %s: %w", runID, repo.ErrNotFound)
	}
	br := domain.BlockRun{
		ID:      domain.NewID(),
		RunID:   runID,
		BlockID: blockID,
		Status:  domain.StatusQueued,
	}
	s.blockRuns[br.ID] = br
	s.byRunBlock[[2]string{runID, blockID}] = br.ID
	return br, true, nil
}

func (s *Store) GetBlockRun(_ context.Context, id string) (domain.BlockRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.blockRuns[id]
	if !ok {
		return domain.BlockRun{}, repo.ErrNotFound
	}
	return br, nil
}

func (s *Store) ListBlockRuns(_ context.Context, runID string) ([]domain.BlockRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BlockRun, 0)
	for _, br := range s.blockRuns {
		if br.RunID == runID {
			out = append(out, br)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out, nil
}

func (s *Store) FinishAttempt(_ context.Context, id string, attempt int, status domain.RunStatus, errMsg string, at time.Time) (bool, error) {
	if status != domain.StatusSucceeded && status != domain.StatusFailed {
		return false, fmt.Errorf("finish attempt: status %s is not an outcome", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.blockRuns[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if br.Status != domain.StatusRunning || br.Attempts != attempt {
		return false, nil
	}
	finished := at.UTC()
	br.Status = status
	br.Error = errMsg
	br.FinishedAt = &finished
	s.blockRuns[id] = br
	return true, nil
}

func (s *Store) ListStaleRunning(_ context.Context, startedBefore time.Time) ([]domain.BlockRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BlockRun, 0)
	for _, br := range s.blockRuns {
		if br.Status == domain.StatusRunning && br.StartedAt != nil && br.StartedAt.Before(startedBefore) {
			out = append(out, br)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out, nil
}

func (s *Store) Enqueue(_ context.Context, item domain.QueueItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, _, err := s.ensureBlockRunLocked(item.RunID, item.BlockID)
	if err != nil {
		return false, err
	}
	if br.Status != domain.StatusQueued || s.hasPendingLocked(item.RunID, item.BlockID) {
		return false, nil
	}
	s.pushLocked(item)
	return true, nil
}

func (s *Store) Requeue(_ context.Context, blockRunID string, attempt int, item domain.QueueItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.blockRuns[blockRunID]
	if !ok {
		return false, repo.ErrNotFound
	}
	if br.Status != domain.StatusFailed || br.Attempts != attempt {
		return false, nil
	}
	if s.hasPendingLocked(br.RunID, br.BlockID) {
		return false, nil
	}
	br.Status = domain.StatusQueued
	br.FinishedAt = nil
	s.blockRuns[blockRunID] = br
	item.RunID = br.RunID
	item.BlockID = br.BlockID
	s.pushLocked(item)
	return true, nil
}

func (s *Store) pushLocked(item domain.QueueItem) {
	s.nextItemID++
	item.ID = s.nextItemID
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = s.now()
	}
	if item.NotBefore.IsZero() {
		item.NotBefore = item.EnqueuedAt
	}
	s.queue = append(s.queue, item)
}

func (s *Store) ClaimNext(_ context.Context, workerID string, now time.Time) (domain.Claim, error) {
	if strings.TrimSpace(workerID) == "" {
		return domain.Claim{}, fmt.Errorf("worker id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	for i, item := range s.queue {
		if item.NotBefore.After(now) {
			continue
		}
		if best < 0 || queueLess(item, s.queue[best]) {
			best = i
		}
	}
	if best < 0 {
		return domain.Claim{}, repo.ErrNoWork
	}
	item := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)

	br, _, err := s.ensureBlockRunLocked(item.RunID, item.BlockID)
	if err != nil {
		return domain.Claim{}, err
	}
	started := now.UTC()
	br.Status = domain.StatusRunning
	br.Attempts++
	br.Priority = item.Priority
	br.WorkerID = workerID
	br.StartedAt = &started
	br.FinishedAt = nil
	s.blockRuns[br.ID] = br
	return domain.Claim{Item: item, BlockRun: br}, nil
}

func queueLess(a, b domain.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

func (s *Store) HasPending(_ context.Context, runID, blockID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPendingLocked(runID, blockID), nil
}

func (s *Store) hasPendingLocked(runID, blockID string) bool {
	for _, item := range s.queue {
		if item.RunID == runID && item.BlockID == blockID {
			return true
		}
	}
	return false
}

func (s *Store) CountPending(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID == "" {
		return len(s.queue), nil
	}
	n := 0
	for _, item := range s.queue {
		if item.RunID == runID {
			n++
		}
	}
	return n, nil
}

// SetClock replaces the store's clock for enqueue and creation timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}
