package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/blockflow/internal/config"
	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/graph"
	"github.com/animus-labs/blockflow/internal/repo/memory"
	"github.com/animus-labs/blockflow/internal/repo/repotest"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newRun(t *testing.T, store *memory.Store, pipelineID string) string {
	t.Helper()
	runID := domain.NewID()
	err := store.CreateRun(context.Background(), domain.PipelineRun{ID: runID, PipelineID: pipelineID, Status: domain.StatusRunning, StartedAt: testNow})
	if err != nil {
		t.Fatalf("CreateRun() err=%v", err)
	}
	return runID
}

func succeed(t *testing.T, store *memory.Store, runID string) {
	t.Helper()
	ctx := context.Background()
	claim, err := store.ClaimNext(ctx, "w", testNow)
	if err != nil {
		t.Fatalf("ClaimNext() err=%v", err)
	}
	if ok, err := store.FinishAttempt(ctx, claim.BlockRun.ID, claim.BlockRun.Attempts, domain.StatusSucceeded, "", testNow); err != nil || !ok {
		t.Fatalf("FinishAttempt() ok=%v err=%v", ok, err)
	}
}

func newScheduler(store *memory.Store) *Scheduler {
	s := New(store, config.Default(), nil, nil)
	s.SetClock(func() time.Time { return testNow })
	return s
}

func TestDiamondPropagation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := repotest.Diamond(t, store, "NOOP", nil)
	runID := newRun(t, store, p.ID)
	s := newScheduler(store)

	n, err := s.EnqueueRoots(ctx, p.ID, runID, 0)
	if err != nil {
		t.Fatalf("EnqueueRoots() err=%v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 root enqueued, got %d", n)
	}

	succeed(t, store, runID)
	n, err = s.OnBlockFinished(ctx, runID, p.BlockID("a"), 0)
	if err != nil {
		t.Fatalf("OnBlockFinished() err=%v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 children enqueued, got %d", n)
	}

	// Whichever of b and c finishes first leaves d waiting.
	claim, err := store.ClaimNext(ctx, "w", testNow)
	if err != nil {
		t.Fatalf("ClaimNext() err=%v", err)
	}
	if _, err := store.FinishAttempt(ctx, claim.BlockRun.ID, 1, domain.StatusSucceeded, "", testNow); err != nil {
		t.Fatalf("FinishAttempt() err=%v", err)
	}
	if n, _ := s.OnBlockFinished(ctx, runID, claim.Item.BlockID, 0); n != 0 {
		t.Fatalf("expected d to wait for its second parent, got %d enqueued", n)
	}

	succeed(t, store, runID)
	if n, _ := s.OnBlockFinished(ctx, runID, p.BlockID("c"), 0); n != 1 {
		t.Fatalf("expected d enqueued once both parents succeeded, got %d", n)
	}
	// A racing call for the other parent must not enqueue d again.
	if n, _ := s.OnBlockFinished(ctx, runID, p.BlockID("b"), 0); n != 0 {
		t.Fatalf("expected duplicate propagation to be skipped, got %d", n)
	}
	if pending, _ := store.CountPending(ctx, runID); pending != 1 {
		t.Fatalf("expected exactly one pending item, got %d", pending)
	}
}

func TestEnqueueRootsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "two-roots", []repotest.BlockSpec{
		{Name: "x", Type: "NOOP"}, {Name: "y", Type: "NOOP"}, {Name: "z", Type: "NOOP"},
	}, [][2]string{{"x", "z"}, {"y", "z"}})
	runID := newRun(t, store, p.ID)
	s := newScheduler(store)

	first, err := s.EnqueueRoots(ctx, p.ID, runID, 0)
	if err != nil || first != 2 {
		t.Fatalf("EnqueueRoots() n=%d err=%v", first, err)
	}
	second, err := s.EnqueueRoots(ctx, p.ID, runID, 0)
	if err != nil || second != 0 {
		t.Fatalf("second EnqueueRoots() n=%d err=%v", second, err)
	}
	for _, root := range []string{"x", "y"} {
		pending, _ := store.HasPending(ctx, runID, p.BlockID(root))
		if !pending {
			t.Fatalf("expected pending item for root %s", root)
		}
	}
	if n, _ := store.CountPending(ctx, runID); n != 2 {
		t.Fatalf("expected 2 pending items, got %d", n)
	}
}

func TestEnqueueRootsUsesPriority(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "single", []repotest.BlockSpec{{Name: "only", Type: "NOOP"}}, nil)
	runID := newRun(t, store, p.ID)
	s := newScheduler(store)

	if _, err := s.EnqueueRoots(ctx, p.ID, runID, 0); err != nil {
		t.Fatalf("EnqueueRoots() err=%v", err)
	}
	claim, err := store.ClaimNext(ctx, "w", testNow)
	if err != nil {
		t.Fatalf("ClaimNext() err=%v", err)
	}
	if claim.Item.Priority != domain.DefaultPriority {
		t.Fatalf("expected default priority, got %d", claim.Item.Priority)
	}
}

func TestOnBlockFinishedSkipsFailedChildren(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "chain", []repotest.BlockSpec{
		{Name: "first", Type: "NOOP"}, {Name: "second", Type: "NOOP"},
	}, [][2]string{{"first", "second"}})
	runID := newRun(t, store, p.ID)
	s := newScheduler(store)

	if _, err := s.EnqueueRoots(ctx, p.ID, runID, 0); err != nil {
		t.Fatalf("EnqueueRoots() err=%v", err)
	}
	succeed(t, store, runID)
	if n, _ := s.OnBlockFinished(ctx, runID, p.BlockID("first"), 0); n != 1 {
		t.Fatalf("expected child enqueued, got %d", n)
	}
	claim, _ := store.ClaimNext(ctx, "w", testNow)
	_, _ = store.FinishAttempt(ctx, claim.BlockRun.ID, 1, domain.StatusFailed, "boom", testNow)

	if n, _ := s.OnBlockFinished(ctx, runID, p.BlockID("first"), 0); n != 0 {
		t.Fatalf("failed child must be left to the retry path, got %d", n)
	}
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "cyclic", []repotest.BlockSpec{
		{Name: "a", Type: "NOOP"}, {Name: "b", Type: "NOOP"}, {Name: "c", Type: "NOOP"},
	}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}})
	s := newScheduler(store)

	err := s.ValidateDAG(ctx, p.ID)
	var cycle *graph.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cycle.Path) != 4 {
		t.Fatalf("expected closed 3-cycle path, got %v", cycle.Path)
	}
}

func TestGraphCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := config.Default()
	cfg.GraphCacheSize = 2
	s := New(store, cfg, nil, nil)

	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		p := repotest.CreatePipeline(t, store, name, []repotest.BlockSpec{{Name: "a", Type: "NOOP"}}, nil)
		if _, err := s.Graph(ctx, p.ID); err != nil {
			t.Fatalf("Graph(%s) err=%v", name, err)
		}
		ids = append(ids, p.ID)
	}
	if n := s.graphs.Len(); n != 2 {
		t.Fatalf("expected 2 cached graphs, got %d", n)
	}
	if s.graphs.Contains(ids[0]) {
		t.Fatalf("expected the least recently used graph to be evicted")
	}
	g, err := s.Graph(ctx, ids[0])
	if err != nil || len(g.Nodes()) != 1 {
		t.Fatalf("evicted graph must be rebuilt from the store, got %v err=%v", g, err)
	}
}
