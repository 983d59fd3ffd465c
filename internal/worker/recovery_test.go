package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/orchestrator"
	"github.com/animus-labs/blockflow/internal/repo"
	"github.com/animus-labs/blockflow/internal/repo/repotest"
)

var errConnReset = errors.New("connection reset")

// flakyScheduler fails the first failures calls to OnBlockFinished.
type flakyScheduler struct {
	Scheduler
	failures int
}

func (s *flakyScheduler) OnBlockFinished(ctx context.Context, runID, finishedBlockID string, priority int) (int, error) {
	if s.failures > 0 {
		s.failures--
		return 0, errConnReset
	}
	return s.Scheduler.OnBlockFinished(ctx, runID, finishedBlockID, priority)
}

// flakyStore fails reads the worker makes right after a claim.
type flakyStore struct {
	repo.Store
	getRunFailures     int
	listBlocksFailures int
	// brokenPipeline always fails ListBlocks.
	brokenPipeline string
}

func (s *flakyStore) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	if s.getRunFailures > 0 {
		s.getRunFailures--
		return domain.PipelineRun{}, errConnReset
	}
	return s.Store.GetRun(ctx, id)
}

func (s *flakyStore) ListBlocks(ctx context.Context, pipelineID string) ([]domain.Block, error) {
	if pipelineID == s.brokenPipeline {
		return nil, errConnReset
	}
	if s.listBlocksFailures > 0 {
		s.listBlocksFailures--
		return nil, errConnReset
	}
	return s.Store.ListBlocks(ctx, pipelineID)
}

func drain(t *testing.T, w *Worker) int {
	t.Helper()
	n := 0
	for {
		found, err := w.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("ProcessNext() err=%v", err)
		}
		if !found {
			return n
		}
		n++
	}
}

func TestRunConvergesAfterPropagationError(t *testing.T) {
	h := newHarness(t)
	p := repotest.Diamond(t, h.store, "OK", nil)
	run := h.start(t, p.ID)
	ctx := context.Background()

	deps := h.deps
	deps.Scheduler = &flakyScheduler{Scheduler: h.deps.Scheduler, failures: 1}
	w, err := New("w1", deps, h.cfg, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	w.SetClock(h.clock.Now)

	found, err := w.ProcessNext(ctx)
	if !found || !errors.Is(err, errConnReset) {
		t.Fatalf("expected propagation error, found=%v err=%v", found, err)
	}
	if br := h.blockRun(t, run.ID, p.BlockID("a")); br.Status != domain.StatusSucceeded {
		t.Fatalf("expected a to stay SUCCEEDED, got %+v", br)
	}
	if n := drain(t, w); n != 0 {
		t.Fatalf("expected nothing queued after the lost propagation, processed %d", n)
	}

	// The default configuration repairs the run without the stale reaper.
	r, err := NewReaper(h.deps, h.cfg, nil)
	if err != nil {
		t.Fatalf("NewReaper() err=%v", err)
	}
	r.SetClock(h.clock.Now)
	if res, err := r.ReapOnce(ctx); err != nil || res.Propagated != 0 {
		t.Fatalf("expected no repair inside the grace period, res=%+v err=%v", res, err)
	}

	h.clock.Advance(h.cfg.RepairAfter + time.Second)
	res, err := r.ReapOnce(ctx)
	if err != nil {
		t.Fatalf("ReapOnce() err=%v", err)
	}
	if res.Propagated != 2 {
		t.Fatalf("expected b and c to be enqueued, got %+v", res)
	}
	if n := drain(t, w); n != 4 {
		t.Fatalf("expected the remaining 4 blocks to run, processed %d", n)
	}
	if status := h.runStatus(t, run.ID); status != domain.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", status)
	}
}

func TestReadFailureAfterClaimIsRetried(t *testing.T) {
	tests := []struct {
		name  string
		store func(repo.Store) *flakyStore
		want  string
	}{
		{
			name:  "get run",
			store: func(s repo.Store) *flakyStore { return &flakyStore{Store: s, getRunFailures: 1} },
			want:  "get run",
		},
		{
			name:  "list blocks",
			store: func(s repo.Store) *flakyStore { return &flakyStore{Store: s, listBlocksFailures: 1} },
			want:  "list blocks",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			p := repotest.CreatePipeline(t, h.store, "flaky-read", []repotest.BlockSpec{{Name: "a", Type: "OK"}}, nil)
			run := h.start(t, p.ID)
			ctx := context.Background()

			deps := h.deps
			deps.Store = tc.store(h.store)
			w, err := New("w1", deps, h.cfg, nil)
			if err != nil {
				t.Fatalf("New() err=%v", err)
			}
			w.SetClock(h.clock.Now)

			found, err := w.ProcessNext(ctx)
			if !found || err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, found=%v err=%v", tc.want, found, err)
			}
			br := h.blockRun(t, run.ID, p.BlockID("a"))
			if br.Status != domain.StatusQueued || br.Attempts != 1 {
				t.Fatalf("expected the attempt to be requeued, got %+v", br)
			}
			if status := h.runStatus(t, run.ID); status != domain.StatusRunning {
				t.Fatalf("expected RUNNING, got %s", status)
			}

			h.clock.Advance(h.cfg.DefaultRetry.BackoffBase)
			if n := drain(t, w); n != 1 {
				t.Fatalf("expected the retry to run, processed %d", n)
			}
			if status := h.runStatus(t, run.ID); status != domain.StatusSucceeded {
				t.Fatalf("expected SUCCEEDED, got %s", status)
			}
		})
	}
}

func TestReaperKeepsItemPriority(t *testing.T) {
	h := newHarness(t)
	p := repotest.CreatePipeline(t, h.store, "urgent", []repotest.BlockSpec{{Name: "a", Type: "OK"}}, nil)
	run, err := h.orch.StartRun(context.Background(), p.ID, orchestrator.StartOptions{Priority: 7})
	if err != nil {
		t.Fatalf("StartRun() err=%v", err)
	}
	ctx := context.Background()

	// Lost worker: reaped and retried through the backoff path.
	if _, err := h.store.ClaimNext(ctx, "crashed", testNow); err != nil {
		t.Fatalf("ClaimNext() err=%v", err)
	}
	h.clock.Advance(2 * time.Minute)
	if res, err := h.reaper(t).ReapOnce(ctx); err != nil || res.Reaped != 1 {
		t.Fatalf("ReapOnce() res=%+v err=%v", res, err)
	}
	h.clock.Advance(h.cfg.DefaultRetry.BackoffBase)
	claim, err := h.store.ClaimNext(ctx, "w2", h.clock.Now())
	if err != nil {
		t.Fatalf("ClaimNext() err=%v", err)
	}
	if claim.Item.Priority != 7 {
		t.Fatalf("reaped retry: expected priority 7, got %d", claim.Item.Priority)
	}

	// Failure recorded, requeue lost: repaired by the sweep.
	if _, err := h.store.FinishAttempt(ctx, claim.BlockRun.ID, claim.BlockRun.Attempts, domain.StatusFailed, "bad input", h.clock.Now()); err != nil {
		t.Fatalf("FinishAttempt() err=%v", err)
	}
	h.clock.Advance(h.cfg.RepairAfter + time.Second)
	if res, err := h.reaper(t).ReapOnce(ctx); err != nil || res.Requeued != 1 {
		t.Fatalf("ReapOnce() res=%+v err=%v", res, err)
	}
	claim, err = h.store.ClaimNext(ctx, "w3", h.clock.Now())
	if err != nil {
		t.Fatalf("ClaimNext() err=%v", err)
	}
	if claim.Item.Priority != 7 || claim.Item.RunID != run.ID {
		t.Fatalf("repaired retry: expected priority 7, got %+v", claim.Item)
	}
}

func TestReaperSkipsUnreadableBlockRun(t *testing.T) {
	h := newHarness(t)
	broken := repotest.CreatePipeline(t, h.store, "broken", []repotest.BlockSpec{{Name: "a", Type: "OK"}}, nil)
	healthy := repotest.CreatePipeline(t, h.store, "healthy", []repotest.BlockSpec{{Name: "a", Type: "OK"}}, nil)
	brokenRun := h.start(t, broken.ID)
	healthyRun := h.start(t, healthy.ID)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := h.store.ClaimNext(ctx, "crashed", testNow); err != nil {
			t.Fatalf("ClaimNext() err=%v", err)
		}
	}

	deps := h.deps
	deps.Store = &flakyStore{Store: h.store, brokenPipeline: broken.ID}
	cfg := h.cfg
	cfg.ReapAfter = time.Minute
	r, err := NewReaper(deps, cfg, nil)
	if err != nil {
		t.Fatalf("NewReaper() err=%v", err)
	}
	r.SetClock(h.clock.Now)

	h.clock.Advance(2 * time.Minute)
	res, err := r.ReapOnce(ctx)
	if err != nil {
		t.Fatalf("ReapOnce() err=%v", err)
	}
	if res.Reaped != 1 || res.Skipped != 1 {
		t.Fatalf("expected one reaped and one skipped block run, got %+v", res)
	}
	if br := h.blockRun(t, healthyRun.ID, healthy.BlockID("a")); br.Status != domain.StatusQueued {
		t.Fatalf("expected healthy block run to be requeued, got %+v", br)
	}
	if br := h.blockRun(t, brokenRun.ID, broken.BlockID("a")); br.Status != domain.StatusRunning {
		t.Fatalf("expected broken block run to wait for the next sweep, got %+v", br)
	}
}
