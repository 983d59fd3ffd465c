package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/blockflow/internal/config"
	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/events"
	"github.com/animus-labs/blockflow/internal/graph"
	"github.com/animus-labs/blockflow/internal/notify"
	"github.com/animus-labs/blockflow/internal/repo"
	"github.com/animus-labs/blockflow/internal/repo/memory"
	"github.com/animus-labs/blockflow/internal/repo/repotest"
	"github.com/animus-labs/blockflow/internal/scheduler"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []notify.Payload
	err      error
}

func (n *fakeNotifier) Notify(_ context.Context, p notify.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return n.err
}

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *fakeSink) Emit(_ context.Context, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func newOrchestrator(store repo.Store, n notify.Notifier, sink events.Sink) *Orchestrator {
	cfg := config.Default()
	sched := scheduler.New(store, cfg, nil, nil)
	sched.SetClock(func() time.Time { return testNow })
	o := New(store, sched, n, sink, cfg, nil, nil)
	o.SetClock(func() time.Time { return testNow })
	return o
}

// finishNext claims the next item and records status for its attempt.
func finishNext(t *testing.T, store *memory.Store, status domain.RunStatus) {
	t.Helper()
	ctx := context.Background()
	claim, err := store.ClaimNext(ctx, "w", testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("ClaimNext() err=%v", err)
	}
	if _, err := store.FinishAttempt(ctx, claim.BlockRun.ID, claim.BlockRun.Attempts, status, "x", testNow); err != nil {
		t.Fatalf("FinishAttempt() err=%v", err)
	}
}

func TestStartRunEnqueuesRoots(t *testing.T) {
	store := memory.New()
	p := repotest.Diamond(t, store, "NOOP", nil)
	o := newOrchestrator(store, nil, nil)

	run, err := o.StartRun(context.Background(), p.ID, StartOptions{Priority: 7})
	if err != nil {
		t.Fatalf("StartRun() err=%v", err)
	}
	if run.Status != domain.StatusRunning || run.CorrelationID == "" || !run.StartedAt.Equal(testNow) {
		t.Fatalf("unexpected run %+v", run)
	}
	n, _ := store.CountPending(context.Background(), run.ID)
	if n != 1 {
		t.Fatalf("expected 1 root item, got %d", n)
	}
	claim, err := store.ClaimNext(context.Background(), "w", testNow)
	if err != nil {
		t.Fatalf("ClaimNext() err=%v", err)
	}
	if claim.Item.BlockID != p.BlockID("a") || claim.Item.Priority != 7 {
		t.Fatalf("unexpected root item %+v", claim.Item)
	}
}

func TestStartRunKeepsCorrelationID(t *testing.T) {
	store := memory.New()
	p := repotest.Diamond(t, store, "NOOP", nil)
	o := newOrchestrator(store, nil, nil)

	run, err := o.StartLatest(context.Background(), "diamond", StartOptions{CorrelationID: "ticket-42"})
	if err != nil {
		t.Fatalf("StartLatest() err=%v", err)
	}
	if run.CorrelationID != "ticket-42" || run.PipelineID != p.ID {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestStartRunRejectsCycle(t *testing.T) {
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "loop", []repotest.BlockSpec{
		{Name: "a", Type: "NOOP"}, {Name: "b", Type: "NOOP"}, {Name: "c", Type: "NOOP"},
	}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}})
	o := newOrchestrator(store, nil, nil)

	_, err := o.StartRun(context.Background(), p.ID, StartOptions{})
	var cycle *graph.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	runs, _ := store.ListRuns(context.Background(), repo.RunFilter{})
	if len(runs) != 0 {
		t.Fatalf("expected no run to be created, got %d", len(runs))
	}
}

// blocklessStore hides every block, as a pipeline row left without blocks would.
type blocklessStore struct {
	*memory.Store
}

func (blocklessStore) ListBlocks(context.Context, string) ([]domain.Block, error) {
	return nil, nil
}

func TestStartRunRejectsEmptyPipeline(t *testing.T) {
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "empty", []repotest.BlockSpec{{Name: "a", Type: "NOOP"}}, nil)
	o := newOrchestrator(blocklessStore{store}, nil, nil)

	if _, err := o.StartRun(context.Background(), p.ID, StartOptions{}); !errors.Is(err, ErrEmptyPipeline) {
		t.Fatalf("expected ErrEmptyPipeline, got %v", err)
	}
}

func TestStartRunUnknownPipeline(t *testing.T) {
	o := newOrchestrator(memory.New(), nil, nil)
	if _, err := o.StartRun(context.Background(), "missing", StartOptions{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReconcileNotifiesOnce(t *testing.T) {
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "single", []repotest.BlockSpec{{Name: "a", Type: "NOOP"}}, nil)
	notifier := &fakeNotifier{}
	sink := &fakeSink{}
	o := newOrchestrator(store, notifier, sink)
	ctx := context.Background()

	run, err := o.StartRun(ctx, p.ID, StartOptions{CorrelationID: "c-1"})
	if err != nil {
		t.Fatalf("StartRun() err=%v", err)
	}
	status, err := o.ReconcileRun(ctx, run.ID)
	if err != nil || status != domain.StatusRunning {
		t.Fatalf("ReconcileRun() status=%s err=%v", status, err)
	}

	finishNext(t, store, domain.StatusSucceeded)
	for i := 0; i < 3; i++ {
		status, err := o.ReconcileRun(ctx, run.ID)
		if err != nil || status != domain.StatusSucceeded {
			t.Fatalf("ReconcileRun() status=%s err=%v", status, err)
		}
	}
	if len(notifier.payloads) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.payloads))
	}
	got := notifier.payloads[0]
	if got.Status != "SUCCEEDED" || got.CorrelationID != "c-1" || got.Summary["SUCCEEDED"] != 1 {
		t.Fatalf("unexpected payload %+v", got)
	}
	if len(sink.events) != 1 || sink.events[0].Type != events.RunFinished {
		t.Fatalf("expected one run_finished event, got %+v", sink.events)
	}
}

func TestReconcileFailsOnExhaustedBlock(t *testing.T) {
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "fragile", []repotest.BlockSpec{
		{Name: "a", Type: "NOOP", Config: domain.Metadata{"retry": map[string]any{"max_attempts": 2}}},
	}, nil)
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	o := newOrchestrator(store, notifier, nil)
	ctx := context.Background()

	run, err := o.StartRun(ctx, p.ID, StartOptions{})
	if err != nil {
		t.Fatalf("StartRun() err=%v", err)
	}
	finishNext(t, store, domain.StatusFailed)
	if status, _ := o.ReconcileRun(ctx, run.ID); status != domain.StatusRunning {
		t.Fatalf("expected RUNNING with attempts left, got %s", status)
	}

	brs, _ := store.ListBlockRuns(ctx, run.ID)
	if ok, err := store.Requeue(ctx, brs[0].ID, 1, domain.QueueItem{Priority: 100, NotBefore: testNow}); err != nil || !ok {
		t.Fatalf("Requeue() ok=%v err=%v", ok, err)
	}

	// Notification failures do not surface.
	finishNext(t, store, domain.StatusFailed)
	status, err := o.ReconcileRun(ctx, run.ID)
	if err != nil || status != domain.StatusFailed {
		t.Fatalf("ReconcileRun() status=%s err=%v", status, err)
	}
	stored, _ := store.GetRun(ctx, run.ID)
	if stored.FinishedAt == nil || !stored.FinishedAt.Equal(testNow) {
		t.Fatalf("expected finish time, got %+v", stored)
	}
	if len(notifier.payloads) != 1 {
		t.Fatalf("expected one notification attempt, got %d", len(notifier.payloads))
	}
}

func TestDescribeAndCleanup(t *testing.T) {
	store := memory.New()
	p := repotest.CreatePipeline(t, store, "single", []repotest.BlockSpec{{Name: "a", Type: "NOOP"}}, nil)
	o := newOrchestrator(store, nil, nil)
	ctx := context.Background()

	run, err := o.StartRun(ctx, p.ID, StartOptions{})
	if err != nil {
		t.Fatalf("StartRun() err=%v", err)
	}
	view, err := o.Describe(ctx, run.ID)
	if err != nil {
		t.Fatalf("Describe() err=%v", err)
	}
	if view.Pending != 1 || view.Summary[domain.StatusQueued] != 1 || view.Pipeline.Name != "single" {
		t.Fatalf("unexpected view %+v", view)
	}

	finishNext(t, store, domain.StatusSucceeded)
	if _, err := o.ReconcileRun(ctx, run.ID); err != nil {
		t.Fatalf("ReconcileRun() err=%v", err)
	}

	if _, err := o.Cleanup(ctx, 0); err == nil {
		t.Fatalf("expected zero retention to be rejected")
	}
	if n, err := o.Cleanup(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("expected recent run to be kept, n=%d err=%v", n, err)
	}
	o.SetClock(func() time.Time { return testNow.Add(48 * time.Hour) })
	if n, err := o.Cleanup(ctx, 24*time.Hour); err != nil || n != 1 {
		t.Fatalf("expected 1 run deleted, n=%d err=%v", n, err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected run to be gone, err=%v", err)
	}
}
