// Package repotest holds the behavioural contract every repo.Store must pass.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/repo"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) repo.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("PipelineVersioning", func(t *testing.T) { testPipelineVersioning(t, newStore(t)) })
	t.Run("EnqueueIsIdempotent", func(t *testing.T) { testEnqueueIsIdempotent(t, newStore(t)) })
	t.Run("ClaimOrdering", func(t *testing.T) { testClaimOrdering(t, newStore(t)) })
	t.Run("AttemptLifecycle", func(t *testing.T) { testAttemptLifecycle(t, newStore(t)) })
	t.Run("RequeueHonoursNotBefore", func(t *testing.T) { testRequeue(t, newStore(t)) })
	t.Run("EnqueueSkipsStartedBlocks", func(t *testing.T) { testEnqueueSkipsStartedBlocks(t, newStore(t)) })
	t.Run("FinishRunOnce", func(t *testing.T) { testFinishRunOnce(t, newStore(t)) })
	t.Run("RetentionCleanup", func(t *testing.T) { testRetentionCleanup(t, newStore(t)) })
	t.Run("StaleRunning", func(t *testing.T) { testStaleRunning(t, newStore(t)) })
	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	pipeline domain.Pipeline
	blocks   []domain.Block
	run      domain.PipelineRun
}

func seed(t *testing.T, store repo.Store, name string) fixture {
	t.Helper()
	ctx := context.Background()

	pipelineID := domain.NewID()
	blocks := []domain.Block{
		{ID: domain.NewID(), PipelineID: pipelineID, Name: "extract", Type: "NOOP", Config: domain.Metadata{}},
		{ID: domain.NewID(), PipelineID: pipelineID, Name: "load", Type: "NOOP", Config: domain.Metadata{"retry": map[string]any{"max_attempts": float64(2)}}},
	}
	created, _, err := store.CreatePipelineVersion(ctx, domain.PipelineVersion{
		Pipeline: domain.Pipeline{ID: pipelineID, Name: name, CreatedAt: base},
		Blocks:   blocks,
		Edges:    []domain.Edge{{PipelineID: pipelineID, From: blocks[0].ID, To: blocks[1].ID}},
	})
	require.NoError(t, err)

	run := domain.PipelineRun{
		ID:            domain.NewID(),
		PipelineID:    created.ID,
		Status:        domain.StatusRunning,
		CorrelationID: domain.NewID(),
		StartedAt:     base,
	}
	require.NoError(t, store.CreateRun(ctx, run))
	return fixture{pipeline: created, blocks: blocks, run: run}
}

func item(f fixture, block int, priority int, notBefore time.Time) domain.QueueItem {
	return domain.QueueItem{
		RunID:      f.run.ID,
		BlockID:    f.blocks[block].ID,
		Priority:   priority,
		NotBefore:  notBefore,
		EnqueuedAt: notBefore,
	}
}

func testPipelineVersioning(t *testing.T, store repo.Store) {
	ctx := context.Background()
	first := seed(t, store, "etl")
	require.Equal(t, 1, first.pipeline.Version)

	pipelineID := domain.NewID()
	created, superseded, err := store.CreatePipelineVersion(ctx, domain.PipelineVersion{
		Pipeline: domain.Pipeline{ID: pipelineID, Name: "etl", CreatedAt: base.Add(time.Hour)},
		Blocks:   []domain.Block{{ID: domain.NewID(), PipelineID: pipelineID, Name: "only", Type: "NOOP"}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, created.Version)
	require.NotNil(t, superseded)
	require.Equal(t, first.pipeline.ID, superseded.ID)

	latest, err := store.GetLatestPipeline(ctx, "etl")
	require.NoError(t, err)
	require.Equal(t, pipelineID, latest.ID)

	old, err := store.GetPipeline(ctx, first.pipeline.ID)
	require.NoError(t, err)
	require.NotNil(t, old.SupersededAt)

	blocks, err := store.ListBlocks(ctx, first.pipeline.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	edges, err := store.ListEdges(ctx, first.pipeline.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, first.blocks[0].ID, edges[0].From)

	var loaded domain.Block
	for _, b := range blocks {
		if b.Name == "load" {
			loaded = b
		}
	}
	require.Equal(t, 2, loaded.RetryPolicy(domain.RetryPolicy{MaxAttempts: 5}).MaxAttempts)

	_, err = store.GetLatestPipeline(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func testEnqueueIsIdempotent(t *testing.T, store repo.Store) {
	ctx := context.Background()
	f := seed(t, store, "idempotent")

	inserted, err := store.Enqueue(ctx, item(f, 0, domain.DefaultPriority, base))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.Enqueue(ctx, item(f, 0, domain.DefaultPriority, base))
	require.NoError(t, err)
	require.False(t, inserted)

	n, err := store.CountPending(ctx, f.run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := store.HasPending(ctx, f.run.ID, f.blocks[0].ID)
	require.NoError(t, err)
	require.True(t, pending)

	runs, err := store.ListBlockRuns(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, domain.StatusQueued, runs[0].Status)
	require.Equal(t, 0, runs[0].Attempts)
}

func testClaimOrdering(t *testing.T, store repo.Store) {
	ctx := context.Background()
	f := seed(t, store, "ordering")
	g := seed(t, store, "ordering-other")

	_, err := store.Enqueue(ctx, item(f, 0, 100, base))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, item(f, 1, 10, base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, item(g, 0, 100, base.Add(-time.Minute)))
	require.NoError(t, err)

	claim, err := store.ClaimNext(ctx, "w1", base)
	require.NoError(t, err)
	require.Equal(t, g.blocks[0].ID, claim.Item.BlockID, "earlier enqueue wins at equal priority")

	claim, err = store.ClaimNext(ctx, "w1", base)
	require.NoError(t, err)
	require.Equal(t, f.blocks[0].ID, claim.Item.BlockID, "future item must stay ineligible")

	_, err = store.ClaimNext(ctx, "w1", base)
	require.ErrorIs(t, err, repo.ErrNoWork)

	claim, err = store.ClaimNext(ctx, "w1", base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, f.blocks[1].ID, claim.Item.BlockID)

	n, err := store.CountPending(ctx, "")
	require.NoError(t, err)
	require.Zero(t, n)
}

func testAttemptLifecycle(t *testing.T, store repo.Store) {
	ctx := context.Background()
	f := seed(t, store, "lifecycle")
	_, err := store.Enqueue(ctx, item(f, 0, 100, base))
	require.NoError(t, err)

	claim, err := store.ClaimNext(ctx, "worker-a", base)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, claim.BlockRun.Status)
	require.Equal(t, 1, claim.BlockRun.Attempts)
	require.Equal(t, "worker-a", claim.BlockRun.WorkerID)
	require.Equal(t, 100, claim.BlockRun.Priority, "attempt keeps the priority of its item")
	require.NotNil(t, claim.BlockRun.StartedAt)

	stored, err := store.GetBlockRun(ctx, claim.BlockRun.ID)
	require.NoError(t, err)
	require.Equal(t, 100, stored.Priority)

	pending, err := store.HasPending(ctx, f.run.ID, f.blocks[0].ID)
	require.NoError(t, err)
	require.False(t, pending, "claimed items are removed")

	ok, err := store.FinishAttempt(ctx, claim.BlockRun.ID, 2, domain.StatusSucceeded, "", base)
	require.NoError(t, err)
	require.False(t, ok, "wrong attempt must not apply")

	ok, err = store.FinishAttempt(ctx, claim.BlockRun.ID, 1, domain.StatusSucceeded, "", base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.FinishAttempt(ctx, claim.BlockRun.ID, 1, domain.StatusFailed, "late", base.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, ok, "finished attempts are immutable")

	br, err := store.GetBlockRun(ctx, claim.BlockRun.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, br.Status)
	require.NotNil(t, br.FinishedAt)
	require.Empty(t, br.Error)
}

func testRequeue(t *testing.T, store repo.Store) {
	ctx := context.Background()
	f := seed(t, store, "requeue")
	_, err := store.Enqueue(ctx, item(f, 0, 7, base))
	require.NoError(t, err)

	claim, err := store.ClaimNext(ctx, "w", base)
	require.NoError(t, err)
	ok, err := store.FinishAttempt(ctx, claim.BlockRun.ID, 1, domain.StatusFailed, "boom", base)
	require.NoError(t, err)
	require.True(t, ok)

	retryAt := base.Add(10 * time.Second)
	ok, err = store.Requeue(ctx, claim.BlockRun.ID, 2, domain.QueueItem{Priority: 7, NotBefore: retryAt, EnqueuedAt: base})
	require.NoError(t, err)
	require.False(t, ok, "requeue is guarded by the failed attempt")

	ok, err = store.Requeue(ctx, claim.BlockRun.ID, 1, domain.QueueItem{Priority: 7, NotBefore: retryAt, EnqueuedAt: base})
	require.NoError(t, err)
	require.True(t, ok)

	br, err := store.GetBlockRun(ctx, claim.BlockRun.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, br.Status)
	require.Equal(t, "boom", br.Error)

	_, err = store.ClaimNext(ctx, "w", base.Add(5*time.Second))
	require.ErrorIs(t, err, repo.ErrNoWork)

	claim, err = store.ClaimNext(ctx, "w", retryAt)
	require.NoError(t, err)
	require.Equal(t, 2, claim.BlockRun.Attempts)
	require.Equal(t, 7, claim.Item.Priority)
}

func testEnqueueSkipsStartedBlocks(t *testing.T, store repo.Store) {
	ctx := context.Background()
	f := seed(t, store, "skip")
	_, err := store.Enqueue(ctx, item(f, 0, 100, base))
	require.NoError(t, err)
	claim, err := store.ClaimNext(ctx, "w", base)
	require.NoError(t, err)

	inserted, err := store.Enqueue(ctx, item(f, 0, 100, base))
	require.NoError(t, err)
	require.False(t, inserted, "running block must not be enqueued again")

	_, err = store.FinishAttempt(ctx, claim.BlockRun.ID, 1, domain.StatusSucceeded, "", base)
	require.NoError(t, err)
	inserted, err = store.Enqueue(ctx, item(f, 0, 100, base))
	require.NoError(t, err)
	require.False(t, inserted, "succeeded block must not be enqueued again")
}

func testFinishRunOnce(t *testing.T, store repo.Store) {
	ctx := context.Background()
	f := seed(t, store, "finish")

	ok, err := store.FinishRun(ctx, f.run.ID, domain.StatusSucceeded, base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.FinishRun(ctx, f.run.ID, domain.StatusFailed, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	run, err := store.GetRun(ctx, f.run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, time.Minute, run.Duration())

	_, err = store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func testRetentionCleanup(t *testing.T, store repo.Store) {
	ctx := context.Background()
	old := seed(t, store, "old")
	fresh := seed(t, store, "fresh")

	_, err := store.Enqueue(ctx, item(old, 1, 100, base))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, item(fresh, 0, 100, base))
	require.NoError(t, err)
	_, err = store.FinishRun(ctx, old.run.ID, domain.StatusFailed, base)
	require.NoError(t, err)

	deleted, err := store.DeleteRunsFinishedBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, err = store.GetRun(ctx, old.run.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	n, err := store.CountPending(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	runs, err := store.ListRuns(ctx, repo.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, fresh.run.ID, runs[0].ID)
}

func testStaleRunning(t *testing.T, store repo.Store) {
	ctx := context.Background()
	f := seed(t, store, "stale")
	_, err := store.Enqueue(ctx, item(f, 0, 100, base))
	require.NoError(t, err)
	claim, err := store.ClaimNext(ctx, "w", base)
	require.NoError(t, err)

	stale, err := store.ListStaleRunning(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)

	stale, err = store.ListStaleRunning(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, claim.BlockRun.ID, stale[0].ID)
}

func testConcurrentClaim(t *testing.T, store repo.Store) {
	ctx := context.Background()
	f := seed(t, store, "race")
	_, err := store.Enqueue(ctx, item(f, 0, 100, base))
	require.NoError(t, err)

	const claimers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other []error
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.ClaimNext(ctx, "racer", base)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, repo.ErrNoWork), errors.Is(err, repo.ErrContention):
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	require.Equal(t, 1, wins)

	br, err := store.ListBlockRuns(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, br, 1)
	require.Equal(t, 1, br[0].Attempts)
}
