package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/platform/retry"
	"github.com/animus-labs/blockflow/internal/repo"
)

type fakeQueue struct {
	repo.QueueRepository
	results []error
	calls   int
	claim   domain.Claim
}

func (f *fakeQueue) ClaimNext(ctx context.Context, workerID string, now time.Time) (domain.Claim, error) {
	f.calls++
	if len(f.results) == 0 {
		return f.claim, nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	if err != nil {
		return domain.Claim{}, err
	}
	return f.claim, nil
}

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestClaimNextRetriesContention(t *testing.T) {
	q := &fakeQueue{
		results: []error{repo.ErrContention, repo.ErrContention, nil},
		claim:   domain.Claim{Item: domain.QueueItem{ID: 9}},
	}
	c := NewClaimer(q, fastPolicy, nil, nil)

	claim, ok, err := c.ClaimNext(context.Background(), "w1")
	if err != nil || !ok {
		t.Fatalf("ClaimNext() ok=%v err=%v", ok, err)
	}
	if claim.Item.ID != 9 {
		t.Fatalf("unexpected claim: %+v", claim)
	}
	if q.calls != 3 {
		t.Fatalf("expected 3 store calls, got %d", q.calls)
	}
}

func TestClaimNextExhaustedContentionIsNoWork(t *testing.T) {
	q := &fakeQueue{results: []error{repo.ErrContention, repo.ErrContention, repo.ErrContention}}
	c := NewClaimer(q, fastPolicy, nil, nil)

	_, ok, err := c.ClaimNext(context.Background(), "w1")
	if err != nil || ok {
		t.Fatalf("expected no work without error, ok=%v err=%v", ok, err)
	}
	if q.calls != fastPolicy.MaxAttempts {
		t.Fatalf("expected %d store calls, got %d", fastPolicy.MaxAttempts, q.calls)
	}
}

func TestClaimNextNoWork(t *testing.T) {
	q := &fakeQueue{results: []error{repo.ErrNoWork}}
	c := NewClaimer(q, fastPolicy, nil, nil)

	_, ok, err := c.ClaimNext(context.Background(), "w1")
	if err != nil || ok {
		t.Fatalf("expected empty queue, ok=%v err=%v", ok, err)
	}
	if q.calls != 1 {
		t.Fatalf("no work must not be retried, got %d calls", q.calls)
	}
}

func TestClaimNextSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")
	q := &fakeQueue{results: []error{boom}}
	c := NewClaimer(q, fastPolicy, nil, nil)

	_, ok, err := c.ClaimNext(context.Background(), "w1")
	if !errors.Is(err, boom) || ok {
		t.Fatalf("expected store error, ok=%v err=%v", ok, err)
	}
}
