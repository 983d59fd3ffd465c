// Package postgres implements repo.Store on PostgreSQL through database/sql
// and the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/repo"
)

// Store composes the table stores and owns the transactions that span them.
type Store struct {
	db *sql.DB

	*PipelineStore
	*RunStore
	*BlockRunStore
	*QueueStore
}

var _ repo.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		db:            db,
		PipelineStore: NewPipelineStore(db),
		RunStore:      NewRunStore(db),
		BlockRunStore: NewBlockRunStore(db),
		QueueStore:    NewQueueStore(db),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

type txStores struct {
	pipelines *PipelineStore
	runs      *RunStore
	blockRuns *BlockRunStore
	queue     *QueueStore
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx txStores) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(txStores{
		pipelines: NewPipelineStore(tx),
		runs:      NewRunStore(tx),
		blockRuns: NewBlockRunStore(tx),
		queue:     NewQueueStore(tx),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

func (s *Store) CreatePipelineVersion(ctx context.Context, version domain.PipelineVersion) (domain.Pipeline, *domain.Pipeline, error) {
	var (
		created  domain.Pipeline
		previous *domain.Pipeline
	)
	err := s.withTx(ctx, "create pipeline version", func(tx txStores) error {
		var err error
		created, previous, err = tx.pipelines.insertVersion(ctx, version)
		return err
	})
	if err != nil {
		return domain.Pipeline{}, nil, err
	}
	return created, previous, nil
}

func (s *Store) DeleteRunsFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.withTx(ctx, "delete finished runs", func(tx txStores) error {
		var err error
		n, err = tx.runs.deleteExpired(ctx, cutoff)
		return err
	})
	return n, err
}

func (s *Store) Enqueue(ctx context.Context, item domain.QueueItem) (bool, error) {
	item.RunID = strings.TrimSpace(item.RunID)
	item.BlockID = strings.TrimSpace(item.BlockID)
	var inserted bool
	err := s.withTx(ctx, "enqueue", func(tx txStores) error {
		if _, _, err := tx.blockRuns.EnsureBlockRun(ctx, item.RunID, item.BlockID); err != nil {
			return err
		}
		br, err := tx.blockRuns.lockByRunBlock(ctx, item.RunID, item.BlockID)
		if err != nil {
			return err
		}
		if br.Status != domain.StatusQueued {
			return nil
		}
		inserted, err = tx.queue.insert(ctx, item)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *Store) Requeue(ctx context.Context, blockRunID string, attempt int, item domain.QueueItem) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, "requeue", func(tx txStores) error {
		runID, blockID, ok, err := tx.blockRuns.requeue(ctx, blockRunID, attempt)
		if err != nil || !ok {
			return err
		}
		item.RunID = runID
		item.BlockID = blockID
		inserted, err = tx.queue.insert(ctx, item)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time) (domain.Claim, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.Claim{}, fmt.Errorf("worker id is required")
	}
	var claim domain.Claim
	err := s.withTx(ctx, "claim next", func(tx txStores) error {
		item, err := tx.queue.claim(ctx, now)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repo.ErrNoWork
			}
			return classify("claim queue item", err)
		}
		br, err := tx.blockRuns.markRunning(ctx, item, workerID, now)
		if err != nil {
			return err
		}
		claim = domain.Claim{Item: item, BlockRun: br}
		return nil
	})
	if err != nil {
		return domain.Claim{}, err
	}
	return claim, nil
}
