package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
)

type QueueStore struct {
	db DB
}

const (
	queueItemColumns = `queue_item_id, run_id, block_id, priority, not_before, enqueued_at`

	insertQueueItemQuery = `INSERT INTO queue_items (run_id, block_id, priority, not_before, enqueued_at)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (run_id, block_id) WHERE claimed_by IS NULL DO NOTHING
	RETURNING queue_item_id`

	// claimNextQuery locks and removes the first eligible item in one
	// statement. SKIP LOCKED lets concurrent claimers move past rows another
	// transaction already holds.
	claimNextQuery = `DELETE FROM queue_items
	 WHERE queue_item_id = (
		SELECT queue_item_id
		FROM queue_items
		WHERE claimed_by IS NULL AND not_before <= $1
		ORDER BY priority ASC, enqueued_at ASC, queue_item_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	 )
	 RETURNING ` + queueItemColumns

	hasPendingQuery = `SELECT EXISTS (
		SELECT 1 FROM queue_items
		WHERE run_id = $1 AND block_id = $2 AND claimed_by IS NULL
	)`

	countPendingQuery = `SELECT COUNT(*) FROM queue_items
	 WHERE claimed_by IS NULL AND ($1 = '' OR run_id = $1)`
)

func NewQueueStore(db DB) *QueueStore {
	if db == nil {
		return nil
	}
	return &QueueStore{db: db}
}

func (s *QueueStore) insert(ctx context.Context, item domain.QueueItem) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("queue store not initialized")
	}
	enqueuedAt := normalizeTime(item.EnqueuedAt)
	notBefore := item.NotBefore.UTC()
	if item.NotBefore.IsZero() {
		notBefore = enqueuedAt
	}
	var id int64
	err := s.db.QueryRowContext(ctx, insertQueueItemQuery, item.RunID, item.BlockID, item.Priority, notBefore, enqueuedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, classify("insert queue item", err)
	}
	return true, nil
}

func (s *QueueStore) claim(ctx context.Context, now time.Time) (domain.QueueItem, error) {
	var item domain.QueueItem
	err := s.db.QueryRowContext(ctx, claimNextQuery, now.UTC()).Scan(
		&item.ID,
		&item.RunID,
		&item.BlockID,
		&item.Priority,
		&item.NotBefore,
		&item.EnqueuedAt,
	)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.NotBefore = item.NotBefore.UTC()
	item.EnqueuedAt = item.EnqueuedAt.UTC()
	return item, nil
}

func (s *QueueStore) HasPending(ctx context.Context, runID, blockID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("queue store not initialized")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, hasPendingQuery, strings.TrimSpace(runID), strings.TrimSpace(blockID)).Scan(&exists); err != nil {
		return false, fmt.Errorf("has pending: %w", err)
	}
	return exists, nil
}

func (s *QueueStore) CountPending(ctx context.Context, runID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("queue store not initialized")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, countPendingQuery, strings.TrimSpace(runID)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
