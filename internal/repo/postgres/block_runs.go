package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/blockflow/internal/domain"
)

type BlockRunStore struct {
	db DB
}

const (
	blockRunColumns = `block_run_id, run_id, block_id, status, attempts, priority, worker_id, error, started_at, finished_at`

	insertBlockRunQuery = `INSERT INTO block_runs (block_run_id, run_id, block_id, status, attempts)
	VALUES ($1,$2,$3,'QUEUED',0)
	ON CONFLICT (run_id, block_id) DO NOTHING
	RETURNING ` + blockRunColumns

	selectBlockRunByRunBlockQuery = `SELECT ` + blockRunColumns + `
	 FROM block_runs
	 WHERE run_id = $1 AND block_id = $2`

	selectBlockRunByRunBlockForUpdateQuery = selectBlockRunByRunBlockQuery + ` FOR UPDATE`

	selectBlockRunQuery = `SELECT ` + blockRunColumns + ` FROM block_runs WHERE block_run_id = $1`

	listBlockRunsQuery = `SELECT ` + blockRunColumns + `
	 FROM block_runs
	 WHERE run_id = $1
	 ORDER BY block_id ASC`

	// The upsert covers items whose block run was never created, which
	// happens for rows enqueued by older writers.
	markRunningQuery = `INSERT INTO block_runs (block_run_id, run_id, block_id, status, attempts, priority, worker_id, started_at)
	VALUES ($1,$2,$3,'RUNNING',1,$4,$5,$6)
	ON CONFLICT (run_id, block_id) DO UPDATE SET
		status = 'RUNNING',
		attempts = block_runs.attempts + 1,
		priority = EXCLUDED.priority,
		worker_id = EXCLUDED.worker_id,
		started_at = EXCLUDED.started_at,
		finished_at = NULL
	RETURNING ` + blockRunColumns

	finishAttemptQuery = `UPDATE block_runs
	 SET status = $3, error = $4, finished_at = $5
	 WHERE block_run_id = $1 AND status = 'RUNNING' AND attempts = $2`

	requeueBlockRunQuery = `UPDATE block_runs
	 SET status = 'QUEUED', finished_at = NULL
	 WHERE block_run_id = $1 AND status = 'FAILED' AND attempts = $2
	 RETURNING run_id, block_id`

	blockRunExistsQuery = `SELECT 1 FROM block_runs WHERE block_run_id = $1`

	listStaleRunningQuery = `SELECT ` + blockRunColumns + `
	 FROM block_runs
	 WHERE status = 'RUNNING' AND started_at < $1
	 ORDER BY started_at ASC`
)

func NewBlockRunStore(db DB) *BlockRunStore {
	if db == nil {
		return nil
	}
	return &BlockRunStore{db: db}
}

func (s *BlockRunStore) EnsureBlockRun(ctx context.Context, runID, blockID string) (domain.BlockRun, bool, error) {
	if s == nil || s.db == nil {
		return domain.BlockRun{}, false, fmt.Errorf("block run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	blockID = strings.TrimSpace(blockID)
	if runID == "" || blockID == "" {
		return domain.BlockRun{}, false, fmt.Errorf("run id and block id are required")
	}

	br, err := scanBlockRun(s.db.QueryRowContext(ctx, insertBlockRunQuery, uuid.NewString(), runID, blockID))
	if err == nil {
		return br, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.BlockRun{}, false, classify("insert block run", err)
	}
	br, err = scanBlockRun(s.db.QueryRowContext(ctx, selectBlockRunByRunBlockQuery, runID, blockID))
	if err != nil {
		return domain.BlockRun{}, false, handleNotFound(err)
	}
	return br, false, nil
}

func (s *BlockRunStore) GetBlockRun(ctx context.Context, id string) (domain.BlockRun, error) {
	if s == nil || s.db == nil {
		return domain.BlockRun{}, fmt.Errorf("block run store not initialized")
	}
	br, err := scanBlockRun(s.db.QueryRowContext(ctx, selectBlockRunQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.BlockRun{}, handleNotFound(err)
	}
	return br, nil
}

func (s *BlockRunStore) ListBlockRuns(ctx context.Context, runID string) ([]domain.BlockRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("block run store not initialized")
	}
	return s.list(ctx, listBlockRunsQuery, strings.TrimSpace(runID))
}

func (s *BlockRunStore) ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]domain.BlockRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("block run store not initialized")
	}
	return s.list(ctx, listStaleRunningQuery, startedBefore.UTC())
}

func (s *BlockRunStore) FinishAttempt(ctx context.Context, id string, attempt int, status domain.RunStatus, errMsg string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("block run store not initialized")
	}
	if status != domain.StatusSucceeded && status != domain.StatusFailed {
		return false, fmt.Errorf("finish attempt: status %s is not an outcome", status)
	}
	res, err := s.db.ExecContext(ctx, finishAttemptQuery, strings.TrimSpace(id), attempt, string(status), nullIfEmpty(errMsg), normalizeTime(at))
	if err != nil {
		return false, classify("finish attempt", err)
	}
	return affectedOrMissing(ctx, s.db, res, blockRunExistsQuery, id)
}

func (s *BlockRunStore) lockByRunBlock(ctx context.Context, runID, blockID string) (domain.BlockRun, error) {
	br, err := scanBlockRun(s.db.QueryRowContext(ctx, selectBlockRunByRunBlockForUpdateQuery, runID, blockID))
	if err != nil {
		return domain.BlockRun{}, classify("lock block run", handleNotFound(err))
	}
	return br, nil
}

func (s *BlockRunStore) markRunning(ctx context.Context, item domain.QueueItem, workerID string, at time.Time) (domain.BlockRun, error) {
	br, err := scanBlockRun(s.db.QueryRowContext(ctx, markRunningQuery, uuid.NewString(), item.RunID, item.BlockID, item.Priority, workerID, at.UTC()))
	if err != nil {
		return domain.BlockRun{}, classify("mark block run running", err)
	}
	return br, nil
}

// requeue reports the run and block of the block run when the FAILED
// attempt matched and was moved back to QUEUED.
func (s *BlockRunStore) requeue(ctx context.Context, id string, attempt int) (string, string, bool, error) {
	var runID, blockID string
	err := s.db.QueryRowContext(ctx, requeueBlockRunQuery, strings.TrimSpace(id), attempt).Scan(&runID, &blockID)
	if err == nil {
		return runID, blockID, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", "", false, classify("requeue block run", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, blockRunExistsQuery, strings.TrimSpace(id)).Scan(&one); err != nil {
		return "", "", false, handleNotFound(err)
	}
	return "", "", false, nil
}

func (s *BlockRunStore) list(ctx context.Context, query string, args ...any) ([]domain.BlockRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list block runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BlockRun, 0)
	for rows.Next() {
		br, err := scanBlockRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block run: %w", err)
		}
		out = append(out, br)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list block runs: %w", err)
	}
	return out, nil
}

func scanBlockRun(row rowScanner) (domain.BlockRun, error) {
	var (
		br         domain.BlockRun
		status     string
		workerID   sql.NullString
		errMsg     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(&br.ID, &br.RunID, &br.BlockID, &status, &br.Attempts, &br.Priority, &workerID, &errMsg, &startedAt, &finishedAt); err != nil {
		return domain.BlockRun{}, err
	}
	br.Status = domain.RunStatus(status)
	br.WorkerID = workerID.String
	br.Error = errMsg.String
	br.StartedAt = timePtr(startedAt)
	br.FinishedAt = timePtr(finishedAt)
	return br, nil
}
