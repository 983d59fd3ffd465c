package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	runColumns = `run_id, pipeline_id, status, correlation_id, started_at, finished_at`

	insertRunQuery = `INSERT INTO pipeline_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,NULL)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = $1`

	listRunsQuery = `SELECT ` + runColumns + `
	 FROM pipeline_runs
	 WHERE ($1 = '' OR pipeline_id = $1)
	   AND ($2 = '' OR status = $2)
	 ORDER BY started_at DESC, run_id ASC
	 LIMIT $3`

	finishRunQuery = `UPDATE pipeline_runs
	 SET status = $2, finished_at = $3
	 WHERE run_id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED')`

	runExistsQuery = `SELECT 1 FROM pipeline_runs WHERE run_id = $1`

	expiredRunsPredicate = `status IN ('SUCCEEDED', 'FAILED') AND finished_at < $1`

	deleteExpiredQueueItemsQuery = `DELETE FROM queue_items
	 WHERE run_id IN (SELECT run_id FROM pipeline_runs WHERE ` + expiredRunsPredicate + `)`

	deleteExpiredBlockRunsQuery = `DELETE FROM block_runs
	 WHERE run_id IN (SELECT run_id FROM pipeline_runs WHERE ` + expiredRunsPredicate + `)`

	deleteExpiredRunsQuery = `DELETE FROM pipeline_runs WHERE ` + expiredRunsPredicate
)

const defaultListLimit = 100

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertRunQuery,
		run.ID,
		run.PipelineID,
		string(run.Status),
		nullIfEmpty(run.CorrelationID),
		normalizeTime(run.StartedAt),
	)
	return classify("insert run", err)
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery, strings.TrimSpace(filter.PipelineID), string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) FinishRun(ctx context.Context, id string, status domain.RunStatus, finishedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	if !status.Terminal() {
		return false, fmt.Errorf("finish run: status %s is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, finishRunQuery, strings.TrimSpace(id), string(status), normalizeTime(finishedAt))
	if err != nil {
		return false, classify("finish run", err)
	}
	return affectedOrMissing(ctx, s.db, res, runExistsQuery, id)
}

// deleteExpired removes dependent rows before the runs themselves. It must
// run inside a transaction.
func (s *RunStore) deleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run store not initialized")
	}
	cutoff = cutoff.UTC()
	if _, err := s.db.ExecContext(ctx, deleteExpiredQueueItemsQuery, cutoff); err != nil {
		return 0, classify("delete expired queue items", err)
	}
	if _, err := s.db.ExecContext(ctx, deleteExpiredBlockRunsQuery, cutoff); err != nil {
		return 0, classify("delete expired block runs", err)
	}
	res, err := s.db.ExecContext(ctx, deleteExpiredRunsQuery, cutoff)
	if err != nil {
		return 0, classify("delete expired runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired runs: %w", err)
	}
	return n, nil
}

func scanRun(row rowScanner) (domain.PipelineRun, error) {
	var (
		run           domain.PipelineRun
		status        string
		correlationID sql.NullString
		finishedAt    sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.PipelineID, &status, &correlationID, &run.StartedAt, &finishedAt); err != nil {
		return domain.PipelineRun{}, err
	}
	run.Status = domain.RunStatus(status)
	run.CorrelationID = correlationID.String
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}

// affectedOrMissing turns a conditional update result into (applied, err),
// reporting repo.ErrNotFound when the guarded row does not exist at all.
func affectedOrMissing(ctx context.Context, db DB, res sql.Result, existsQuery, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	if err := db.QueryRowContext(ctx, existsQuery, strings.TrimSpace(id)).Scan(&one); err != nil {
		return false, handleNotFound(err)
	}
	return false, nil
}
