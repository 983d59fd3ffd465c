// Package sqlite implements repo.Store on an embedded SQLite database. The
// claim is optimistic: a candidate is read first and taken with a write that
// only applies while the item is still unclaimed.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/repo"
)

//go:embed schema.sql
var schema string

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

var _ repo.Store = (*Store)(nil)

// New applies the schema and returns a store over db.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, op string, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

const (
	pipelineColumns = `pipeline_id, name, version, created_at, superseded_at`

	selectCurrentPipelineQuery = `SELECT ` + pipelineColumns + ` FROM pipelines WHERE name = ? AND superseded_at IS NULL`
	supersedePipelineQuery     = `UPDATE pipelines SET superseded_at = ? WHERE pipeline_id = ? AND superseded_at IS NULL`
	insertPipelineQuery        = `INSERT INTO pipelines (pipeline_id, name, version, created_at) VALUES (?, ?, ?, ?)`
	selectPipelineQuery        = `SELECT ` + pipelineColumns + ` FROM pipelines WHERE pipeline_id = ?`
	selectLatestPipelineQuery  = `SELECT ` + pipelineColumns + ` FROM pipelines WHERE name = ? ORDER BY version DESC LIMIT 1`
	insertBlockQuery           = `INSERT INTO blocks (block_id, pipeline_id, name, block_type, config, position) VALUES (?, ?, ?, ?, ?, ?)`
	listBlocksQuery            = `SELECT block_id, pipeline_id, name, block_type, config FROM blocks WHERE pipeline_id = ? ORDER BY position ASC`
	insertEdgeQuery            = `INSERT INTO edges (pipeline_id, from_block_id, to_block_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	listEdgesQuery             = `SELECT pipeline_id, from_block_id, to_block_id FROM edges WHERE pipeline_id = ? ORDER BY from_block_id, to_block_id`
)

func (s *Store) CreatePipelineVersion(ctx context.Context, version domain.PipelineVersion) (domain.Pipeline, *domain.Pipeline, error) {
	if err := version.Validate(); err != nil {
		return domain.Pipeline{}, nil, err
	}
	created := version.Pipeline
	created.Name = strings.TrimSpace(created.Name)
	created.CreatedAt = normalizeTime(created.CreatedAt)
	created.SupersededAt = nil
	created.Version = 1

	var previous *domain.Pipeline
	err := s.withTx(ctx, "create pipeline version", func(q querier) error {
		current, err := scanPipeline(q.QueryRowContext(ctx, selectCurrentPipelineQuery, created.Name))
		switch {
		case err == nil:
			created.Version = current.Version + 1
			if _, err := q.ExecContext(ctx, supersedePipelineQuery, toNano(created.CreatedAt), current.ID); err != nil {
				return classify("supersede pipeline", err)
			}
			at := created.CreatedAt
			current.SupersededAt = &at
			previous = &current
		case errors.Is(err, sql.ErrNoRows):
		default:
			return classify("select current pipeline", err)
		}

		if _, err := q.ExecContext(ctx, insertPipelineQuery, created.ID, created.Name, created.Version, toNano(created.CreatedAt)); err != nil {
			return classify("insert pipeline", err)
		}
		for i, b := range version.Blocks {
			config, err := json.Marshal(b.Config.Clone())
			if err != nil {
				return fmt.Errorf("encode block config: %w", err)
			}
			if _, err := q.ExecContext(ctx, insertBlockQuery, b.ID, created.ID, b.Name, string(b.Type), string(config), i); err != nil {
				return classify("insert block", err)
			}
		}
		for _, e := range version.Edges {
			if _, err := q.ExecContext(ctx, insertEdgeQuery, created.ID, e.From, e.To); err != nil {
				return classify("insert edge", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Pipeline{}, nil, err
	}
	return created, previous, nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	p, err := scanPipeline(s.db.QueryRowContext(ctx, selectPipelineQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.Pipeline{}, handleNotFound(err)
	}
	return p, nil
}

func (s *Store) GetLatestPipeline(ctx context.Context, name string) (domain.Pipeline, error) {
	p, err := scanPipeline(s.db.QueryRowContext(ctx, selectLatestPipelineQuery, strings.TrimSpace(name)))
	if err != nil {
		return domain.Pipeline{}, handleNotFound(err)
	}
	return p, nil
}

func (s *Store) ListBlocks(ctx context.Context, pipelineID string) ([]domain.Block, error) {
	rows, err := s.db.QueryContext(ctx, listBlocksQuery, strings.TrimSpace(pipelineID))
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]domain.Block, 0)
	for rows.Next() {
		var (
			b      domain.Block
			btype  string
			config string
		)
		if err := rows.Scan(&b.ID, &b.PipelineID, &b.Name, &btype, &config); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Type = domain.BlockType(btype)
		b.Config = domain.Metadata{}
		if config != "" {
			if err := json.Unmarshal([]byte(config), &b.Config); err != nil {
				return nil, fmt.Errorf("decode block config: %w", err)
			}
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return blocks, nil
}

func (s *Store) ListEdges(ctx context.Context, pipelineID string) ([]domain.Edge, error) {
	rows, err := s.db.QueryContext(ctx, listEdgesQuery, strings.TrimSpace(pipelineID))
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	edges := make([]domain.Edge, 0)
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.PipelineID, &e.From, &e.To); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return edges, nil
}

const (
	runColumns = `run_id, pipeline_id, status, correlation_id, started_at, finished_at`

	insertRunQuery = `INSERT INTO pipeline_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, NULL)`
	selectRunQuery = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = ?`
	listRunsQuery  = `SELECT ` + runColumns + ` FROM pipeline_runs
	 WHERE (?1 = '' OR pipeline_id = ?1) AND (?2 = '' OR status = ?2)
	 ORDER BY started_at DESC, run_id ASC
	 LIMIT ?3`
	finishRunQuery = `UPDATE pipeline_runs SET status = ?, finished_at = ?
	 WHERE run_id = ? AND status NOT IN ('SUCCEEDED', 'FAILED')`
	runExistsQuery = `SELECT 1 FROM pipeline_runs WHERE run_id = ?`

	expiredRunIDs                = `SELECT run_id FROM pipeline_runs WHERE status IN ('SUCCEEDED', 'FAILED') AND finished_at < ?`
	deleteExpiredQueueItemsQuery = `DELETE FROM queue_items WHERE run_id IN (` + expiredRunIDs + `)`
	deleteExpiredBlockRunsQuery  = `DELETE FROM block_runs WHERE run_id IN (` + expiredRunIDs + `)`
	deleteExpiredRunsQuery       = `DELETE FROM pipeline_runs WHERE status IN ('SUCCEEDED', 'FAILED') AND finished_at < ?`
)

const defaultListLimit = 100

func (s *Store) CreateRun(ctx context.Context, run domain.PipelineRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertRunQuery,
		run.ID, run.PipelineID, string(run.Status), nullIfEmpty(run.CorrelationID), toNano(normalizeTime(run.StartedAt)))
	return classify("insert run", err)
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
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

func (s *Store) FinishRun(ctx context.Context, id string, status domain.RunStatus, finishedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish run: status %s is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, finishRunQuery, string(status), toNano(normalizeTime(finishedAt)), strings.TrimSpace(id))
	if err != nil {
		return false, classify("finish run", err)
	}
	return affectedOrMissing(ctx, s.db, res, runExistsQuery, id)
}

func (s *Store) DeleteRunsFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	at := toNano(cutoff)
	err := s.withTx(ctx, "delete finished runs", func(q querier) error {
		if _, err := q.ExecContext(ctx, deleteExpiredQueueItemsQuery, at); err != nil {
			return classify("delete expired queue items", err)
		}
		if _, err := q.ExecContext(ctx, deleteExpiredBlockRunsQuery, at); err != nil {
			return classify("delete expired block runs", err)
		}
		res, err := q.ExecContext(ctx, deleteExpiredRunsQuery, at)
		if err != nil {
			return classify("delete expired runs", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

const (
	blockRunColumns = `block_run_id, run_id, block_id, status, attempts, priority, worker_id, error, started_at, finished_at`

	insertBlockRunQuery = `INSERT INTO block_runs (block_run_id, run_id, block_id, status, attempts)
	 VALUES (?, ?, ?, 'QUEUED', 0)
	 ON CONFLICT (run_id, block_id) DO NOTHING`
	selectBlockRunByRunBlockQuery = `SELECT ` + blockRunColumns + ` FROM block_runs WHERE run_id = ? AND block_id = ?`
	selectBlockRunQuery           = `SELECT ` + blockRunColumns + ` FROM block_runs WHERE block_run_id = ?`
	listBlockRunsQuery            = `SELECT ` + blockRunColumns + ` FROM block_runs WHERE run_id = ? ORDER BY block_id ASC`
	listStaleRunningQuery         = `SELECT ` + blockRunColumns + ` FROM block_runs
	 WHERE status = 'RUNNING' AND started_at < ? ORDER BY started_at ASC`
	markRunningQuery = `INSERT INTO block_runs (block_run_id, run_id, block_id, status, attempts, priority, worker_id, started_at)
	 VALUES (?, ?, ?, 'RUNNING', 1, ?, ?, ?)
	 ON CONFLICT (run_id, block_id) DO UPDATE SET
		status = 'RUNNING',
		attempts = block_runs.attempts + 1,
		priority = excluded.priority,
		worker_id = excluded.worker_id,
		started_at = excluded.started_at,
		finished_at = NULL
	 RETURNING ` + blockRunColumns
	finishAttemptQuery = `UPDATE block_runs SET status = ?, error = ?, finished_at = ?
	 WHERE block_run_id = ? AND status = 'RUNNING' AND attempts = ?`
	requeueBlockRunQuery = `UPDATE block_runs SET status = 'QUEUED', finished_at = NULL
	 WHERE block_run_id = ? AND status = 'FAILED' AND attempts = ?
	 RETURNING run_id, block_id`
	blockRunExistsQuery = `SELECT 1 FROM block_runs WHERE block_run_id = ?`
)

func (s *Store) EnsureBlockRun(ctx context.Context, runID, blockID string) (domain.BlockRun, bool, error) {
	return ensureBlockRun(ctx, s.db, runID, blockID)
}

func ensureBlockRun(ctx context.Context, q querier, runID, blockID string) (domain.BlockRun, bool, error) {
	runID = strings.TrimSpace(runID)
	blockID = strings.TrimSpace(blockID)
	if runID == "" || blockID == "" {
		return domain.BlockRun{}, false, fmt.Errorf("run id and block id are required")
	}
	res, err := q.ExecContext(ctx, insertBlockRunQuery, uuid.NewString(), runID, blockID)
	if err != nil {
		return domain.BlockRun{}, false, classify("insert block run", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return domain.BlockRun{}, false, err
	}
	br, err := scanBlockRun(q.QueryRowContext(ctx, selectBlockRunByRunBlockQuery, runID, blockID))
	if err != nil {
		return domain.BlockRun{}, false, handleNotFound(err)
	}
	return br, created > 0, nil
}

func (s *Store) GetBlockRun(ctx context.Context, id string) (domain.BlockRun, error) {
	br, err := scanBlockRun(s.db.QueryRowContext(ctx, selectBlockRunQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.BlockRun{}, handleNotFound(err)
	}
	return br, nil
}

func (s *Store) ListBlockRuns(ctx context.Context, runID string) ([]domain.BlockRun, error) {
	return s.listBlockRuns(ctx, listBlockRunsQuery, strings.TrimSpace(runID))
}

func (s *Store) ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]domain.BlockRun, error) {
	return s.listBlockRuns(ctx, listStaleRunningQuery, toNano(startedBefore))
}

func (s *Store) listBlockRuns(ctx context.Context, query string, args ...any) ([]domain.BlockRun, error) {
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

func (s *Store) FinishAttempt(ctx context.Context, id string, attempt int, status domain.RunStatus, errMsg string, at time.Time) (bool, error) {
	if status != domain.StatusSucceeded && status != domain.StatusFailed {
		return false, fmt.Errorf("finish attempt: status %s is not an outcome", status)
	}
	res, err := s.db.ExecContext(ctx, finishAttemptQuery, string(status), nullIfEmpty(errMsg), toNano(normalizeTime(at)), strings.TrimSpace(id), attempt)
	if err != nil {
		return false, classify("finish attempt", err)
	}
	return affectedOrMissing(ctx, s.db, res, blockRunExistsQuery, id)
}

const (
	queueItemColumns = `queue_item_id, run_id, block_id, priority, not_before, enqueued_at`

	insertQueueItemQuery = `INSERT INTO queue_items (run_id, block_id, priority, not_before, enqueued_at)
	 VALUES (?, ?, ?, ?, ?)
	 ON CONFLICT (run_id, block_id) WHERE claimed_by IS NULL DO NOTHING`
	selectClaimCandidateQuery = `SELECT ` + queueItemColumns + ` FROM queue_items
	 WHERE claimed_by IS NULL AND not_before <= ?
	 ORDER BY priority ASC, enqueued_at ASC, queue_item_id ASC
	 LIMIT 1`
	markClaimedQuery = `UPDATE queue_items SET claimed_by = ?, claimed_at = ?
	 WHERE queue_item_id = ? AND claimed_by IS NULL`
	deleteQueueItemQuery = `DELETE FROM queue_items WHERE queue_item_id = ?`
	hasPendingQuery      = `SELECT EXISTS (SELECT 1 FROM queue_items WHERE run_id = ? AND block_id = ? AND claimed_by IS NULL)`
	countPendingQuery    = `SELECT COUNT(*) FROM queue_items WHERE claimed_by IS NULL AND (?1 = '' OR run_id = ?1)`
)

func (s *Store) Enqueue(ctx context.Context, item domain.QueueItem) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, "enqueue", func(q querier) error {
		br, _, err := ensureBlockRun(ctx, q, item.RunID, item.BlockID)
		if err != nil {
			return err
		}
		if br.Status != domain.StatusQueued {
			return nil
		}
		inserted, err = insertQueueItem(ctx, q, br.RunID, br.BlockID, item)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *Store) Requeue(ctx context.Context, blockRunID string, attempt int, item domain.QueueItem) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, "requeue", func(q querier) error {
		var runID, blockID string
		err := q.QueryRowContext(ctx, requeueBlockRunQuery, strings.TrimSpace(blockRunID), attempt).Scan(&runID, &blockID)
		if errors.Is(err, sql.ErrNoRows) {
			var one int
			if err := q.QueryRowContext(ctx, blockRunExistsQuery, strings.TrimSpace(blockRunID)).Scan(&one); err != nil {
				return handleNotFound(err)
			}
			return nil
		}
		if err != nil {
			return classify("requeue block run", err)
		}
		inserted, err = insertQueueItem(ctx, q, runID, blockID, item)
		return err
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func insertQueueItem(ctx context.Context, q querier, runID, blockID string, item domain.QueueItem) (bool, error) {
	enqueuedAt := normalizeTime(item.EnqueuedAt)
	notBefore := item.NotBefore
	if notBefore.IsZero() {
		notBefore = enqueuedAt
	}
	res, err := q.ExecContext(ctx, insertQueueItemQuery, runID, blockID, item.Priority, toNano(notBefore), toNano(enqueuedAt))
	if err != nil {
		return false, classify("insert queue item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimNext reads the best candidate without a lock, then takes it inside a
// transaction whose first write only applies while the item is unclaimed.
// Losing that race yields repo.ErrContention.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time) (domain.Claim, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.Claim{}, fmt.Errorf("worker id is required")
	}

	item, err := scanQueueItem(s.db.QueryRowContext(ctx, selectClaimCandidateQuery, toNano(now)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Claim{}, repo.ErrNoWork
		}
		return domain.Claim{}, classify("select claim candidate", err)
	}

	var claim domain.Claim
	err = s.withTx(ctx, "claim next", func(q querier) error {
		res, err := q.ExecContext(ctx, markClaimedQuery, workerID, toNano(now), item.ID)
		if err != nil {
			return classify("mark queue item claimed", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("queue item %d: %w", item.ID, repo.ErrContention)
		}
		if _, err := q.ExecContext(ctx, deleteQueueItemQuery, item.ID); err != nil {
			return classify("delete claimed queue item", err)
		}
		br, err := scanBlockRun(q.QueryRowContext(ctx, markRunningQuery, uuid.NewString(), item.RunID, item.BlockID, item.Priority, workerID, toNano(now)))
		if err != nil {
			return classify("mark block run running", err)
		}
		claim = domain.Claim{Item: item, BlockRun: br}
		return nil
	})
	if err != nil {
		return domain.Claim{}, err
	}
	return claim, nil
}

func (s *Store) HasPending(ctx context.Context, runID, blockID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, hasPendingQuery, strings.TrimSpace(runID), strings.TrimSpace(blockID)).Scan(&exists); err != nil {
		return false, fmt.Errorf("has pending: %w", err)
	}
	return exists, nil
}

func (s *Store) CountPending(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, countPendingQuery, strings.TrimSpace(runID)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
