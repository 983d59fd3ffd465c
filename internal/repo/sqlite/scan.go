package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
	platformsqlite "github.com/animus-labs/blockflow/internal/platform/sqlite"
	"github.com/animus-labs/blockflow/internal/repo"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// Timestamps are stored as unix nanoseconds so range predicates compare
// numerically.
func toNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNano(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nanoPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNano(v.Int64)
	return &t
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case platformsqlite.IsContention(err):
		return fmt.Errorf("%s: %w: %v", op, repo.ErrContention, err)
	case platformsqlite.IsUniqueViolation(err):
		return fmt.Errorf("%s: %w: %v", op, repo.ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func affectedOrMissing(ctx context.Context, db *sql.DB, res sql.Result, existsQuery, id string) (bool, error) {
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

func scanPipeline(row rowScanner) (domain.Pipeline, error) {
	var (
		p            domain.Pipeline
		createdAt    int64
		supersededAt sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &createdAt, &supersededAt); err != nil {
		return domain.Pipeline{}, err
	}
	p.CreatedAt = fromNano(createdAt)
	p.SupersededAt = nanoPtr(supersededAt)
	return p, nil
}

func scanRun(row rowScanner) (domain.PipelineRun, error) {
	var (
		run           domain.PipelineRun
		status        string
		correlationID sql.NullString
		startedAt     int64
		finishedAt    sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.PipelineID, &status, &correlationID, &startedAt, &finishedAt); err != nil {
		return domain.PipelineRun{}, err
	}
	run.Status = domain.RunStatus(status)
	run.CorrelationID = correlationID.String
	run.StartedAt = fromNano(startedAt)
	run.FinishedAt = nanoPtr(finishedAt)
	return run, nil
}

func scanBlockRun(row rowScanner) (domain.BlockRun, error) {
	var (
		br         domain.BlockRun
		status     string
		workerID   sql.NullString
		errMsg     sql.NullString
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(&br.ID, &br.RunID, &br.BlockID, &status, &br.Attempts, &br.Priority, &workerID, &errMsg, &startedAt, &finishedAt); err != nil {
		return domain.BlockRun{}, err
	}
	br.Status = domain.RunStatus(status)
	br.WorkerID = workerID.String
	br.Error = errMsg.String
	br.StartedAt = nanoPtr(startedAt)
	br.FinishedAt = nanoPtr(finishedAt)
	return br, nil
}

func scanQueueItem(row rowScanner) (domain.QueueItem, error) {
	var (
		item       domain.QueueItem
		notBefore  int64
		enqueuedAt int64
	)
	if err := row.Scan(&item.ID, &item.RunID, &item.BlockID, &item.Priority, &notBefore, &enqueuedAt); err != nil {
		return domain.QueueItem{}, err
	}
	item.NotBefore = fromNano(notBefore)
	item.EnqueuedAt = fromNano(enqueuedAt)
	return item, nil
}
