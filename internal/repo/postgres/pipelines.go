package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/blockflow/internal/domain"
)

type PipelineStore struct {
	db DB
}

const (
	pipelineColumns = `pipeline_id, name, version, created_at, superseded_at`

	insertPipelineQuery = `INSERT INTO pipelines (pipeline_id, name, version, created_at)
	VALUES ($1,$2,$3,$4)`

	selectCurrentPipelineForUpdateQuery = `SELECT ` + pipelineColumns + `
	 FROM pipelines
	 WHERE name = $1 AND superseded_at IS NULL
	 FOR UPDATE`

	supersedePipelineQuery = `UPDATE pipelines SET superseded_at = $2
	 WHERE pipeline_id = $1 AND superseded_at IS NULL`

	selectPipelineQuery = `SELECT ` + pipelineColumns + ` FROM pipelines WHERE pipeline_id = $1`

	selectLatestPipelineQuery = `SELECT ` + pipelineColumns + `
	 FROM pipelines
	 WHERE name = $1
	 ORDER BY version DESC
	 LIMIT 1`

	insertBlockQuery = `INSERT INTO blocks (block_id, pipeline_id, name, block_type, config, position)
	VALUES ($1,$2,$3,$4,$5,$6)`

	listBlocksQuery = `SELECT block_id, pipeline_id, name, block_type, config
	 FROM blocks
	 WHERE pipeline_id = $1
	 ORDER BY position ASC`

	insertEdgeQuery = `INSERT INTO edges (pipeline_id, from_block_id, to_block_id)
	VALUES ($1,$2,$3)
	ON CONFLICT (pipeline_id, from_block_id, to_block_id) DO NOTHING`

	listEdgesQuery = `SELECT pipeline_id, from_block_id, to_block_id
	 FROM edges
	 WHERE pipeline_id = $1
	 ORDER BY from_block_id ASC, to_block_id ASC`
)

func NewPipelineStore(db DB) *PipelineStore {
	if db == nil {
		return nil
	}
	return &PipelineStore{db: db}
}

// insertVersion writes a full pipeline version. It must run inside a
// transaction so the superseded marker and the new rows commit together.
func (s *PipelineStore) insertVersion(ctx context.Context, version domain.PipelineVersion) (domain.Pipeline, *domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, nil, fmt.Errorf("pipeline store not initialized")
	}
	if err := version.Validate(); err != nil {
		return domain.Pipeline{}, nil, err
	}

	created := version.Pipeline
	created.Name = strings.TrimSpace(created.Name)
	created.CreatedAt = normalizeTime(created.CreatedAt)
	created.SupersededAt = nil
	created.Version = 1

	var previous *domain.Pipeline
	current, err := scanPipeline(s.db.QueryRowContext(ctx, selectCurrentPipelineForUpdateQuery, created.Name))
	switch {
	case err == nil:
		created.Version = current.Version + 1
		if _, err := s.db.ExecContext(ctx, supersedePipelineQuery, current.ID, created.CreatedAt); err != nil {
			return domain.Pipeline{}, nil, classify("supersede pipeline", err)
		}
		at := created.CreatedAt
		current.SupersededAt = &at
		previous = &current
	case errors.Is(err, sql.ErrNoRows):
	default:
		return domain.Pipeline{}, nil, classify("select current pipeline", err)
	}

	if _, err := s.db.ExecContext(ctx, insertPipelineQuery, created.ID, created.Name, created.Version, created.CreatedAt); err != nil {
		return domain.Pipeline{}, nil, classify("insert pipeline", err)
	}

	for i, block := range version.Blocks {
		config, err := encodeMetadata(block.Config)
		if err != nil {
			return domain.Pipeline{}, nil, fmt.Errorf("encode block config: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, insertBlockQuery, block.ID, created.ID, block.Name, string(block.Type), config, i); err != nil {
			return domain.Pipeline{}, nil, classify("insert block", err)
		}
	}
	for _, edge := range version.Edges {
		if _, err := s.db.ExecContext(ctx, insertEdgeQuery, created.ID, edge.From, edge.To); err != nil {
			return domain.Pipeline{}, nil, classify("insert edge", err)
		}
	}
	return created, previous, nil
}

func (s *PipelineStore) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	p, err := scanPipeline(s.db.QueryRowContext(ctx, selectPipelineQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.Pipeline{}, handleNotFound(err)
	}
	return p, nil
}

func (s *PipelineStore) GetLatestPipeline(ctx context.Context, name string) (domain.Pipeline, error) {
	if s == nil || s.db == nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline store not initialized")
	}
	p, err := scanPipeline(s.db.QueryRowContext(ctx, selectLatestPipelineQuery, strings.TrimSpace(name)))
	if err != nil {
		return domain.Pipeline{}, handleNotFound(err)
	}
	return p, nil
}

func (s *PipelineStore) ListBlocks(ctx context.Context, pipelineID string) ([]domain.Block, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pipeline store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listBlocksQuery, strings.TrimSpace(pipelineID))
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]domain.Block, 0)
	for rows.Next() {
		var (
			b       domain.Block
			btype   string
			rawConf []byte
		)
		if err := rows.Scan(&b.ID, &b.PipelineID, &b.Name, &btype, &rawConf); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Type = domain.BlockType(btype)
		if b.Config, err = decodeMetadata(rawConf); err != nil {
			return nil, fmt.Errorf("decode block config: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	return blocks, nil
}

func (s *PipelineStore) ListEdges(ctx context.Context, pipelineID string) ([]domain.Edge, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pipeline store not initialized")
	}
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (domain.Pipeline, error) {
	var (
		p            domain.Pipeline
		supersededAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &p.CreatedAt, &supersededAt); err != nil {
		return domain.Pipeline{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.SupersededAt = timePtr(supersededAt)
	return p, nil
}
