// Package pipelines imports pipeline definitions as new immutable versions.
package pipelines

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/pipelinedef"
	"github.com/animus-labs/blockflow/internal/repo"
)

// Archiver keeps the definition document of a superseded version.
type Archiver interface {
	Archive(ctx context.Context, p domain.Pipeline, document []byte) (string, error)
}

type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, domain.Pipeline, []byte) (string, error) { return "", nil }

type Service struct {
	store    repo.PipelineRepository
	types    []domain.BlockType
	archiver Archiver
	logger   *slog.Logger
}

type ImportResult struct {
	Pipeline   domain.Pipeline
	Superseded *domain.Pipeline
	// ArchiveKey is where the superseded definition was archived, if anywhere.
	ArchiveKey string
}

// New builds the import service. knownTypes restricts the block types a
// definition may use; it is normally the worker registry's types.
func New(store repo.PipelineRepository, knownTypes []domain.BlockType, archiver Archiver, logger *slog.Logger) *Service {
	if store == nil {
		return nil
	}
	if archiver == nil {
		archiver = NopArchiver{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{store: store, types: knownTypes, archiver: archiver, logger: logger}
}

// ImportDocument parses a YAML or JSON definition and imports it.
func (s *Service) ImportDocument(ctx context.Context, document []byte) (ImportResult, error) {
	def, err := pipelinedef.Parse(document)
	if err != nil {
		return ImportResult{}, err
	}
	return s.Import(ctx, def)
}

// Import validates the definition and stores it as the next version of its
// pipeline. Nothing is written when validation fails. Archiving the
// superseded version is best effort.
func (s *Service) Import(ctx context.Context, def pipelinedef.Definition) (ImportResult, error) {
	if err := pipelinedef.Validate(def, s.types); err != nil {
		return ImportResult{}, err
	}
	created, superseded, err := s.store.CreatePipelineVersion(ctx, pipelinedef.ToVersion(def))
	if err != nil {
		return ImportResult{}, fmt.Errorf("create pipeline version: %w", err)
	}
	res := ImportResult{Pipeline: created, Superseded: superseded}
	s.logger.Info("pipeline imported",
		"pipeline_id", created.ID,
		"pipeline", created.Name,
		"version", created.Version,
		"blocks", len(def.Blocks),
	)
	if superseded == nil {
		return res, nil
	}

	key, err := s.archive(ctx, *superseded)
	if err != nil {
		s.logger.Warn("archive superseded definition", "pipeline_id", superseded.ID, "version", superseded.Version, "error", err)
		return res, nil
	}
	res.ArchiveKey = key
	return res, nil
}

func (s *Service) archive(ctx context.Context, p domain.Pipeline) (string, error) {
	blocks, err := s.store.ListBlocks(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("list blocks: %w", err)
	}
	edges, err := s.store.ListEdges(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("list edges: %w", err)
	}
	document, err := pipelinedef.Marshal(pipelinedef.FromVersion(p, blocks, edges))
	if err != nil {
		return "", err
	}
	return s.archiver.Archive(ctx, p, document)
}
