package repotest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/repo"
)

// BlockSpec describes a block to create by name.
type BlockSpec struct {
	Name   string
	Type   domain.BlockType
	Config domain.Metadata
}

// Pipeline is a created pipeline with its blocks indexed by name.
type Pipeline struct {
	domain.Pipeline
	Blocks map[string]domain.Block
}

// BlockID returns the block id for a block name.
func (p Pipeline) BlockID(name string) string {
	return p.Blocks[name].ID
}

// CreatePipeline stores a pipeline version whose edges are given as
// [from, to] block names.
func CreatePipeline(t *testing.T, store repo.PipelineRepository, name string, blocks []BlockSpec, edges [][2]string) Pipeline {
	t.Helper()
	pipelineID := domain.NewID()
	out := Pipeline{Blocks: make(map[string]domain.Block, len(blocks))}

	version := domain.PipelineVersion{Pipeline: domain.Pipeline{ID: pipelineID, Name: name}}
	for _, def := range blocks {
		b := domain.Block{ID: domain.NewID(), PipelineID: pipelineID, Name: def.Name, Type: def.Type, Config: def.Config}
		out.Blocks[def.Name] = b
		version.Blocks = append(version.Blocks, b)
	}
	for _, e := range edges {
		version.Edges = append(version.Edges, domain.Edge{PipelineID: pipelineID, From: out.Blocks[e[0]].ID, To: out.Blocks[e[1]].ID})
	}

	created, _, err := store.CreatePipelineVersion(context.Background(), version)
	require.NoError(t, err)
	out.Pipeline = created
	return out
}

// Diamond creates a five block pipeline: a fans out to b and c, both feed d,
// and d feeds e.
func Diamond(t *testing.T, store repo.PipelineRepository, blockType domain.BlockType, config domain.Metadata) Pipeline {
	t.Helper()
	specs := make([]BlockSpec, 0, 5)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		specs = append(specs, BlockSpec{Name: n, Type: blockType, Config: config.Clone()})
	}
	return CreatePipeline(t, store, "diamond", specs, [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}, {"d", "e"}})
}
