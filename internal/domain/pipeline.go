package domain

import (
	"errors"
	"strings"
	"time"
)

// BlockType selects the executor a block is dispatched to.
type BlockType string

// Pipeline is one immutable version of a named pipeline definition.
type Pipeline struct {
	ID           string
	Name         string
	Version      int
	CreatedAt    time.Time
	SupersededAt *time.Time
}

// Block is a node of a pipeline.
type Block struct {
	ID         string
	PipelineID string
	Name       string
	Type       BlockType
	Config     Metadata
}

// Edge is a dependency: To runs only after From succeeded.
type Edge struct {
	PipelineID string
	From       string
	To         string
}

// PipelineVersion is the unit written by an import: a pipeline with its
// complete block and edge set.
type PipelineVersion struct {
	Pipeline Pipeline
	Blocks   []Block
	Edges    []Edge
}

func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pipeline name is required")
	}
	return nil
}

func (b Block) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("block id is required")
	}
	if strings.TrimSpace(b.PipelineID) == "" {
		return errors.New("block pipeline id is required")
	}
	if strings.TrimSpace(b.Name) == "" {
		return errors.New("block name is required")
	}
	if strings.TrimSpace(string(b.Type)) == "" {
		return errors.New("block type is required")
	}
	return nil
}

func (e Edge) Validate() error {
	if strings.TrimSpace(e.From) == "" || strings.TrimSpace(e.To) == "" {
		return errors.New("edge endpoints are required")
	}
	if e.From == e.To {
		return errors.New("edge must not be a self loop")
	}
	return nil
}

func (v PipelineVersion) Validate() error {
	if err := v.Pipeline.Validate(); err != nil {
		return err
	}
	if len(v.Blocks) == 0 {
		return errors.New("pipeline must contain at least one block")
	}
	ids := make(map[string]struct{}, len(v.Blocks))
	names := make(map[string]struct{}, len(v.Blocks))
	for _, b := range v.Blocks {
		if err := b.Validate(); err != nil {
			return err
		}
		if b.PipelineID != v.Pipeline.ID {
			return errors.New("block belongs to a different pipeline")
		}
		if _, ok := names[b.Name]; ok {
			return errors.New("duplicate block name " + b.Name)
		}
		names[b.Name] = struct{}{}
		ids[b.ID] = struct{}{}
	}
	for _, e := range v.Edges {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, ok := ids[e.From]; !ok {
			return errors.New("edge references unknown block " + e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return errors.New("edge references unknown block " + e.To)
		}
	}
	return nil
}
