// Package pipelinedef reads and validates pipeline definition documents.
// Documents are YAML; JSON documents parse as well.
package pipelinedef

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/graph"
)

type Definition struct {
	Name   string     `json:"name" yaml:"name"`
	Blocks []BlockDef `json:"blocks" yaml:"blocks"`
	Edges  []EdgeDef  `json:"edges,omitempty" yaml:"edges,omitempty"`
}

type BlockDef struct {
	Name   string         `json:"name" yaml:"name"`
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

type EdgeDef struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Parse decodes a definition. Unknown fields are rejected.
func Parse(input []byte) (Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return Definition{}, errors.New("decode definition: document is empty")
		}
		return Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	return def, nil
}

func Marshal(def Definition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate checks the definition and reports every issue found. When
// knownTypes is non-empty, block types outside it are rejected.
func Validate(def Definition, knownTypes []domain.BlockType) error {
	issues := &ValidationError{}

	if strings.TrimSpace(def.Name) == "" {
		issues.Add("name is required")
	}
	if len(def.Blocks) == 0 {
		issues.Add("at least one block is required")
		return issues.OrNil()
	}

	types := make(map[domain.BlockType]struct{}, len(knownTypes))
	for _, t := range knownTypes {
		types[t] = struct{}{}
	}

	names := make([]string, 0, len(def.Blocks))
	seen := make(map[string]struct{}, len(def.Blocks))
	for i, b := range def.Blocks {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("blocks[%d] name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			issues.Add(fmt.Sprintf("duplicate block name %q", name))
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)

		t := domain.BlockType(strings.TrimSpace(b.Type))
		switch {
		case t == "":
			issues.Add(fmt.Sprintf("block[%s] type is required", name))
		case len(types) > 0:
			if _, ok := types[t]; !ok {
				issues.Add(fmt.Sprintf("block[%s] has unknown type %q", name, t))
			}
		}
	}

	edges := make([]graph.Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		from := strings.TrimSpace(e.From)
		to := strings.TrimSpace(e.To)
		if from == "" || to == "" {
			issues.Add("edges must specify from and to")
			continue
		}
		if from == to {
			issues.Add(fmt.Sprintf("edge %q has self-edge", from))
			continue
		}
		if _, ok := seen[from]; !ok {
			issues.Add(fmt.Sprintf("edge from %q not found", from))
			continue
		}
		if _, ok := seen[to]; !ok {
			issues.Add(fmt.Sprintf("edge to %q not found", to))
			continue
		}
		edges = append(edges, graph.Edge{From: from, To: to})
	}

	if _, err := graph.TopologicalOrder(names, edges); err != nil {
		var cycle *graph.CycleError
		if errors.As(err, &cycle) {
			issues.Cycle = cycle.Path
			issues.Add("dependency cycle: " + strings.Join(cycle.Path, " -> "))
		} else {
			issues.Add(err.Error())
		}
	}
	return issues.OrNil()
}

// ToVersion assigns fresh ids and converts a validated definition into a
// pipeline version ready to store.
func ToVersion(def Definition) domain.PipelineVersion {
	pipelineID := domain.NewID()
	v := domain.PipelineVersion{
		Pipeline: domain.Pipeline{ID: pipelineID, Name: strings.TrimSpace(def.Name)},
	}
	ids := make(map[string]string, len(def.Blocks))
	for _, b := range def.Blocks {
		name := strings.TrimSpace(b.Name)
		id := domain.NewID()
		ids[name] = id
		v.Blocks = append(v.Blocks, domain.Block{
			ID:         id,
			PipelineID: pipelineID,
			Name:       name,
			Type:       domain.BlockType(strings.TrimSpace(b.Type)),
			Config:     domain.Metadata(b.Config).Clone(),
		})
	}
	seen := map[[2]string]struct{}{}
	for _, e := range def.Edges {
		key := [2]string{ids[strings.TrimSpace(e.From)], ids[strings.TrimSpace(e.To)]}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		v.Edges = append(v.Edges, domain.Edge{PipelineID: pipelineID, From: key[0], To: key[1]})
	}
	return v
}

// FromVersion rebuilds the definition document of a stored version.
func FromVersion(p domain.Pipeline, blocks []domain.Block, edges []domain.Edge) Definition {
	def := Definition{Name: p.Name}
	names := make(map[string]string, len(blocks))
	for _, b := range blocks {
		names[b.ID] = b.Name
		def.Blocks = append(def.Blocks, BlockDef{Name: b.Name, Type: string(b.Type), Config: b.Config.Clone()})
	}
	for _, e := range edges {
		def.Edges = append(def.Edges, EdgeDef{From: names[e.From], To: names[e.To]})
	}
	sort.SliceStable(def.Edges, func(i, j int) bool {
		if def.Edges[i].From != def.Edges[j].From {
			return def.Edges[i].From < def.Edges[j].From
		}
		return def.Edges[i].To < def.Edges[j].To
	})
	return def
}
