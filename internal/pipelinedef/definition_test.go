package pipelinedef

import (
	"errors"
	"strings"
	"testing"

	"github.com/animus-labs/blockflow/internal/domain"
)

const etlYAML = `
name: nightly-etl
blocks:
  - name: extract
    type: CSV_READER
    config:
      input_path: /data/in.csv
  - name: transform
    type: NOOP
    config:
      retry:
        max_attempts: 5
        backoff_seconds: 2.5
  - name: load
    type: NOOP
edges:
  - {from: extract, to: transform}
  - {from: transform, to: load}
`

var known = []domain.BlockType{"NOOP", "CSV_READER", "FAIL", "SLEEP"}

func TestParseAndValidate(t *testing.T) {
	def, err := Parse([]byte(etlYAML))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if def.Name != "nightly-etl" || len(def.Blocks) != 3 || len(def.Edges) != 2 {
		t.Fatalf("unexpected definition %+v", def)
	}
	if err := Validate(def, known); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	v := ToVersion(def)
	if err := v.Validate(); err != nil {
		t.Fatalf("version invalid: %v", err)
	}
	policy := v.Blocks[1].RetryPolicy(domain.RetryPolicy{MaxAttempts: 3})
	if policy.MaxAttempts != 5 || policy.BackoffBase.Seconds() != 2.5 {
		t.Fatalf("expected retry override to survive parsing, got %+v", policy)
	}
}

func TestParseJSON(t *testing.T) {
	def, err := Parse([]byte(`{"name":"j","blocks":[{"name":"a","type":"NOOP"}],"edges":[]}`))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if def.Name != "j" || def.Blocks[0].Type != "NOOP" {
		t.Fatalf("unexpected definition %+v", def)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("name: x\nstages: []\n")); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
	if _, err := Parse(nil); err == nil {
		t.Fatalf("expected empty document to be rejected")
	}
}

func TestValidateAggregatesIssues(t *testing.T) {
	def := Definition{
		Blocks: []BlockDef{
			{Name: "a", Type: "NOOP"},
			{Name: "a", Type: "NOOP"},
			{Name: "b", Type: "TELEPORT"},
			{Name: "c"},
		},
		Edges: []EdgeDef{
			{From: "a", To: "a"},
			{From: "a", To: "ghost"},
		},
	}
	err := Validate(def, known)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{
		"name is required",
		`duplicate block name "a"`,
		`block[b] has unknown type "TELEPORT"`,
		"block[c] type is required",
		`edge "a" has self-edge`,
		`edge to "ghost" not found`,
	}
	if len(verr.Issues) != len(want) {
		t.Fatalf("expected %d issues, got %v", len(want), verr.Issues)
	}
	for i, issue := range want {
		if verr.Issues[i] != issue {
			t.Fatalf("issue %d: got %q want %q", i, verr.Issues[i], issue)
		}
	}
}

func TestValidateReportsCyclePath(t *testing.T) {
	def := Definition{
		Name: "loop",
		Blocks: []BlockDef{
			{Name: "x", Type: "NOOP"},
			{Name: "y", Type: "NOOP"},
			{Name: "z", Type: "NOOP"},
		},
		Edges: []EdgeDef{{From: "x", To: "y"}, {From: "y", To: "z"}, {From: "z", To: "x"}},
	}
	err := Validate(def, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, n := range []string{"x", "y", "z"} {
		if !strings.Contains(strings.Join(verr.Cycle, ","), n) {
			t.Fatalf("cycle %v misses %s", verr.Cycle, n)
		}
	}
}

func TestValidateRequiresBlocks(t *testing.T) {
	err := Validate(Definition{Name: "empty"}, nil)
	if err == nil || !strings.Contains(err.Error(), "at least one block") {
		t.Fatalf("expected missing blocks issue, got %v", err)
	}
}

func TestMarshalRoundTripsThroughVersion(t *testing.T) {
	def, err := Parse([]byte(etlYAML))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	v := ToVersion(def)
	rebuilt := FromVersion(v.Pipeline, v.Blocks, v.Edges)

	out, err := Marshal(rebuilt)
	if err != nil {
		t.Fatalf("Marshal() err=%v", err)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(marshalled) err=%v\n%s", err, out)
	}
	if err := Validate(again, known); err != nil {
		t.Fatalf("Validate(marshalled) err=%v", err)
	}
	if again.Edges[0].From != "extract" || again.Edges[1].To != "load" {
		t.Fatalf("unexpected edges %+v", again.Edges)
	}
}
