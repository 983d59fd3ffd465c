package domain

import (
	"errors"
	"strings"
	"time"
)

// PipelineRun is one execution of a pipeline version.
type PipelineRun struct {
	ID            string
	PipelineID    string
	Status        RunStatus
	CorrelationID string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// BlockRun tracks the execution of one block within a run. There is at most
// one per (run, block); retries reuse the row and bump Attempts.
type BlockRun struct {
	ID         string
	RunID      string
	BlockID    string
	Status     RunStatus
	Attempts   int
	Priority   int
	WorkerID   string
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (r PipelineRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if !r.Status.Valid() {
		return errors.New("run status is invalid")
	}
	return nil
}

func (r PipelineRun) Duration() time.Duration {
	if r.FinishedAt == nil || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// QueueItem is a unit of claimable work. NotBefore gates eligibility.
type QueueItem struct {
	ID         int64
	RunID      string
	BlockID    string
	Priority   int
	NotBefore  time.Time
	EnqueuedAt time.Time
}

// Claim is the result of a successful claim: the consumed item and the block
// run after its transition to RUNNING.
type Claim struct {
	Item     QueueItem
	BlockRun BlockRun
}

// RunSummary counts block runs per status.
type RunSummary map[RunStatus]int

func Summarize(blockRuns []BlockRun) RunSummary {
	out := RunSummary{}
	for _, s := range AllStatuses {
		out[s] = 0
	}
	for _, br := range blockRuns {
		out[br.Status]++
	}
	return out
}

// Labels renders the summary with string keys for JSON payloads.
func (s RunSummary) Labels() map[string]int {
	out := make(map[string]int, len(s))
	for k, v := range s {
		out[string(k)] = v
	}
	return out
}
