package orchestrator

import (
	"github.com/animus-labs/blockflow/internal/domain"
)

// DeriveRunStatus computes the run status from the pipeline's blocks and the
// run's block runs. A FAILED block run that used up its block's attempts
// fails the run; the run succeeds once every block has succeeded.
func DeriveRunStatus(blocks []domain.Block, blockRuns []domain.BlockRun, defaults domain.RetryPolicy) domain.RunStatus {
	byID := make(map[string]domain.Block, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}

	succeeded := 0
	for _, br := range blockRuns {
		b, ok := byID[br.BlockID]
		if !ok {
			continue
		}
		switch br.Status {
		case domain.StatusFailed:
			if b.RetryPolicy(defaults).Exhausted(br.Attempts) {
				return domain.StatusFailed
			}
		case domain.StatusSucceeded:
			succeeded++
		}
	}
	if len(blocks) > 0 && succeeded == len(blocks) {
		return domain.StatusSucceeded
	}
	return domain.StatusRunning
}
