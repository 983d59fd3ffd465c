package pipelinedef

import "strings"

// ValidationError aggregates definition issues.
type ValidationError struct {
	Issues []string
	// Cycle holds the block names of a dependency cycle, when one was found.
	Cycle []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline definition invalid"
	}
	return "pipeline definition invalid: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
