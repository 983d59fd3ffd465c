package repo

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrNoWork means no queue item is eligible for claiming right now.
	ErrNoWork = errors.New("no eligible work")
	// ErrContention means a concurrent writer won a conditional update. The
	// operation may be retried.
	ErrContention = errors.New("store contention")
	ErrConflict   = errors.New("conflict")
)
