package domain

import "strings"

// RunStatus is shared by pipeline runs and block runs.
type RunStatus string

const (
	StatusQueued    RunStatus = "QUEUED"
	StatusRunning   RunStatus = "RUNNING"
	StatusSucceeded RunStatus = "SUCCEEDED"
	StatusFailed    RunStatus = "FAILED"
)

var AllStatuses = []RunStatus{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed}

func (s RunStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// NormalizeRunStatus maps free-form status values to canonical statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(StatusQueued), "PENDING":
		return StatusQueued
	case string(StatusRunning):
		return StatusRunning
	case string(StatusSucceeded), "SUCCESS":
		return StatusSucceeded
	case string(StatusFailed), "FAILURE":
		return StatusFailed
	default:
		return ""
	}
}
