// Package events publishes engine lifecycle events. Sinks are best effort:
// Emit never blocks on a slow backend and never reports failure to the caller.
package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"
)

type Type string

const (
	BlockStart     Type = "block_start"
	BlockSucceeded Type = "block_succeeded"
	BlockFailed    Type = "block_failed"
	BlockReaped    Type = "block_reaped"
	RunFinished    Type = "run_finished"
)

type Event struct {
	Type       Type           `json:"type"`
	RunID      string         `json:"run_id"`
	BlockID    string         `json:"block_id,omitempty"`
	BlockRunID string         `json:"block_run_id,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, event Event) {
	level := slog.LevelInfo
	if event.Type == BlockFailed || event.Type == BlockReaped {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "engine event",
		"event", string(event.Type),
		"run_id", event.RunID,
		"block_id", event.BlockID,
		"block_run_id", event.BlockRunID,
		"worker_id", event.WorkerID,
		"attempt", event.Attempt,
		"detail", event.Detail,
	)
}
