// Package notify delivers run completion notifications to external systems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/domain"
)

const EventRunFinished = "pipeline.run.finished"

// Payload is the body sent for a run that reached a terminal status.
type Payload struct {
	Event           string         `json:"event"`
	RunID           string         `json:"run_id"`
	PipelineID      string         `json:"pipeline_id"`
	Status          string         `json:"status"`
	CorrelationID   string         `json:"correlation_id"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	Summary         map[string]int `json:"summary"`
}

func NewPayload(run domain.PipelineRun, summary domain.RunSummary) Payload {
	return Payload{
		Event:           EventRunFinished,
		RunID:           run.ID,
		PipelineID:      run.PipelineID,
		Status:          string(run.Status),
		CorrelationID:   run.CorrelationID,
		StartedAt:       run.StartedAt.UTC(),
		FinishedAt:      run.FinishedAt,
		DurationSeconds: run.Duration().Seconds(),
		Summary:         summary.Labels(),
	}
}

type Notifier interface {
	Notify(ctx context.Context, payload Payload) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Payload) error { return nil }

// Func adapts a function to Notifier.
type Func func(ctx context.Context, payload Payload) error

func (f Func) Notify(ctx context.Context, payload Payload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, body)
}

// Webhook posts payloads as JSON. Statuses outside Events are skipped.
type Webhook struct {
	url    string
	events map[string]struct{}
	http   *http.Client
}

func NewWebhook(cfg Config) (*Webhook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, errors.New("webhook url is required")
	}
	events := make(map[string]struct{}, len(cfg.Events))
	for _, e := range cfg.Events {
		events[strings.ToUpper(strings.TrimSpace(e))] = struct{}{}
	}
	return &Webhook{
		url:    strings.TrimSpace(cfg.WebhookURL),
		events: events,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (w *Webhook) Wants(status string) bool {
	if len(w.events) == 0 {
		return true
	}
	_, ok := w.events[strings.ToUpper(status)]
	return ok
}

func (w *Webhook) Notify(ctx context.Context, payload Payload) error {
	if !w.Wants(payload.Status) {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Blockflow-Event", payload.Event)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
}
