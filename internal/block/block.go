// Package block defines the executor contract and the closed registry the
// worker dispatches through.
package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"github.com/animus-labs/blockflow/internal/domain"
	"github.com/animus-labs/blockflow/internal/repo"
)

var ErrUnknownBlockType = errors.New("unknown block type")

// Task is everything an executor sees for one attempt.
type Task struct {
	Store    repo.Store
	Run      domain.PipelineRun
	Block    domain.Block
	BlockRun domain.BlockRun
	Logger   *slog.Logger
}

// Executor runs one block attempt. A returned error fails the attempt.
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

type ExecutorFunc func(ctx context.Context, task Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// ExecutionError is an attempt failure captured from an executor.
type ExecutionError struct {
	BlockType domain.BlockType
	Err       error
	Panicked  bool
}

func (e *ExecutionError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("block %s panicked: %v", e.BlockType, e.Err)
	}
	return fmt.Sprintf("block %s failed: %v", e.BlockType, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type Registry struct {
	executors map[domain.BlockType]Executor
}

func NewRegistry(executors map[domain.BlockType]Executor) *Registry {
	r := &Registry{executors: make(map[domain.BlockType]Executor, len(executors))}
	for t, e := range executors {
		r.executors[t] = e
	}
	return r
}

// Register adds an executor. It is meant for startup wiring and is not safe
// to call while workers are running.
func (r *Registry) Register(t domain.BlockType, e Executor) error {
	if t == "" || e == nil {
		return errors.New("block type and executor are required")
	}
	if _, exists := r.executors[t]; exists {
		return fmt.Errorf("block type %s already registered", t)
	}
	r.executors[t] = e
	return nil
}

func (r *Registry) Lookup(t domain.BlockType) (Executor, error) {
	if r != nil {
		if e, ok := r.executors[t]; ok {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBlockType, t)
}

func (r *Registry) Types() []domain.BlockType {
	if r == nil {
		return nil
	}
	out := make([]domain.BlockType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run resolves and executes the task's block. Executor errors and panics come
// back as *ExecutionError; an unknown type comes back as ErrUnknownBlockType.
func Run(ctx context.Context, registry *Registry, task Task) (err error) {
	executor, err := registry.Lookup(task.Block.Type)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if task.Logger != nil {
				task.Logger.Error("block panicked", "block_id", task.Block.ID, "panic", r, "stack", string(debug.Stack()))
			}
			err = &ExecutionError{BlockType: task.Block.Type, Err: fmt.Errorf("%v", r), Panicked: true}
		}
	}()
	if execErr := executor.Execute(ctx, task); execErr != nil {
		return &ExecutionError{BlockType: task.Block.Type, Err: execErr}
	}
	return nil
}
