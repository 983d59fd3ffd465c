package block

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/blockflow/internal/domain"
)

func TestRunUnknownType(t *testing.T) {
	reg := NewRegistry(nil)
	err := Run(context.Background(), reg, Task{Block: domain.Block{Type: "MISSING"}})
	if !errors.Is(err, ErrUnknownBlockType) {
		t.Fatalf("expected ErrUnknownBlockType, got %v", err)
	}
}

func TestRunWrapsExecutorError(t *testing.T) {
	boom := errors.New("boom")
	reg := NewRegistry(map[domain.BlockType]Executor{
		"BOOM": ExecutorFunc(func(context.Context, Task) error { return boom }),
	})
	err := Run(context.Background(), reg, Task{Block: domain.Block{Type: "BOOM"}})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !errors.Is(err, boom) {
		t.Fatalf("expected ExecutionError wrapping boom, got %v", err)
	}
	if execErr.Panicked {
		t.Fatalf("plain failure reported as panic")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	reg := NewRegistry(map[domain.BlockType]Executor{
		"PANIC": ExecutorFunc(func(context.Context, Task) error { panic("bad input") }),
	})
	err := Run(context.Background(), reg, Task{Block: domain.Block{Type: "PANIC"}})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !execErr.Panicked {
		t.Fatalf("expected panicked ExecutionError, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(nil)
	noop := ExecutorFunc(func(context.Context, Task) error { return nil })
	if err := reg.Register("NOOP", noop); err != nil {
		t.Fatalf("Register() err=%v", err)
	}
	if err := reg.Register("NOOP", noop); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if got := reg.Types(); len(got) != 1 || got[0] != "NOOP" {
		t.Fatalf("unexpected types: %v", got)
	}
}
