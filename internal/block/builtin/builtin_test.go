package builtin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/animus-labs/blockflow/internal/block"
	"github.com/animus-labs/blockflow/internal/domain"
)

func newRegistry(t *testing.T) *block.Registry {
	t.Helper()
	reg := block.NewRegistry(nil)
	if err := Register(reg); err != nil {
		t.Fatalf("Register() err=%v", err)
	}
	return reg
}

func run(t *testing.T, reg *block.Registry, typ domain.BlockType, cfg domain.Metadata) error {
	t.Helper()
	return block.Run(context.Background(), reg, block.Task{Block: domain.Block{Type: typ, Config: cfg}})
}

func TestNoopAndFail(t *testing.T) {
	reg := newRegistry(t)
	if err := run(t, reg, TypeNoop, nil); err != nil {
		t.Fatalf("NOOP err=%v", err)
	}
	err := run(t, reg, TypeFail, domain.Metadata{"message": "bad row"})
	var execErr *block.ExecutionError
	if !errors.As(err, &execErr) || execErr.Err.Error() != "bad row" {
		t.Fatalf("expected configured failure, got %v", err)
	}
}

func TestCSVReader(t *testing.T) {
	reg := newRegistry(t)
	path := filepath.Join(t.TempDir(), "in.csv")
	if err := os.WriteFile(path, []byte("id,name\n1,a\n2,b\n"), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := run(t, reg, TypeCSVReader, domain.Metadata{"input_path": path}); err != nil {
		t.Fatalf("CSV_READER err=%v", err)
	}
	if err := run(t, reg, TypeCSVReader, domain.Metadata{"input_path": filepath.Join(t.TempDir(), "missing.csv")}); err == nil {
		t.Fatalf("expected missing input to fail")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	reg := newRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := block.Run(ctx, reg, block.Task{Block: domain.Block{Type: TypeSleep, Config: domain.Metadata{"duration": "1m"}}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := run(t, reg, TypeSleep, domain.Metadata{"duration": 0.001}); err != nil {
		t.Fatalf("short sleep err=%v", err)
	}
}
