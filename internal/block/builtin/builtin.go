// Package builtin provides the block types every deployment ships with.
package builtin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/blockflow/internal/block"
	"github.com/animus-labs/blockflow/internal/domain"
)

const (
	TypeNoop      domain.BlockType = "NOOP"
	TypeFail      domain.BlockType = "FAIL"
	TypeSleep     domain.BlockType = "SLEEP"
	TypeCSVReader domain.BlockType = "CSV_READER"
)

func Register(reg *block.Registry) error {
	for t, e := range map[domain.BlockType]block.Executor{
		TypeNoop:      block.ExecutorFunc(noop),
		TypeFail:      block.ExecutorFunc(fail),
		TypeSleep:     block.ExecutorFunc(sleep),
		TypeCSVReader: block.ExecutorFunc(readCSV),
	} {
		if err := reg.Register(t, e); err != nil {
			return err
		}
	}
	return nil
}

func noop(context.Context, block.Task) error {
	return nil
}

func fail(_ context.Context, task block.Task) error {
	msg, _ := task.Block.Config.String("message")
	if strings.TrimSpace(msg) == "" {
		msg = "configured to fail"
	}
	return errors.New(msg)
}

// sleep waits for config.duration, given as a Go duration string or seconds.
func sleep(ctx context.Context, task block.Task) error {
	d, err := durationConfig(task.Block.Config, "duration")
	if err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func durationConfig(cfg domain.Metadata, key string) (time.Duration, error) {
	if s, ok := cfg.String(key); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	}
	if n, ok := cfg.Number(key); ok {
		return time.Duration(n * float64(time.Second)), nil
	}
	return 0, nil
}

// readCSV parses config.input_path and fails on a missing or malformed file.
func readCSV(ctx context.Context, task block.Task) error {
	path, _ := task.Block.Config.String("input_path")
	if strings.TrimSpace(path) == "" {
		return errors.New("input_path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows := 0
	var header []string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if header == nil {
			header = record
			continue
		}
		rows++
	}
	if task.Logger != nil {
		task.Logger.Info("csv read", "block_run_id", task.BlockRun.ID, "path", path, "columns", len(header), "rows", rows)
	}
	return nil
}
