package conversion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dvloznov/mdraft/internal/reliability"
	"github.com/dvloznov/mdraft/internal/storage"
)

const stderrTail = 512

// Markitdown shells out to the markitdown CLI.
type Markitdown struct {
	Binary  string
	Timeout time.Duration
	guard   *reliability.Guard
}

func NewMarkitdown(binary string, timeout time.Duration, guard *reliability.Guard) *Markitdown {
	if binary == "" {
		binary = "markitdown"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Markitdown{Binary: binary, Timeout: timeout, guard: guard}
}

func (m *Markitdown) Name() string { return "markitdown" }

func (m *Markitdown) Convert(ctx context.Context, in Input) (Output, error) {
	if m.guard == nil {
		return m.run(ctx, in)
	}
	return reliability.Call(ctx, m.guard, func(ctx context.Context) (Output, error) {
		return m.run(ctx, in)
	})
}

func (m *Markitdown) run(ctx context.Context, in Input) (Output, error) {
	dir, err := os.MkdirTemp("", "mdraft-markitdown-")
	if err != nil {
		return Output{}, fmt.Errorf("markitdown: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	// markitdown picks its converter from the extension, so keep it.
	path := filepath.Join(dir, storage.SanitizeFilename(in.Filename))
	if err := os.WriteFile(path, in.Data, 0o600); err != nil {
		return Output{}, fmt.Errorf("markitdown: write input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, m.Binary, path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	err = cmd.Run()
	switch {
	case err == nil:
	case runCtx.Err() != nil && ctx.Err() == nil:
		return Output{}, fmt.Errorf("markitdown: timed out after %s: %w", m.Timeout, context.DeadlineExceeded)
	case ctx.Err() != nil:
		return Output{}, ctx.Err()
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return Output{}, reliability.Permanent(fmt.Errorf("markitdown: binary %q not found", m.Binary))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Output{}, reliability.Permanent(fmt.Errorf("markitdown: exit %d: %s", exitErr.ExitCode(), tail(stderr.Bytes(), stderrTail)))
		}
		return Output{}, fmt.Errorf("markitdown: run: %w", err)
	}

	return Output{Markdown: stdout.String(), Engine: m.Name()}, nil
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
