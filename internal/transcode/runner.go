// Package transcode runs the external climate-data operator tool and
// memoizes its outputs in a content-addressed file cache.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

// stderrTail bounds how much tool stderr is attached to a ToolError.
const stderrTail = 4096

// Runner executes one rendered operator chain, writing the result to output.
type Runner interface {
	Run(ctx context.Context, e domain.Expr, output string) error
}

// ToolError reports a non-zero exit from an external tool.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return domain.ErrToolFailed }

// CDO runs the cdo binary. Options are global flags placed before the
// operator chain (for example -O or -r).
type CDO struct {
	Bin     string
	Options []string
	TempDir string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewCDO creates a runner for the given binary.
func NewCDO(bin string, options []string, tempDir string, timeout time.Duration, logger *slog.Logger) *CDO {
	if bin == "" {
		bin = "cdo"
	}
	return &CDO{Bin: bin, Options: options, TempDir: tempDir, Timeout: timeout, Logger: logger}
}

// Run validates e, renders it to argv and executes the tool without a shell.
func (c *CDO) Run(ctx context.Context, e domain.Expr, output string) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.IsLeaf() {
		return fmt.Errorf("%w: %s has no operator to run", domain.ErrInvalidExpr, e.File)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(c.Options)+16)
	args = append(args, c.Options...)
	args = append(args, e.Args()...)
	args = append(args, output)

	cmd := exec.CommandContext(ctx, c.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if c.TempDir != "" {
		if err := os.MkdirAll(c.TempDir, 0o755); err != nil {
			return fmt.Errorf("create tool temp dir: %w", err)
		}
		cmd.Env = append(os.Environ(), "TMPDIR="+c.TempDir)
	}

	start := time.Now()
	err := cmd.Run()
	if c.Logger != nil {
		c.Logger.Debug("cdo finished", "args", strings.Join(args, " "), "duration", time.Since(start), "error", err)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", c.Bin, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ToolError{Tool: c.Bin, Args: args, ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String())}
	}
	return fmt.Errorf("run %s: %w", c.Bin, err)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
