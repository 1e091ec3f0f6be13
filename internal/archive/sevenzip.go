package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/transcode"
)

// SevenZip archives with the 7-Zip command line tool:
// <bin> a -tzip <tmp> <dir>/.
type SevenZip struct {
	Bin    string
	Logger *slog.Logger
}

// NewSevenZip creates a 7-Zip archiver.
func NewSevenZip(bin string, logger *slog.Logger) *SevenZip {
	if bin == "" {
		bin = "7zz"
	}
	return &SevenZip{Bin: bin, Logger: logger}
}

func (s *SevenZip) Archive(ctx context.Context, dir, dest string) error {
	return commit(ctx, dir, dest, func(tmp string) error {
		args := []string{"a", "-tzip", tmp, filepath.Clean(dir) + string(filepath.Separator) + "."}
		cmd := exec.CommandContext(ctx, s.Bin, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		s.Logger.Debug("running archiver", "bin", s.Bin, "args", strings.Join(args, " "))
		err := cmd.Run()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", s.Bin, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &transcode.ToolError{Tool: s.Bin, Args: args, ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return fmt.Errorf("run %s: %w", s.Bin, err)
	})
}
