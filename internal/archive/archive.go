// Package archive packs a finished store directory into a single zip file.
// Both implementations write to a temporary file next to the destination
// and rename it into place, and remove the source directory only after the
// rename succeeded.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// ErrInsufficientSpace is returned by the free-space preflight.
var ErrInsufficientSpace = errors.New("insufficient free space for archive")

// Archiver packs dir into dest.
type Archiver interface {
	Archive(ctx context.Context, dir, dest string) error
}

// Ext is the conventional suffix of an archived store.
const Ext = ".zip"

// TempPath is where an archive is assembled before the final rename.
func TempPath(dest string) string { return dest + ".tmp.zip" }

// freeSpace reports free bytes on the filesystem holding path. It is a
// variable so tests can simulate a full disk.
var freeSpace = func(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// commit runs write against a temporary path and publishes the result at
// dest. On any failure dir is left untouched and neither the temporary file
// nor dest exists afterwards (dest is never created).
func commit(ctx context.Context, dir, dest string, write func(tmp string) error) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("archive source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive source %s is not a directory", dir)
	}

	destDir := filepath.Dir(dest)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	if err := preflight(ctx, dir, destDir); err != nil {
		return err
	}

	tmp := TempPath(dest)
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", tmp, err)
	}
	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish archive %s: %w", dest, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("archive written but removing %s failed: %w", dir, err)
	}
	return nil
}

func preflight(ctx context.Context, dir, destDir string) error {
	need, err := dirSize(dir)
	if err != nil {
		return fmt.Errorf("size %s: %w", dir, err)
	}
	free, err := freeSpace(ctx, destDir)
	if err != nil {
		// Unknown free space is not fatal; the write itself will fail if full.
		return nil
	}
	if free < need {
		return fmt.Errorf("%w: need %d bytes, %d free in %s", ErrInsufficientSpace, need, free, destDir)
	}
	return nil
}

func dirSize(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += uint64(info.Size())
		}
		return nil
	})
	return total, err
}
