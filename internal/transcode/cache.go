package transcode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/observability"
	"golang.org/x/sync/singleflight"
)

// Ext is the extension of cached tool outputs.
const Ext = ".nc"

// Instructor is implemented by runners whose global options change the
// tool's output and therefore belong in the cache key.
type Instructor interface {
	Instruction(e domain.Expr) string
}

// Instruction is the full instruction passed to cdo: global options followed
// by the rendered operator chain.
func (c *CDO) Instruction(e domain.Expr) string {
	if len(c.Options) == 0 {
		return e.Command()
	}
	return strings.Join(c.Options, " ") + " " + e.Command()
}

// Resolved is the outcome of a cache lookup.
type Resolved struct {
	Path   string
	Digest string
	Hit    bool
}

// Cache memoizes tool outputs under <dir>/<sha256-hex>.nc. Entries are
// append-only and never evicted. Concurrent misses for the same key within
// one process run the tool once.
type Cache struct {
	dir     string
	runner  Runner
	logger  *slog.Logger
	metrics *observability.Metrics
	group   singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewCache creates the cache directory if needed.
func NewCache(dir string, runner Runner, logger *slog.Logger, metrics *observability.Metrics) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	return &Cache{dir: dir, runner: runner, logger: logger, metrics: metrics}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Key returns the content digest for e.
func (c *Cache) Key(e domain.Expr) string {
	if in, ok := c.runner.(Instructor); ok {
		return domain.Digest(in.Instruction(e))
	}
	return domain.Digest(e.Command())
}

// Path returns the cache path for e whether or not it exists yet.
func (c *Cache) Path(e domain.Expr) string {
	return filepath.Join(c.dir, c.Key(e)+Ext)
}

// Resolve returns the cached output for e, running the tool on a miss.
func (c *Cache) Resolve(ctx context.Context, e domain.Expr) (Resolved, error) {
	if err := e.Validate(); err != nil {
		return Resolved{}, err
	}
	key := c.Key(e)
	res := Resolved{Path: filepath.Join(c.dir, key+Ext), Digest: key}

	if exists(res.Path) {
		res.Hit = true
		c.record(true)
		return res, nil
	}

	ran, err := c.fill(ctx, key, e, res.Path)
	if err != nil {
		return Resolved{}, fmt.Errorf("transcode %s: %w", key[:12], err)
	}
	res.Hit = !ran
	c.record(res.Hit)
	return res, nil
}

// fill runs the tool into path once per key across concurrent callers. The
// tool runs under the context of the caller that started it, so a caller
// that joined a cancelled fill retries with its own context.
func (c *Cache) fill(ctx context.Context, key string, e domain.Expr, path string) (bool, error) {
	for {
		ran := false
		_, err, _ := c.group.Do(key, func() (any, error) {
			if exists(path) {
				return nil, nil
			}
			ran = true
			c.logger.Debug("cache miss", "digest", key, "command", e.Command())
			return nil, Materialize(ctx, c.runner, e, path)
		})
		if err != nil && !ran && ctx.Err() == nil && isCancellation(err) {
			c.logger.Debug("shared fill cancelled, retrying", "digest", key)
			continue
		}
		return ran, err
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Stats returns the hit and miss counts since the cache was created.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) record(hit bool) {
	result := "miss"
	if hit {
		c.hits.Add(1)
		result = "hit"
	} else {
		c.misses.Add(1)
	}
	if c.metrics != nil {
		c.metrics.TranscodeCache.WithLabelValues(result).Inc()
	}
}

// Materialize runs e into output unless output already exists. The tool
// writes to a temporary sibling that is renamed into place on success, so
// output is either absent or complete.
func Materialize(ctx context.Context, r Runner, e domain.Expr, output string) error {
	if exists(output) {
		return nil
	}
	for _, f := range e.Files() {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", domain.ErrUpstreamMissing, f)
			}
			return fmt.Errorf("stat input %s: %w", f, err)
		}
	}

	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(output)+".*.tmp")
	if err != nil {
		return fmt.Errorf("reserve temp output: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath)

	if err := r.Run(ctx, e, tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if !exists(tmpPath) {
		return fmt.Errorf("%w: no output written for %s", domain.ErrToolFailed, e.Command())
	}
	if err := os.Rename(tmpPath, output); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", output, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
