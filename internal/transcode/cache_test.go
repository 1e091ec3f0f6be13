package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fake runner ---

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) Run(_ context.Context, e domain.Expr, output string) error {
	r.calls.Add(1)
	if r.err != nil {
		return r.err
	}
	return os.WriteFile(output, []byte(e.Command()), 0o644)
}

// stallingRunner blocks its first call until the caller's context ends and
// writes normally afterwards.
type stallingRunner struct {
	calls   atomic.Int32
	started chan struct{}
}

func (r *stallingRunner) Run(ctx context.Context, e domain.Expr, output string) error {
	if r.calls.Add(1) == 1 {
		close(r.started)
		<-ctx.Done()
		return ctx.Err()
	}
	return os.WriteFile(output, []byte(e.Command()), 0o644)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inputFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("raw"), 0o644))
	return p
}

func newTestCache(t *testing.T, r Runner) *Cache {
	t.Helper()
	c, err := NewCache(filepath.Join(t.TempDir(), "cdo_cache"), r, discardLogger(), observability.NewMetricsForTesting())
	require.NoError(t, err)
	return c
}

func TestCache_MissThenHit(t *testing.T) {
	r := &countingRunner{}
	c := newTestCache(t, r)
	e := domain.SetName("t2mean", domain.MonMean(domain.File(inputFile(t, "wrf2d_T2.nc"))))

	first, err := c.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, first.Hit)
	assert.Equal(t, filepath.Join(c.Dir(), domain.Digest(e.Command())+".nc"), first.Path)

	second, err := c.Resolve(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, second.Hit)
	assert.Equal(t, first.Path, second.Path)

	assert.Equal(t, int32(1), r.calls.Load(), "a cached command never re-runs the tool")
	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	b, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, e.Command(), string(b))
}

func TestCache_DistinctCommandsDistinctKeys(t *testing.T) {
	c := newTestCache(t, &countingRunner{})
	in := domain.File(inputFile(t, "wrf2d_T2.nc"))

	a := domain.SetName("t2min", domain.MonMean(domain.DayMin(in)))
	b := domain.SetName("t2max", domain.MonMean(domain.DayMax(in)))
	assert.NotEqual(t, c.Key(a), c.Key(b))
	assert.Equal(t, c.Key(a), c.Key(domain.SetName("t2min", domain.MonMean(domain.DayMin(in)))))
}

func TestCache_OptionsChangeKey(t *testing.T) {
	e := domain.MonMean(domain.File("/data/in.nc"))
	plain := newTestCache(t, NewCDO("cdo", nil, "", 0, discardLogger()))
	relative := newTestCache(t, NewCDO("cdo", []string{"-r"}, "", 0, discardLogger()))

	assert.Equal(t, domain.Digest("-monmean /data/in.nc"), plain.Key(e))
	assert.Equal(t, domain.Digest("-r -monmean /data/in.nc"), relative.Key(e))
}

func TestCache_ConcurrentMissesRunOnce(t *testing.T) {
	r := &countingRunner{}
	c := newTestCache(t, r)
	e := domain.MonSum(domain.File(inputFile(t, "wrf2d_RAINNC.nc")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Resolve(context.Background(), e)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.calls.Load(), int32(8))
	assert.GreaterOrEqual(t, r.calls.Load(), int32(1))
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestCache_JoinedCallerSurvivesFirstCallerCancel(t *testing.T) {
	r := &stallingRunner{started: make(chan struct{})}
	c := newTestCache(t, r)
	e := domain.SetName("t2mean", domain.File(inputFile(t, "wrf2d_T2.nc")))

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Resolve(first, e)
		firstErr <- err
	}()
	<-r.started

	type result struct {
		res Resolved
		err error
	}
	second := make(chan result, 1)
	go func() {
		res, err := c.Resolve(context.Background(), e)
		second <- result{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	got := <-second
	require.NoError(t, got.err)
	assert.False(t, got.res.Hit)
	assert.FileExists(t, got.res.Path)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestCache_ToolFailureLeavesNoEntry(t *testing.T) {
	r := &countingRunner{err: &ToolError{Tool: "cdo", ExitCode: 1, Stderr: "boom"}}
	c := newTestCache(t, r)
	e := domain.MonMean(domain.File(inputFile(t, "in.nc")))

	_, err := c.Resolve(context.Background(), e)
	require.ErrorIs(t, err, domain.ErrToolFailed)
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "boom", te.Stderr)

	assert.NoFileExists(t, c.Path(e))
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCache_UpstreamMissing(t *testing.T) {
	r := &countingRunner{}
	c := newTestCache(t, r)
	e := domain.MonMean(domain.File(filepath.Join(t.TempDir(), "absent.nc")))

	_, err := c.Resolve(context.Background(), e)
	require.ErrorIs(t, err, domain.ErrUpstreamMissing)
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestCache_InvalidExpr(t *testing.T) {
	c := newTestCache(t, &countingRunner{})
	_, err := c.Resolve(context.Background(), domain.Apply("rm", nil, domain.File("x.nc")))
	require.ErrorIs(t, err, domain.ErrInvalidExpr)
}

func TestMaterialize_SkipsExisting(t *testing.T) {
	r := &countingRunner{}
	out := filepath.Join(t.TempDir(), "monthly", "mem1", "pr.nc")
	e := domain.MonMean(domain.File(inputFile(t, "in.nc")))

	require.NoError(t, Materialize(context.Background(), r, e, out))
	require.NoError(t, Materialize(context.Background(), r, e, out))
	assert.Equal(t, int32(1), r.calls.Load())
	assert.FileExists(t, out)
}
