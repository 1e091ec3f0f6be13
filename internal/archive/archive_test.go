package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/zarr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testStore creates a small two-member, one-forecast store with one region
// written.
func testStore(t *testing.T) string {
	t.Helper()
	s, err := zarr.FieldSchema(zarr.Layout{
		Field:   "t2mean",
		Members: 2,
		Dates:   []time.Time{time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)},
		Dims:    []string{"lead", "y", "x"},
		Shape:   []int{1, 2, 2},
	})
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "t2mean.zarr")
	st, err := zarr.Create(dir, s, zarr.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.WriteRegion("t2mean", domain.RegionAt(1, 0), []int{1, 1, 1, 2, 2}, []float64{1, 2, 3, 4}))
	return dir
}

func fakeSevenZip(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "7zz")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func assertFailedCleanly(t *testing.T, dir, dest string) {
	t.Helper()
	assert.DirExists(t, dir, "source directory retained")
	assert.NoFileExists(t, dest, "no file at the final path")
	assert.NoFileExists(t, TempPath(dest), "temporary archive removed")
}

func TestNative_RoundTrip(t *testing.T) {
	dir := testStore(t)
	dest := dir + Ext

	require.NoError(t, Native{}.Archive(context.Background(), dir, dest))
	assert.NoDirExists(t, dir)
	assert.NoFileExists(t, TempPath(dest))

	rc, err := Open(dest)
	require.NoError(t, err)
	defer rc.Close()

	r, err := zarr.Open(rc)
	require.NoError(t, err)
	assert.True(t, r.ChunkExists("t2mean", []int{1, 0, 0, 0, 0}))
	got, err := r.ReadChunk("t2mean", []int{1, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, got)

	for _, f := range rc.File {
		assert.False(t, strings.HasPrefix(f.Name, "t2mean.zarr/"), "entries are relative to the store root: %s", f.Name)
	}
}

func TestNative_MissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "absent.zarr")
	dest := dir + Ext
	require.Error(t, Native{}.Archive(context.Background(), dir, dest))
	assert.NoFileExists(t, dest)
}

func TestNative_Cancelled(t *testing.T) {
	dir := testStore(t)
	dest := dir + Ext
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, Native{}.Archive(ctx, dir, dest), context.Canceled)
	assertFailedCleanly(t, dir, dest)
}

func TestArchive_InsufficientSpace(t *testing.T) {
	orig := freeSpace
	freeSpace = func(context.Context, string) (uint64, error) { return 1, nil }
	t.Cleanup(func() { freeSpace = orig })

	dir := testStore(t)
	dest := dir + Ext
	require.ErrorIs(t, Native{}.Archive(context.Background(), dir, dest), ErrInsufficientSpace)
	assertFailedCleanly(t, dir, dest)
}

func TestSevenZip_Success(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := fakeSevenZip(t, `echo "$@" > `+argsFile+`
echo zip > "$3"`)
	dir := testStore(t)
	dest := dir + Ext

	require.NoError(t, NewSevenZip(bin, discardLogger()).Archive(context.Background(), dir, dest))
	assert.FileExists(t, dest)
	assert.NoDirExists(t, dir)

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "a -tzip "+TempPath(dest)+" "+dir+"/.", strings.TrimSpace(string(b)))
}

func TestSevenZip_ToolFailure(t *testing.T) {
	// Writes a partial archive before failing.
	bin := fakeSevenZip(t, `echo partial > "$3"
echo "E_FAIL disk full" >&2
exit 2`)
	dir := testStore(t)
	dest := dir + Ext

	err := NewSevenZip(bin, discardLogger()).Archive(context.Background(), dir, dest)
	require.ErrorIs(t, err, domain.ErrToolFailed)
	assert.Contains(t, err.Error(), "disk full")
	assertFailedCleanly(t, dir, dest)
}

func TestSevenZip_ToolNotFound(t *testing.T) {
	dir := testStore(t)
	dest := dir + Ext

	err := NewSevenZip(filepath.Join(t.TempDir(), "no-such-7zz"), discardLogger()).Archive(context.Background(), dir, dest)
	require.Error(t, err)
	assertFailedCleanly(t, dir, dest)
}

func TestSevenZip_ExistingDestinationReplaced(t *testing.T) {
	bin := fakeSevenZip(t, `echo fresh > "$3"`)
	dir := testStore(t)
	dest := dir + Ext
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(TempPath(dest), []byte("leftover"), 0o644))

	require.NoError(t, NewSevenZip(bin, discardLogger()).Archive(context.Background(), dir, dest))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(b))
}
