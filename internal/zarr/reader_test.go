package zarr

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Consolidated(t *testing.T) {
	path, _ := createTestStore(t)

	r, err := Open(os.DirFS(path))
	require.NoError(t, err)
	assert.Equal(t, []string{"T2", "XLONG", "forecast", "member"}, r.Arrays())

	info, ok := r.Info("T2")
	require.True(t, ok)
	assert.Equal(t, []string{"member", "forecast", "lead", "y", "x"}, info.Dims)
	assert.Equal(t, []int{2, 3, 1, 1, 1}, info.ChunkGrid())
	assert.Equal(t, Float32, info.DType)
	assert.NotContains(t, info.Attrs, "_ARRAY_DIMENSIONS")

	members, err := r.ReadAll("member")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, members)

	_, err = r.ReadAll("T2")
	require.Error(t, err, "multi-chunk arrays cannot be read whole")
}

func TestOpen_WithoutConsolidatedMetadata(t *testing.T) {
	path, _ := createTestStore(t)
	require.NoError(t, os.Remove(filepath.Join(path, ".zmetadata")))

	r, err := Open(os.DirFS(path))
	require.NoError(t, err)
	assert.Len(t, r.Arrays(), 4)

	days, err := r.ReadAll("forecast")
	require.NoError(t, err)
	assert.Equal(t, []float64{11323, 11354, 11382}, days)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(fstest.MapFS{})
	require.Error(t, err, "missing .zgroup")

	_, err = Open(fstest.MapFS{
		".zgroup":   {Data: []byte(`{"zarr_format":2}`)},
		".zattrs":   {Data: []byte(`{}`)},
		"a/.zarray": {Data: []byte(`{"chunks":[1],"compressor":null,"dtype":"|u1","shape":[1],"zarr_format":2}`)},
		"a/.zattrs": {Data: []byte(`{"_ARRAY_DIMENSIONS":["x"]}`)},
	})
	require.Error(t, err, "unsupported dtype")

	_, err = Open(fstest.MapFS{
		".zgroup":   {Data: []byte(`{"zarr_format":2}`)},
		"a/.zarray": {Data: []byte(`{"chunks":[1],"compressor":null,"dtype":"<f8","shape":[1],"zarr_format":2}`)},
	})
	require.Error(t, err, "missing dimension names")
}

func TestReadChunk_Uncompressed(t *testing.T) {
	raw, err := toBytes(Float64, []float64{1.5, -2})
	require.NoError(t, err)
	r, err := Open(fstest.MapFS{
		".zgroup":   {Data: []byte(`{"zarr_format":2}`)},
		"a/.zarray": {Data: []byte(`{"chunks":[2],"compressor":null,"dtype":"<f8","shape":[2],"zarr_format":2}`)},
		"a/.zattrs": {Data: []byte(`{"_ARRAY_DIMENSIONS":["x"]}`)},
		"a/0":       {Data: raw},
	})
	require.NoError(t, err)

	got, err := r.ReadAll("a")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2}, got)
}
