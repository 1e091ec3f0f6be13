package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

// CreateOptions controls store creation.
type CreateOptions struct {
	// Overwrite removes an existing store at the path first.
	Overwrite bool
	// Level is the zstd compression level (default 3).
	Level int
}

// Store is a writable directory store. WriteRegion is safe for concurrent
// use as long as callers target disjoint regions.
type Store struct {
	path   string
	arrays map[string]arrayMeta
	dims   map[string][]string
	codec  *codec
}

// Create writes the store's metadata skeleton and any eagerly known
// coordinate arrays. Lazily filled arrays get no chunk files.
func Create(path string, s Schema, opts CreateOptions) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		if !opts.Overwrite {
			return nil, fmt.Errorf("%w: %s", domain.ErrStoreExists, path)
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("remove existing store %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat store %s: %w", path, err)
	}

	c, err := newCodec(opts.Level)
	if err != nil {
		return nil, err
	}
	st := &Store{path: path, arrays: map[string]arrayMeta{}, dims: map[string][]string{}, codec: c}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", path, err)
	}

	consolidated := map[string]any{
		zgroupKey: map[string]int{"zarr_format": 2},
		zattrsKey: jsonSafe(s.Attrs),
	}
	for _, a := range s.Arrays {
		if err := validateArray(a); err != nil {
			return nil, err
		}
		m := arrayMeta{
			Chunks:             a.Chunks,
			Compressor:         c.meta(),
			DimensionSeparator: ".",
			DType:              a.DType,
			FillValue:          fillValue(a.DType),
			Order:              "C",
			Shape:              a.Shape,
			ZarrFormat:         2,
		}
		attrs := jsonSafe(a.Attrs)
		attrs[dimsAttr] = a.Dims
		st.arrays[a.Name] = m
		st.dims[a.Name] = a.Dims

		if err := os.MkdirAll(filepath.Join(path, a.Name), 0o755); err != nil {
			return nil, fmt.Errorf("create array %s: %w", a.Name, err)
		}
		if err := writeJSON(filepath.Join(path, a.Name, zarrayKey), m); err != nil {
			return nil, err
		}
		if err := writeJSON(filepath.Join(path, a.Name, zattrsKey), attrs); err != nil {
			return nil, err
		}
		consolidated[a.Name+"/"+zarrayKey] = m
		consolidated[a.Name+"/"+zattrsKey] = attrs

		if a.Values != nil {
			if err := st.writeChunk(a.Name, make([]int, len(a.Shape)), a.Values); err != nil {
				return nil, err
			}
		}
	}

	if err := writeJSON(filepath.Join(path, zgroupKey), consolidated[zgroupKey]); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(path, zattrsKey), consolidated[zattrsKey]); err != nil {
		return nil, err
	}
	doc := map[string]any{"metadata": consolidated, "zarr_consolidated_format": 1}
	if err := writeJSON(filepath.Join(path, zmetadataKey), doc); err != nil {
		return nil, err
	}
	return st, nil
}

// OpenDir reopens an existing directory store for further region writes.
func OpenDir(path string, level int) (*Store, error) {
	r, err := Open(os.DirFS(path))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	c, err := newCodec(level)
	if err != nil {
		return nil, err
	}
	st := &Store{path: path, arrays: map[string]arrayMeta{}, dims: map[string][]string{}, codec: c}
	for name, m := range r.metas {
		st.arrays[name] = m
		st.dims[name] = r.infos[name].Dims
	}
	return st, nil
}

// Path returns the store directory.
func (s *Store) Path() string { return s.path }

// WriteRegion writes data (row-major, with the given shape) into region r of
// array name. The region must cover exactly one chunk along member and
// forecast and the array must span every other dimension in full, so each
// call replaces exactly one chunk file atomically.
func (s *Store) WriteRegion(name string, r domain.Region, shape []int, data []float64) error {
	m, ok := s.arrays[name]
	if !ok {
		return fmt.Errorf("%w: store has no array %q", domain.ErrSchemaMismatch, name)
	}
	dims := s.dims[name]
	if len(shape) != len(m.Shape) {
		return fmt.Errorf("%w: %s: rank %d, store rank %d", domain.ErrShapeMismatch, name, len(shape), len(m.Shape))
	}
	regions := r.Dims()
	idx := make([]int, len(m.Shape))
	for axis := range m.Shape {
		var dim string
		if axis < len(dims) {
			dim = dims[axis]
		}
		if rg, ok := regions[dim]; ok {
			if !rg.Within(m.Shape[axis]) || rg.Len() != m.Chunks[axis] || rg.Start%m.Chunks[axis] != 0 {
				return fmt.Errorf("%w: %s: %s range %s does not match one chunk of %d", domain.ErrShapeMismatch, name, dim, rg, m.Chunks[axis])
			}
			if shape[axis] != rg.Len() {
				return fmt.Errorf("%w: %s: %s has size %d, region %s", domain.ErrShapeMismatch, name, dim, shape[axis], rg)
			}
			idx[axis] = rg.Start / m.Chunks[axis]
			continue
		}
		if shape[axis] != m.Chunks[axis] || m.Chunks[axis] != m.Shape[axis] {
			return fmt.Errorf("%w: %s: axis %d (%s) size %d, chunk %d of %d", domain.ErrShapeMismatch, name, axis, dim, shape[axis], m.Chunks[axis], m.Shape[axis])
		}
	}
	if len(data) != m.chunkSize() {
		return fmt.Errorf("%w: %s: %d values for a chunk of %d", domain.ErrShapeMismatch, name, len(data), m.chunkSize())
	}
	return s.writeChunk(name, idx, data)
}

func (s *Store) writeChunk(name string, idx []int, data []float64) error {
	m := s.arrays[name]
	payload, err := s.codec.encode(m.DType, data)
	if err != nil {
		return fmt.Errorf("encode %s chunk %v: %w", name, idx, err)
	}
	key := chunkKey(idx)
	dir := filepath.Join(s.path, name)
	tmp, err := os.CreateTemp(dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create chunk %s/%s: %w", name, key, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write chunk %s/%s: %w", name, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close chunk %s/%s: %w", name, key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit chunk %s/%s: %w", name, key, err)
	}
	return nil
}

func chunkKey(idx []int) string {
	if len(idx) == 0 {
		return "0"
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ".")
}

func validateArray(a Array) error {
	if a.Name == "" || strings.ContainsAny(a.Name, "/\\") || strings.HasPrefix(a.Name, ".") {
		return fmt.Errorf("invalid array name %q", a.Name)
	}
	if len(a.Dims) != len(a.Shape) || len(a.Chunks) != len(a.Shape) {
		return fmt.Errorf("array %s: dims, shape and chunks differ in rank", a.Name)
	}
	if _, err := itemSize(a.DType); err != nil {
		return fmt.Errorf("array %s: %w", a.Name, err)
	}
	for i := range a.Shape {
		if a.Chunks[i] <= 0 || a.Chunks[i] > a.Shape[i] {
			return fmt.Errorf("array %s: chunk %d out of range for axis %d of size %d", a.Name, a.Chunks[i], i, a.Shape[i])
		}
	}
	if a.Values != nil {
		n := 1
		for _, c := range a.Shape {
			n *= c
		}
		if len(a.Values) != n || !equalInts(a.Chunks, a.Shape) {
			return fmt.Errorf("array %s: eager values must fill a single chunk", a.Name)
		}
	}
	return nil
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// jsonSafe drops attribute values that cannot be encoded as JSON (NaN,
// infinities, channels).
func jsonSafe(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		out[k] = v
	}
	return out
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
