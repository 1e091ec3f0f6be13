package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Reader reads a store from any fs.FS: a directory via os.DirFS or a zipped
// store via its zip reader.
type Reader struct {
	fsys  fs.FS
	attrs map[string]any
	metas map[string]arrayMeta
	infos map[string]ArrayInfo
	codec *codec
}

// Open loads store metadata, preferring consolidated metadata and falling
// back to the per-array documents.
func Open(fsys fs.FS) (*Reader, error) {
	c, err := newCodec(0)
	if err != nil {
		return nil, err
	}
	r := &Reader{fsys: fsys, attrs: map[string]any{}, metas: map[string]arrayMeta{}, infos: map[string]ArrayInfo{}, codec: c}

	if _, err := fs.Stat(fsys, zgroupKey); err != nil {
		return nil, fmt.Errorf("not a zarr group: %w", err)
	}

	docs, err := r.consolidated()
	if err != nil {
		return nil, err
	}
	if docs == nil {
		if docs, err = r.scan(); err != nil {
			return nil, err
		}
	}

	if raw, ok := docs[zattrsKey]; ok {
		if err := json.Unmarshal(raw, &r.attrs); err != nil {
			return nil, fmt.Errorf("decode group attributes: %w", err)
		}
	}
	for key, raw := range docs {
		name, ok := strings.CutSuffix(key, "/"+zarrayKey)
		if !ok {
			continue
		}
		var m arrayMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if _, err := itemSize(m.DType); err != nil {
			return nil, fmt.Errorf("array %s: %w", name, err)
		}
		attrs := map[string]any{}
		if a, ok := docs[name+"/"+zattrsKey]; ok {
			if err := json.Unmarshal(a, &attrs); err != nil {
				return nil, fmt.Errorf("decode %s attributes: %w", name, err)
			}
		}
		dims, err := arrayDims(attrs, len(m.Shape))
		if err != nil {
			return nil, fmt.Errorf("array %s: %w", name, err)
		}
		delete(attrs, dimsAttr)
		r.metas[name] = m
		r.infos[name] = ArrayInfo{Dims: dims, Shape: m.Shape, Chunks: m.Chunks, DType: m.DType, Attrs: attrs}
	}
	return r, nil
}

func (r *Reader) consolidated() (map[string]json.RawMessage, error) {
	b, err := fs.ReadFile(r.fsys, zmetadataKey)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read consolidated metadata: %w", err)
	}
	var doc struct {
		Metadata map[string]json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode consolidated metadata: %w", err)
	}
	return doc.Metadata, nil
}

func (r *Reader) scan() (map[string]json.RawMessage, error) {
	docs := map[string]json.RawMessage{}
	if b, err := fs.ReadFile(r.fsys, zattrsKey); err == nil {
		docs[zattrsKey] = b
	}
	entries, err := fs.ReadDir(r.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, key := range []string{zarrayKey, zattrsKey} {
			b, err := fs.ReadFile(r.fsys, path.Join(e.Name(), key))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read %s/%s: %w", e.Name(), key, err)
			}
			docs[e.Name()+"/"+key] = b
		}
	}
	return docs, nil
}

func arrayDims(attrs map[string]any, rank int) ([]string, error) {
	raw, ok := attrs[dimsAttr].([]any)
	if !ok {
		return nil, fmt.Errorf("missing %s", dimsAttr)
	}
	if len(raw) != rank {
		return nil, fmt.Errorf("%s has %d names for rank %d", dimsAttr, len(raw), rank)
	}
	dims := make([]string, len(raw))
	for i, d := range raw {
		s, ok := d.(string)
		if !ok {
			return nil, fmt.Errorf("%s entry %v is not a string", dimsAttr, d)
		}
		dims[i] = s
	}
	return dims, nil
}

// Attrs returns the group attributes.
func (r *Reader) Attrs() map[string]any { return r.attrs }

// Arrays lists array names in sorted order.
func (r *Reader) Arrays() []string {
	names := make([]string, 0, len(r.infos))
	for n := range r.infos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Info describes the named array.
func (r *Reader) Info(name string) (ArrayInfo, bool) {
	info, ok := r.infos[name]
	return info, ok
}

// ChunkExists reports whether the chunk at idx has been written.
func (r *Reader) ChunkExists(name string, idx []int) bool {
	_, err := fs.Stat(r.fsys, path.Join(name, chunkKey(idx)))
	return err == nil
}

// ReadChunk decodes the chunk at idx. An unwritten chunk yields an error
// wrapping fs.ErrNotExist.
func (r *Reader) ReadChunk(name string, idx []int) ([]float64, error) {
	m, ok := r.metas[name]
	if !ok {
		return nil, fmt.Errorf("no array %q: %w", name, fs.ErrNotExist)
	}
	if len(idx) != len(m.Shape) {
		return nil, fmt.Errorf("array %s: chunk index rank %d, want %d", name, len(idx), len(m.Shape))
	}
	key := path.Join(name, chunkKey(idx))
	b, err := fs.ReadFile(r.fsys, key)
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", key, err)
	}
	data, err := r.codec.decode(m, b)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", key, err)
	}
	return data, nil
}

// ReadAll reads a single-chunk array such as a coordinate.
func (r *Reader) ReadAll(name string) ([]float64, error) {
	m, ok := r.metas[name]
	if !ok {
		return nil, fmt.Errorf("no array %q: %w", name, fs.ErrNotExist)
	}
	if !equalInts(m.Chunks, m.Shape) {
		return nil, fmt.Errorf("array %s spans more than one chunk", name)
	}
	return r.ReadChunk(name, make([]int, len(m.Shape)))
}

// ChunkGrid returns the number of chunks along each axis.
func (info ArrayInfo) ChunkGrid() []int {
	grid := make([]int, len(info.Shape))
	for i := range info.Shape {
		grid[i] = (info.Shape[i] + info.Chunks[i] - 1) / info.Chunks[i]
	}
	return grid
}
