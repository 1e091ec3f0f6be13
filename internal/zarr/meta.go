// Package zarr writes and reads Zarr v2 directory stores laid out the way
// xarray expects them: one group, `_ARRAY_DIMENSIONS` attributes on every
// array, and consolidated metadata.
package zarr

import (
	"fmt"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

const (
	zgroupKey    = ".zgroup"
	zattrsKey    = ".zattrs"
	zarrayKey    = ".zarray"
	zmetadataKey = ".zmetadata"

	dimsAttr = "_ARRAY_DIMENSIONS"
)

// Supported dtypes.
const (
	Float32 = "<f4"
	Float64 = "<f8"
	Int64   = "<i8"
)

// Array declares one array of a store.
type Array struct {
	Name   string
	Dims   []string
	Shape  []int
	Chunks []int
	DType  string
	Attrs  map[string]any

	// Values, when set, are written in full at creation time. Arrays without
	// Values are filled later, one region at a time.
	Values []float64
}

// Schema declares every array of a store plus group attributes.
type Schema struct {
	Arrays []Array
	Attrs  map[string]any
}

// Array returns the named array declaration.
func (s Schema) Array(name string) (Array, bool) {
	for _, a := range s.Arrays {
		if a.Name == name {
			return a, true
		}
	}
	return Array{}, false
}

// Layout describes a field store: a data variable with dims
// (member, forecast, Dims...) chunked one cell per (member, forecast).
type Layout struct {
	Field   string
	Members int
	Dates   []time.Time
	Dims    []string // lead, y, x
	Shape   []int
	Attrs   map[string]any

	// Coords are auxiliary coordinate arrays known up front (e.g. 2-D
	// XLONG/XLAT). They are written eagerly.
	Coords []Array
}

// FieldSchema builds the schema for a field store. It needs only the
// extents of member and forecast, never their data.
func FieldSchema(l Layout) (Schema, error) {
	if len(l.Dims) != len(l.Shape) {
		return Schema{}, fmt.Errorf("field %s: %d dims but %d sizes", l.Field, len(l.Dims), len(l.Shape))
	}
	if l.Members <= 0 || len(l.Dates) == 0 {
		return Schema{}, fmt.Errorf("field %s: empty member or forecast extent", l.Field)
	}

	attrs := map[string]any{}
	for k, v := range l.Attrs {
		attrs[k] = v
	}
	var coordNames string
	for _, c := range l.Coords {
		if coordNames != "" {
			coordNames += " "
		}
		coordNames += c.Name
	}
	if coordNames != "" {
		attrs["coordinates"] = coordNames
	}

	members := make([]float64, l.Members)
	for i := range members {
		members[i] = float64(i + 1)
	}
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	days := make([]float64, len(l.Dates))
	for i, d := range l.Dates {
		days[i] = float64(d.Sub(epoch) / (24 * time.Hour))
	}

	dims := append([]string{domain.DimMember, domain.DimForecast}, l.Dims...)
	shape := append([]int{l.Members, len(l.Dates)}, l.Shape...)
	chunks := append([]int{1, 1}, l.Shape...)

	s := Schema{
		Attrs: map[string]any{},
		Arrays: []Array{
			{Name: l.Field, Dims: dims, Shape: shape, Chunks: chunks, DType: Float32, Attrs: attrs},
			{Name: domain.DimMember, Dims: []string{domain.DimMember}, Shape: []int{l.Members}, Chunks: []int{l.Members}, DType: Int64, Values: members, Attrs: map[string]any{}},
			{Name: domain.DimForecast, Dims: []string{domain.DimForecast}, Shape: []int{len(l.Dates)}, Chunks: []int{len(l.Dates)}, DType: Int64, Values: days,
				Attrs: map[string]any{"units": "days since 1970-01-01", "calendar": "proleptic_gregorian"}},
		},
	}
	s.Arrays = append(s.Arrays, l.Coords...)
	return s, nil
}

type compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// arrayMeta is the .zarray document.
type arrayMeta struct {
	Chunks             []int       `json:"chunks"`
	Compressor         *compressor `json:"compressor"`
	DimensionSeparator string      `json:"dimension_separator"`
	DType              string      `json:"dtype"`
	FillValue          any         `json:"fill_value"`
	Filters            []any       `json:"filters"`
	Order              string      `json:"order"`
	Shape              []int       `json:"shape"`
	ZarrFormat         int         `json:"zarr_format"`
}

// ArrayInfo is the read-side view of an array.
type ArrayInfo struct {
	Dims   []string
	Shape  []int
	Chunks []int
	DType  string
	Attrs  map[string]any
}

func (m arrayMeta) chunkSize() int {
	n := 1
	for _, c := range m.Chunks {
		n *= c
	}
	return n
}

func itemSize(dtype string) (int, error) {
	switch dtype {
	case Float32:
		return 4, nil
	case Float64, Int64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", dtype)
}

func fillValue(dtype string) any {
	if dtype == Int64 {
		return 0
	}
	return "NaN"
}
