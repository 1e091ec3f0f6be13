package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"reflect"
	"sort"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

var errNonNumeric = errors.New("non-numeric values")

// Load reads every variable of a NetCDF file into memory. Packed integer
// variables are unpacked with scale_factor/add_offset and fill values become
// NaN. A missing file is reported as domain.ErrUpstreamMissing.
func Load(path string) (*Dataset, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUpstreamMissing, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open netcdf %s: %w", path, err)
	}
	defer nc.Close()

	ds := New()
	ds.Attrs = attrMap(nc.Attributes())
	for _, name := range nc.ListVariables() {
		vr, err := nc.GetVariable(name)
		if err != nil {
			return nil, fmt.Errorf("read variable %s from %s: %w", name, path, err)
		}
		v := &Variable{
			Name:  name,
			Dims:  append([]string(nil), vr.Dimensions...),
			Attrs: attrMap(vr.Attributes),
		}
		data, shape, err := flatten(vr.Values)
		switch {
		case errors.Is(err, errNonNumeric):
			v.Shape = shape
		case err != nil:
			return nil, fmt.Errorf("decode variable %s from %s: %w", name, path, err)
		default:
			v.Data, v.Shape, v.Numeric = data, shape, true
			unpack(v)
		}
		ds.Add(v)
	}
	return ds, nil
}

// Write stores numeric variables as float32 in a classic-format NetCDF
// file. Non-numeric variables are skipped.
func Write(path string, ds *Dataset) error {
	cw, err := cdf.OpenWriter(path)
	if err != nil {
		return fmt.Errorf("create netcdf %s: %w", path, err)
	}
	for _, name := range ds.Names() {
		v, _ := ds.Var(name)
		if !v.Numeric {
			continue
		}
		attrs, err := orderedAttrs(v.Attrs)
		if err != nil {
			cw.Close()
			return fmt.Errorf("attributes of %s: %w", name, err)
		}
		err = cw.AddVar(name, api.Variable{
			Values:     nest(v.Float32(), v.Shape),
			Dimensions: v.Dims,
			Attributes: attrs,
		})
		if err != nil {
			cw.Close()
			return fmt.Errorf("write variable %s: %w", name, err)
		}
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("close netcdf %s: %w", path, err)
	}
	return nil
}

func attrMap(am api.AttributeMap) map[string]any {
	out := map[string]any{}
	if am == nil {
		return out
	}
	for _, k := range am.Keys() {
		if v, ok := am.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

func orderedAttrs(attrs map[string]any) (*util.OrderedMap, error) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return util.NewOrderedMap(keys, attrs)
}

// unpack applies CF packing attributes in place.
func unpack(v *Variable) {
	scale, hasScale := number(v.Attrs["scale_factor"])
	offset, hasOffset := number(v.Attrs["add_offset"])
	fill, hasFill := number(v.Attrs["_FillValue"])
	missing, hasMissing := number(v.Attrs["missing_value"])
	if !hasScale {
		scale = 1
	}
	for i, x := range v.Data {
		if (hasFill && x == fill) || (hasMissing && x == missing) {
			v.Data[i] = math.NaN()
			continue
		}
		if hasScale || hasOffset {
			v.Data[i] = x*scale + offset
		}
	}
	if hasScale || hasOffset {
		delete(v.Attrs, "scale_factor")
		delete(v.Attrs, "add_offset")
	}
	delete(v.Attrs, "_FillValue")
	delete(v.Attrs, "missing_value")
}

func number(a any) (float64, bool) {
	if a == nil {
		return 0, false
	}
	rv := reflect.ValueOf(a)
	if rv.Kind() == reflect.Slice {
		if rv.Len() == 0 {
			return 0, false
		}
		rv = rv.Index(0)
	}
	return toFloat(rv)
}

func toFloat(rv reflect.Value) (float64, bool) {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	}
	return 0, false
}

// flatten walks nested slices such as [][][]float32 into a row-major
// []float64 and its shape.
func flatten(values any) ([]float64, []int, error) {
	rv := reflect.ValueOf(values)
	if !rv.IsValid() {
		return nil, nil, errNonNumeric
	}
	if rv.Kind() != reflect.Slice {
		x, ok := toFloat(rv)
		if !ok {
			return nil, nil, errNonNumeric
		}
		return []float64{x}, nil, nil
	}

	var shape []int
	for cur := rv; cur.Kind() == reflect.Slice; {
		shape = append(shape, cur.Len())
		if cur.Len() == 0 {
			break
		}
		cur = cur.Index(0)
	}

	elem := rv.Type()
	for elem.Kind() == reflect.Slice {
		elem = elem.Elem()
	}
	if _, ok := toFloat(reflect.Zero(elem)); !ok {
		return nil, shape, errNonNumeric
	}

	n := 1
	for _, s := range shape {
		n *= s
	}
	out := make([]float64, 0, n)
	var walk func(reflect.Value, int) error
	walk = func(cur reflect.Value, depth int) error {
		if cur.Len() != shape[depth] {
			return fmt.Errorf("ragged array at depth %d: %d != %d", depth, cur.Len(), shape[depth])
		}
		for i := 0; i < cur.Len(); i++ {
			item := cur.Index(i)
			if item.Kind() == reflect.Slice {
				if err := walk(item, depth+1); err != nil {
					return err
				}
				continue
			}
			x, _ := toFloat(item)
			out = append(out, x)
		}
		return nil
	}
	if err := walk(rv, 0); err != nil {
		return nil, nil, err
	}
	return out, shape, nil
}

// nest reshapes flat row-major data into nested slices of the given shape.
func nest(data []float32, shape []int) any {
	if len(shape) == 0 && len(data) == 1 {
		return data[0]
	}
	if len(shape) <= 1 {
		return data
	}
	typ := reflect.TypeOf(data)
	for range shape[1:] {
		typ = reflect.SliceOf(typ)
	}
	var build func(t reflect.Type, off int, dims []int) reflect.Value
	build = func(t reflect.Type, off int, dims []int) reflect.Value {
		if len(dims) == 1 {
			return reflect.ValueOf(data[off : off+dims[0]])
		}
		stride := 1
		for _, d := range dims[1:] {
			stride *= d
		}
		s := reflect.MakeSlice(t, dims[0], dims[0])
		for i := 0; i < dims[0]; i++ {
			s.Index(i).Set(build(t.Elem(), off+i*stride, dims[1:]))
		}
		return s
	}
	return build(typ, 0, shape).Interface()
}
