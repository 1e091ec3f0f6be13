// Package dataset holds gridded model output in memory and applies the
// structural corrections needed before a region write.
package dataset

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

// Variable is one named n-dimensional array stored row-major.
type Variable struct {
	Name  string
	Dims  []string
	Shape []int
	Data  []float64
	Attrs map[string]any

	// Numeric is false for character and string variables, which carry no
	// Data.
	Numeric bool
}

// Rank returns the number of dimensions.
func (v *Variable) Rank() int { return len(v.Shape) }

// Size returns the number of elements.
func (v *Variable) Size() int {
	n := 1
	for _, s := range v.Shape {
		n *= s
	}
	return n
}

// Float32 returns a copy of the data narrowed to float32.
func (v *Variable) Float32() []float32 {
	out := make([]float32, len(v.Data))
	for i, x := range v.Data {
		out[i] = float32(x)
	}
	return out
}

// ExpandDims returns a view of v with size-1 axes prepended in the given
// order, so ExpandDims("member", "forecast") yields (member, forecast, ...).
func (v *Variable) ExpandDims(names ...string) *Variable {
	dims := append(append([]string(nil), names...), v.Dims...)
	shape := make([]int, 0, len(names)+len(v.Shape))
	for range names {
		shape = append(shape, 1)
	}
	shape = append(shape, v.Shape...)
	return &Variable{Name: v.Name, Dims: dims, Shape: shape, Data: v.Data, Attrs: v.Attrs, Numeric: v.Numeric}
}

// Constant reports whether every finite value of v is identical.
func (v *Variable) Constant() bool {
	first := math.NaN()
	for _, x := range v.Data {
		if math.IsNaN(x) {
			continue
		}
		if math.IsNaN(first) {
			first = x
			continue
		}
		if x != first {
			return false
		}
	}
	return true
}

// Dataset is a set of variables plus global attributes.
type Dataset struct {
	Attrs map[string]any
	vars  map[string]*Variable
	order []string
}

// New returns an empty dataset.
func New() *Dataset {
	return &Dataset{Attrs: map[string]any{}, vars: map[string]*Variable{}}
}

// Add inserts or replaces a variable.
func (d *Dataset) Add(v *Variable) {
	if _, ok := d.vars[v.Name]; !ok {
		d.order = append(d.order, v.Name)
	}
	d.vars[v.Name] = v
}

// Var returns the named variable.
func (d *Dataset) Var(name string) (*Variable, bool) {
	v, ok := d.vars[name]
	return v, ok
}

// Names lists variables in insertion order.
func (d *Dataset) Names() []string {
	return append([]string(nil), d.order...)
}

// Drop removes the named variables; missing names are ignored.
func (d *Dataset) Drop(names ...string) {
	for _, n := range names {
		if _, ok := d.vars[n]; !ok {
			continue
		}
		delete(d.vars, n)
		for i, o := range d.order {
			if o == n {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
}

// Rename changes a variable's name.
func (d *Dataset) Rename(from, to string) error {
	v, ok := d.vars[from]
	if !ok {
		return fmt.Errorf("%w: no variable %q to rename", domain.ErrSchemaMismatch, from)
	}
	if from == to {
		return nil
	}
	if _, clash := d.vars[to]; clash {
		return fmt.Errorf("%w: cannot rename %q to existing variable %q", domain.ErrSchemaMismatch, from, to)
	}
	delete(d.vars, from)
	v.Name = to
	d.vars[to] = v
	for i, o := range d.order {
		if o == from {
			d.order[i] = to
		}
	}
	return nil
}

// LonLat finds the longitude and latitude coordinate variables by their
// CF units. Either result may be nil.
func (d *Dataset) LonLat() (lon, lat *Variable) {
	for _, n := range d.order {
		v := d.vars[n]
		switch units(v) {
		case "degree_east", "degrees_east":
			if lon == nil {
				lon = v
			}
		case "degree_north", "degrees_north":
			if lat == nil {
				lat = v
			}
		}
	}
	return lon, lat
}

// DataVars lists numeric, non-scalar variables that are neither bounds nor
// dimension coordinates nor lon/lat coordinates, sorted by name.
func (d *Dataset) DataVars() []string {
	lon, lat := d.LonLat()
	var out []string
	for _, n := range d.order {
		v := d.vars[n]
		switch {
		case !v.Numeric, v.Rank() == 0, strings.HasSuffix(n, "_bnds"):
			continue
		case v == lon, v == lat:
			continue
		case v.Rank() == 1 && v.Dims[0] == n:
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func units(v *Variable) string {
	if s, ok := v.Attrs["units"].(string); ok {
		return s
	}
	return ""
}
