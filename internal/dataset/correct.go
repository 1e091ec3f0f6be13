package dataset

import (
	"fmt"
	"strings"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

// Bookkeeping lists variables that never belong in a destination store.
var Bookkeeping = []string{"Times", "Times_bnds", "time_bnds", "time_bounds"}

// Correct applies the structural corrections for one region write: it drops
// bookkeeping and bounds variables plus any extra names, picks the single
// remaining data variable, renames it to field and checks its rank.
func (d *Dataset) Correct(field string, rank int, drop ...string) (*Variable, error) {
	d.Drop(Bookkeeping...)
	d.Drop(drop...)
	for _, n := range d.Names() {
		if strings.HasSuffix(n, "_bnds") {
			d.Drop(n)
		}
	}

	var name string
	if _, ok := d.Var(field); ok {
		name = field
	} else {
		vars := d.DataVars()
		switch len(vars) {
		case 0:
			return nil, fmt.Errorf("%w: no data variable found", domain.ErrSchemaMismatch)
		case 1:
			name = vars[0]
		default:
			return nil, fmt.Errorf("%w: multiple data variables %v and none named %q", domain.ErrSchemaMismatch, vars, field)
		}
		if err := d.Rename(name, field); err != nil {
			return nil, err
		}
	}

	v, _ := d.Var(field)
	if !v.Numeric {
		return nil, fmt.Errorf("%w: variable %q is not numeric", domain.ErrSchemaMismatch, field)
	}
	if rank > 0 && v.Rank() != rank {
		return nil, fmt.Errorf("%w: variable %q has dims %v, want rank %d", domain.ErrSchemaMismatch, field, v.Dims, rank)
	}
	return v, nil
}
