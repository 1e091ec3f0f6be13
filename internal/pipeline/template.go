package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/dataset"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/zarr"
)

// templateSource identifies the entry the layout was read from. missed is
// set when resolving it ran the tool, so the worker that later finds the
// cached output is still counted as a miss.
type templateSource struct {
	index  int
	missed bool
}

// template resolves the first usable entry to learn the extents of the
// non-incremental dimensions and the spatial coordinates. Entries are tried
// in manifest order so one missing upstream file does not prevent the
// store from being initialized.
func (p *Pipeline) template(ctx context.Context, job Job, entries []domain.ManifestEntry) (zarr.Layout, templateSource, error) {
	var errs []error
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return zarr.Layout{}, templateSource{}, err
		}
		l, missed, err := p.layoutFrom(ctx, job, e)
		if err == nil {
			return l, templateSource{index: i, missed: missed}, nil
		}
		p.logger.Warn("template candidate unusable", "member", e.Run.Member, "forecast", e.Run.InitDate.Format("2006-01"), "error", err)
		errs = append(errs, err)
		if errors.Is(err, domain.ErrSchemaMismatch) || errors.Is(err, domain.ErrInvalidExpr) {
			break
		}
	}
	return zarr.Layout{}, templateSource{index: -1}, errors.Join(errs...)
}

// layoutFrom reads the layout of e and reports whether resolving its
// command missed the cache.
func (p *Pipeline) layoutFrom(ctx context.Context, job Job, e domain.ManifestEntry) (zarr.Layout, bool, error) {
	path, missed := e.Source.Path, false
	if e.Source.IsCommand() {
		res, err := p.resolver.Resolve(ctx, *e.Source.Expr)
		if err != nil {
			return zarr.Layout{}, false, err
		}
		path, missed = res.Path, !res.Hit
	}
	l, err := p.readLayout(job, path)
	return l, missed, err
}

func (p *Pipeline) readLayout(job Job, path string) (zarr.Layout, error) {
	ds, err := dataset.Load(path)
	if err != nil {
		return zarr.Layout{}, err
	}
	coordVars := coordinates(ds, job.Coords)

	v, err := ds.Correct(job.Field.Name, 0, job.Coords...)
	if err != nil {
		return zarr.Layout{}, fmt.Errorf("%s: %w", path, err)
	}
	if v.Rank() == 0 {
		return zarr.Layout{}, fmt.Errorf("%w: %s: variable %q is scalar", domain.ErrSchemaMismatch, path, v.Name)
	}

	l := zarr.Layout{
		Field:   job.Field.Name,
		Members: job.Members,
		Dates:   job.Dates,
		Dims:    v.Dims,
		Shape:   v.Shape,
		Attrs:   v.Attrs,
	}
	if v.Rank() < 2 {
		return l, nil
	}
	spatialDims, spatialShape := v.Dims[v.Rank()-2:], v.Shape[v.Rank()-2:]
	for _, c := range coordVars {
		arr, ok := coordArray(c, spatialDims, spatialShape)
		if !ok {
			p.logger.Warn("coordinate does not match the field grid, skipped", "coord", c.Name, "shape", c.Shape)
			continue
		}
		l.Coords = append(l.Coords, arr)
	}
	return l, nil
}

// coordinates returns the named coordinate variables, falling back to
// CF-unit lon/lat detection when none of the names are present.
func coordinates(ds *dataset.Dataset, names []string) []*dataset.Variable {
	var out []*dataset.Variable
	for _, n := range names {
		if v, ok := ds.Var(n); ok && v.Numeric {
			out = append(out, v)
		}
	}
	if len(out) > 0 {
		return out
	}
	lon, lat := ds.LonLat()
	for _, v := range []*dataset.Variable{lon, lat} {
		if v != nil && v.Rank() >= 2 {
			out = append(out, v)
		}
	}
	return out
}

// coordArray converts a coordinate variable into an eagerly written 2-D
// array on the field's spatial grid. Leading axes (time) are reduced to
// their first slice.
func coordArray(v *dataset.Variable, dims []string, shape []int) (zarr.Array, bool) {
	if v.Rank() < 2 || len(shape) != 2 {
		return zarr.Array{}, false
	}
	ny, nx := v.Shape[v.Rank()-2], v.Shape[v.Rank()-1]
	if ny != shape[0] || nx != shape[1] {
		return zarr.Array{}, false
	}
	attrs := map[string]any{}
	for k, a := range v.Attrs {
		attrs[k] = a
	}
	return zarr.Array{
		Name:   v.Name,
		Dims:   append([]string(nil), dims...),
		Shape:  []int{ny, nx},
		Chunks: []int{ny, nx},
		DType:  zarr.Float32,
		Attrs:  attrs,
		Values: append([]float64(nil), v.Data[:ny*nx]...),
	}, true
}
