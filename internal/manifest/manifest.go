// Package manifest enumerates the (member, forecast) units of work for one
// destination store and checks that they tile the store exactly.
package manifest

import (
	"fmt"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

// Plan is the input to Build.
type Plan struct {
	Archive domain.Archive
	Field   domain.Field
	Members int
	Dates   []time.Time
}

// Build returns Members × len(Dates) entries ordered member-major. Entry
// (m, n) targets region {member: [m, m+1), forecast: [n, n+1)}. Upstream
// files are not checked here; a missing file surfaces as a worker failure.
func Build(p Plan) ([]domain.ManifestEntry, error) {
	if err := p.Field.Validate(); err != nil {
		return nil, err
	}
	if p.Members <= 0 {
		return nil, fmt.Errorf("members must be positive, got %d", p.Members)
	}
	if len(p.Dates) == 0 {
		return nil, fmt.Errorf("no forecast dates")
	}

	entries := make([]domain.ManifestEntry, 0, p.Members*len(p.Dates))
	for m := 0; m < p.Members; m++ {
		for n, date := range p.Dates {
			run := p.Archive.Run(date, m)
			entries = append(entries, domain.ManifestEntry{
				Field:  p.Field.Name,
				Run:    run,
				Source: p.Field.Source(p.Archive, run),
				Region: domain.RegionAt(m, n),
			})
		}
	}
	return entries, nil
}

// Validate checks that entries tile the members × forecasts extent exactly
// once: every region has width 1 along both dimensions, lies inside the
// extent, and no two regions intersect.
func Validate(entries []domain.ManifestEntry, members, forecasts int) error {
	if len(entries) != members*forecasts {
		return fmt.Errorf("%w: %d entries for a %dx%d store", domain.ErrCoverage, len(entries), members, forecasts)
	}
	seen := make([]bool, members*forecasts)
	for i, e := range entries {
		r := e.Region
		if r.Member.Len() != 1 || r.Forecast.Len() != 1 {
			return fmt.Errorf("%w: entry %d region %s is not a single cell", domain.ErrCoverage, i, r)
		}
		if !r.Member.Within(members) || !r.Forecast.Within(forecasts) {
			return fmt.Errorf("%w: entry %d region %s is outside the store", domain.ErrCoverage, i, r)
		}
		cell := r.Member.Start*forecasts + r.Forecast.Start
		if seen[cell] {
			return fmt.Errorf("%w: region %s written twice", domain.ErrCoverage, r)
		}
		seen[cell] = true
	}
	// len(entries) == cells and no duplicates, so every cell is covered.
	return nil
}
