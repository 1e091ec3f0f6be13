package domain

import "fmt"

// Dimension names of the two axes filled incrementally by workers.
const (
	DimMember   = "member"
	DimForecast = "forecast"
)

// Range is a half-open index interval [Start, Stop).
type Range struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

// Len returns the number of indices covered by r.
func (r Range) Len() int {
	if r.Stop <= r.Start {
		return 0
	}
	return r.Stop - r.Start
}

// Overlaps reports whether r and o share at least one index.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.Stop && o.Start < r.Stop
}

// Within reports whether r lies inside [0, n).
func (r Range) Within(n int) bool {
	return r.Start >= 0 && r.Stop <= n && r.Start < r.Stop
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.Stop)
}

// Region names the destination cells of one manifest entry along the member
// and forecast dimensions. Spatial and lead dimensions are always written in
// full.
type Region struct {
	Member   Range `json:"member"`
	Forecast Range `json:"forecast"`
}

// RegionAt returns the width-1 region for member index m and forecast index n.
func RegionAt(m, n int) Region {
	return Region{
		Member:   Range{Start: m, Stop: m + 1},
		Forecast: Range{Start: n, Stop: n + 1},
	}
}

// Overlaps reports whether two regions intersect. Regions intersect only
// when they overlap along both dimensions.
func (r Region) Overlaps(o Region) bool {
	return r.Member.Overlaps(o.Member) && r.Forecast.Overlaps(o.Forecast)
}

// Dims returns the region as a dimension-name mapping.
func (r Region) Dims() map[string]Range {
	return map[string]Range{
		DimMember:   r.Member,
		DimForecast: r.Forecast,
	}
}

// Key is a stable identifier for the region, used by the completion ledger.
func (r Region) Key() string {
	return fmt.Sprintf("%d:%d/%d:%d", r.Member.Start, r.Member.Stop, r.Forecast.Start, r.Forecast.Stop)
}

func (r Region) String() string {
	return fmt.Sprintf("member=%s forecast=%s", r.Member, r.Forecast)
}
