package manifest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan(members, forecasts int) manifest.Plan {
	return manifest.Plan{
		Archive: domain.Archive{Root: "/archive", Experiment: "exp"},
		Field:   domain.Field{Name: "t2mean", Kind: domain.KindMean, Files: []string{"wrf2d_T2.nc"}},
		Members: members,
		Dates:   domain.MonthStarts(time.Date(2009, time.January, 1, 0, 0, 0, 0, time.UTC), forecasts),
	}
}

func TestBuild_CoversExtentExactlyOnce(t *testing.T) {
	for _, size := range []struct{ m, n int }{{1, 1}, {2, 3}, {25, 48}, {3, 1}} {
		entries, err := manifest.Build(testPlan(size.m, size.n))
		require.NoError(t, err)
		require.Len(t, entries, size.m*size.n)
		require.NoError(t, manifest.Validate(entries, size.m, size.n))
	}
}

func TestBuild_RegionsPairwiseDisjoint(t *testing.T) {
	entries, err := manifest.Build(testPlan(4, 5))
	require.NoError(t, err)

	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			assert.False(t, entries[i].Region.Overlaps(entries[j].Region),
				"entries %d and %d overlap: %s vs %s", i, j, entries[i].Region, entries[j].Region)
		}
	}
}

func TestBuild_SourceIsPureFunctionOfMemberAndDate(t *testing.T) {
	a, err := manifest.Build(testPlan(2, 3))
	require.NoError(t, err)
	b, err := manifest.Build(testPlan(2, 3))
	require.NoError(t, err)

	for i := range a {
		assert.Equal(t, a[i].Source.String(), b[i].Source.String())
	}

	// member index 1 / forecast index 2 reads mem2 of March 2009.
	e := a[1*3+2]
	assert.Equal(t, domain.RegionAt(1, 2), e.Region)
	assert.Equal(t, 2, e.Run.Member)
	assert.Contains(t, e.Source.String(), "/archive/exp/20090302T0000Z/mem2/outputs/wrf2d_T2.nc")
}

func TestBuild_Errors(t *testing.T) {
	p := testPlan(0, 3)
	_, err := manifest.Build(p)
	require.Error(t, err)

	p = testPlan(2, 0)
	_, err = manifest.Build(p)
	require.Error(t, err)

	p = testPlan(2, 2)
	p.Field.Kind = "bogus"
	_, err = manifest.Build(p)
	require.Error(t, err)
}

func TestValidate_DetectsOverlapAndGaps(t *testing.T) {
	entries, err := manifest.Build(testPlan(2, 2))
	require.NoError(t, err)

	dup := append([]domain.ManifestEntry(nil), entries...)
	dup[3].Region = dup[0].Region
	err = manifest.Validate(dup, 2, 2)
	assert.True(t, errors.Is(err, domain.ErrCoverage))

	err = manifest.Validate(entries[:3], 2, 2)
	assert.True(t, errors.Is(err, domain.ErrCoverage))

	wide := append([]domain.ManifestEntry(nil), entries...)
	wide[0].Region.Member = domain.Range{Start: 0, Stop: 2}
	err = manifest.Validate(wide, 2, 2)
	assert.True(t, errors.Is(err, domain.ErrCoverage))

	outside := append([]domain.ManifestEntry(nil), entries...)
	outside[0].Region = domain.RegionAt(5, 0)
	err = manifest.Validate(outside, 2, 2)
	assert.True(t, errors.Is(err, domain.ErrCoverage))
}
