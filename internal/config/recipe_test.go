package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRecipe = `
root = "$ARCHIVE_ROOT"
experiment = "ap84SeasRF"
members = 25
first_date = 2009-01-01
forecasts = 48

[[field]]
name = "t2mean"
kind = "mean"
files = ["wrf2d_T2.nc"]

[[field]]
name = "pr"
kind = "rate"
files = ["wrf2d_RAINNC.nc", "wrf2d_RAINC.nc"]
source_var = "RAINNC"
divisor = 3600
units = "mm/sec"

[prepare]
field = "pr"
`

func TestParseRecipe(t *testing.T) {
	t.Setenv("ARCHIVE_ROOT", "/scratch/cylc-archive")

	r, err := ParseRecipe(sampleRecipe)
	require.NoError(t, err)

	assert.Equal(t, "/scratch/cylc-archive", r.Root)
	assert.Equal(t, domain.DefaultInitSuffix, r.InitSuffix)
	assert.Equal(t, filepath.Join("data", "ap84SeasRF"), r.OutputDir)
	assert.Equal(t, DefaultCoords, r.Coords)
	assert.Equal(t, 25, r.Members)
	assert.Equal(t, 2009, r.FirstDate.Year())
	require.Len(t, r.Fields, 2)

	pr, ok := r.Field("pr")
	require.True(t, ok)
	assert.Equal(t, domain.KindRate, pr.Kind)
	assert.Equal(t, 3600.0, pr.Divisor)

	require.NotNil(t, r.Prepare)
	assert.Equal(t, "data_cache", r.Prepare.OutputDir)
	assert.Equal(t, []string{"mean", "median"}, r.Prepare.EnsStats)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, r.Prepare.LeadMonths)

	dates, err := r.Dates()
	require.NoError(t, err)
	require.Len(t, dates, 48)
	assert.Equal(t, time.Date(2012, 12, 1, 0, 0, 0, 0, time.UTC), dates[47])

	assert.Equal(t, filepath.Join("data", "ap84SeasRF", "pr.zarr"), r.StorePath("pr"))
}

func TestParseRecipe_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"syntax", `root = `},
		{"unknown key", `root = "/a"` + "\nexperiment = \"x\"\nmembers = 1\nmember = 2\n[[field]]\nname = \"t\"\nkind = \"mean\"\nfiles = [\"a.nc\"]"},
		{"no fields", `root = "/a"` + "\nexperiment = \"x\"\nmembers = 1"},
		{"no members", `root = "/a"` + "\nexperiment = \"x\"\n[[field]]\nname = \"t\"\nkind = \"mean\"\nfiles = [\"a.nc\"]"},
		{"forecasts without first date", `root = "/a"` + "\nexperiment = \"x\"\nmembers = 1\nforecasts = 3\n[[field]]\nname = \"t\"\nkind = \"mean\"\nfiles = [\"a.nc\"]"},
		{"bad field", `root = "/a"` + "\nexperiment = \"x\"\nmembers = 1\n[[field]]\nname = \"t\"\nkind = \"median\"\nfiles = [\"a.nc\"]"},
		{"duplicate field", `root = "/a"` + "\nexperiment = \"x\"\nmembers = 1\n[[field]]\nname = \"t\"\nkind = \"mean\"\nfiles = [\"a.nc\"]\n[[field]]\nname = \"t\"\nkind = \"mean\"\nfiles = [\"a.nc\"]"},
		{"prepare unknown field", `root = "/a"` + "\nexperiment = \"x\"\nmembers = 1\n[[field]]\nname = \"t\"\nkind = \"mean\"\nfiles = [\"a.nc\"]\n[prepare]\nfield = \"pr\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecipe(tt.text)
			require.Error(t, err)
		})
	}
}

func TestRecipe_DiscoversDates(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"20090102T0000Z", "20090202T0000Z", "20081202T0000Z", "scratch"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "exp", d), 0o755))
	}

	r := &Recipe{Root: root, Experiment: "exp", InitSuffix: domain.DefaultInitSuffix, FirstDate: time.Date(2009, 1, 15, 0, 0, 0, 0, time.UTC)}
	dates, err := r.Dates()
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2009, 2, 1, 0, 0, 0, 0, time.UTC),
	}, dates)

	r.FirstDate = time.Time{}
	dates, err = r.Dates()
	require.NoError(t, err)
	assert.Len(t, dates, 3)
}

func TestLoadRecipe_MissingFile(t *testing.T) {
	_, err := LoadRecipe(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
