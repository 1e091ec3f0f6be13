// Command genfixture writes a small synthetic forecast archive of daily WRF
// style NetCDF files plus a matching recipe, for smoke runs of seasetl.
//
// Usage:
//
//	go run ./cmd/genfixture \
//	  -root testdata/archive \
//	  -recipe testdata/fixture.toml \
//	  -members 3 -forecasts 2 -first 2009-01
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/config"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/dataset"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

const experiment = "fixtureSeas"

type grid struct {
	days, ny, nx int
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	root := flag.String("root", "testdata/archive", "archive root directory")
	recipeOut := flag.String("recipe", "testdata/fixture.toml", "output path for the matching recipe")
	members := flag.Int("members", 2, "ensemble members")
	forecasts := flag.Int("forecasts", 2, "forecast initialization months")
	first := flag.String("first", "2009-01", "first initialization month (YYYY-MM)")
	days := flag.Int("days", 215, "daily timesteps per run (about seven months)")
	ny := flag.Int("ny", 4, "grid rows")
	nx := flag.Int("nx", 5, "grid columns")
	flag.Parse()

	start, err := time.Parse("2006-01", *first)
	if err != nil {
		return fmt.Errorf("parse -first: %w", err)
	}
	if *members < 1 || *forecasts < 1 {
		return fmt.Errorf("members and forecasts must be positive")
	}
	g := grid{days: *days, ny: *ny, nx: *nx}
	a := domain.Archive{Root: *root, Experiment: experiment}

	dates := domain.MonthStarts(start, *forecasts)
	for _, d := range dates {
		for m := 0; m < *members; m++ {
			run := a.Run(d, m)
			if err := writeRun(a, run, g); err != nil {
				return err
			}
		}
	}
	fmt.Printf("wrote %d runs under %s\n", len(dates)**members, filepath.Join(*root, experiment))

	r := config.Recipe{
		Root:       *root,
		Experiment: experiment,
		Members:    *members,
		FirstDate:  dates[0],
		Forecasts:  *forecasts,
		OutputDir:  filepath.Join("data", experiment),
		Coords:     config.DefaultCoords,
		Fields: []domain.Field{
			{Name: "t2mean", Kind: domain.KindMean, Files: []string{"wrf2d_T2.nc"}},
			{Name: "t2min", Kind: domain.KindDayMin, Files: []string{"wrf2d_T2.nc"}},
			{Name: "t2max", Kind: domain.KindDayMax, Files: []string{"wrf2d_T2.nc"}},
			{Name: "pr", Kind: domain.KindRate, Files: []string{"wrf2d_RAINNC.nc", "wrf2d_RAINC.nc"}, SourceVar: "RAINNC", Divisor: 3600, Units: "mm/sec"},
		},
		Prepare: &config.Prepare{Field: "pr", OutputDir: "data_cache"},
	}
	if err := os.MkdirAll(filepath.Dir(*recipeOut), 0o755); err != nil {
		return err
	}
	f, err := os.Create(*recipeOut)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("encode recipe: %w", err)
	}
	fmt.Printf("wrote recipe %s\n", *recipeOut)
	return nil
}

func writeRun(a domain.Archive, run domain.ForecastRun, g grid) error {
	spatial := []string{"south_north", "west_east"}
	dims := []string{"Time", "south_north", "west_east"}
	shape := []int{g.days, g.ny, g.nx}
	cells := g.ny * g.nx

	lon, lat := make([]float64, cells), make([]float64, cells)
	for j := 0; j < g.ny; j++ {
		for i := 0; i < g.nx; i++ {
			lon[j*g.nx+i] = 140 + 0.5*float64(i)
			lat[j*g.nx+i] = -35 + 0.5*float64(j)
		}
	}
	times := make([]float64, g.days)
	for t := range times {
		times[t] = float64(24 * t)
	}

	common := func() *dataset.Dataset {
		ds := dataset.New()
		ds.Add(&dataset.Variable{Name: "Time", Dims: []string{"Time"}, Shape: []int{g.days}, Data: times, Numeric: true,
			Attrs: map[string]any{"units": "hours since " + run.InitDate.Format("2006-01-02 15:04:05"), "calendar": "standard"}})
		ds.Add(&dataset.Variable{Name: "XLONG", Dims: spatial, Shape: []int{g.ny, g.nx}, Data: lon, Numeric: true, Attrs: map[string]any{"units": "degree_east"}})
		ds.Add(&dataset.Variable{Name: "XLAT", Dims: spatial, Shape: []int{g.ny, g.nx}, Data: lat, Numeric: true, Attrs: map[string]any{"units": "degree_north"}})
		return ds
	}

	t2 := make([]float64, g.days*cells)
	rainnc := make([]float64, g.days*cells)
	rainc := make([]float64, g.days*cells)
	offset := float64(run.Member) * 0.1
	for t := 0; t < g.days; t++ {
		season := math.Cos(2 * math.Pi * float64(run.InitDate.YearDay()+t) / 365)
		for c := 0; c < cells; c++ {
			k := t*cells + c
			t2[k] = 293 + 8*season + offset + 0.01*float64(c)
			if t > 0 {
				rainnc[k] = rainnc[k-cells] + 3600*(1+0.5*season)
				rainc[k] = rainc[k-cells] + 1800*(1-0.25*season)
			}
		}
	}

	files := map[string]*dataset.Variable{
		"wrf2d_T2.nc":     {Name: "T2", Dims: dims, Shape: shape, Data: t2, Numeric: true, Attrs: map[string]any{"units": "K"}},
		"wrf2d_RAINNC.nc": {Name: "RAINNC", Dims: dims, Shape: shape, Data: rainnc, Numeric: true, Attrs: map[string]any{"units": "mm"}},
		"wrf2d_RAINC.nc":  {Name: "RAINC", Dims: dims, Shape: shape, Data: rainc, Numeric: true, Attrs: map[string]any{"units": "mm"}},
	}
	for name, v := range files {
		path := a.OutputPath(run, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		ds := common()
		ds.Add(v)
		if err := dataset.Write(path, ds); err != nil {
			return err
		}
	}
	return nil
}
