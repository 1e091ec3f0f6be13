package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
)

// Recipe describes one forecast archive and the fields converted from it.
// Path values may reference environment variables ($SCRATCH/...).
type Recipe struct {
	Root       string `toml:"root"`
	Experiment string `toml:"experiment"`
	InitSuffix string `toml:"init_suffix"`

	Members int `toml:"members"`
	// FirstDate is the first initialization month. With Forecasts > 0 the
	// dates are Forecasts consecutive month starts; otherwise they are
	// discovered from the archive, starting at FirstDate when it is set.
	FirstDate time.Time `toml:"first_date"`
	Forecasts int       `toml:"forecasts"`

	OutputDir string `toml:"output_dir"`
	// Coords names the 2-D spatial coordinate variables copied into every
	// store and dropped from the data before the region write.
	Coords []string `toml:"coords"`

	Fields  []domain.Field `toml:"field"`
	Prepare *Prepare       `toml:"prepare"`
}

// Prepare configures the derived-product stage.
type Prepare struct {
	Field      string   `toml:"field"`
	OutputDir  string   `toml:"output_dir"`
	EnsStats   []string `toml:"ens_stats"`
	LeadMonths []int    `toml:"lead_months"`
}

// DefaultCoords are the WRF longitude/latitude variables.
var DefaultCoords = []string{"XLONG", "XLAT"}

// LoadRecipe decodes and validates a TOML recipe file. Unknown keys are an
// error so typos do not silently fall back to defaults.
func LoadRecipe(path string) (*Recipe, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	return ParseRecipe(string(b))
}

// ParseRecipe decodes and validates recipe text.
func ParseRecipe(text string) (*Recipe, error) {
	r := new(Recipe)
	md, err := toml.Decode(text, r)
	if err != nil {
		return nil, fmt.Errorf("parse recipe: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("recipe has unknown keys: %s", strings.Join(keys, ", "))
	}

	r.Root = os.ExpandEnv(r.Root)
	r.OutputDir = os.ExpandEnv(r.OutputDir)
	if r.InitSuffix == "" {
		r.InitSuffix = domain.DefaultInitSuffix
	}
	if r.OutputDir == "" {
		r.OutputDir = filepath.Join("data", r.Experiment)
	}
	if r.Coords == nil {
		r.Coords = DefaultCoords
	}
	if r.Prepare != nil {
		r.Prepare.OutputDir = os.ExpandEnv(r.Prepare.OutputDir)
		if r.Prepare.OutputDir == "" {
			r.Prepare.OutputDir = "data_cache"
		}
		if len(r.Prepare.EnsStats) == 0 {
			r.Prepare.EnsStats = []string{"mean", "median"}
		}
		if len(r.Prepare.LeadMonths) == 0 {
			r.Prepare.LeadMonths = []int{1, 2, 3, 4, 5, 6}
		}
	}

	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recipe) validate() error {
	switch {
	case r.Root == "":
		return fmt.Errorf("recipe: root is required")
	case r.Experiment == "":
		return fmt.Errorf("recipe: experiment is required")
	case r.Members <= 0:
		return fmt.Errorf("recipe: members must be positive, got %d", r.Members)
	case r.Forecasts < 0:
		return fmt.Errorf("recipe: forecasts must not be negative, got %d", r.Forecasts)
	case r.Forecasts > 0 && r.FirstDate.IsZero():
		return fmt.Errorf("recipe: first_date is required with forecasts")
	case len(r.Fields) == 0:
		return fmt.Errorf("recipe: at least one [[field]] is required")
	}
	seen := map[string]bool{}
	for _, f := range r.Fields {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("recipe: %w", err)
		}
		if seen[f.Name] {
			return fmt.Errorf("recipe: field %s defined twice", f.Name)
		}
		seen[f.Name] = true
	}
	if p := r.Prepare; p != nil {
		if _, ok := r.Field(p.Field); !ok {
			return fmt.Errorf("recipe: prepare field %q is not defined", p.Field)
		}
		for _, s := range p.EnsStats {
			if s != "mean" && s != "median" {
				return fmt.Errorf("recipe: unknown ensemble statistic %q", s)
			}
		}
		for _, l := range p.LeadMonths {
			if l < 1 {
				return fmt.Errorf("recipe: lead month %d must be positive", l)
			}
		}
	}
	return nil
}

// Archive returns the upstream archive layout.
func (r *Recipe) Archive() domain.Archive {
	return domain.Archive{Root: r.Root, Experiment: r.Experiment, InitSuffix: r.InitSuffix}
}

// Field returns the named field definition.
func (r *Recipe) Field(name string) (domain.Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return domain.Field{}, false
}

// Dates returns the ordered forecast initialization dates.
func (r *Recipe) Dates() ([]time.Time, error) {
	if r.Forecasts > 0 {
		return domain.MonthStarts(r.FirstDate, r.Forecasts), nil
	}
	found, err := r.Archive().ForecastDates()
	if err != nil {
		return nil, err
	}
	first := time.Date(r.FirstDate.Year(), r.FirstDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	dates := found[:0]
	for _, d := range found {
		if r.FirstDate.IsZero() || !d.Before(first) {
			dates = append(dates, d)
		}
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("no forecast dates under %s", filepath.Join(r.Root, r.Experiment))
	}
	return dates, nil
}

// StorePath returns <output_dir>/<field>.zarr.
func (r *Recipe) StorePath(field string) string {
	return filepath.Join(r.OutputDir, field+".zarr")
}
