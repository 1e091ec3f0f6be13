package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultInitSuffix is appended to the YYYYMM init month to form the
// directory name of one forecast initialization.
const DefaultInitSuffix = "02T0000Z"

// ForecastRun identifies one immutable upstream model run.
type ForecastRun struct {
	Experiment string
	InitDate   time.Time
	Member     int // one-based ensemble member
}

// Archive describes the upstream forecast archive layout.
type Archive struct {
	Root       string
	Experiment string
	InitSuffix string
}

func (a Archive) suffix() string {
	if a.InitSuffix == "" {
		return DefaultInitSuffix
	}
	return a.InitSuffix
}

// InitDir returns the directory name for a forecast initialized in the
// month of date.
func (a Archive) InitDir(date time.Time) string {
	return date.Format("200601") + a.suffix()
}

// Run returns the forecast run for a zero-based member index.
func (a Archive) Run(date time.Time, memberIndex int) ForecastRun {
	return ForecastRun{Experiment: a.Experiment, InitDate: date, Member: memberIndex + 1}
}

// OutputPath returns <root>/<experiment>/<init-dir>/mem<N>/outputs/<file>.
func (a Archive) OutputPath(run ForecastRun, file string) string {
	return filepath.Join(a.Root, a.Experiment, a.InitDir(run.InitDate), fmt.Sprintf("mem%d", run.Member), "outputs", file)
}

// ForecastDates lists the initialization dates present in the archive by
// scanning <root>/<experiment> for init directories, sorted ascending.
// Entries that do not parse as an init directory are ignored.
func (a Archive) ForecastDates() ([]time.Time, error) {
	dir := filepath.Join(a.Root, a.Experiment)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list experiment %s: %w", dir, err)
	}
	var dates []time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		prefix, ok := strings.CutSuffix(name, a.suffix())
		if !ok {
			continue
		}
		d, err := time.Parse("200601", prefix)
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// MonthStarts returns n consecutive month-start dates beginning at the month
// of first.
func MonthStarts(first time.Time, n int) []time.Time {
	start := time.Date(first.Year(), first.Month(), 1, 0, 0, 0, 0, time.UTC)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.AddDate(0, i, 0)
	}
	return out
}
