package pipeline

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/zarr"
)

// Report summarizes one Run.
type Report struct {
	Store   string
	Archive string // empty unless the store was archived
	Total   int

	Written []domain.Region
	Skipped []domain.Region
	Failed  []RegionFailure

	CacheHits   int
	CacheMisses int
	Duration    time.Duration
}

// Archived reports whether the archive step completed.
func (r Report) Archived() bool { return r.Archive != "" }

// RegionFailure is one entry that could not be written.
type RegionFailure struct {
	Region domain.Region
	Run    domain.ForecastRun
	Err    error
}

func (f RegionFailure) Error() string {
	return fmt.Sprintf("member %d init %s (%s): %v", f.Run.Member, f.Run.InitDate.Format("2006-01"), f.Region, f.Err)
}

func (f RegionFailure) Unwrap() error { return f.Err }

// RunError reports a run in which at least one region failed. It unwraps
// to every per-region error, so errors.Is matches any of them.
type RunError struct {
	Store    string
	Total    int
	Failures []RegionFailure
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s: %d of %d regions failed", filepath.Base(e.Store), len(e.Failures), e.Total)
	if len(e.Failures) > 0 {
		msg += "; first: " + e.Failures[0].Error()
	}
	return msg
}

func (e *RunError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Progress is a point-in-time view of the current run.
type Progress struct {
	Store   string    `json:"store"`
	Field   string    `json:"field"`
	Total   int       `json:"total"`
	Written int       `json:"written"`
	Skipped int       `json:"skipped"`
	Failed  int       `json:"failed"`
	Started time.Time `json:"started"`
}

// Progress returns the current run's counters.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Pipeline) beginProgress(job Job, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = Progress{Store: job.StorePath, Field: job.Field.Name, Total: total, Started: domain.Now().UTC()}
}

func (p *Pipeline) advance(o outcome, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err != nil:
		p.progress.Failed++
	case o.skipped:
		p.progress.Skipped++
	default:
		p.progress.Written++
	}
}

// fingerprint identifies a store layout for the resume ledger.
func fingerprint(l zarr.Layout) string {
	b, _ := json.Marshal(struct {
		Field   string
		Members int
		Dates   []time.Time
		Dims    []string
		Shape   []int
	}{l.Field, l.Members, l.Dates, l.Dims, l.Shape})
	return domain.Digest(string(b))
}
