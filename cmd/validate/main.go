// Command validate checks finished stores: every (member, forecast) chunk of
// each data variable must exist and decode to the declared chunk shape, and
// the member and forecast coordinates must match the array extents. It
// accepts store directories and .zarr.zip archives.
//
// Usage:
//
//	go run ./cmd/validate data/ap84SeasRF/t2mean.zarr data/ap84SeasRF/pr.zarr.zip
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/archive"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/zarr"
)

// phase tracks pass/fail for one store.
type phase struct {
	name     string
	errors   []string
	warnings []string
	chunks   int
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) warnf(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: validate <store.zarr | store.zarr.zip>...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	if code := run(flag.Args()); code != 0 {
		os.Exit(code)
	}
}

func run(paths []string) int {
	fmt.Println("=== Store Validation ===")
	fmt.Println()

	var phases []*phase
	for _, path := range paths {
		phases = append(phases, validatePath(path))
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-48s %5d chunks  %s\n", p.name, p.chunks, status)
	}

	for _, p := range phases {
		if len(p.errors) == 0 && len(p.warnings) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
		for _, w := range p.warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}

	if allPassed {
		fmt.Println("\nAll stores valid.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func validatePath(path string) *phase {
	p := &phase{name: path}
	var fsys fs.FS
	if strings.HasSuffix(path, archive.Ext) {
		rc, err := archive.Open(path)
		if err != nil {
			p.errorf("open archive: %v", err)
			return p
		}
		defer rc.Close()
		fsys = rc
	} else {
		fsys = os.DirFS(path)
	}

	r, err := zarr.Open(fsys)
	if err != nil {
		p.errorf("open store: %v", err)
		return p
	}
	validateStore(p, r)
	return p
}

func validateStore(p *phase, r *zarr.Reader) {
	members, forecasts := -1, -1
	if v, err := r.ReadAll(domain.DimMember); err != nil {
		p.errorf("member coordinate: %v", err)
	} else {
		members = len(v)
		for i, m := range v {
			if m != float64(i+1) {
				p.errorf("member[%d] = %v, want %d", i, m, i+1)
				break
			}
		}
	}
	if v, err := r.ReadAll(domain.DimForecast); err != nil {
		p.errorf("forecast coordinate: %v", err)
	} else {
		forecasts = len(v)
		for i := 1; i < len(v); i++ {
			if v[i] <= v[i-1] {
				p.errorf("forecast coordinate is not increasing at index %d", i)
				break
			}
		}
	}

	found := false
	for _, name := range r.Arrays() {
		info, _ := r.Info(name)
		if len(info.Dims) < 2 || info.Dims[0] != domain.DimMember || info.Dims[1] != domain.DimForecast {
			continue
		}
		found = true
		if info.Shape[0] != members || info.Shape[1] != forecasts {
			p.errorf("%s: shape %v does not match %d members x %d forecasts", name, info.Shape, members, forecasts)
			continue
		}
		validateChunks(p, r, name, info)
	}
	if !found {
		p.errorf("no data variable with dims (member, forecast, ...)")
	}
}

func validateChunks(p *phase, r *zarr.Reader, name string, info zarr.ArrayInfo) {
	want := 1
	for _, c := range info.Chunks {
		want *= c
	}
	idx := make([]int, len(info.Shape))
	for m := 0; m < info.Shape[0]; m++ {
		for n := 0; n < info.Shape[1]; n++ {
			idx[0], idx[1] = m, n
			data, err := r.ReadChunk(name, idx)
			if err != nil {
				p.errorf("%s: member %d forecast %d: %v", name, m+1, n, err)
				continue
			}
			p.chunks++
			if len(data) != want {
				p.errorf("%s: member %d forecast %d: %d values, want %d", name, m+1, n, len(data), want)
				continue
			}
			if allNaN(data) {
				p.warnf("%s: member %d forecast %d is entirely fill values", name, m+1, n)
			}
		}
	}
}

func allNaN(data []float64) bool {
	for _, x := range data {
		if !math.IsNaN(x) {
			return false
		}
	}
	return true
}
