package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner writes the rendered command to output and records it.
// Outputs are temporary siblings, so tests read the committed file to see
// which command produced it.
type recordingRunner struct {
	mu       sync.Mutex
	commands []string
}

func (r *recordingRunner) Run(_ context.Context, e domain.Expr, output string) error {
	r.mu.Lock()
	r.commands = append(r.commands, e.Command())
	r.mu.Unlock()
	return os.WriteFile(output, []byte(e.Command()), 0o644)
}

func (r *recordingRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

func readCommand(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

var pr = domain.Field{
	Name:      "pr",
	Kind:      domain.KindRate,
	Files:     []string{"wrf2d_RAINNC.nc", "wrf2d_RAINC.nc"},
	SourceVar: "RAINNC",
	Divisor:   3600,
	Units:     "mm/sec",
}

func prepareJob(t *testing.T, members int, dates []time.Time) pipeline.PrepareJob {
	t.Helper()
	a := domain.Archive{Root: t.TempDir(), Experiment: "ap84SeasRF"}
	for m := 0; m < members; m++ {
		for _, d := range dates {
			for _, f := range pr.Files {
				path := a.OutputPath(a.Run(d, m), f)
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
				require.NoError(t, os.WriteFile(path, []byte("raw"), 0o644))
			}
		}
	}
	return pipeline.PrepareJob{
		Archive:    a,
		Field:      pr,
		Members:    members,
		Dates:      dates,
		OutputDir:  filepath.Join(t.TempDir(), "data_cache"),
		EnsStats:   []string{"mean", "median"},
		LeadMonths: []int{1, 2},
	}
}

func TestPreparer_Run_ProducesEveryStage(t *testing.T) {
	dates := domain.MonthStarts(time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC), 2)
	job := prepareJob(t, 3, dates)
	r := &recordingRunner{}

	reports, err := pipeline.NewPreparer(r, discardLogger(), 2, 0).Run(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, reports, 3)
	assert.Equal(t, pipeline.StageReport{Name: "monthly", Total: 6, Produced: 6}, reports[0])
	assert.Equal(t, pipeline.StageReport{Name: "ensemble", Total: 4, Produced: 4}, reports[1])
	assert.Equal(t, pipeline.StageReport{Name: "climatology", Total: 4, Produced: 4}, reports[2])

	mem2 := job.MonthlyPath(dates[1], "mem2")
	assert.Equal(t, filepath.Join(job.OutputDir, "ap84SeasRF", "20090202T0000Z", "monthly", "mem2", "pr.nc"), mem2)
	assert.FileExists(t, mem2)

	assert.Equal(t, 14, r.calls())

	ens := readCommand(t, job.MonthlyPath(dates[0], "ensmedian"))
	assert.Contains(t, ens, "-ensmedian [ ")
	assert.Contains(t, ens, job.MonthlyPath(dates[0], "mem3"))

	clim := job.ClimatologyPath(2, "mean")
	assert.Equal(t, filepath.Join(job.OutputDir, "ap84SeasRF", "ymonmean", "lead2", "ensmean", "pr.nc"), clim)
	cmd := readCommand(t, clim)
	assert.Contains(t, cmd, "-ymonmean -mergetime [ ")
	assert.Contains(t, cmd, "-seltimestep,3/3 "+job.MonthlyPath(dates[1], "ensmean"))
}

func TestPreparer_Run_SkipsExistingOutputs(t *testing.T) {
	dates := domain.MonthStarts(time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC), 1)
	job := prepareJob(t, 2, dates)
	p := pipeline.NewPreparer(&recordingRunner{}, discardLogger(), 2, 0)
	_, err := p.Run(context.Background(), job)
	require.NoError(t, err)

	again := &recordingRunner{}
	reports, err := pipeline.NewPreparer(again, discardLogger(), 2, 0).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, again.calls())
	for _, s := range reports {
		assert.Zero(t, s.Produced, s.Name)
		assert.Equal(t, s.Total, s.Existing, s.Name)
	}
}

func TestPreparer_Run_StopsAfterFailingStage(t *testing.T) {
	dates := domain.MonthStarts(time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC), 2)
	job := prepareJob(t, 2, dates)
	require.NoError(t, os.Remove(job.Archive.OutputPath(job.Archive.Run(dates[1], 0), "wrf2d_RAINC.nc")))
	r := &recordingRunner{}

	reports, err := pipeline.NewPreparer(r, discardLogger(), 2, 0).Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamMissing)

	var stageErr *pipeline.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "monthly", stageErr.Stage)
	assert.Len(t, stageErr.Failures, 1)

	require.Len(t, reports, 1, "later stages never start")
	assert.Equal(t, 3, reports[0].Produced)
	assert.Equal(t, 3, r.calls())
	assert.NoDirExists(t, filepath.Join(job.OutputDir, "ap84SeasRF", "ymonmean"))
}
