package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/transcode"
)

// PrepareJob describes the derived products of one field: per-member
// monthly files, ensemble statistics per forecast date and per-lead-month
// climatologies across all forecast dates.
type PrepareJob struct {
	Archive    domain.Archive
	Field      domain.Field
	Members    int
	Dates      []time.Time
	OutputDir  string
	EnsStats   []string // "mean", "median"
	LeadMonths []int
}

// MonthlyPath returns <out>/<exp>/<init-dir>/monthly/<ens>/<field>.nc where
// ens is mem<N> or ens<stat>.
func (j PrepareJob) MonthlyPath(date time.Time, ens string) string {
	return filepath.Join(j.OutputDir, j.Archive.Experiment, j.Archive.InitDir(date), "monthly", ens, j.Field.Name+transcode.Ext)
}

// ClimatologyPath returns <out>/<exp>/ymonmean/lead<L>/ens<stat>/<field>.nc.
func (j PrepareJob) ClimatologyPath(lead int, stat string) string {
	return filepath.Join(j.OutputDir, j.Archive.Experiment, "ymonmean", fmt.Sprintf("lead%d", lead), "ens"+stat, j.Field.Name+transcode.Ext)
}

// prepareTask is one tool invocation with a fixed output path.
type prepareTask struct {
	name   string
	expr   domain.Expr
	output string
}

// StageReport counts the outputs of one prepare stage.
type StageReport struct {
	Name     string
	Total    int
	Produced int
	Existing int
}

// StageError reports a stage in which at least one output could not be
// produced. Later stages are not run.
type StageError struct {
	Stage    string
	Total    int
	Failures []error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("prepare stage %s: %d of %d outputs failed; first: %v", e.Stage, len(e.Failures), e.Total, e.Failures[0])
}

func (e *StageError) Unwrap() []error { return e.Failures }

// Preparer materializes derived products at deterministic paths. Existing
// outputs are kept, so an interrupted prepare resumes where it stopped.
type Preparer struct {
	runner  transcode.Runner
	logger  *slog.Logger
	workers int
	reserve int
}

// NewPreparer creates a Preparer that runs the tool through r.
func NewPreparer(r transcode.Runner, logger *slog.Logger, workers, reserve int) *Preparer {
	return &Preparer{runner: r, logger: logger, workers: workers, reserve: reserve}
}

// Run executes the monthly, ensemble and climatology stages in order. Each
// stage waits for all of its tasks before the next one starts.
func (p *Preparer) Run(ctx context.Context, job PrepareJob) ([]StageReport, error) {
	if err := job.Field.Validate(); err != nil {
		return nil, err
	}
	if job.Members <= 0 || len(job.Dates) == 0 {
		return nil, errors.New("prepare: empty member or forecast extent")
	}

	monthly, members := p.monthlyTasks(job)
	stages := []struct {
		name  string
		tasks []prepareTask
	}{
		{"monthly", monthly},
		{"ensemble", p.ensembleTasks(job, members)},
		{"climatology", p.climatologyTasks(job)},
	}

	var reports []StageReport
	for _, s := range stages {
		if len(s.tasks) == 0 {
			continue
		}
		r, err := p.stage(ctx, s.name, s.tasks)
		reports = append(reports, r)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// monthlyTasks returns one task per (date, member) plus, per date, the
// member files the ensemble stage reads. Plain fields need no monthly step
// and feed their raw files to the ensemble stage directly.
func (p *Preparer) monthlyTasks(job PrepareJob) ([]prepareTask, map[time.Time][]domain.Expr) {
	var tasks []prepareTask
	members := make(map[time.Time][]domain.Expr, len(job.Dates))
	for _, date := range job.Dates {
		for m := 0; m < job.Members; m++ {
			run := job.Archive.Run(date, m)
			src := job.Field.Source(job.Archive, run)
			if !src.IsCommand() {
				members[date] = append(members[date], domain.File(src.Path))
				continue
			}
			out := job.MonthlyPath(date, fmt.Sprintf("mem%d", run.Member))
			tasks = append(tasks, prepareTask{
				name:   fmt.Sprintf("%s mem%d", job.Archive.InitDir(date), run.Member),
				expr:   *src.Expr,
				output: out,
			})
			members[date] = append(members[date], domain.File(out))
		}
	}
	return tasks, members
}

func (p *Preparer) ensembleTasks(job PrepareJob, members map[time.Time][]domain.Expr) []prepareTask {
	var tasks []prepareTask
	for _, stat := range job.EnsStats {
		for _, date := range job.Dates {
			tasks = append(tasks, prepareTask{
				name:   fmt.Sprintf("%s ens%s", job.Archive.InitDir(date), stat),
				expr:   ensStat(stat, members[date]),
				output: job.MonthlyPath(date, "ens"+stat),
			})
		}
	}
	return tasks
}

func (p *Preparer) climatologyTasks(job PrepareJob) []prepareTask {
	var tasks []prepareTask
	for _, lead := range job.LeadMonths {
		for _, stat := range job.EnsStats {
			steps := make([]domain.Expr, len(job.Dates))
			for i, date := range job.Dates {
				// Timestep 1 is the partial spin-up month.
				steps[i] = domain.SelTimestep(lead+1, lead+1, domain.File(job.MonthlyPath(date, "ens"+stat)))
			}
			tasks = append(tasks, prepareTask{
				name:   fmt.Sprintf("lead%d ens%s", lead, stat),
				expr:   domain.YMonMean(domain.MergeTime(steps...)),
				output: job.ClimatologyPath(lead, stat),
			})
		}
	}
	return tasks
}

func ensStat(stat string, ins []domain.Expr) domain.Expr {
	if stat == "median" {
		return domain.EnsMedian(ins...)
	}
	return domain.EnsMean(ins...)
}

func (p *Preparer) stage(ctx context.Context, name string, tasks []prepareTask) (StageReport, error) {
	report := StageReport{Name: name, Total: len(tasks)}
	workers := WorkerCount(p.workers, p.reserve, len(tasks))
	p.logger.Info("prepare stage started", "stage", name, "tasks", len(tasks), "workers", workers)

	results := runPool(ctx, workers, tasks, func(ctx context.Context, t prepareTask) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, err := os.Stat(t.output); err == nil {
			return false, nil
		}
		if err := transcode.Materialize(ctx, p.runner, t.expr, t.output); err != nil {
			p.logger.Error("prepare task failed", "stage", name, "task", t.name, "error", err)
			return false, fmt.Errorf("%s: %w", t.name, err)
		}
		p.logger.Debug("prepare task done", "stage", name, "task", t.name, "output", t.output)
		return true, nil
	})

	var failures []error
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures = append(failures, r.Err)
		case r.Value:
			report.Produced++
		default:
			report.Existing++
		}
	}
	if len(failures) > 0 {
		return report, &StageError{Stage: name, Total: len(tasks), Failures: failures}
	}
	p.logger.Info("prepare stage complete", "stage", name, "produced", report.Produced, "existing", report.Existing)
	return report, nil
}
