package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/archive"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/ledger"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/manifest"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/observability"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/transcode"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/zarr"
)

// Resolver turns an operator expression into a materialized file.
// It is implemented by *transcode.Cache.
type Resolver interface {
	Key(e domain.Expr) string
	Resolve(ctx context.Context, e domain.Expr) (transcode.Resolved, error)
}

// EventPublisher emits store lifecycle events. It is implemented by the
// kafka adapter's Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, events ...domain.StoreEvent) error
}

// Job describes one destination store.
type Job struct {
	Archive domain.Archive
	Field   domain.Field
	Members int
	Dates   []time.Time

	// StorePath is the store directory. ArchivePath defaults to
	// StorePath + ".zip".
	StorePath   string
	ArchivePath string
	// Coords names 2-D coordinate variables copied into the store from the
	// template source and dropped from every region write.
	Coords []string
	// SkipArchive leaves the finished store directory in place.
	SkipArchive bool
}

func (j Job) archivePath() string {
	if j.ArchivePath != "" {
		return j.ArchivePath
	}
	return j.StorePath + archive.Ext
}

// Options tunes a Pipeline.
type Options struct {
	Workers       int
	WorkerReserve int
	ZstdLevel     int
	// Resume reopens an existing store and skips regions recorded in its
	// ledger. Without it every run recreates the store from scratch.
	Resume bool
	// ArchiverName labels archive metrics.
	ArchiverName string
}

// Pipeline converts a forecast archive into chunked stores.
type Pipeline struct {
	resolver  Resolver
	archiver  archive.Archiver
	publisher EventPublisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	opts      Options

	ready    atomic.Bool
	mu       sync.Mutex
	progress Progress
}

// New creates a Pipeline. publisher may be nil.
func New(r Resolver, a archive.Archiver, pub EventPublisher, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline {
	return &Pipeline{
		resolver:  r,
		archiver:  a,
		publisher: pub,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
	}
}

// CheckReadiness returns nil once a store has been initialized,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no store has been initialized yet")
	}
	return nil
}

// Run builds the manifest for job, initializes the store, fans the entries
// out to the worker pool, waits for all of them and archives the store if
// every region was written. The returned Report is populated even when Run
// fails; a *RunError lists per-region failures.
func (p *Pipeline) Run(ctx context.Context, job Job) (Report, error) {
	start := time.Now()
	report := Report{Store: job.StorePath}
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	entries, err := manifest.Build(manifest.Plan{Archive: job.Archive, Field: job.Field, Members: job.Members, Dates: job.Dates})
	if err != nil {
		return report, fmt.Errorf("build manifest: %w", err)
	}
	if err := manifest.Validate(entries, job.Members, len(job.Dates)); err != nil {
		return report, err
	}
	report.Total = len(entries)
	p.beginProgress(job, len(entries))
	p.logger.Info("manifest built", "field", job.Field.Name, "members", job.Members, "forecasts", len(job.Dates), "entries", len(entries))

	layout, tmpl, err := p.template(ctx, job, entries)
	if err != nil {
		return report, fmt.Errorf("resolve template: %w", err)
	}

	st, led, err := p.initStore(job, layout)
	if err != nil {
		return report, err
	}
	defer led.Close()
	p.ready.Store(true)

	w := &worker{
		field:     job.Field.Name,
		store:     st,
		storeName: filepath.Base(job.StorePath),
		rank:      len(layout.Dims),
		drop:      job.Coords,
		ledger:    led,
		resolver:  p.resolver,
		publisher: p.publisher,
		logger:    p.logger,
		metrics:   p.metrics,
		onDone:    p.advance,
	}
	workers := WorkerCount(p.opts.Workers, p.opts.WorkerReserve, len(entries))
	p.logger.Info("dispatching", "store", job.StorePath, "workers", workers)

	results := runPool(ctx, workers, entries, w.process)
	for i, r := range results {
		e := entries[i]
		switch {
		case r.Err != nil:
			report.Failed = append(report.Failed, RegionFailure{Region: e.Region, Run: e.Run, Err: r.Err})
		case r.Value.skipped:
			report.Skipped = append(report.Skipped, e.Region)
		default:
			report.Written = append(report.Written, e.Region)
			switch {
			case r.Value.hit && i == tmpl.index && tmpl.missed:
				// The template resolution produced this output.
				report.CacheMisses++
			case r.Value.hit:
				report.CacheHits++
			case r.Value.transcoded:
				report.CacheMisses++
			}
		}
	}
	report.Duration = time.Since(start)

	if len(report.Failed) > 0 {
		err := &RunError{Store: job.StorePath, Total: len(entries), Failures: report.Failed}
		p.logger.Error("run failed, archive skipped", "store", job.StorePath, "failed", len(report.Failed), "written", len(report.Written), "error", err)
		return report, err
	}
	if job.SkipArchive {
		p.logger.Info("store complete", "store", job.StorePath, "written", len(report.Written), "skipped", len(report.Skipped))
		return report, nil
	}

	if err := p.archive(ctx, job, led, &report); err != nil {
		return report, err
	}
	report.Duration = time.Since(start)
	return report, nil
}

// initStore creates the store or, in resume mode, reopens it when its
// ledger was recorded against the same layout.
func (p *Pipeline) initStore(job Job, layout zarr.Layout) (*zarr.Store, *ledger.Ledger, error) {
	schema, err := zarr.FieldSchema(layout)
	if err != nil {
		return nil, nil, err
	}
	ledgerPath := ledger.Path(job.StorePath)

	if !p.opts.Resume {
		if err := os.Remove(ledgerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("remove stale ledger: %w", err)
		}
		st, err := zarr.Create(job.StorePath, schema, zarr.CreateOptions{Overwrite: true, Level: p.opts.ZstdLevel})
		if err != nil {
			return nil, nil, fmt.Errorf("create store: %w", err)
		}
		p.logger.Info("store created", "store", job.StorePath, "shape", schema.Arrays[0].Shape)
		return st, nil, nil
	}

	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return nil, nil, err
	}
	reset, err := led.Bind(fingerprint(layout))
	if err != nil {
		led.Close()
		return nil, nil, err
	}
	if !reset {
		if _, statErr := os.Stat(job.StorePath); statErr == nil {
			st, err := zarr.OpenDir(job.StorePath, p.opts.ZstdLevel)
			if err == nil {
				n, _ := led.Len()
				p.logger.Info("store reopened for resume", "store", job.StorePath, "completed", n)
				return st, led, nil
			}
			p.logger.Warn("store unreadable, recreating", "store", job.StorePath, "error", err)
		}
	}
	if err := led.Reset(); err != nil {
		led.Close()
		return nil, nil, err
	}
	st, err := zarr.Create(job.StorePath, schema, zarr.CreateOptions{Overwrite: true, Level: p.opts.ZstdLevel})
	if err != nil {
		led.Close()
		return nil, nil, fmt.Errorf("create store: %w", err)
	}
	p.logger.Info("store created", "store", job.StorePath, "resume", true, "shape", schema.Arrays[0].Shape)
	return st, led, nil
}

func (p *Pipeline) archive(ctx context.Context, job Job, led *ledger.Ledger, report *Report) error {
	dest := job.archivePath()
	start := time.Now()
	if err := p.archiver.Archive(ctx, job.StorePath, dest); err != nil {
		p.logger.Error("archive failed, store directory retained", "store", job.StorePath, "error", err)
		return fmt.Errorf("archive %s: %w", job.StorePath, err)
	}
	p.metrics.ArchiveDuration.WithLabelValues(p.opts.ArchiverName).Observe(time.Since(start).Seconds())
	report.Archive = dest
	p.logger.Info("store archived", "store", job.StorePath, "archive", dest, "duration", time.Since(start))

	if led != nil {
		led.Close()
		if err := os.Remove(ledger.Path(job.StorePath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("remove ledger failed", "error", err)
		}
	}

	if p.publisher != nil {
		ev := domain.StoreEvent{
			Type:    domain.EventStoreArchived,
			Store:   filepath.Base(job.StorePath),
			Field:   job.Field.Name,
			Archive: dest,
			Regions: report.Total,
			At:      domain.Now().UTC(),
		}
		if err := p.publisher.Publish(ctx, ev); err != nil {
			p.logger.Warn("publish store event failed", "type", ev.Type, "error", err)
		} else {
			p.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
		}
	}
	return nil
}
