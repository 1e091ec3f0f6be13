package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/seasonal-zarr-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/seasonal-zarr-etl/internal/adapter/kafka"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/archive"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/config"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/manifest"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/observability"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/pipeline"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/transcode"
	"github.com/urfave/cli/v2"
)

// env is the shared setup of every command.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	recipe *config.Recipe
}

func setup(c *cli.Context, needRecipe bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	e := &env{cfg: cfg, logger: observability.NewLogger(cfg)}
	if needRecipe {
		e.recipe, err = config.LoadRecipe(c.String("recipe"))
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// fields returns the recipe fields selected with --field, or all of them.
func (e *env) fields(names []string) ([]domain.Field, error) {
	if len(names) == 0 {
		return e.recipe.Fields, nil
	}
	out := make([]domain.Field, 0, len(names))
	for _, n := range names {
		f, ok := e.recipe.Field(n)
		if !ok {
			return nil, fmt.Errorf("field %q is not defined in the recipe", n)
		}
		out = append(out, f)
	}
	return out, nil
}

func (e *env) archiver() archive.Archiver {
	if e.cfg.Archiver == config.ArchiverNative {
		return archive.Native{}
	}
	return archive.NewSevenZip(e.cfg.SevenZipBin, e.logger)
}

func (e *env) cdo() (*transcode.CDO, error) {
	if err := os.MkdirAll(e.cfg.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	return transcode.NewCDO(e.cfg.CDOBin, e.cfg.CDOOptions, e.cfg.TmpDir, e.cfg.TranscodeTimeout, e.logger), nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runCommand(c *cli.Context) error {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	cfg, logger := e.cfg, e.logger
	fields, err := e.fields(c.StringSlice("field"))
	if err != nil {
		return err
	}
	dates, err := e.recipe.Dates()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	cdo, err := e.cdo()
	if err != nil {
		return err
	}
	cache, err := transcode.NewCache(cfg.CacheDir, cdo, logger, metrics)
	if err != nil {
		return err
	}

	var publisher pipeline.EventPublisher
	if cfg.EventsEnabled() {
		pub := kafkaadapter.NewPublisher(cfg, logger)
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Error("kafka publisher close error", "error", err)
			}
		}()
		publisher = pub
		logger.Info("store events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	p := pipeline.New(cache, e.archiver(), publisher, logger, metrics, pipeline.Options{
		Workers:       cfg.Workers,
		WorkerReserve: cfg.WorkerReserve,
		ZstdLevel:     cfg.ZstdLevel,
		Resume:        cfg.Resume || c.Bool("resume"),
		ArchiverName:  cfg.Archiver,
	})

	ctx, stop := signalContext(c.Context)
	defer stop()

	if cfg.HTTPAddr != "" {
		srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown error", "error", err)
			}
		}()
	}

	var errs []error
	for _, f := range fields {
		job := pipeline.Job{
			Archive:     e.recipe.Archive(),
			Field:       f,
			Members:     e.recipe.Members,
			Dates:       dates,
			StorePath:   e.recipe.StorePath(f.Name),
			Coords:      e.recipe.Coords,
			SkipArchive: c.Bool("no-archive"),
		}
		report, err := p.Run(ctx, job)
		logger.Info("field finished",
			"field", f.Name,
			"written", len(report.Written),
			"skipped", len(report.Skipped),
			"failed", len(report.Failed),
			"cache_hits", report.CacheHits,
			"cache_misses", report.CacheMisses,
			"archive", report.Archive,
			"duration", report.Duration.Round(time.Millisecond),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", f.Name, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	hits, misses := cache.Stats()
	logger.Info("run complete", "fields", len(fields), "failed_fields", len(errs), "cache_hits", hits, "cache_misses", misses)
	return errors.Join(errs...)
}

func planCommand(c *cli.Context) error {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	fields, err := e.fields(c.StringSlice("field"))
	if err != nil {
		return err
	}
	dates, err := e.recipe.Dates()
	if err != nil {
		return err
	}
	w := c.App.Writer
	for _, f := range fields {
		entries, err := manifest.Build(manifest.Plan{Archive: e.recipe.Archive(), Field: f, Members: e.recipe.Members, Dates: dates})
		if err != nil {
			return err
		}
		if err := manifest.Validate(entries, e.recipe.Members, len(dates)); err != nil {
			return err
		}
		fmt.Fprintf(w, "# %s -> %s (%d entries)\n", f.Name, e.recipe.StorePath(f.Name), len(entries))
		for _, en := range entries {
			fmt.Fprintf(w, "mem%-3d %s  %-22s %s\n", en.Run.Member, en.Run.InitDate.Format("2006-01"), en.Region, en.Source)
		}
	}
	return nil
}

func prepareCommand(c *cli.Context) error {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	prep := e.recipe.Prepare
	if prep == nil {
		return errors.New("recipe has no [prepare] section")
	}
	field, _ := e.recipe.Field(prep.Field)
	dates, err := e.recipe.Dates()
	if err != nil {
		return err
	}
	cdo, err := e.cdo()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(c.Context)
	defer stop()

	p := pipeline.NewPreparer(cdo, e.logger, e.cfg.Workers, e.cfg.WorkerReserve)
	reports, err := p.Run(ctx, pipeline.PrepareJob{
		Archive:    e.recipe.Archive(),
		Field:      field,
		Members:    e.recipe.Members,
		Dates:      dates,
		OutputDir:  prep.OutputDir,
		EnsStats:   prep.EnsStats,
		LeadMonths: prep.LeadMonths,
	})
	for _, r := range reports {
		fmt.Fprintf(c.App.Writer, "%-12s %4d produced %4d existing of %d\n", r.Name, r.Produced, r.Existing, r.Total)
	}
	return err
}

func archiveCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("archive: at least one store directory is required")
	}
	e, err := setup(c, false)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c.Context)
	defer stop()

	a := e.archiver()
	for _, dir := range c.Args().Slice() {
		start := time.Now()
		dest := dir + archive.Ext
		if err := a.Archive(ctx, dir, dest); err != nil {
			return fmt.Errorf("archive %s: %w", dir, err)
		}
		e.logger.Info("store archived", "store", dir, "archive", dest, "duration", time.Since(start))
	}
	return nil
}

func datesCommand(c *cli.Context) error {
	e, err := setup(c, true)
	if err != nil {
		return err
	}
	dates, err := e.recipe.Dates()
	if err != nil {
		return err
	}
	for _, d := range dates {
		fmt.Fprintf(c.App.Writer, "%s\t%s\n", d.Format("2006-01"), e.recipe.Archive().InitDir(d))
	}
	return nil
}
