package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/dataset"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/ledger"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/observability"
)

// RegionWriter writes one array region. It is implemented by *zarr.Store.
type RegionWriter interface {
	WriteRegion(name string, r domain.Region, shape []int, data []float64) error
}

// outcome is what a worker reports for one entry besides its error.
type outcome struct {
	skipped    bool
	transcoded bool
	hit        bool
}

// worker runs the transcode-and-write step for the entries of one store.
// It holds no mutable state of its own; the store, cache and ledger are
// safe for concurrent use on disjoint regions.
type worker struct {
	field     string
	store     RegionWriter
	storeName string
	rank      int
	drop      []string
	ledger    *ledger.Ledger
	resolver  Resolver
	publisher EventPublisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	onDone    func(outcome, error)
}

func (w *worker) process(ctx context.Context, e domain.ManifestEntry) (o outcome, err error) {
	log := w.logger.With(
		"field", w.field,
		"member", e.Run.Member,
		"forecast", e.Run.InitDate.Format("2006-01"),
		"region", e.Region.Key(),
	)
	defer func() {
		if err != nil {
			w.metrics.RegionsFailed.Inc()
			log.Error("region failed", "error", err)
		}
		if w.onDone != nil {
			w.onDone(o, err)
		}
	}()
	if err := ctx.Err(); err != nil {
		return o, err
	}

	digest := w.digest(e.Source)
	if w.ledger != nil {
		done, err := w.ledger.Done(e.Region, digest)
		if err != nil {
			return o, err
		}
		if done {
			w.metrics.RegionsSkipped.Inc()
			log.Debug("region already written, skipping")
			return outcome{skipped: true}, nil
		}
	}

	start := time.Now()
	path := e.Source.Path
	if e.Source.IsCommand() {
		res, err := w.resolver.Resolve(ctx, *e.Source.Expr)
		if err != nil {
			return o, err
		}
		w.metrics.TranscodeDuration.Observe(time.Since(start).Seconds())
		path, o.transcoded, o.hit = res.Path, true, res.Hit
		log = log.With("digest", res.Digest)
	}

	if err := w.write(path, e.Region, log); err != nil {
		return o, err
	}
	if w.ledger != nil {
		if err := w.ledger.MarkDone(e.Region, digest); err != nil {
			return o, err
		}
	}
	w.metrics.RegionsWritten.Inc()
	w.metrics.RegionWriteDuration.Observe(time.Since(start).Seconds())
	log.Info("region written", "cache_hit", o.hit, "duration", time.Since(start))

	w.publish(ctx, e, digest, log)
	return o, nil
}

// write loads path, applies the structural corrections and writes the
// single data variable into region.
func (w *worker) write(path string, region domain.Region, log *slog.Logger) error {
	ds, err := dataset.Load(path)
	if err != nil {
		return err
	}
	v, err := ds.Correct(w.field, w.rank, w.drop...)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if v.Constant() {
		log.Debug("field is constant")
	}
	v = v.ExpandDims(domain.DimMember, domain.DimForecast)
	return w.store.WriteRegion(w.field, region, v.Shape, v.Data)
}

func (w *worker) digest(s domain.Source) string {
	if s.IsCommand() {
		return w.resolver.Key(*s.Expr)
	}
	return domain.Digest(s.Path)
}

func (w *worker) publish(ctx context.Context, e domain.ManifestEntry, digest string, log *slog.Logger) {
	if w.publisher == nil {
		return
	}
	region := e.Region
	init := e.Run.InitDate
	ev := domain.StoreEvent{
		Type:     domain.EventRegionWritten,
		Store:    w.storeName,
		Field:    w.field,
		Region:   &region,
		Member:   e.Run.Member,
		InitDate: &init,
		Digest:   digest,
		At:       domain.Now().UTC(),
	}
	if err := w.publisher.Publish(ctx, ev); err != nil {
		log.Warn("publish region event failed", "error", err)
		return
	}
	w.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}
