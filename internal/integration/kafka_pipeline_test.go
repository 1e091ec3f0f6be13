//go:build integration

package integration_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/adapter/kafka"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/archive"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/config"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/dataset"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/observability"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/pipeline"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/transcode"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const testEventsTopic = "test-store-events"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("seasonal-etl-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
}

// writePlainArchive lays out one member and len(dates) forecasts of plain
// NetCDF files that need no transcoding.
func writePlainArchive(t *testing.T, dates []time.Time) domain.Archive {
	t.Helper()
	a := domain.Archive{Root: t.TempDir(), Experiment: "ap84SeasRF"}
	for _, d := range dates {
		path := a.OutputPath(a.Run(d, 0), "t2_monthly.nc")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		ds := dataset.New()
		ds.Add(&dataset.Variable{Name: "T2", Dims: []string{"lead", "y", "x"}, Shape: []int{2, 2, 2}, Data: []float64{1, 2, 3, 4, 5, 6, 7, 8}, Numeric: true, Attrs: map[string]any{"units": "K"}})
		require.NoError(t, dataset.Write(path, ds))
	}
	return a
}

type noTool struct{}

func (noTool) Run(context.Context, domain.Expr, string) error {
	return errors.New("plain fields never run the tool")
}

// TestPipeline_PublishesStoreEvents runs a full conversion against a real
// broker and checks the region and archive events on the events topic.
func TestPipeline_PublishesStoreEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testEventsTopic)

	cfg := &config.Config{KafkaBrokers: []string{broker}, KafkaTopic: testEventsTopic}
	publisher := kafka.NewPublisher(cfg, discardLogger())
	t.Cleanup(func() { _ = publisher.Close() })

	dates := domain.MonthStarts(time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC), 2)
	cache, err := transcode.NewCache(filepath.Join(t.TempDir(), "cdo_cache"), noTool{}, discardLogger(), observability.NewMetricsForTesting())
	require.NoError(t, err)

	p := pipeline.New(cache, archive.Native{}, publisher, discardLogger(), observability.NewMetricsForTesting(), pipeline.Options{Workers: 2})
	report, err := p.Run(ctx, pipeline.Job{
		Archive:   writePlainArchive(t, dates),
		Field:     domain.Field{Name: "t2", Kind: domain.KindPlain, Files: []string{"t2_monthly.nc"}},
		Members:   1,
		Dates:     dates,
		StorePath: filepath.Join(t.TempDir(), "t2.zarr"),
	})
	require.NoError(t, err)
	require.True(t, report.Archived())

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testEventsTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	counts := map[domain.EventType]int{}
	for range 3 {
		readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
		msg, err := consumer.ReadMessage(readCtx)
		readCancel()
		require.NoError(t, err, "read from events topic")

		assert.Equal(t, "t2.zarr", string(msg.Key))
		headers := make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
		_, err = time.Parse(time.RFC3339, headers["emitted_at"])
		assert.NoError(t, err, "emitted_at should be valid RFC3339")

		ev, err := kafka.DecodeMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, string(ev.Type), headers["event_type"])
		counts[ev.Type]++
		if ev.Type == domain.EventStoreArchived {
			assert.Equal(t, report.Archive, ev.Archive)
			assert.Equal(t, 2, ev.Regions)
		}
	}
	assert.Equal(t, 2, counts[domain.EventRegionWritten])
	assert.Equal(t, 1, counts[domain.EventStoreArchived])
}
