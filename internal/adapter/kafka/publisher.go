package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/seasonal-zarr-etl/internal/config"
	"github.com/couchcryptid/seasonal-zarr-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Publisher produces store lifecycle events to a Kafka topic.
// It implements pipeline.EventPublisher.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured events topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		// Workers publish one event per region; don't hold each for the
		// default one-second batch window.
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish serializes and writes events in a single WriteMessages call.
// Events of one store share a key and therefore a partition.
func (p *Publisher) Publish(ctx context.Context, events ...domain.StoreEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d store event(s): %w", len(msgs), err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a StoreEvent into a Kafka message.
func serializeToMessage(event domain.StoreEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize store event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.Store),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "emitted_at", Value: []byte(event.At.Format(time.RFC3339))},
		},
	}, nil
}

// DecodeMessage parses a message produced by Publisher.
func DecodeMessage(msg kafkago.Message) (domain.StoreEvent, error) {
	var ev domain.StoreEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return domain.StoreEvent{}, fmt.Errorf("decode store event at offset %d: %w", msg.Offset, err)
	}
	return ev, nil
}
