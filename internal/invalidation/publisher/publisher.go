// Package publisher announces dataset installs and invalidations to other
// nodes over Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	obs "github.com/mohammed-shakir/trail-cache/internal/core/observability"
	"github.com/mohammed-shakir/trail-cache/internal/invalidation"
)

// messageKey pins every event to one partition so peers see them in order.
const messageKey = "dataset"

type Publisher struct {
	topic  string
	source string
	prod   sarama.SyncProducer
	now    func() time.Time
	logger *slog.Logger
}

func New(brokers []string, topic, source string, logger *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("publisher: create sync producer: %w", err)
	}
	return NewWithProducer(prod, topic, source, logger), nil
}

// NewWithProducer wraps an existing producer; Close closes it.
func NewWithProducer(prod sarama.SyncProducer, topic, source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		topic:  topic,
		source: source,
		prod:   prod,
		now:    time.Now,
		logger: logger.With("component", "kafka_publisher"),
	}
}

// PublishInstalled announces that v is now active on this node.
func (p *Publisher) PublishInstalled(ctx context.Context, v model.DatasetVersion) error {
	return p.publish(ctx, invalidation.Event{
		Version:        1,
		Op:             invalidation.OpDatasetInstalled,
		DatasetVersion: v.Version,
	})
}

// PublishInvalidate asks peers to drop cached results in scope.
func (p *Publisher) PublishInvalidate(ctx context.Context, scope string) error {
	return p.publish(ctx, invalidation.Event{Version: 1, Op: invalidation.OpInvalidate, Scope: scope})
}

func (p *Publisher) publish(ctx context.Context, ev invalidation.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.TS = p.now().UTC()
	ev.Source = p.source
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publisher: marshal: %w", err)
	}
	part, off, err := p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(messageKey),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		obs.IncInvalidationEvent(ev.Op, "publish_error")
		return fmt.Errorf("publisher: send %s: %w", ev.Op, err)
	}
	obs.IncInvalidationEvent(ev.Op, "published")
	p.logger.InfoContext(ctx, "published invalidation event",
		"op", ev.Op, "dataset_version", ev.DatasetVersion, "partition", part, "offset", off)
	return nil
}

func (p *Publisher) Close() error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("publisher: close producer: %w", err)
	}
	return nil
}
