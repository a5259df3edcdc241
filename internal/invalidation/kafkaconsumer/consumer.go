// Package kafkaconsumer applies cross-node invalidation events to the local
// caches.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	obs "github.com/mohammed-shakir/trail-cache/internal/core/observability"
	"github.com/mohammed-shakir/trail-cache/internal/invalidation"
	"github.com/mohammed-shakir/trail-cache/internal/logger"
)

// EntityInvalidator drops every cached query result.
type EntityInvalidator interface {
	InvalidateAll(ctx context.Context) error
}

type TileClearer interface {
	Clear() error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	entity EntityInvalidator
	tiles  TileClearer
	seen   *dedupe
	group  *groupHandler
}

// New builds a consumer. tiles may be nil.
func New(cfg Config, logger *slog.Logger, entity EntityInvalidator, tiles TileClearer) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		cfg:    cfg,
		logger: logger.With("component", "kafka_consumer"),
		entity: entity,
		tiles:  tiles,
		seen:   newDedupe(1024),
	}
	c.group = &groupHandler{process: c.ProcessOne}
	return c
}

// Start consumes invalidation events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.entity == nil {
		return errors.New("kafkaconsumer: missing entity cache")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, c.group); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("consumer error", "err", err, "topic", c.cfg.Topic)
				select {
				case <-ctx.Done():
				case <-time.After(c.cfg.RetryBackoff):
				}
			}
		}
	}
}

// Ready reports an error until the group has assigned this member at least
// one partition.
func (c *Consumer) Ready(context.Context) error {
	if c.group.assigned.Load() == 0 {
		return errors.New("no partitions assigned")
	}
	return nil
}

// ProcessOne applies a single event. Undecodable or invalid events are
// logged and acknowledged; only a failed invalidation is returned so the
// message is redelivered.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ctx = logger.WithComponent(ctx, "kafka_consumer")

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncInvalidationEvent("unknown", "decode_error")
		c.logger.WarnContext(ctx, "dropping undecodable event",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncInvalidationEvent(ev.Op, "invalid")
		c.logger.WarnContext(ctx, "dropping invalid event", "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.Source == c.cfg.Source {
		obs.IncInvalidationEvent(ev.Op, "skipped_self")
		return nil
	}
	if !c.seen.shouldApply(ev) {
		obs.IncInvalidationEvent(ev.Op, "duplicate")
		c.logger.DebugContext(ctx, "skipping superseded event", "op", ev.Op, "source", ev.Source)
		return nil
	}

	if err := c.entity.InvalidateAll(ctx); err != nil {
		obs.IncInvalidationEvent(ev.Op, "error")
		c.forget(ev)
		return fmt.Errorf("invalidate entity cache: %w", err)
	}
	if ev.Scope == invalidation.ScopeAll && c.tiles != nil {
		if err := c.tiles.Clear(); err != nil {
			obs.IncInvalidationEvent(ev.Op, "error")
			c.forget(ev)
			return fmt.Errorf("clear tile cache: %w", err)
		}
	}

	obs.IncInvalidationEvent(ev.Op, "ok")
	c.logger.InfoContext(ctx, "applied invalidation event",
		"op", ev.Op, "source", ev.Source, "dataset_version", ev.DatasetVersion, "scope", ev.Scope)
	return nil
}

// forget lets a redelivery of ev through after a failed apply.
func (c *Consumer) forget(ev invalidation.Event) {
	c.seen.mu.Lock()
	c.seen.lru.Remove(ev.Source + "|" + ev.Op)
	c.seen.mu.Unlock()
}
