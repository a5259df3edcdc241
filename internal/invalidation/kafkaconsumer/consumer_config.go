package kafkaconsumer

import (
	"time"

	"github.com/mohammed-shakir/trail-cache/internal/core/config"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// Source identifies this node; events it published are skipped.
	Source              string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	RetryBackoff        time.Duration
}

func FromConfig(c config.InvalidationCfg) Config {
	return Config{
		Brokers:          config.SplitCSV(c.Brokers),
		Topic:            c.Topic,
		GroupID:          c.GroupID,
		Source:           c.Source,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		// only events published while this node is running matter
		InitialOffsetOldest: false,
		RetryBackoff:        2 * time.Second,
	}
}
