package kafkaconsumer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/trail-cache/internal/invalidation"
)

// dedupe remembers the last applied event per source and op so redelivered
// or reordered events are not applied twice.
type dedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, invalidation.Event]
}

func newDedupe(size int) *dedupe {
	if size <= 0 {
		size = 1024
	}
	c, _ := lru.New[string, invalidation.Event](size)
	return &dedupe{lru: c}
}

// shouldApply reports whether ev supersedes the last applied event of its
// kind and records it if so.
func (d *dedupe) shouldApply(ev invalidation.Event) bool {
	key := ev.Source + "|" + ev.Op
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && !ev.NewerThan(last) {
		return false
	}
	d.lru.Add(key, ev)
	return true
}
