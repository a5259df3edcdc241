// Package cache defines the persistence seam shared by the entity cache
// backends.
package cache

import "context"

// Store persists opaque records by key. Expiry is owned by the caller;
// backends never expire records on their own.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// MGet returns only the keys that were found.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Del(ctx context.Context, keys ...string) error
}
