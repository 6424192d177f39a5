// Package store provides the keyed store that backs the token authority.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: key not found")

// KeyedStore is a key/value store with per-key expiry and small string sets.
// Implementations must be safe for concurrent use and atomic per key.
type KeyedStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// AddToSet adds member to the set at key and refreshes the set's expiry.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	Members(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
