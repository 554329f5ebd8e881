// Package cache provides a versioned key/value cache shared by worker processes,
// with single-flight population under one global lock.
package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has never been populated.
var ErrNotFound = errors.New("cache: key not found")

// Entry is a published payload together with its version. Versions start at 1
// and grow by exactly one per publish.
type Entry struct {
	Key     string
	Version uint64
	Payload []byte
}

// Store is the shared backing of a Cache. Implementations must make an
// entry's version and payload visible together: a Load never pairs a new
// version with an old or missing payload.
type Store interface {
	// Version returns the current version of key. found is false when the key
	// has never been published.
	Version(ctx context.Context, key string) (version uint64, found bool, err error)
	// Load returns the current entry of key.
	Load(ctx context.Context, key string) (entry Entry, found bool, err error)
	// Publish replaces the payload of key and increments its version in one
	// atomic step, returning the new version.
	Publish(ctx context.Context, key string, payload []byte) (uint64, error)
	// Lock acquires the store-wide population lock. The returned function
	// releases it and is safe to call more than once.
	Lock(ctx context.Context) (unlock func(), err error)
	Close() error
}
