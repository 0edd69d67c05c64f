/*
Package store is the opaque persistence collaborator of the fabric.

The fabric itself never interprets what it stores: application handlers get a
session handle for their own state, the shutdown coordinator parks undelivered
mail and its final report, and the reconnection ledger can spill parked
sessions across restarts. Everything is a key, a byte slice and an optional
TTL.
*/
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or its TTL
// already expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal KV contract shared by the in-memory and embedded
// implementations.
type Store interface {
	// Put writes value under key. ttl == 0 keeps the entry forever.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases the backing resources.
	Close() error
}
