// Package storage provides namespaced persistent key/value storage for
// plugins, with per-namespace byte accounting used for quota decisions.
//
// Quota enforcement itself lives with the permission layer: callers ask
// UsedBytes for the running total, authorize the write, and only then
// call Put. A denied write therefore never touches the store.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("storage is closed")

// Store is a namespaced key/value store. Namespaces are plugin ids;
// a plugin can never address another plugin's namespace because the
// namespace is fixed by its scoped storage handle.
type Store interface {
	// Put stores value under (namespace, key), replacing any previous
	// value.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Get returns the value for (namespace, key) and whether it exists.
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)

	// Delete removes (namespace, key). Deleting a missing key is a no-op.
	Delete(ctx context.Context, namespace, key string) error

	// Keys lists all keys in the namespace.
	Keys(ctx context.Context, namespace string) ([]string, error)

	// UsedBytes returns the total value bytes stored in the namespace.
	UsedBytes(ctx context.Context, namespace string) (int64, error)

	// SizeOf returns the stored value size for (namespace, key), or 0
	// if absent.
	SizeOf(ctx context.Context, namespace, key string) (int64, error)

	// Close releases the store.
	Close() error
}
