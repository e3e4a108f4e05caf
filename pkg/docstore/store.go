// Package docstore provides key-value storage with a watch-and-commit
// primitive for optimistic concurrency.
//
// A Txn records the value of a key when it is opened. Commit succeeds only
// if no other writer committed to that key in the meantime; otherwise it
// returns ErrConflict and the caller is expected to start over with a new
// Txn. Implementations must be safe for concurrent use by many goroutines.
//
// Two implementations are provided:
//   - KVStore: NATS JetStream key-value bucket, using per-key revisions
//   - MemoryStore: in-process map with version counters (tests, single node)
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned by Txn.Commit when another writer committed
	// to the key after the transaction was opened.
	ErrConflict = errors.New("write conflict")

	// ErrTxnDone is returned when committing a transaction twice or after Discard.
	ErrTxnDone = errors.New("transaction already finished")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("store closed")
)

// Store is the storage contract consumed by the state manager.
type Store interface {
	// Get returns the current value of key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set unconditionally replaces the value of key.
	Set(ctx context.Context, key string, value []byte) error

	// Watch opens a transaction on key, capturing its current value.
	Watch(ctx context.Context, key string) (Txn, error)

	// Close releases resources owned by the store. Connections passed in
	// by the caller are not closed.
	Close() error
}

// Txn is a single optimistic read-modify-write attempt on one key.
type Txn interface {
	// Value returns the bytes observed when the watch began and whether
	// the key existed.
	Value() ([]byte, bool)

	// Commit writes value if the key is unchanged since Watch, or returns
	// ErrConflict.
	Commit(ctx context.Context, value []byte) error

	// Discard abandons the transaction without writing.
	Discard()
}
