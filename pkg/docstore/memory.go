package docstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. Every successful write bumps the
// key's version; a Txn commits only if the version it observed is still
// current.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	closed  bool

	// BeforeCommit, when set, runs before each Commit takes the lock.
	// Tests use it to interleave competing writers.
	BeforeCommit func(key string)
}

type memEntry struct {
	value   []byte
	version uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.value), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.put(key, value)
	return nil
}

// Watch implements Store.
func (s *MemoryStore) Watch(ctx context.Context, key string) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.entries[key]
	return &memTxn{
		store:   s,
		key:     key,
		value:   clone(e.value),
		exists:  ok,
		version: e.version,
	}, nil
}

// Version returns the current version of key, 0 if absent.
func (s *MemoryStore) Version(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key].version
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) put(key string, value []byte) {
	e := s.entries[key]
	s.entries[key] = memEntry{value: clone(value), version: e.version + 1}
}

type memTxn struct {
	store   *MemoryStore
	key     string
	value   []byte
	exists  bool
	version uint64
	done    bool
}

func (t *memTxn) Value() ([]byte, bool) {
	return t.value, t.exists
}

func (t *memTxn) Commit(ctx context.Context, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook := t.store.BeforeCommit; hook != nil {
		hook(t.key)
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.entries[t.key].version != t.version {
		return ErrConflict
	}
	s.put(t.key, value)
	return nil
}

func (t *memTxn) Discard() {
	t.done = true
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
