package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// KVConfig configures the JetStream bucket backing a KVStore.
type KVConfig struct {
	Bucket   string
	Replicas int
	// InMemory selects memory storage instead of file storage.
	InMemory bool
}

// KVStore implements Store on a NATS JetStream key-value bucket.
//
// Each key keeps its latest revision (JetStream stream sequence). Watch
// records the revision it read and Commit issues a revision-conditioned
// update, so the server itself rejects a commit when another writer got
// there first. No lock is held between Watch and Commit.
type KVStore struct {
	kv jetstream.KeyValue
}

// OpenKVStore binds to the configured bucket, creating it if needed.
// The JetStream handle (and its connection) stays owned by the caller.
func OpenKVStore(ctx context.Context, js jetstream.JetStream, cfg KVConfig) (*KVStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	storage := jetstream.FileStorage
	if cfg.InMemory {
		storage = jetstream.MemoryStorage
	}
	replicas := cfg.Replicas
	if replicas < 1 {
		replicas = 1
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "planhub plan document",
		History:     1,
		Replicas:    replicas,
		Storage:     storage,
	})
	if err != nil {
		return nil, fmt.Errorf("opening kv bucket %s: %w", cfg.Bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

// NewKVStore wraps an existing bucket handle.
func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isMissing(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Set implements Store.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Watch implements Store.
func (s *KVStore) Watch(ctx context.Context, key string) (Txn, error) {
	entry, err := s.kv.Get(ctx, key)
	switch {
	case err == nil:
		return &kvTxn{kv: s.kv, key: key, value: entry.Value(), exists: true, revision: entry.Revision()}, nil
	case isMissing(err):
		return &kvTxn{kv: s.kv, key: key}, nil
	default:
		return nil, fmt.Errorf("kv watch %s: %w", key, err)
	}
}

// Close implements Store. The bucket handle has nothing to release.
func (s *KVStore) Close() error {
	return nil
}

type kvTxn struct {
	kv       jetstream.KeyValue
	key      string
	value    []byte
	exists   bool
	revision uint64
	done     bool
}

func (t *kvTxn) Value() ([]byte, bool) {
	return t.value, t.exists
}

func (t *kvTxn) Commit(ctx context.Context, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	var err error
	if t.exists {
		_, err = t.kv.Update(ctx, t.key, value, t.revision)
	} else {
		_, err = t.kv.Create(ctx, t.key, value)
	}
	if err == nil {
		return nil
	}
	if isConflict(err) {
		return ErrConflict
	}
	return fmt.Errorf("kv commit %s: %w", t.key, err)
}

func (t *kvTxn) Discard() {
	t.done = true
}

func isMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// isConflict matches the "wrong last sequence" rejection JetStream returns
// for revision-conditioned writes, including the key-exists form Create uses.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}
