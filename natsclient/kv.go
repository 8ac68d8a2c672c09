package natsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/HealthNoteLabs/HealthNote-Relay/pkg/retry"
)

// Well-known KV errors.
var (
	ErrKeyNotFound         = errors.New("kv: key not found")
	ErrKeyExists           = errors.New("kv: key already exists")
	ErrRevisionMismatch    = errors.New("kv: revision mismatch (concurrent update)")
	ErrCASRetriesExhausted = errors.New("kv: CAS retries exhausted")
)

// Entry wraps a KV entry with its revision for CAS operations.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Bucket is the subset of jetstream.KeyValue the relay uses. Narrowing
// the dependency keeps the store and registry testable without a server.
type Bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// KV provides KV operations with built-in CAS retry over a JetStream
// bucket.
type KV struct {
	bucket  Bucket
	timeout time.Duration
	casCfg  retry.Config
}

// NewKV wraps a bucket with the default per-operation timeout and CAS
// retry policy.
func NewKV(bucket Bucket) *KV {
	return &KV{
		bucket:  bucket,
		timeout: 5 * time.Second,
		casCfg:  retry.CAS(),
	}
}

func (kv *KV) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.timeout > 0 {
		return context.WithTimeout(ctx, kv.timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision.
func (kv *KV) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &Entry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put creates or updates a key without a revision check (last writer wins).
func (kv *KV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Create stores a key only if it does not exist yet.
func (kv *KV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if isConflict(err) {
			return 0, ErrKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update performs a CAS update with an explicit revision.
func (kv *KV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if isConflict(err) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (kv *KV) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil && !isNotFound(err) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys lists every key in the bucket. Used by index rebuild; not on any
// per-message path.
func (kv *KV) Keys(ctx context.Context) ([]string, error) {
	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// UpdateWithRetry reads the current value of key, applies updateFn, and
// writes the result back with CAS, retrying on conflicts. A missing key is
// presented to updateFn as nil and created on write.
func (kv *KV) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	err := retry.Do(ctx, kv.casCfg, func() error {
		var current []byte
		var revision uint64

		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current = entry.Value
			revision = entry.Revision
		case errors.Is(err, ErrKeyNotFound):
			// Create path below
		default:
			return fmt.Errorf("kv get during update: %w", err)
		}

		newValue, err := updateFn(current)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("update function: %w", err))
		}

		if revision == 0 {
			_, err = kv.Create(ctx, key, newValue)
		} else {
			_, err = kv.Update(ctx, key, newValue, revision)
		}
		// Conflicts are returned as-is so the retry loop re-reads and
		// reapplies; everything else bubbles up with context.
		return err
	})

	if err != nil && (errors.Is(err, ErrKeyExists) || errors.Is(err, ErrRevisionMismatch)) {
		return ErrCASRetriesExhausted
	}
	return err
}

// isNotFound checks whether an error indicates a missing key, covering
// both our sentinel and raw NATS errors.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// isConflict checks whether an error indicates a CAS conflict (key exists
// or wrong revision).
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRevisionMismatch) || errors.Is(err, ErrKeyExists) ||
		errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "key exists")
}
