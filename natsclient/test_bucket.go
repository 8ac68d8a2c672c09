package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// FakeBucket is an in-memory Bucket for tests. It honors revision
// semantics the way a JetStream KV bucket does, which is all the store
// and registries depend on.
type FakeBucket struct {
	mu       sync.Mutex
	name     string
	data     map[string]*fakeEntry
	revision uint64

	// FailNext makes the next mutating operation fail with the given
	// error, for exercising retry paths.
	FailNext error
}

type fakeEntry struct {
	value    []byte
	revision uint64
}

// NewFakeBucket creates an empty in-memory bucket.
func NewFakeBucket(name string) *FakeBucket {
	return &FakeBucket{name: name, data: make(map[string]*fakeEntry)}
}

func (f *FakeBucket) takeFailure() error {
	err := f.FailNext
	f.FailNext = nil
	return err
}

// Get implements Bucket.
func (f *FakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeKVEntry{bucket: f.name, key: key, value: entry.value, revision: entry.revision}, nil
}

// Put implements Bucket.
func (f *FakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return 0, err
	}
	f.revision++
	f.data[key] = &fakeEntry{value: append([]byte(nil), value...), revision: f.revision}
	return f.revision, nil
}

// Create implements Bucket.
func (f *FakeBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return 0, err
	}
	if _, exists := f.data[key]; exists {
		return 0, jetstream.ErrKeyExists
	}
	f.revision++
	f.data[key] = &fakeEntry{value: append([]byte(nil), value...), revision: f.revision}
	return f.revision, nil
}

// Update implements Bucket.
func (f *FakeBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return 0, err
	}
	entry, exists := f.data[key]
	if !exists || entry.revision != revision {
		return 0, ErrRevisionMismatch
	}
	f.revision++
	f.data[key] = &fakeEntry{value: append([]byte(nil), value...), revision: f.revision}
	return f.revision, nil
}

// Delete implements Bucket.
func (f *FakeBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return err
	}
	if _, exists := f.data[key]; !exists {
		return jetstream.ErrKeyNotFound
	}
	delete(f.data, key)
	return nil
}

// ListKeys implements Bucket.
func (f *FakeBucket) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	f.mu.Lock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	f.mu.Unlock()

	ch := make(chan string, len(keys))
	for _, k := range keys {
		ch <- k
	}
	close(ch)
	return &fakeKeyLister{ch: ch}, nil
}

// Len returns the number of stored keys.
func (f *FakeBucket) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

type fakeKVEntry struct {
	bucket   string
	key      string
	value    []byte
	revision uint64
}

func (e *fakeKVEntry) Bucket() string                  { return e.bucket }
func (e *fakeKVEntry) Key() string                     { return e.key }
func (e *fakeKVEntry) Value() []byte                   { return e.value }
func (e *fakeKVEntry) Revision() uint64                { return e.revision }
func (e *fakeKVEntry) Created() time.Time              { return time.Time{} }
func (e *fakeKVEntry) Delta() uint64                   { return 0 }
func (e *fakeKVEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type fakeKeyLister struct {
	ch chan string
}

func (l *fakeKeyLister) Keys() <-chan string { return l.ch }
func (l *fakeKeyLister) Stop() error         { return nil }
