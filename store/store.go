// Package store persists accepted events in JetStream KV buckets and
// maintains the secondary indexes the query engine plans against: by-id
// (primary), by-author, by-kind, by-tag, and an expiry list.
//
// Posting lists are JSON arrays of (created_at, id) pairs held under one
// key per index value and maintained with CAS updates, so concurrent
// writers never lose entries. The full event is fetched from the primary
// only after a range scan has winnowed candidates.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/metric"
	"github.com/HealthNoteLabs/HealthNote-Relay/natsclient"
)

// Bucket names.
const (
	BucketEvents   = "events"
	BucketByAuthor = "idx-author"
	BucketByKind   = "idx-kind"
	BucketByTag    = "idx-tag"
	BucketExpiry   = "idx-expiry"
)

// expiryKey is the single posting list of events carrying an expires_at
// tag.
const expiryKey = "pending"

// Posting is one secondary-index entry: enough to order results without
// fetching the primary.
type Posting struct {
	CreatedAt int64  `json:"t"`
	ID        string `json:"id"`
}

// Store is the event store and index. Safe for concurrent use; index
// updates ride on KV CAS.
type Store struct {
	events   *natsclient.KV
	byAuthor *natsclient.KV
	byKind   *natsclient.KV
	byTag    *natsclient.KV
	expiry   *natsclient.KV

	metrics *metric.CoreMetrics
}

// New creates a Store over the five relay buckets, creating any that do
// not exist yet.
func New(ctx context.Context, client *natsclient.Client, metrics *metric.MetricsRegistry) (*Store, error) {
	buckets := make(map[string]*natsclient.KV, 5)
	for _, name := range []string{BucketEvents, BucketByAuthor, BucketByKind, BucketByTag, BucketExpiry} {
		bucket, err := client.EnsureBucket(ctx, jetstream.KeyValueConfig{
			Bucket:  name,
			Storage: jetstream.FileStorage,
		})
		if err != nil {
			return nil, errors.WrapFatal(err, "store", "New", fmt.Sprintf("ensure bucket %s", name))
		}
		buckets[name] = natsclient.NewKV(bucket)
	}

	s := &Store{
		events:   buckets[BucketEvents],
		byAuthor: buckets[BucketByAuthor],
		byKind:   buckets[BucketByKind],
		byTag:    buckets[BucketByTag],
		expiry:   buckets[BucketExpiry],
	}
	if metrics != nil {
		s.metrics = metrics.Core
	}
	return s, nil
}

// NewFromBuckets wires a Store over pre-built buckets. Used by tests.
func NewFromBuckets(events, byAuthor, byKind, byTag, expiry natsclient.Bucket) *Store {
	return &Store{
		events:   natsclient.NewKV(events),
		byAuthor: natsclient.NewKV(byAuthor),
		byKind:   natsclient.NewKV(byKind),
		byTag:    natsclient.NewKV(byTag),
		expiry:   natsclient.NewKV(expiry),
	}
}

func (s *Store) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Put stores an event and updates every applicable secondary index.
// Idempotent: storing a duplicate id is a no-op and reports inserted =
// false so callers skip fan-out.
func (s *Store) Put(ctx context.Context, e *event.Event) (inserted bool, err error) {
	defer s.observe("put", time.Now())

	data, err := e.Marshal()
	if err != nil {
		return false, errors.WrapInvalid(err, "store", "Put", "marshal event")
	}

	_, err = s.events.Create(ctx, e.ID, data)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKeyExists) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "store", "Put", "primary write")
	}

	posting := Posting{CreatedAt: e.CreatedAt, ID: e.ID}
	for _, idx := range s.indexKeysFor(e) {
		if err := s.addPosting(ctx, idx.kv, idx.key, posting); err != nil {
			return true, errors.WrapTransient(err, "store", "Put",
				fmt.Sprintf("index write %s", idx.key))
		}
	}

	if exp, ok := e.ExpiresAt(); ok {
		entry := Posting{CreatedAt: exp, ID: e.ID}
		if err := s.addPosting(ctx, s.expiry, expiryKey, entry); err != nil {
			return true, errors.WrapTransient(err, "store", "Put", "expiry index write")
		}
	}

	return true, nil
}

// Get fetches an event by id. Missing ids return errors.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*event.Event, error) {
	defer s.observe("get", time.Now())

	entry, err := s.events.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKeyNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "store", "Get", "primary read")
	}

	e, err := event.Unmarshal(entry.Value)
	if err != nil {
		// A primary entry that no longer parses is corruption, not a miss.
		return nil, errors.WrapFatal(err, "store", "Get", "decode stored event")
	}
	return e, nil
}

// RangeByAuthor returns postings for an author within [since, until],
// newest first, at most limitHint entries (0 = unbounded).
func (s *Store) RangeByAuthor(ctx context.Context, pubkey string, since, until int64, limitHint int) ([]Posting, error) {
	return s.rangePostings(ctx, s.byAuthor, pubkey, since, until, limitHint)
}

// RangeByKind is RangeByAuthor over the kind index.
func (s *Store) RangeByKind(ctx context.Context, kind int, since, until int64, limitHint int) ([]Posting, error) {
	return s.rangePostings(ctx, s.byKind, kindKey(kind), since, until, limitHint)
}

// RangeByTag is RangeByAuthor over the tag index. Only single-letter tag
// names are indexed; other names return no postings and callers fall back
// to post-filtering another index.
func (s *Store) RangeByTag(ctx context.Context, name, value string, since, until int64, limitHint int) ([]Posting, error) {
	if len(name) != 1 || value == "" {
		return nil, nil
	}
	return s.rangePostings(ctx, s.byTag, tagKey(name, value), since, until, limitHint)
}

// DeleteIfExpired removes every event whose expires_at tag is at or
// before now, from the primary and all secondary indexes. Returns the
// number of events deleted.
func (s *Store) DeleteIfExpired(ctx context.Context, now int64) (int, error) {
	defer s.observe("delete_expired", time.Now())

	entry, err := s.expiry.Get(ctx, expiryKey)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, errors.WrapTransient(err, "store", "DeleteIfExpired", "read expiry list")
	}

	var pending []Posting
	if err := json.Unmarshal(entry.Value, &pending); err != nil {
		return 0, errors.WrapFatal(err, "store", "DeleteIfExpired", "decode expiry list")
	}

	var due []Posting
	for _, p := range pending {
		if p.CreatedAt <= now {
			due = append(due, p)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	deleted := 0
	for _, p := range due {
		if err := s.delete(ctx, p.ID); err != nil {
			slog.Warn("expiry delete failed", "id", p.ID, "error", err)
			continue
		}
		deleted++
	}

	// Drop processed entries from the expiry list last, so a crash
	// mid-sweep re-attempts rather than orphans.
	err = s.expiry.UpdateWithRetry(ctx, expiryKey, func(current []byte) ([]byte, error) {
		var list []Posting
		if current != nil {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, err
			}
		}
		kept := list[:0]
		for _, p := range list {
			if p.CreatedAt > now {
				kept = append(kept, p)
			}
		}
		return json.Marshal(kept)
	})
	if err != nil {
		return deleted, errors.WrapTransient(err, "store", "DeleteIfExpired", "trim expiry list")
	}

	return deleted, nil
}

// delete removes one event from the primary and every secondary index.
func (s *Store) delete(ctx context.Context, id string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}

	for _, idx := range s.indexKeysFor(e) {
		if err := s.removePosting(ctx, idx.kv, idx.key, id); err != nil {
			return err
		}
	}

	return s.events.Delete(ctx, id)
}

// RebuildIndexes re-derives every secondary index from the primary
// bucket. Called on startup recovery when index buckets are suspected
// stale; primaries are the source of truth.
func (s *Store) RebuildIndexes(ctx context.Context) error {
	ids, err := s.events.Keys(ctx)
	if err != nil {
		return errors.WrapTransient(err, "store", "RebuildIndexes", "list primaries")
	}

	authors := make(map[string][]Posting)
	kinds := make(map[string][]Posting)
	tags := make(map[string][]Posting)
	var expiring []Posting

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		p := Posting{CreatedAt: e.CreatedAt, ID: e.ID}
		authors[e.PubKey] = append(authors[e.PubKey], p)
		kinds[kindKey(e.Kind)] = append(kinds[kindKey(e.Kind)], p)
		for _, tag := range e.Tags {
			if len(tag.Name()) == 1 && tag.Value() != "" {
				key := tagKey(tag.Name(), tag.Value())
				tags[key] = append(tags[key], p)
			}
		}
		if exp, ok := e.ExpiresAt(); ok {
			expiring = append(expiring, Posting{CreatedAt: exp, ID: e.ID})
		}
	}

	if err := s.overwriteIndex(ctx, s.byAuthor, authors); err != nil {
		return err
	}
	if err := s.overwriteIndex(ctx, s.byKind, kinds); err != nil {
		return err
	}
	if err := s.overwriteIndex(ctx, s.byTag, tags); err != nil {
		return err
	}

	expiryMap := map[string][]Posting{}
	if len(expiring) > 0 {
		expiryMap[expiryKey] = expiring
	}
	if err := s.overwriteIndex(ctx, s.expiry, expiryMap); err != nil {
		return err
	}

	slog.Info("rebuilt secondary indexes", "events", len(ids))
	return nil
}

// overwriteIndex replaces an index bucket's contents with the given
// posting lists, deleting keys that no longer exist.
func (s *Store) overwriteIndex(ctx context.Context, kv *natsclient.KV, want map[string][]Posting) error {
	existing, err := kv.Keys(ctx)
	if err != nil {
		return errors.WrapTransient(err, "store", "RebuildIndexes", "list index keys")
	}
	for _, key := range existing {
		if _, keep := want[key]; !keep {
			if err := kv.Delete(ctx, key); err != nil {
				return errors.WrapTransient(err, "store", "RebuildIndexes", "drop stale key")
			}
		}
	}
	for key, postings := range want {
		data, err := json.Marshal(postings)
		if err != nil {
			return errors.WrapInvalid(err, "store", "RebuildIndexes", "encode postings")
		}
		if _, err := kv.Put(ctx, key, data); err != nil {
			return errors.WrapTransient(err, "store", "RebuildIndexes", "write postings")
		}
	}
	return nil
}

type indexRef struct {
	kv  *natsclient.KV
	key string
}

// indexKeysFor enumerates the secondary-index keys an event belongs to.
func (s *Store) indexKeysFor(e *event.Event) []indexRef {
	refs := []indexRef{
		{s.byAuthor, e.PubKey},
		{s.byKind, kindKey(e.Kind)},
	}
	seen := make(map[string]bool)
	for _, tag := range e.Tags {
		if len(tag.Name()) != 1 || tag.Value() == "" {
			continue
		}
		key := tagKey(tag.Name(), tag.Value())
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, indexRef{s.byTag, key})
	}
	return refs
}

func (s *Store) addPosting(ctx context.Context, kv *natsclient.KV, key string, p Posting) error {
	return kv.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		var list []Posting
		if current != nil {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, err
			}
		}
		for _, existing := range list {
			if existing.ID == p.ID {
				return json.Marshal(list)
			}
		}
		return json.Marshal(append(list, p))
	})
}

func (s *Store) removePosting(ctx context.Context, kv *natsclient.KV, key, id string) error {
	return kv.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		var list []Posting
		if current != nil {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, err
			}
		}
		kept := list[:0]
		for _, p := range list {
			if p.ID != id {
				kept = append(kept, p)
			}
		}
		return json.Marshal(kept)
	})
}

func (s *Store) rangePostings(ctx context.Context, kv *natsclient.KV, key string, since, until int64, limitHint int) ([]Posting, error) {
	defer s.observe("range", time.Now())

	entry, err := kv.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "store", "Range", "read postings")
	}

	var list []Posting
	if err := json.Unmarshal(entry.Value, &list); err != nil {
		return nil, errors.WrapFatal(err, "store", "Range", "decode postings")
	}

	filtered := list[:0]
	for _, p := range list {
		if since > 0 && p.CreatedAt < since {
			continue
		}
		if until > 0 && p.CreatedAt > until {
			continue
		}
		filtered = append(filtered, p)
	}

	SortPostings(filtered)

	if limitHint > 0 && len(filtered) > limitHint {
		filtered = filtered[:limitHint]
	}
	return filtered, nil
}

// SortPostings orders postings newest first; ties break on id ascending
// so ordering is deterministic and stable.
func SortPostings(postings []Posting) {
	sort.SliceStable(postings, func(i, j int) bool {
		if postings[i].CreatedAt != postings[j].CreatedAt {
			return postings[i].CreatedAt > postings[j].CreatedAt
		}
		return postings[i].ID < postings[j].ID
	})
}

func kindKey(kind int) string {
	return strconv.Itoa(kind)
}

// tagKey builds the by-tag bucket key. Values are base64url-encoded
// because KV keys have a restricted character set.
func tagKey(name, value string) string {
	return name + "." + base64.RawURLEncoding.EncodeToString([]byte(value))
}
