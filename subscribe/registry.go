// Package subscribe tracks live subscriptions across connections and
// matches newly accepted events against them. Readers (the fan-out path)
// work from a copy-on-write snapshot published with an atomic swap, so a
// match in flight always sees a consistent subscription set; writers
// (subscribe, unsubscribe, connection close) serialize on a mutex and
// publish a fresh snapshot.
package subscribe

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/metric"
)

// Conn is the connection surface the registry needs: a stable id and a
// way to enqueue a live EVENT frame. Enqueueing must not block the
// publisher; the gateway's bounded frame queue absorbs slow consumers.
type Conn interface {
	ID() string
	EnqueueLive(label string, e *event.Event)
}

// Subscription is a labeled, connection-scoped registration of filters.
// Between creation and the end of its backlog replay, live matches are
// buffered; FinishBacklog flushes them after the EOSE sentinel so frame
// order per subscription is backlog, EOSE, live.
type Subscription struct {
	conn    Conn
	label   string
	filters []event.Filter

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	backlogDone bool
	pending     []*event.Event
}

// Label returns the client-chosen subscription label.
func (s *Subscription) Label() string { return s.label }

// Filters returns the subscription's filter list.
func (s *Subscription) Filters() []event.Filter { return s.filters }

// Context is cancelled when the subscription is removed or replaced;
// backlog queries run under it so cancellation lands at the next yield
// point.
func (s *Subscription) Context() context.Context { return s.ctx }

// deliver routes one accepted event to the subscription: buffered while
// the backlog replay is still running, enqueued directly once live.
func (s *Subscription) deliver(e *event.Event) {
	s.mu.Lock()
	if !s.backlogDone {
		s.pending = append(s.pending, e)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.conn.EnqueueLive(s.label, e)
}

// FinishBacklog promotes the subscription to live. delivered holds the
// ids already sent during backlog replay; buffered matches not among
// them are flushed, in acceptance order, after the caller has emitted
// EOSE.
func (s *Subscription) FinishBacklog(delivered map[string]bool) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.backlogDone = true
	s.mu.Unlock()

	for _, e := range pending {
		if delivered[e.ID] {
			continue
		}
		s.conn.EnqueueLive(s.label, e)
	}
}

// snapshot is the immutable view the fan-out path reads. Subscriptions
// whose every filter names kinds (or, failing that, authors) are grouped
// so an accepted event only scans the relevant group.
type snapshot struct {
	byKind   map[int][]*Subscription
	byAuthor map[string][]*Subscription
	rest     []*Subscription
	count    int
}

// Registry is the subscription registry.
type Registry struct {
	mu   sync.Mutex
	subs map[string]map[string]*Subscription // conn id → label → sub

	snap    atomic.Pointer[snapshot]
	metrics *metric.CoreMetrics
}

// NewRegistry creates an empty registry.
func NewRegistry(metrics *metric.MetricsRegistry) *Registry {
	r := &Registry{subs: make(map[string]map[string]*Subscription)}
	if metrics != nil {
		r.metrics = metrics.Core
	}
	r.snap.Store(&snapshot{})
	return r
}

// Subscribe installs a subscription, atomically replacing any existing
// one with the same label on the same connection. The replaced
// subscription's context is cancelled, terminating its backlog replay at
// the next yield point.
func (r *Registry) Subscribe(conn Conn, label string, filters []event.Filter) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		conn:    conn,
		label:   label,
		filters: filters,
		ctx:     ctx,
		cancel:  cancel,
	}

	r.mu.Lock()
	byLabel, ok := r.subs[conn.ID()]
	if !ok {
		byLabel = make(map[string]*Subscription)
		r.subs[conn.ID()] = byLabel
	}
	if old, exists := byLabel[label]; exists {
		old.cancel()
	}
	byLabel[label] = sub
	r.publishLocked()
	r.mu.Unlock()

	return sub
}

// Unsubscribe removes the labeled subscription. Unknown labels are
// silently ignored.
func (r *Registry) Unsubscribe(connID, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byLabel, ok := r.subs[connID]
	if !ok {
		return
	}
	sub, exists := byLabel[label]
	if !exists {
		return
	}
	sub.cancel()
	delete(byLabel, label)
	if len(byLabel) == 0 {
		delete(r.subs, connID)
	}
	r.publishLocked()
}

// DropConnection removes every subscription owned by a connection.
func (r *Registry) DropConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byLabel, ok := r.subs[connID]
	if !ok {
		return
	}
	for _, sub := range byLabel {
		sub.cancel()
	}
	delete(r.subs, connID)
	r.publishLocked()
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	return r.snap.Load().count
}

// Dispatch fans an accepted event out to every matching subscription, on
// the caller's goroutine, by enqueueing on each target connection. The
// snapshot read here is the set installed at acceptance time.
func (r *Registry) Dispatch(e *event.Event) {
	snap := r.snap.Load()

	deliver := func(sub *Subscription) {
		if event.MatchesAny(sub.filters, e) {
			sub.deliver(e)
		}
	}

	for _, sub := range snap.byKind[e.Kind] {
		deliver(sub)
	}
	for _, sub := range snap.byAuthor[e.PubKey] {
		deliver(sub)
	}
	for _, sub := range snap.rest {
		deliver(sub)
	}
}

// publishLocked rebuilds and swaps in the snapshot; callers hold r.mu.
func (r *Registry) publishLocked() {
	next := &snapshot{
		byKind:   make(map[int][]*Subscription),
		byAuthor: make(map[string][]*Subscription),
	}

	for _, byLabel := range r.subs {
		for _, sub := range byLabel {
			next.count++
			switch {
			case allFiltersHaveKinds(sub.filters):
				for _, kind := range kindSet(sub.filters) {
					next.byKind[kind] = append(next.byKind[kind], sub)
				}
			case allFiltersHaveAuthors(sub.filters):
				for _, author := range authorSet(sub.filters) {
					next.byAuthor[author] = append(next.byAuthor[author], sub)
				}
			default:
				next.rest = append(next.rest, sub)
			}
		}
	}

	r.snap.Store(next)
	if r.metrics != nil {
		r.metrics.SubscriptionsActive.Set(float64(next.count))
	}
}

func allFiltersHaveKinds(filters []event.Filter) bool {
	if len(filters) == 0 {
		return false
	}
	for i := range filters {
		if len(filters[i].Kinds) == 0 {
			return false
		}
	}
	return true
}

func allFiltersHaveAuthors(filters []event.Filter) bool {
	if len(filters) == 0 {
		return false
	}
	for i := range filters {
		if len(filters[i].Authors) == 0 {
			return false
		}
	}
	return true
}

func kindSet(filters []event.Filter) []int {
	seen := make(map[int]bool)
	var kinds []int
	for i := range filters {
		for _, kind := range filters[i].Kinds {
			if !seen[kind] {
				seen[kind] = true
				kinds = append(kinds, kind)
			}
		}
	}
	return kinds
}

func authorSet(filters []event.Filter) []string {
	seen := make(map[string]bool)
	var authors []string
	for i := range filters {
		for _, author := range filters[i].Authors {
			if !seen[author] {
				seen[author] = true
				authors = append(authors, author)
			}
		}
	}
	return authors
}
