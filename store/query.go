package store

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/metric"
)

// Limits bounds query result sizes. A filter without an explicit limit
// gets Default; no filter may exceed Max.
type Limits struct {
	Default int
	Max     int
}

// Engine translates filter sets into ordered event streams using the
// store's indexes. Per filter it scans the most selective index
// (ids > tag filters > authors > kinds > time-only), post-filters the
// candidates, and stops at the limit; across filters it unions results,
// deduplicates by id, and orders by created_at descending with id
// ascending as the tie-break.
type Engine struct {
	store  *Store
	limits Limits

	metrics *metric.CoreMetrics
}

// NewEngine creates a query engine over the store.
func NewEngine(s *Store, limits Limits, metrics *metric.MetricsRegistry) *Engine {
	e := &Engine{store: s, limits: limits}
	if metrics != nil {
		e.metrics = metrics.Core
	}
	return e
}

// Query runs the filter set and returns matching events, newest first.
// Cancellation is checked between yielded events so long backlog queries
// stop at the next yield point.
func (q *Engine) Query(ctx context.Context, filters []event.Filter) ([]*event.Event, error) {
	start := time.Now()
	defer func() {
		if q.metrics != nil {
			q.metrics.QueryDuration.Observe(time.Since(start).Seconds())
		}
	}()

	seen := make(map[string]bool)
	var results []*event.Event
	unionLimit := 0

	for i := range filters {
		f := &filters[i]

		limit := q.effectiveLimit(f)
		if limit == 0 {
			// Explicit limit 0 means "no results" for this filter.
			continue
		}
		if limit > unionLimit {
			unionLimit = limit
		}

		matched, err := q.runFilter(ctx, f, limit, seen)
		if err != nil {
			return nil, err
		}
		results = append(results, matched...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID < results[j].ID
	})

	if unionLimit > 0 && len(results) > unionLimit {
		results = results[:unionLimit]
	}
	return results, nil
}

// effectiveLimit resolves a filter's limit against the engine bounds.
func (q *Engine) effectiveLimit(f *event.Filter) int {
	if f.Limit == nil {
		return q.limits.Default
	}
	limit := *f.Limit
	if limit <= 0 {
		return 0
	}
	if limit > q.limits.Max {
		return q.limits.Max
	}
	return limit
}

// runFilter produces up to limit events matching one filter, skipping ids
// already in seen and recording new ones there.
func (q *Engine) runFilter(ctx context.Context, f *event.Filter, limit int, seen map[string]bool) ([]*event.Event, error) {
	if f.IsEmpty() {
		// An empty filter matches nothing; this guards fleet queries.
		return nil, nil
	}

	candidates, err := q.candidates(ctx, f)
	if err != nil {
		return nil, err
	}

	var matched []*event.Event
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return matched, err
		}
		if len(matched) >= limit {
			break
		}
		if seen[p.ID] {
			continue
		}

		e, err := q.store.Get(ctx, p.ID)
		if err != nil {
			if stderrors.Is(err, errors.ErrNotFound) {
				// Index entry without a primary: stale posting, skip it.
				continue
			}
			return nil, err
		}
		if !f.Matches(e) {
			continue
		}

		seen[p.ID] = true
		matched = append(matched, e)
	}

	return matched, nil
}

// candidates scans the most selective index for the filter and returns
// postings newest first.
func (q *Engine) candidates(ctx context.Context, f *event.Filter) ([]Posting, error) {
	since, until := timeBounds(f)
	tagName, tagValues := mostSelectiveTag(f.Tags)

	switch {
	case f.IDs != nil:
		// ids are already unique keys; order is resolved after fetch.
		postings := make([]Posting, 0, len(f.IDs))
		for _, id := range f.IDs {
			postings = append(postings, Posting{ID: id})
		}
		return postings, nil

	case tagName != "":
		return q.unionRanges(ctx, tagValues, func(value string) ([]Posting, error) {
			return q.store.RangeByTag(ctx, tagName, value, since, until, 0)
		})

	case f.Authors != nil:
		return q.unionRanges(ctx, f.Authors, func(author string) ([]Posting, error) {
			return q.store.RangeByAuthor(ctx, author, since, until, 0)
		})

	case f.Kinds != nil:
		return q.unionKinds(ctx, f.Kinds, since, until)

	default:
		// Time-only filter: the allow-list is small, so fan out across
		// every supported kind and the reference kind instead of keeping
		// a global time index.
		return q.unionKinds(ctx, append(event.SupportedKinds(), event.KindReference), since, until)
	}
}

func (q *Engine) unionKinds(ctx context.Context, kinds []int, since, until int64) ([]Posting, error) {
	var union []Posting
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		postings, err := q.store.RangeByKind(ctx, kind, since, until, 0)
		if err != nil {
			return nil, err
		}
		union = append(union, postings...)
	}
	SortPostings(union)
	return union, nil
}

func (q *Engine) unionRanges(ctx context.Context, keys []string, scan func(string) ([]Posting, error)) ([]Posting, error) {
	var union []Posting
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		postings, err := scan(key)
		if err != nil {
			return nil, err
		}
		union = append(union, postings...)
	}
	SortPostings(union)
	return union, nil
}

// mostSelectiveTag picks the single-letter tag constraint with the fewest
// values, breaking ties on the letter for determinism, and returns "" when
// there is none. Multi-letter names are not indexed; they and the
// remaining tag constraints are enforced by the post-filter.
func mostSelectiveTag(tags map[string][]string) (string, []string) {
	var bestName string
	var bestValues []string
	for name, values := range tags {
		if len(name) != 1 {
			continue
		}
		if bestName == "" ||
			len(values) < len(bestValues) ||
			(len(values) == len(bestValues) && name < bestName) {
			bestName = name
			bestValues = values
		}
	}
	return bestName, bestValues
}

func timeBounds(f *event.Filter) (int64, int64) {
	var since, until int64
	if f.Since != nil {
		since = *f.Since
	}
	if f.Until != nil {
		until = *f.Until
	}
	return since, until
}
