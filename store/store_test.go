package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/natsclient"
)

func newTestStore() *Store {
	return NewFromBuckets(
		natsclient.NewFakeBucket(BucketEvents),
		natsclient.NewFakeBucket(BucketByAuthor),
		natsclient.NewFakeBucket(BucketByKind),
		natsclient.NewFakeBucket(BucketByTag),
		natsclient.NewFakeBucket(BucketExpiry),
	)
}

var testAuthor *event.Identity

func authorIdentity(t *testing.T) *event.Identity {
	t.Helper()
	if testAuthor == nil {
		id, err := event.GenerateIdentity()
		require.NoError(t, err)
		testAuthor = id
	}
	return testAuthor
}

func makeEvent(t *testing.T, kind int, createdAt int64, tags []event.Tag, content string) *event.Event {
	t.Helper()
	e := &event.Event{CreatedAt: createdAt, Kind: kind, Tags: tags, Content: content}
	require.NoError(t, authorIdentity(t).Sign(e))
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	e := makeEvent(t, event.KindWorkoutRecord, 100, []event.Tag{{"t", "cardio"}}, "run")

	inserted, err := s.Put(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestPutIdempotentOnDuplicateID(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	e := makeEvent(t, event.KindWorkoutRecord, 100, nil, "once")

	inserted, err := s.Put(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Put(ctx, e)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate Put reports not inserted")

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore()
	_, err := s.Get(context.Background(), "feedface")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRangeByAuthorOrderedDescending(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var ids []string
	for i, ts := range []int64{50, 300, 100, 200} {
		e := makeEvent(t, event.KindWorkoutRecord, ts, nil, fmt.Sprintf("n%d", i))
		_, err := s.Put(ctx, e)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	postings, err := s.RangeByAuthor(ctx, authorIdentity(t).PubKey(), 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, postings, 4)
	assert.EqualValues(t, 300, postings[0].CreatedAt)
	assert.EqualValues(t, 200, postings[1].CreatedAt)
	assert.EqualValues(t, 100, postings[2].CreatedAt)
	assert.EqualValues(t, 50, postings[3].CreatedAt)
	assert.Equal(t, ids[1], postings[0].ID)
}

func TestRangeTimeBoundsAndLimit(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for _, ts := range []int64{10, 20, 30, 40} {
		e := makeEvent(t, event.KindExerciseTemplate, ts, nil, fmt.Sprintf("c%d", ts))
		_, err := s.Put(ctx, e)
		require.NoError(t, err)
	}

	postings, err := s.RangeByKind(ctx, event.KindExerciseTemplate, 20, 30, 0)
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.EqualValues(t, 30, postings[0].CreatedAt)
	assert.EqualValues(t, 20, postings[1].CreatedAt)

	postings, err = s.RangeByKind(ctx, event.KindExerciseTemplate, 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.EqualValues(t, 40, postings[0].CreatedAt)
}

func TestRangeByTag(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	chest := makeEvent(t, event.KindExerciseTemplate, 100, []event.Tag{{"t", "chest"}}, "bench")
	legs := makeEvent(t, event.KindExerciseTemplate, 200, []event.Tag{{"t", "legs"}}, "squat")
	for _, e := range []*event.Event{chest, legs} {
		_, err := s.Put(ctx, e)
		require.NoError(t, err)
	}

	postings, err := s.RangeByTag(ctx, "t", "chest", 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, chest.ID, postings[0].ID)

	// Multi-letter tag names are not indexed.
	postings, err = s.RangeByTag(ctx, "title", "bench", 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, postings)

	// Unknown value yields nothing.
	postings, err = s.RangeByTag(ctx, "t", "back", 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestDeleteIfExpired(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	expired := makeEvent(t, 32030, 100,
		[]event.Tag{{"expires_at", "500"}, {"t", "weight"}}, "expired")
	fresh := makeEvent(t, 32030, 100,
		[]event.Tag{{"expires_at", "5000"}}, "fresh")
	forever := makeEvent(t, 32030, 100, nil, "forever")

	for _, e := range []*event.Event{expired, fresh, forever} {
		_, err := s.Put(ctx, e)
		require.NoError(t, err)
	}

	deleted, err := s.DeleteIfExpired(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.Get(ctx, expired.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	for _, e := range []*event.Event{fresh, forever} {
		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
	}

	// Secondary indexes dropped along with the primary.
	postings, err := s.RangeByTag(ctx, "t", "weight", 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, postings)

	postings, err = s.RangeByKind(ctx, 32030, 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, postings, 2)

	// Second sweep is a no-op.
	deleted, err = s.DeleteIfExpired(ctx, 1000)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestDeleteIfExpiredBoundaryInclusive(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	e := makeEvent(t, 32030, 100, []event.Tag{{"expires_at", "1000"}}, "on the line")
	_, err := s.Put(ctx, e)
	require.NoError(t, err)

	deleted, err := s.DeleteIfExpired(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "expires_at <= now is removed")
}

func TestRebuildIndexes(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	events := []*event.Event{
		makeEvent(t, event.KindWorkoutRecord, 100, []event.Tag{{"t", "cardio"}}, "a"),
		makeEvent(t, event.KindExerciseTemplate, 200, []event.Tag{{"d", "pu"}}, "b"),
		makeEvent(t, 32030, 300, []event.Tag{{"expires_at", "9999"}}, "c"),
	}
	for _, e := range events {
		_, err := s.Put(ctx, e)
		require.NoError(t, err)
	}

	// Wreck the secondary indexes, then rebuild from primaries.
	fresh := newTestStore()
	fresh.events = s.events
	require.NoError(t, fresh.RebuildIndexes(ctx))

	postings, err := fresh.RangeByAuthor(ctx, authorIdentity(t).PubKey(), 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, postings, 3)

	postings, err = fresh.RangeByTag(ctx, "t", "cardio", 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, events[0].ID, postings[0].ID)

	deleted, err := fresh.DeleteIfExpired(ctx, 99999)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestSortPostingsTieBreaksOnID(t *testing.T) {
	postings := []Posting{
		{CreatedAt: 100, ID: "bb"},
		{CreatedAt: 100, ID: "aa"},
		{CreatedAt: 200, ID: "zz"},
	}
	SortPostings(postings)
	assert.Equal(t, "zz", postings[0].ID)
	assert.Equal(t, "aa", postings[1].ID)
	assert.Equal(t, "bb", postings[2].ID)
}

func TestPutSurfacesPrimaryErrors(t *testing.T) {
	events := natsclient.NewFakeBucket(BucketEvents)
	s := NewFromBuckets(events,
		natsclient.NewFakeBucket(BucketByAuthor),
		natsclient.NewFakeBucket(BucketByKind),
		natsclient.NewFakeBucket(BucketByTag),
		natsclient.NewFakeBucket(BucketExpiry),
	)

	events.FailNext = stderrors.New("jetstream down")
	e := makeEvent(t, event.KindWorkoutRecord, 100, nil, "x")
	_, err := s.Put(context.Background(), e)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
