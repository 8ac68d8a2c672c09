package satellite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/natsclient"
)

var frozen = time.Unix(1700000000, 0)

func newTestRegistry() (*Registry, *natsclient.FakeBucket) {
	bucket := natsclient.NewFakeBucket(BucketNodes)
	r := NewRegistry(bucket, 24*time.Hour)
	r.now = func() time.Time { return frozen }
	return r, bucket
}

func testNode(pubkey string, kinds ...int) Node {
	return Node{
		Pubkey:         pubkey,
		URL:            "https://" + pubkey + ".example.com",
		SupportedKinds: kinds,
	}
}

func TestRegisterUpserts(t *testing.T) {
	r, bucket := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testNode("aa", 32018)))
	assert.Equal(t, 1, bucket.Len())

	nodes := r.List()
	require.Len(t, nodes, 1)
	assert.Equal(t, "aa", nodes[0].Pubkey)
	assert.Equal(t, frozen, nodes[0].LastSeen)

	// Re-registration replaces the record (heartbeat).
	updated := testNode("aa", 32018, 32020)
	require.NoError(t, r.Register(ctx, updated))
	assert.Equal(t, 1, bucket.Len())

	nodes = r.List()
	require.Len(t, nodes, 1)
	assert.Equal(t, []int{32018, 32020}, nodes[0].SupportedKinds)
}

func TestRegisterValidates(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	tests := []struct {
		name string
		node Node
	}{
		{"missing pubkey", Node{URL: "https://x.example.com", SupportedKinds: []int{1}}},
		{"missing url", Node{Pubkey: "aa", SupportedKinds: []int{1}}},
		{"relative url", Node{Pubkey: "aa", URL: "/events", SupportedKinds: []int{1}}},
		{"no kinds", Node{Pubkey: "aa", URL: "https://x.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(ctx, tt.node)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestRouteByKind(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testNode("bb", 32020)))
	require.NoError(t, r.Register(ctx, testNode("aa", 32018)))

	e := &event.Event{Kind: 32018}
	node := r.Route(e)
	require.NotNil(t, node)
	assert.Equal(t, "aa", node.Pubkey)

	e = &event.Event{Kind: 32020}
	node = r.Route(e)
	require.NotNil(t, node)
	assert.Equal(t, "bb", node.Pubkey)

	// No node supports 32030.
	assert.Nil(t, r.Route(&event.Event{Kind: 32030}))
}

func TestRouteDeterministicOrder(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testNode("cc", 32018)))
	require.NoError(t, r.Register(ctx, testNode("aa", 32018)))
	require.NoError(t, r.Register(ctx, testNode("bb", 32018)))

	for i := 0; i < 5; i++ {
		node := r.Route(&event.Event{Kind: 32018})
		require.NotNil(t, node)
		assert.Equal(t, "aa", node.Pubkey, "first live node by pubkey order")
	}
}

func TestRouteExplicitTagWins(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testNode("aa", 32018)))
	require.NoError(t, r.Register(ctx, testNode("bb", 32018)))

	e := &event.Event{Kind: 32018, Tags: []event.Tag{{event.TagSatellite, "bb"}}}
	node := r.Route(e)
	require.NotNil(t, node)
	assert.Equal(t, "bb", node.Pubkey)

	// Tag naming an unknown node falls back to kind routing.
	e = &event.Event{Kind: 32018, Tags: []event.Tag{{event.TagSatellite, "zz"}}}
	node = r.Route(e)
	require.NotNil(t, node)
	assert.Equal(t, "aa", node.Pubkey)
}

func TestStaleNodesExcluded(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testNode("aa", 32018)))

	// Move the clock 25 hours forward: the node is stale.
	r.now = func() time.Time { return frozen.Add(25 * time.Hour) }

	assert.Empty(t, r.List())
	assert.Nil(t, r.Route(&event.Event{Kind: 32018}))

	// A stale node pinned by tag is also excluded.
	e := &event.Event{Kind: 32018, Tags: []event.Tag{{event.TagSatellite, "aa"}}}
	assert.Nil(t, r.Route(e))
}

func TestLoadRepopulatesFromBucket(t *testing.T) {
	first, bucket := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, first.Register(ctx, testNode("aa", 32018)))
	require.NoError(t, first.Register(ctx, testNode("bb", 32020)))

	// A fresh registry over the same bucket starts empty, then loads.
	second := NewRegistry(bucket, 24*time.Hour)
	second.now = func() time.Time { return frozen }
	assert.Empty(t, second.List())

	require.NoError(t, second.Load(ctx))
	assert.Len(t, second.List(), 2)

	node := second.Route(&event.Event{Kind: 32020})
	require.NotNil(t, node)
	assert.Equal(t, "bb", node.Pubkey)
}

func TestListReturnsSnapshot(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, testNode("aa", 32018)))

	nodes := r.List()
	nodes[0].URL = "mutated"

	again := r.List()
	assert.NotEqual(t, "mutated", again[0].URL, "List returns copies")
}
