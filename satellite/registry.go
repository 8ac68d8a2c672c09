// Package satellite tracks the external nodes that store private events
// on the relay's behalf: registration, liveness, routing, and the
// asynchronous forwarding of routed events.
package satellite

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/natsclient"
)

// BucketNodes is the KV bucket holding satellite node records.
const BucketNodes = "satellites"

// Node is a registered satellite: an external storage node that accepts
// private events of the kinds it advertises.
type Node struct {
	Pubkey         string    `json:"pubkey"`
	URL            string    `json:"url"`
	SupportedKinds []int     `json:"supported_kinds"`
	LastSeen       time.Time `json:"last_seen"`
}

// Validate checks a registration body.
func (n *Node) Validate() error {
	if n.Pubkey == "" {
		return fmt.Errorf("pubkey is required")
	}
	if n.URL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(n.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url %q is not absolute", n.URL)
	}
	if len(n.SupportedKinds) == 0 {
		return fmt.Errorf("supported_kinds must not be empty")
	}
	return nil
}

// SupportsKind reports whether the node accepts the given kind.
func (n *Node) SupportsKind(kind int) bool {
	for _, k := range n.SupportedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry is the satellite node registry. Reads are served from an
// in-memory table; writes go through the KV bucket first so records
// survive restarts, then update the table under the write lock.
type Registry struct {
	kv       *natsclient.KV
	liveness time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry creates a registry persisting to the given bucket.
func NewRegistry(bucket natsclient.Bucket, liveness time.Duration) *Registry {
	return &Registry{
		kv:       natsclient.NewKV(bucket),
		liveness: liveness,
		now:      time.Now,
		nodes:    make(map[string]Node),
	}
}

// Load repopulates the in-memory table from the persistent bucket. Must
// complete before the relay accepts private events for routing.
func (r *Registry) Load(ctx context.Context) error {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return errors.WrapTransient(err, "satellite", "Load", "list nodes")
	}

	loaded := make(map[string]Node, len(keys))
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, natsclient.ErrKeyNotFound) {
				continue
			}
			return errors.WrapTransient(err, "satellite", "Load", "read node")
		}
		var node Node
		if err := json.Unmarshal(entry.Value, &node); err != nil {
			return errors.WrapFatal(err, "satellite", "Load", "decode node record")
		}
		loaded[node.Pubkey] = node
	}

	r.mu.Lock()
	r.nodes = loaded
	r.mu.Unlock()

	slog.Info("satellite registry loaded", "nodes", len(loaded))
	return nil
}

// Register upserts a node by public key, setting last-seen to now. The
// record is durable before the table is updated.
func (r *Registry) Register(ctx context.Context, node Node) error {
	if err := node.Validate(); err != nil {
		return errors.WrapInvalid(err, "satellite", "Register", "validate node")
	}

	node.LastSeen = r.now()
	data, err := json.Marshal(node)
	if err != nil {
		return errors.WrapInvalid(err, "satellite", "Register", "encode node")
	}

	if _, err := r.kv.Put(ctx, node.Pubkey, data); err != nil {
		return errors.WrapTransient(err, "satellite", "Register", "persist node")
	}

	r.mu.Lock()
	r.nodes[node.Pubkey] = node
	r.mu.Unlock()

	slog.Info("registered satellite node", "pubkey", node.Pubkey, "url", node.URL)
	return nil
}

// Route picks the satellite for a private event: an explicit blossom tag
// naming a live node wins; otherwise the first live node supporting the
// event's kind (ordered by pubkey for determinism). Returns nil when no
// node qualifies.
func (r *Registry) Route(e *event.Event) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pinned, ok := e.TagValue(event.TagSatellite); ok {
		if node, exists := r.nodes[pinned]; exists && r.isLive(node) {
			return &node
		}
	}

	for _, key := range r.sortedKeys() {
		node := r.nodes[key]
		if r.isLive(node) && node.SupportsKind(e.Kind) {
			return &node
		}
	}
	return nil
}

// List returns a stable snapshot of currently-live nodes.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, key := range r.sortedKeys() {
		if node := r.nodes[key]; r.isLive(node) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func (r *Registry) isLive(node Node) bool {
	return r.now().Sub(node.LastSeen) <= r.liveness
}

// sortedKeys must be called with the lock held.
func (r *Registry) sortedKeys() []string {
	keys := make([]string, 0, len(r.nodes))
	for key := range r.nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
