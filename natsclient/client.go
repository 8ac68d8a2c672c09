// Package natsclient manages the relay's NATS connection and exposes a
// JetStream key-value wrapper used by the event store and the satellite
// registry for persistence.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
)

// Client wraps a NATS connection with JetStream access for KV buckets.
type Client struct {
	url  string
	opts clientOptions

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

type clientOptions struct {
	name          string
	connectWait   time.Duration
	maxReconnects int
	reconnectWait time.Duration
}

// ClientOption customizes client construction.
type ClientOption func(*clientOptions)

// WithName sets the connection name advertised to the NATS server.
func WithName(name string) ClientOption {
	return func(o *clientOptions) { o.name = name }
}

// WithConnectWait sets the initial connection timeout.
func WithConnectWait(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.connectWait = d }
}

// NewClient creates a client for the given NATS URL. Connect must be
// called before any other operation.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty NATS URL"), "natsclient", "NewClient", "validate url")
	}

	options := clientOptions{
		name:          "healthnote-relay",
		connectWait:   10 * time.Second,
		maxReconnects: -1, // reconnect forever
		reconnectWait: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Client{url: url, opts: options}, nil
}

// Connect establishes the NATS connection and JetStream context.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "natsclient", "Connect", "check state")
	}

	conn, err := nats.Connect(c.url,
		nats.Name(c.opts.name),
		nats.Timeout(c.opts.connectWait),
		nats.MaxReconnects(c.opts.maxReconnects),
		nats.ReconnectWait(c.opts.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Connect", "dial NATS")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "natsclient", "Connect", "create JetStream context")
	}

	c.conn = conn
	c.js = js

	// Respect a caller deadline if the connection is still warming up.
	if err := ctx.Err(); err != nil {
		c.closeLocked()
		return errors.WrapTransient(err, "natsclient", "Connect", "context check")
	}

	slog.Info("Connected to NATS", "url", conn.ConnectedUrl())
	return nil
}

// Connected reports whether the underlying connection is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// EnsureBucket creates the KV bucket if it does not exist and returns it.
func (c *Client) EnsureBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "natsclient", "EnsureBucket", "check connection")
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		// Lost the create race; the bucket exists now.
		bucket, getErr := js.KeyValue(ctx, cfg.Bucket)
		if getErr == nil {
			return bucket, nil
		}
		return nil, errors.WrapTransient(err, "natsclient", "EnsureBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	slog.Debug("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

// Close drains and closes the connection.
func (c *Client) Close(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.js = nil
}
