// Package relay is the ingest pipeline: validate, classify, store or
// route, synthesize references, and fan accepted events out to live
// subscriptions. It binds the validator, classifier, store, satellite
// registry, forwarder, and subscription registry behind the single
// Publish operation the gateway calls.
package relay

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/metric"
	"github.com/HealthNoteLabs/HealthNote-Relay/satellite"
	"github.com/HealthNoteLabs/HealthNote-Relay/store"
	"github.com/HealthNoteLabs/HealthNote-Relay/subscribe"
)

// Relay is the ingest pipeline.
type Relay struct {
	validator  *event.Validator
	store      *store.Store
	satellites *satellite.Registry
	forwarder  *satellite.Forwarder
	subs       *subscribe.Registry
	identity   *event.Identity

	now     func() time.Time
	metrics *metric.CoreMetrics
}

// New wires the pipeline.
func New(
	validator *event.Validator,
	st *store.Store,
	satellites *satellite.Registry,
	forwarder *satellite.Forwarder,
	subs *subscribe.Registry,
	identity *event.Identity,
	metrics *metric.MetricsRegistry,
) *Relay {
	r := &Relay{
		validator:  validator,
		store:      st,
		satellites: satellites,
		forwarder:  forwarder,
		subs:       subs,
		identity:   identity,
		now:        time.Now,
	}
	if metrics != nil {
		r.metrics = metrics.Core
	}
	return r
}

// Publish processes one inbound event end to end and returns the OK
// frame payload: acceptance and a message. Validation failures surface
// per-message; the message begins with the machine-readable error
// prefix. notify fires later on the originating connection if
// asynchronous satellite forwarding gives up: the node rejects the event,
// the retry budget is exhausted, or the forwarder is stopped.
func (r *Relay) Publish(ctx context.Context, e *event.Event, notify func(string)) (bool, string) {
	if err := r.validator.Validate(e, r.now()); err != nil {
		r.rejected(err)
		return false, err.Error()
	}

	level := event.Classify(e)

	switch level {
	case event.Private:
		return r.publishPrivate(ctx, e, level, notify)
	default:
		return r.publishLocal(ctx, e, level)
	}
}

// publishLocal stores a public or limited event on the relay and fans it
// out.
func (r *Relay) publishLocal(ctx context.Context, e *event.Event, level event.PrivacyLevel) (bool, string) {
	inserted, err := r.store.Put(ctx, e)
	if err != nil {
		slog.Error("store put failed", "event", e.ID, "error", err)
		return false, "error: storage unavailable"
	}
	if !inserted {
		// Duplicate id: success without a second fan-out.
		return true, "duplicate: already have this event"
	}

	r.accepted(level)
	r.subs.Dispatch(e)
	return true, ""
}

// publishPrivate routes a private event to a satellite. The original is
// forwarded asynchronously; the relay stores only a signed public
// reference. With no satellite available the event falls back to local
// storage.
func (r *Relay) publishPrivate(ctx context.Context, e *event.Event, level event.PrivacyLevel, notify func(string)) (bool, string) {
	node := r.satellites.Route(e)
	if node == nil {
		ok, message := r.publishLocal(ctx, e, level)
		if ok && message == "" {
			message = "no satellite available; stored locally"
		}
		return ok, message
	}

	ref, err := event.NewReference(e, node.Pubkey, node.URL, r.identity, r.now().Unix())
	if err != nil {
		slog.Error("reference synthesis failed", "event", e.ID, "error", err)
		return false, "error: could not synthesize reference event"
	}

	inserted, err := r.store.Put(ctx, ref)
	if err != nil {
		slog.Error("store put failed", "event", ref.ID, "error", err)
		return false, "error: storage unavailable"
	}

	// Acknowledge as soon as the pointer is durable; delivery to the
	// satellite proceeds in the background with bounded backoff.
	r.forwarder.Forward(e, node, notify)

	r.accepted(level)
	if inserted {
		r.subs.Dispatch(ref)
	}
	return true, ""
}

func (r *Relay) accepted(level event.PrivacyLevel) {
	if r.metrics != nil {
		r.metrics.EventsAccepted.WithLabelValues(level.String()).Inc()
	}
}

func (r *Relay) rejected(err error) {
	if r.metrics == nil {
		return
	}
	reason := "invalid_format"
	switch {
	case stderrors.Is(err, event.ErrInvalidID):
		reason = "invalid_id"
	case stderrors.Is(err, event.ErrInvalidSig):
		reason = "invalid_sig"
	case stderrors.Is(err, event.ErrUnsupportedKind):
		reason = "unsupported_kind"
	case stderrors.Is(err, event.ErrClockSkew):
		reason = "clock_skew"
	}
	r.metrics.EventsRejected.WithLabelValues(reason).Inc()
}
