package satellite

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
	"github.com/HealthNoteLabs/HealthNote-Relay/event"
	"github.com/HealthNoteLabs/HealthNote-Relay/metric"
	"github.com/HealthNoteLabs/HealthNote-Relay/pkg/retry"
)

// Forwarder delivers private events to their routed satellite node,
// asynchronously with respect to the PUBLISH acknowledgement. Delivery
// retries with bounded exponential backoff up to a wall-clock ceiling;
// after that the event is dropped and the failure callback fires so the
// gateway can emit a NOTICE on the originating connection.
type Forwarder struct {
	client  *http.Client
	ceiling time.Duration
	metrics *metric.CoreMetrics

	// base context bounds all in-flight deliveries; cancelled on Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewForwarder creates a forwarder. attemptTimeout bounds each HTTP
// attempt; ceiling bounds the whole delivery including backoff.
func NewForwarder(attemptTimeout, ceiling time.Duration, metrics *metric.MetricsRegistry) *Forwarder {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		client:  &http.Client{Timeout: attemptTimeout},
		ceiling: ceiling,
		ctx:     ctx,
		cancel:  cancel,
	}
	if metrics != nil {
		f.metrics = metrics.Core
	}
	return f
}

// Stop cancels all in-flight deliveries.
func (f *Forwarder) Stop() {
	f.cancel()
}

// Forward launches an asynchronous delivery of e to node. onFailure runs
// if delivery gives up (the node rejects the event with a 4xx status, the
// retry budget is exhausted, or the forwarder is stopped); it receives a
// human-readable reason.
func (f *Forwarder) Forward(e *event.Event, node *Node, onFailure func(reason string)) {
	jobID := uuid.NewString()
	go func() {
		if err := f.deliver(jobID, e, node); err != nil {
			f.observe("failed")
			slog.Warn("satellite delivery failed",
				"job", jobID, "event", e.ID, "node", node.URL, "error", err)
			if onFailure != nil {
				onFailure(fmt.Sprintf("could not deliver event %s to satellite %s", e.ID, node.URL))
			}
			return
		}
		f.observe("delivered")
		slog.Debug("satellite delivery complete", "job", jobID, "event", e.ID, "node", node.URL)
	}()
}

// deliver posts the event to the node with retry.
func (f *Forwarder) deliver(jobID string, e *event.Event, node *Node) error {
	payload, err := e.Marshal()
	if err != nil {
		return errors.WrapInvalid(err, "forwarder", "deliver", "encode event")
	}

	cfg := retry.Forwarding(f.ceiling)
	return retry.Do(f.ctx, cfg, func() error {
		return f.post(jobID, node.URL+"/events", payload)
	})
}

func (f *Forwarder) post(jobID, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(f.ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forward-Job", jobID)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrSatelliteUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The node rejected the event; retrying the same payload cannot
		// succeed.
		return retry.NonRetryable(fmt.Errorf("satellite rejected event: %s", resp.Status))
	default:
		return fmt.Errorf("%w: %s", errors.ErrSatelliteUnreachable, resp.Status)
	}
}

func (f *Forwarder) observe(outcome string) {
	if f.metrics != nil {
		f.metrics.EventsForwarded.WithLabelValues(outcome).Inc()
	}
}
