// Package metric manages Prometheus metrics registration for relay
// components. Components build their own Metrics struct and register it
// here; a nil registry disables metrics without conditional wiring at the
// call sites.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/HealthNoteLabs/HealthNote-Relay/errors"
)

// MetricsRegistry manages the registration and lifecycle of metrics.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Core               *CoreMetrics
	registered         map[string]prometheus.Collector
	mu                 sync.Mutex
}

// NewMetricsRegistry creates a registry with the core relay metrics and Go
// runtime collectors pre-registered.
func NewMetricsRegistry() *MetricsRegistry {
	reg := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	reg.Core = newCoreMetrics()
	reg.prometheusRegistry.MustRegister(
		reg.Core.EventsAccepted,
		reg.Core.EventsRejected,
		reg.Core.EventsForwarded,
		reg.Core.ConnectionsActive,
		reg.Core.SubscriptionsActive,
		reg.Core.FramesDropped,
		reg.Core.QueryDuration,
		reg.Core.StoreDuration,
	)

	reg.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register registers a collector under component.name, rejecting
// duplicates with a classified error.
func (r *MetricsRegistry) Register(component, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"MetricsRegistry", "Register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register",
			"register collector with prometheus")
	}

	r.registered[key] = collector
	return nil
}

// MustRegister registers collectors under component, panicking on conflict.
// Intended for component constructors where a conflict is a programming
// error.
func (r *MetricsRegistry) MustRegister(component string, collectors map[string]prometheus.Collector) {
	for name, c := range collectors {
		if err := r.Register(component, name, c); err != nil {
			panic(err)
		}
	}
}

// Unregister removes a metric from the registry.
func (r *MetricsRegistry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}

	if ok := r.prometheusRegistry.Unregister(collector); !ok {
		return false
	}
	delete(r.registered, key)
	return true
}
