package lifecycle

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsHook counts lifecycle transitions per operator key.
type MetricsHook struct {
	events *prometheus.CounterVec
}

// NewMetricsHook creates a metrics hook registered on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetricsHook(reg prometheus.Registerer) *MetricsHook {
	h := &MetricsHook{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matterstack",
			Subsystem: "attempts",
			Name:      "lifecycle_events_total",
			Help:      "Attempt lifecycle transitions by event and operator key.",
		}, []string{"event", "operator"}),
	}
	if reg != nil {
		reg.MustRegister(h.events)
	}
	return h
}

// OnCreate implements Hook.
func (h *MetricsHook) OnCreate(_ context.Context, ac AttemptContext) error {
	h.events.WithLabelValues(string(EventCreate), ac.OperatorKey).Inc()
	return nil
}

// OnSubmit implements Hook.
func (h *MetricsHook) OnSubmit(_ context.Context, ac AttemptContext, _ string) error {
	h.events.WithLabelValues(string(EventSubmit), ac.OperatorKey).Inc()
	return nil
}

// OnComplete implements Hook.
func (h *MetricsHook) OnComplete(_ context.Context, ac AttemptContext, _ bool) error {
	h.events.WithLabelValues(string(EventComplete), ac.OperatorKey).Inc()
	return nil
}

// OnFail implements Hook.
func (h *MetricsHook) OnFail(_ context.Context, ac AttemptContext, _ string) error {
	h.events.WithLabelValues(string(EventFail), ac.OperatorKey).Inc()
	return nil
}
