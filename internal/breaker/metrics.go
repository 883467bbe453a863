package breaker

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatewd/gatewd/internal/observability"
)

// cbTracer is the OTEL tracer used for circuit breaker transitions.
var cbTracer = otel.Tracer("gatewd/breaker")

// Prometheus metrics for circuit breaker activity.
var (
	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"path", "to"},
	)

	breakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_rejections_total",
			Help: "Total number of requests fast-failed by the circuit breaker",
		},
		[]string{"path"},
	)

	breakerTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_timeouts_total",
			Help: "Total number of upstream calls timed out by the circuit breaker",
		},
		[]string{"path"},
	)
)

// Observer is the default Events implementation: prometheus counters
// plus an OTEL span event per transition.
type Observer struct {
	logger observability.Logger
	stats  bool
}

// NewObserver creates the default observer. stats disables the counter
// sink when false (the per-entry disableStats flag).
func NewObserver(logger observability.Logger, stats bool) *Observer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Observer{logger: logger, stats: stats}
}

func (o *Observer) transition(path, to string) {
	if o.stats {
		breakerTransitionsTotal.WithLabelValues(path, to).Inc()
	}

	_, span := cbTracer.Start(context.Background(),
		"breaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("breaker.path", path),
		attribute.String("breaker.to", to),
	))
	span.End()
}

// OnOpen implements Events.
func (o *Observer) OnOpen(path string) {
	o.transition(path, "open")
}

// OnClose implements Events.
func (o *Observer) OnClose(path string) {
	o.transition(path, "closed")
}

// OnHalfOpen implements Events.
func (o *Observer) OnHalfOpen(path string) {
	o.transition(path, "half-open")
}

// OnRejected implements Events.
func (o *Observer) OnRejected(path string) {
	if o.stats {
		breakerRejectionsTotal.WithLabelValues(path).Inc()
	}
}

// OnTimeout implements Events.
func (o *Observer) OnTimeout(path string) {
	if o.stats {
		breakerTimeoutsTotal.WithLabelValues(path).Inc()
	}
}

// Ensure Observer implements Events.
var _ Events = (*Observer)(nil)
