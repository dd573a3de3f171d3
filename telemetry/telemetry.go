// Package telemetry installs the otel tracer provider used for tick and system spans.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

type Manager struct {
	tracerProvider     *ddotel.TracerProvider
	tracerShutdownFunc func() error
}

// New sets up context propagation and, when traceAddress is not empty, a datadog backed tracer provider.
// Without a provider otel falls back to its no-op tracer.
func New(traceAddress string) *Manager {
	tm := &Manager{}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if traceAddress != "" {
		tm.tracerProvider = ddotel.NewTracerProvider(
			tracer.WithAgentAddr(traceAddress),
			tracer.WithRuntimeMetrics(),
		)
		tm.tracerShutdownFunc = tm.tracerProvider.Shutdown
		otel.SetTracerProvider(tm.tracerProvider)
	}
	return tm
}

func (tm *Manager) Enabled() bool {
	return tm.tracerProvider != nil
}

// Shutdown flushes pending spans. Safe to call when tracing is disabled.
func (tm *Manager) Shutdown() error {
	if tm.tracerShutdownFunc == nil {
		return nil
	}
	return tm.tracerShutdownFunc()
}
