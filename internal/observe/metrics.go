// Package observe wires Tastemate's telemetry: OpenTelemetry metrics exported
// for Prometheus scraping, tracing helpers, trace-aware logging and the HTTP
// middleware that ties requests to all three.
//
// Production code records through [DefaultMetrics]; tests build isolated
// instruments with [NewMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/tastemate"

// Metrics holds the application's instruments. Attribute keys are noted per
// field; the Record helpers below apply them.
type Metrics struct {
	LLMDuration         metric.Float64Histogram // provider, kind
	LiveSessionDuration metric.Float64Histogram
	HTTPRequestDuration metric.Float64Histogram // method, route, status

	ProviderRequests   metric.Int64Counter // provider, kind, status
	ProviderErrors     metric.Int64Counter // provider, kind
	CircuitTransitions metric.Int64Counter // provider, to

	FramesSent       metric.Int64Counter // transport
	FramesDropped    metric.Int64Counter
	DecodeErrors     metric.Int64Counter // transport
	SourcesScheduled metric.Int64Counter
	SessionErrors    metric.Int64Counter // kind

	ActiveSessions metric.Int64UpDownCounter
}

var (
	// latencyBuckets are in seconds and sized for model round trips.
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// sessionBuckets cover voice sessions from seconds to half an hour.
	sessionBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}
)

// instruments accumulates creation errors.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.err = errors.Join(in.err, err)
	return c
}

func (in *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.err = errors.Join(in.err, err)
	return h
}

// NewMetrics creates every instrument on mp. Tests pass a provider backed by
// a manual reader.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		LLMDuration:         in.histogram("tastemate.llm.duration", "Latency of text model completions.", latencyBuckets),
		LiveSessionDuration: in.histogram("tastemate.live.session.duration", "Lifetime of realtime voice sessions.", sessionBuckets),
		HTTPRequestDuration: in.histogram("tastemate.http.request.duration", "HTTP request latency by method, route and status.", nil),

		ProviderRequests:   in.counter("tastemate.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:     in.counter("tastemate.provider.errors", "Failed provider calls by provider and kind."),
		CircuitTransitions: in.counter("tastemate.provider.circuit_transitions", "Circuit breaker state changes by provider and target state."),

		FramesSent:       in.counter("tastemate.live.frames_sent", "Microphone frames streamed to the realtime transport."),
		FramesDropped:    in.counter("tastemate.live.frames_dropped", "Microphone frames dropped because capture fell behind."),
		DecodeErrors:     in.counter("tastemate.live.decode_errors", "Inbound audio payloads dropped as malformed."),
		SourcesScheduled: in.counter("tastemate.live.sources_scheduled", "Playback sources scheduled on the output clock."),
		SessionErrors:    in.counter("tastemate.live.session_errors", "Voice sessions terminated by an error, by kind."),
	}
	var err error
	m.ActiveSessions, err = in.meter.Int64UpDownCounter("tastemate.live.active_sessions",
		metric.WithDescription("Open voice sessions."))
	if err = errors.Join(in.err, err); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created on
// first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest counts one provider call. status is "ok" or "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider), attribute.String("kind", kind), attribute.String("status", status)))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider), attribute.String("kind", kind)))
}

// RecordCircuitTransition counts one breaker moving to state to.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider), attribute.String("to", to)),
	)
}

// RecordFrameSent counts one microphone frame sent over transport.
func (m *Metrics) RecordFrameSent(ctx context.Context, transport string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordFramesDropped adds n dropped capture frames.
func (m *Metrics) RecordFramesDropped(ctx context.Context, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n)
}

// RecordDecodeError counts one inbound payload dropped as malformed.
func (m *Metrics) RecordDecodeError(ctx context.Context, transport string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordSourceScheduled counts one playback source started.
func (m *Metrics) RecordSourceScheduled(ctx context.Context) {
	m.SourcesScheduled.Add(ctx, 1)
}

// RecordSessionError counts one session that ended with an error of the given
// kind ("permission", "device", "transport").
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
