// Package observe provides the observability primitives shared by every
// englishpro component: OpenTelemetry metrics, tracing, trace-aware logging
// and the HTTP middleware that ties them together.
//
// Instruments are created through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus exporter so the service can be scraped on
// /metrics. [DefaultMetrics] returns a package-level instance bound to the
// global meter provider; tests should call [NewMetrics] with their own
// [metric.MeterProvider] instead.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all englishpro metrics.
const meterName = "github.com/MrWong99/englishpro"

// Failover reasons reported on [Metrics.Failovers].
const (
	ReasonRateLimited = "rate_limited"
	ReasonOverloaded  = "overloaded"
	ReasonMalformed   = "malformed"
	ReasonSkipped     = "circuit_open"
	ReasonError       = "error"
)

// Metrics holds the OpenTelemetry instruments used across the service.
// The underlying OTel types are safe for concurrent use.
type Metrics struct {
	// LLMDuration tracks a single completion attempt. Attributes: model, status.
	LLMDuration metric.Float64Histogram

	// TranscribeDuration tracks a one-shot transcription in the worker.
	TranscribeDuration metric.Float64Histogram

	// SynthesisDuration tracks time to first audio for a spoken reply.
	SynthesisDuration metric.Float64Histogram

	// Failovers counts models abandoned by the gateway. Attributes: model, reason.
	Failovers metric.Int64Counter

	// ChainExhausted counts gateway calls where no model produced an answer.
	// Attribute: operation.
	ChainExhausted metric.Int64Counter

	// Sends counts completed dialogue turns. Attribute: mode.
	Sends metric.Int64Counter

	// BusyRejections counts sends rejected because another one was in flight.
	BusyRejections metric.Int64Counter

	// WordsGenerated counts vocabulary words produced by regeneration.
	WordsGenerated metric.Int64Counter

	// RecognitionRestarts counts automatic recognizer restarts.
	RecognitionRestarts metric.Int64Counter

	// SpeechErrors counts surfaced recognizer errors. Attribute: kind.
	SpeechErrors metric.Int64Counter

	// ActiveSessions is the number of open dialogue sessions.
	ActiveSessions metric.Int64UpDownCounter

	// LiveConnections is the number of connected live WebSocket clients.
	LiveConnections metric.Int64UpDownCounter

	// HTTPRequestDuration records API latency by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets suits LLM round trips, which range from tens of
// milliseconds on small models to tens of seconds under load.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0, 20.0, 30.0,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.LLMDuration, err = m.Float64Histogram("englishpro.llm.duration",
		metric.WithDescription("Latency of a single LLM completion attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("englishpro.transcribe.duration",
		metric.WithDescription("Latency of one-shot audio transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("englishpro.tts.duration",
		metric.WithDescription("Time until the first synthesized audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Failovers, err = m.Int64Counter("englishpro.gateway.failovers",
		metric.WithDescription("Models skipped or abandoned during failover, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChainExhausted, err = m.Int64Counter("englishpro.gateway.exhausted",
		metric.WithDescription("Gateway calls where every model in the chain failed."),
	); err != nil {
		return nil, err
	}
	if met.Sends, err = m.Int64Counter("englishpro.session.sends",
		metric.WithDescription("Completed dialogue turns by mode."),
	); err != nil {
		return nil, err
	}
	if met.BusyRejections, err = m.Int64Counter("englishpro.session.busy_rejections",
		metric.WithDescription("Sends rejected while another request was in flight."),
	); err != nil {
		return nil, err
	}
	if met.WordsGenerated, err = m.Int64Counter("englishpro.drill.words_generated",
		metric.WithDescription("Vocabulary words produced by regeneration."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionRestarts, err = m.Int64Counter("englishpro.speech.restarts",
		metric.WithDescription("Automatic speech recognizer restarts."),
	); err != nil {
		return nil, err
	}
	if met.SpeechErrors, err = m.Int64Counter("englishpro.speech.errors",
		metric.WithDescription("Recognizer errors surfaced to the user, by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("englishpro.active_sessions",
		metric.WithDescription("Number of open dialogue sessions."),
	); err != nil {
		return nil, err
	}
	if met.LiveConnections, err = m.Int64UpDownCounter("englishpro.live_connections",
		metric.WithDescription("Number of connected live channel clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("englishpro.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLLMAttempt records the latency and outcome of one completion attempt.
func (m *Metrics) RecordLLMAttempt(ctx context.Context, model, status string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordFailover records that model was abandoned for reason.
func (m *Metrics) RecordFailover(ctx context.Context, model, reason string) {
	m.Failovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("reason", reason),
		),
	)
}

// RecordExhausted records a gateway operation whose whole chain failed.
func (m *Metrics) RecordExhausted(ctx context.Context, operation string) {
	m.ChainExhausted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", operation)),
	)
}

// RecordSend records a completed turn in mode.
func (m *Metrics) RecordSend(ctx context.Context, mode string) {
	m.Sends.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordSpeechError records a surfaced recognizer error.
func (m *Metrics) RecordSpeechError(ctx context.Context, kind string) {
	m.SpeechErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
