// Package metrics exposes engine counters through OpenTelemetry with a
// Prometheus exporter. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/hugo-lorenzo-mato/verdict"

// Common attribute keys.
var (
	AttrSubjectType = attribute.Key("subject_type")
	AttrDecision    = attribute.Key("decision")
	AttrReason      = attribute.Key("reason")
	AttrVoteType    = attribute.Key("vote_type")
	AttrCode        = attribute.Key("code")
	AttrProvider    = attribute.Key("provider")
	AttrOutcome     = attribute.Key("outcome")
)

// Metrics holds the engine's instruments.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	sessionsOpened  metric.Int64Counter
	decisions       metric.Int64Counter
	votesAccepted   metric.Int64Counter
	votesRejected   metric.Int64Counter
	decisionLatency metric.Float64Histogram
	providerCalls   metric.Int64Counter
	providerLatency metric.Float64Histogram

	openSessions  int64
	streamClients int64
}

// New builds a meter provider backed by a private Prometheus registry.
func New(ctx context.Context, serviceName string) (*Metrics, error) {
	if serviceName == "" {
		serviceName = "verdict"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	}
	if err := m.init(provider.Meter(meterName)); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init(meter metric.Meter) error {
	var err error
	if m.sessionsOpened, err = meter.Int64Counter("verdict_sessions_opened_total",
		metric.WithDescription("Review sessions opened")); err != nil {
		return err
	}
	if m.decisions, err = meter.Int64Counter("verdict_decisions_total",
		metric.WithDescription("Terminal session decisions by outcome and reason")); err != nil {
		return err
	}
	if m.votesAccepted, err = meter.Int64Counter("verdict_votes_accepted_total",
		metric.WithDescription("Votes accepted by the collector")); err != nil {
		return err
	}
	if m.votesRejected, err = meter.Int64Counter("verdict_votes_rejected_total",
		metric.WithDescription("Votes rejected by the collector, by error code")); err != nil {
		return err
	}
	if m.decisionLatency, err = meter.Float64Histogram("verdict_decision_latency_seconds",
		metric.WithDescription("Time from session open to decision")); err != nil {
		return err
	}
	if m.providerCalls, err = meter.Int64Counter("verdict_provider_calls_total",
		metric.WithDescription("Vote provider invocations by outcome")); err != nil {
		return err
	}
	if m.providerLatency, err = meter.Float64Histogram("verdict_provider_latency_seconds",
		metric.WithDescription("Vote provider call duration")); err != nil {
		return err
	}

	openGauge, err := meter.Int64ObservableGauge("verdict_sessions_open",
		metric.WithDescription("Sessions currently accepting votes"))
	if err != nil {
		return err
	}
	streamGauge, err := meter.Int64ObservableGauge("verdict_stream_clients",
		metric.WithDescription("Connected SSE and WebSocket clients"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(openGauge, atomic.LoadInt64(&m.openSessions))
		o.ObserveInt64(streamGauge, atomic.LoadInt64(&m.streamClients))
		return nil
	}, openGauge, streamGauge)
	return err
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// SessionOpened counts a session entering VOTING.
func (m *Metrics) SessionOpened(ctx context.Context, subjectType string) {
	if m == nil {
		return
	}
	m.sessionsOpened.Add(ctx, 1, metric.WithAttributes(AttrSubjectType.String(subjectType)))
	atomic.AddInt64(&m.openSessions, 1)
}

// SessionDecided counts a terminal transition and its latency.
func (m *Metrics) SessionDecided(ctx context.Context, decision, reason string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrDecision.String(decision), AttrReason.String(reason))
	m.decisions.Add(ctx, 1, attrs)
	m.decisionLatency.Record(ctx, latency.Seconds(), attrs)
	if atomic.AddInt64(&m.openSessions, -1) < 0 {
		atomic.StoreInt64(&m.openSessions, 0)
	}
}

// VoteAccepted counts an accepted vote.
func (m *Metrics) VoteAccepted(ctx context.Context, voteType string) {
	if m == nil {
		return
	}
	m.votesAccepted.Add(ctx, 1, metric.WithAttributes(AttrVoteType.String(voteType)))
}

// VoteRejected counts a rejected vote.
func (m *Metrics) VoteRejected(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.votesRejected.Add(ctx, 1, metric.WithAttributes(AttrCode.String(code)))
}

// ProviderCall records one vote provider invocation. outcome is "vote",
// "abstain" or "error".
func (m *Metrics) ProviderCall(ctx context.Context, provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrProvider.String(provider), AttrOutcome.String(outcome))
	m.providerCalls.Add(ctx, 1, attrs)
	m.providerLatency.Record(ctx, d.Seconds(), attrs)
}

// StreamClientConnected adjusts the connected stream client gauge.
func (m *Metrics) StreamClientConnected(delta int64) {
	if m == nil {
		return
	}
	if atomic.AddInt64(&m.streamClients, delta) < 0 {
		atomic.StoreInt64(&m.streamClients, 0)
	}
}
