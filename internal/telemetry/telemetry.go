// Package telemetry wires OpenTelemetry metric instruments for the call
// engine and dialing control plane, exported over Prometheus's
// /metrics convention.
//
// Grounded directly on MrWong99-glyphoxa's internal/observe package: the
// same metric.MeterProvider + go.opentelemetry.io/otel/exporters/prometheus
// bridge, the same Int64UpDownCounter-as-gauge idiom, and the same
// once-initialized package shape, generalized from a voice-pipeline/NPC
// domain to calls/campaigns/schedules/webhooks.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
)

const meterName = "github.com/lokutor-ai/callbridge"

// Metrics holds every OpenTelemetry instrument the system records against.
// All fields are safe for concurrent use; the OTel SDK handles its own
// synchronization.
type Metrics struct {
	ActiveSessions    metric.Int64UpDownCounter
	ActiveCampaigns   metric.Int64UpDownCounter
	PendingSchedules  metric.Int64UpDownCounter

	CallsStarted  metric.Int64Counter
	CallsEnded    metric.Int64Counter
	BargeIns      metric.Int64Counter

	CallDuration     metric.Float64Histogram
	LLMFirstTokenLag metric.Float64Histogram
	TTSFirstFrameLag metric.Float64Histogram

	WebhookDeliveries metric.Int64Counter
	WebhookFailures   metric.Int64Counter
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 30}

// NewMetrics creates a fully initialized Metrics using the given
// MeterProvider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ActiveSessions, err = m.Int64UpDownCounter("callbridge.sessions.active",
		metric.WithDescription("Number of live call sessions.")); err != nil {
		return nil, err
	}
	if met.ActiveCampaigns, err = m.Int64UpDownCounter("callbridge.campaigns.active",
		metric.WithDescription("Number of campaigns currently running.")); err != nil {
		return nil, err
	}
	if met.PendingSchedules, err = m.Int64UpDownCounter("callbridge.schedule.pending",
		metric.WithDescription("Number of scheduled calls awaiting execution.")); err != nil {
		return nil, err
	}
	if met.CallsStarted, err = m.Int64Counter("callbridge.calls.started",
		metric.WithDescription("Total calls admitted into the registry.")); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("callbridge.calls.ended",
		metric.WithDescription("Total calls reaching a terminal state, by outcome.")); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("callbridge.turns.barge_ins",
		metric.WithDescription("Total user barge-ins during assistant speech.")); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callbridge.calls.duration",
		metric.WithDescription("Call duration from admission to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenLag, err = m.Float64Histogram("callbridge.llm.first_token_latency",
		metric.WithDescription("Time from entering THINKING to the first LLM delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.TTSFirstFrameLag, err = m.Float64Histogram("callbridge.tts.first_frame_latency",
		metric.WithDescription("Time from entering SPEAKING to the first TTS frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.WebhookDeliveries, err = m.Int64Counter("callbridge.webhooks.deliveries",
		metric.WithDescription("Total webhook delivery attempts, by status.")); err != nil {
		return nil, err
	}
	if met.WebhookFailures, err = m.Int64Counter("callbridge.webhooks.failures",
		metric.WithDescription("Total webhook deliveries that exhausted retries.")); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordCallEnded increments CallsEnded and CallDuration with the outcome
// as an attribute.
func (m *Metrics) RecordCallEnded(outcome calltypes.CallOutcome, durationSeconds float64) {
	attr := attribute.String("outcome", string(outcome))
	m.CallsEnded.Add(context.Background(), 1, metric.WithAttributes(attr))
	m.CallDuration.Record(context.Background(), durationSeconds, metric.WithAttributes(attr))
}

// Init installs a Prometheus-backed MeterProvider as the global OTel
// provider and returns the ready-to-use Metrics plus an http.Handler to
// mount at /metrics, and a shutdown func to call during graceful exit.
func Init(ctx context.Context) (*Metrics, http.Handler, func(context.Context) error, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)

	metrics, err := NewMetrics(mp)
	if err != nil {
		return nil, nil, nil, err
	}
	return metrics, promhttp.Handler(), mp.Shutdown, nil
}
