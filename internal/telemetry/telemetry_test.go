package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
)

func TestNewMetricsInitializesEveryInstrument(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ActiveSessions == nil || m.CallsEnded == nil || m.CallDuration == nil || m.WebhookFailures == nil {
		t.Fatal("expected every instrument to be initialized")
	}
}

func TestRecordCallEndedDoesNotPanic(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RecordCallEnded(calltypes.OutcomeCompleted, 12.5)
	m.RecordCallEnded(calltypes.OutcomeFailed, 3.0)
}

func TestInitReturnsPrometheusHandler(t *testing.T) {
	metrics, handler, shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer shutdown(context.Background())

	if metrics == nil {
		t.Fatal("expected non-nil metrics")
	}
	if handler == nil {
		t.Fatal("expected non-nil metrics handler")
	}
}
