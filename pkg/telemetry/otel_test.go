package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	var traces bytes.Buffer
	tel, err := Setup("test-service", Options{ExportTraces: true, TraceWriter: &traces})
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}

	if otel.GetTracerProvider() == nil {
		t.Error("Tracer provider not set")
	}
	if otel.GetMeterProvider() == nil {
		t.Error("Meter provider not set")
	}

	_, span := GetTracer("test-tracer").Start(context.Background(), "unit")
	span.End()

	if GetMeter("test-meter") == nil {
		t.Error("Failed to get meter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if traces.Len() == 0 {
		t.Error("Expected exported span output")
	}
}

func TestMetricsHolder_Gauges(t *testing.T) {
	m := GetGlobalMetrics()
	m.SetPosition("XAUUSD", 10, 2.5, -1)
	m.SetOpenOrders("XAUUSD", 3)

	if got := m.GetPositionSize()["XAUUSD"]; got != 10 {
		t.Errorf("Expected position 10, got %v", got)
	}
	if got := m.GetOpenOrders()["XAUUSD"]; got != 3 {
		t.Errorf("Expected 3 open orders, got %v", got)
	}
}
