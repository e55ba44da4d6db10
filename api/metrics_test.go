package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRequestMetricsSuccessfulList(t *testing.T) {
	logger, hook := test.NewNullLogger()
	exporter := setupTestTracer(t)

	m, spanCtx := newRequestMetrics(context.Background(), logger, http.MethodGet, "/api/tasks")
	require.NotNil(t, spanCtx)
	m.start = m.start.Add(-50 * time.Millisecond)
	m.ObserveAuth(10 * time.Millisecond)
	m.ObserveEngine(15 * time.Millisecond)
	m.ObserveEncode(5 * time.Millisecond)
	m.ObserveEngine(0)
	m.SetTasksReturned(3)
	m.Log(http.StatusOK, nil)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, observabilityEventName, entry.Message)
	require.Equal(t, log.InfoLevel, entry.Level)
	require.Equal(t, tasksEventName, entry.Data["event.name"])
	require.Equal(t, tasksEventDomain, entry.Data["event.domain"])
	require.Equal(t, "INFO", entry.Data["severity_text"])
	require.Equal(t, 9, entry.Data["severity_number"])
	require.NotEmpty(t, entry.Data["trace_id"])

	attrs, ok := entry.Data["attributes"].(map[string]any)
	require.True(t, ok, "attributes logged as %T", entry.Data["attributes"])
	require.Equal(t, "/api/tasks", attrs["http.route"])
	require.Equal(t, http.MethodGet, attrs["http.method"])
	require.EqualValues(t, 3, attrs[attrPrefix+"tasks_returned"])
	require.Equal(t, 15.0, attrs[attrPrefix+"engine_ms"])
	require.Equal(t, 10.0, attrs[attrPrefix+"auth_ms"])
	require.GreaterOrEqual(t, attrs[attrPrefix+"total_ms"], 50.0)
	require.NotContains(t, attrs, attrPrefix+"error_stage")
	require.NotContains(t, attrs, attrPrefix+"task_id")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, tasksSpanName, span.Name)
	require.Equal(t, codes.Ok, span.Status.Code)
	spanAttrs := attributesToMap(span.Attributes)
	require.Equal(t, int64(http.StatusOK), spanAttrs["http.status_code"])

	event := findEvent(t, span.Events, observabilityEventName)
	eventAttrs := attributesToMap(event.Attributes)
	require.Equal(t, tasksEventName, eventAttrs["event.name"])
	require.Equal(t, "INFO", eventAttrs["severity_text"])
}

func TestRequestMetricsEngineFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	exporter := setupTestTracer(t)

	m, _ := newRequestMetrics(context.Background(), logger, http.MethodPut, "/api/tasks")
	m.SetTaskID("t-1")
	boom := errors.New("store unavailable")
	m.RecordError("move", boom)
	m.Log(http.StatusServiceUnavailable, nil)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, log.ErrorLevel, entry.Level)
	attrs := entry.Data["attributes"].(map[string]any)
	require.Equal(t, "move", attrs[attrPrefix+"error_stage"])
	require.Equal(t, "t-1", attrs[attrPrefix+"task_id"])
	require.Equal(t, boom.Error(), attrs["error.message"])

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, boom.Error(), spans[0].Status.Description)
	event := findEvent(t, spans[0].Events, observabilityEventName)
	require.Equal(t, "ERROR", attributesToMap(event.Attributes)["severity_text"])
}

func TestRequestMetricsClientErrorIsWarn(t *testing.T) {
	logger, hook := test.NewNullLogger()
	exporter := setupTestTracer(t)

	m, _ := newRequestMetrics(context.Background(), logger, http.MethodPost, "/api/tasks")
	m.RecordError("decode", errors.New("invalid body"))
	m.Log(http.StatusBadRequest, nil)

	require.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestRequestMetricsNilSafe(t *testing.T) {
	var m *requestMetrics
	require.NotPanics(t, func() { m.Log(http.StatusOK, nil) })
}

func TestSeverityForStatus(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name       string
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{name: "ok", status: http.StatusOK, wantText: "INFO", wantNumber: 9},
		{name: "not found", status: http.StatusNotFound, wantText: "WARN", wantNumber: 13},
		{name: "conflict with error", status: http.StatusConflict, err: boom, wantText: "WARN", wantNumber: 13},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantText: "ERROR", wantNumber: 17},
		{name: "error without status", status: 0, err: boom, wantText: "ERROR", wantNumber: 17},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, number := severityForStatus(tt.status, tt.err)
			require.Equal(t, tt.wantText, text)
			require.Equal(t, tt.wantNumber, number)
		})
	}
}

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func findEvent(t *testing.T, events []sdktrace.Event, name string) sdktrace.Event {
	t.Helper()
	for _, ev := range events {
		if ev.Name == name {
			return ev
		}
	}
	t.Fatalf("no %s event in %#v", name, events)
	return sdktrace.Event{}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}
