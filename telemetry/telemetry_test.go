package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNoopAuditLog(t *testing.T) {
	log, err := NewAuditLog("")
	if err != nil {
		t.Fatalf("NewAuditLog() error = %v", err)
	}
	log.LogEvent("tool_call", map[string]interface{}{"tool": "task_get"})
	if err := log.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	log, err := NewFileAuditLog(path)
	if err != nil {
		t.Fatalf("NewFileAuditLog() error = %v", err)
	}
	log.LogEvent("tool_call", map[string]interface{}{"tool": "task_create", "code": ""})
	log.LogEvent("tool_call", map[string]interface{}{"tool": "task_get", "code": "NOT_FOUND"})
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Data["code"] != "NOT_FOUND" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestToolSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := NewProviderWithExporter("taskkit-test", exp, true)
	defer p.Shutdown(context.Background())

	tracer := GetTracer()
	_, span := tracer.StartToolSpan(context.Background(), "task_get")
	tracer.EndToolSpan(span, ToolSpanOptions{
		Args:   map[string]interface{}{"task_id": 7, "note": "x"},
		Result: `{"error":"task 7 not found"}`,
		Code:   "NOT_FOUND",
	}, errors.New("task 7 not found"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "tool.task_get" {
		t.Errorf("unexpected span name %q", s.Name)
	}
	if s.Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", s.Status.Code)
	}

	attrs := map[string]string{}
	for _, kv := range s.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["tool.arg.task_id"] != "7" {
		t.Errorf("expected task_id attribute 7, got %q", attrs["tool.arg.task_id"])
	}
	if attrs["tool.error_code"] != "NOT_FOUND" {
		t.Errorf("expected error code attribute, got %q", attrs["tool.error_code"])
	}
	if _, ok := attrs["tool.result"]; !ok {
		t.Error("debug tracer should record the result")
	}
}

func TestRPCSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := NewProviderWithExporter("taskkit-test", exp, false)
	defer p.Shutdown(context.Background())

	tracer := GetTracer()
	_, span := tracer.StartRPCSpan(context.Background(), "tools/call")
	tracer.EndRPCSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "mcp.tools/call" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("expected ok status, got %v", spans[0].Status.Code)
	}
}

func TestHTTPPropagation(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := NewProviderWithExporter("taskkit-test", exp, false)
	defer p.Shutdown(context.Background())

	ctx, span := GetTracer().StartSpan(context.Background(), "client")
	h := http.Header{}
	InjectHTTP(ctx, h)
	span.End()

	if h.Get("traceparent") == "" {
		t.Fatal("expected traceparent header")
	}

	remote := ExtractHTTP(context.Background(), h)
	_, child := GetTracer().StartSpan(remote, "server")
	child.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[1].Parent.TraceID() != spans[0].SpanContext.TraceID() {
		t.Error("server span should continue the client trace")
	}
}

func TestGetTracerNoop(t *testing.T) {
	SetGlobalTracer(nil)
	_, span := GetTracer().StartToolSpan(context.Background(), "task_stats")
	if span.SpanContext().IsValid() {
		t.Error("no-op tracer should produce invalid span contexts")
	}
	GetTracer().EndToolSpan(span, ToolSpanOptions{}, nil)
}

func TestInitProviderRequiresEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestInitProviderUnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}
