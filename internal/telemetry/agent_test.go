package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartAgentCallAndEndRecordsCoreAttributes(t *testing.T) {
	recorder := installSpanRecorder(t)

	_, call := StartAgentCall(context.Background(), AgentCallRequest{
		SessionID: "s-1",
		Round:     2,
		Role:      "A",
		Harness:   "claude",
		Model:     "",
		Prompt:    "design a cache with token=super-secret",
	})
	if call == nil {
		t.Fatal("expected agent call tracker")
	}
	call.RecordChunk()
	call.RecordChunk()
	call.End("## Design\nUse an LRU.", false, nil)
	call.End("ignored", true, errors.New("second end"))

	span := findSpanByName(t, recorder.Ended(), "agent.call")
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Ok)
	}
	if got := getStringAttrByKey(span.Attributes(), "role"); got != "A" {
		t.Fatalf("role = %q, want A", got)
	}
	if got := getStringAttrByKey(span.Attributes(), "harness"); got != "claude" {
		t.Fatalf("harness = %q, want claude", got)
	}
	if got := getStringAttrByKey(span.Attributes(), "model_name"); got != "default" {
		t.Fatalf("model_name = %q, want default", got)
	}
	if got := getStringAttrByKey(span.Attributes(), "session_id"); got != "s-1" {
		t.Fatalf("session_id = %q, want s-1", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "round"); got != 2 {
		t.Fatalf("round = %d, want 2", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "output_chunks"); got != 2 {
		t.Fatalf("output_chunks = %d, want 2", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "prompt_tokens"); got <= 0 {
		t.Fatalf("prompt_tokens = %d, want > 0", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "response_tokens"); got <= 0 {
		t.Fatalf("response_tokens = %d, want > 0", got)
	}
	if getBoolAttrByKey(span.Attributes(), "timed_out") {
		t.Fatal("timed_out = true, want false")
	}

	hashValue := getStringAttrByKey(span.Attributes(), "prompt_hash")
	if len(hashValue) != 64 {
		t.Fatalf("prompt_hash length = %d, want 64", len(hashValue))
	}
}

func TestAgentCallTimeoutMarksError(t *testing.T) {
	recorder := installSpanRecorder(t)

	_, call := StartAgentCall(context.Background(), AgentCallRequest{Role: "B", Harness: "codex", Prompt: "review"})
	call.End("", true, errors.New("agent timed out after 1s"))

	span := findSpanByName(t, recorder.Ended(), "agent.call")
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Error)
	}
	if span.Status().Description != "agent timed out" {
		t.Fatalf("status description = %q", span.Status().Description)
	}
	if !getBoolAttrByKey(span.Attributes(), "timed_out") {
		t.Fatal("timed_out = false, want true")
	}
}

func TestAgentCallErrorRedactsSecrets(t *testing.T) {
	recorder := installSpanRecorder(t)

	_, call := StartAgentCall(context.Background(), AgentCallRequest{Role: "A", Harness: "claude", Prompt: "x"})
	call.End("", false, errors.New("authorization=bearer-private api_key=my-key"))

	span := findSpanByName(t, recorder.Ended(), "agent.call")
	description := span.Status().Description
	if strings.Contains(description, "my-key") || strings.Contains(description, "bearer-private") {
		t.Fatalf("status leaked secret: %q", description)
	}
	if !strings.Contains(description, "<redacted>") {
		t.Fatalf("expected redaction marker, got %q", description)
	}
}

func TestRoundSpanCarriesSimilarityAndStatus(t *testing.T) {
	recorder := installSpanRecorder(t)

	ctx, round := StartRound(context.Background(), "s-9", 3)
	_, call := StartAgentCall(ctx, AgentCallRequest{Role: "A", Harness: "claude", Prompt: "p"})
	call.End("text", false, nil)
	round.End(0.87, "CONVERGING", nil)

	roundSpan := findSpanByName(t, recorder.Ended(), "debate.round")
	agentSpan := findSpanByName(t, recorder.Ended(), "agent.call")
	if agentSpan.Parent().SpanID() != roundSpan.SpanContext().SpanID() {
		t.Fatal("agent.call span must be a child of debate.round")
	}
	if got := getStringAttrByKey(roundSpan.Attributes(), "convergence_status"); got != "CONVERGING" {
		t.Fatalf("convergence_status = %q", got)
	}
	if got := getFloatAttrByKey(roundSpan.Attributes(), "similarity"); got != 0.87 {
		t.Fatalf("similarity = %v, want 0.87", got)
	}
}

func TestNilTrackersAreSafe(t *testing.T) {
	var call *AgentCall
	call.RecordChunk()
	call.End("", false, nil)

	var round *RoundSpan
	round.End(0, "", nil)
}

func TestEstimateTokenCount(t *testing.T) {
	if got := EstimateTokenCount("   "); got != 0 {
		t.Fatalf("empty estimate = %d, want 0", got)
	}
	if got := EstimateTokenCount("one two three"); got != 4 {
		t.Fatalf("estimate = %d, want 4", got)
	}
}

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(previous)
	})

	return recorder
}

func findSpanByName(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	t.Fatalf("span %q not found in %d spans", name, len(spans))
	return nil
}

func getStringAttrByKey(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func getIntAttrByKey(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}

func getBoolAttrByKey(attrs []attribute.KeyValue, key string) bool {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsBool()
		}
	}
	return false
}

func getFloatAttrByKey(attrs []attribute.KeyValue, key string) float64 {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsFloat64()
		}
	}
	return 0
}
