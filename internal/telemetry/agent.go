package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// AgentCallRequest describes one agent invocation.
type AgentCallRequest struct {
	SessionID string
	Round     int
	Role      string
	Harness   string
	Model     string
	Prompt    string
}

// AgentCall tracks one agent.call span.
type AgentCall struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int

	mu     sync.Mutex
	chunks int
	ended  bool
}

// StartAgentCall starts an agent.call span.
func StartAgentCall(ctx context.Context, req AgentCallRequest) (context.Context, *AgentCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	promptTokens := EstimateTokenCount(req.Prompt)
	attrs := []attribute.KeyValue{
		attribute.String("role", normalizeOrUnknown(req.Role)),
		attribute.String("harness", normalizeOrUnknown(req.Harness)),
		attribute.String("model_name", normalizeOrDefault(req.Model)),
		attribute.Int("round", req.Round),
		attribute.Int("prompt_tokens", promptTokens),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}
	if sessionID := strings.TrimSpace(req.SessionID); sessionID != "" {
		attrs = append(attrs, attribute.String("session_id", sessionID))
	}

	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "agent.call", trace.WithAttributes(attrs...))
	return spanCtx, &AgentCall{
		span:         span,
		startedAt:    time.Now(),
		promptTokens: promptTokens,
	}
}

// RecordChunk counts one streamed output chunk.
func (c *AgentCall) RecordChunk() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks++
}

// End finalizes the span with latency, token counts and outcome.
func (c *AgentCall) End(responseText string, timedOut bool, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	chunks := c.chunks
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	responseTokens := EstimateTokenCount(responseText)

	c.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("output_chunks", chunks),
		attribute.Int("response_tokens", responseTokens),
		attribute.Int("total_tokens", c.promptTokens+responseTokens),
		attribute.Bool("timed_out", timedOut),
	)

	switch {
	case timedOut:
		if err != nil {
			c.span.RecordError(err)
		}
		c.span.SetStatus(codes.Error, "agent timed out")
	case err != nil:
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	default:
		c.span.SetStatus(codes.Ok, "agent responded")
	}
	c.span.End()
}

// RoundSpan tracks one debate.round span.
type RoundSpan struct {
	span trace.Span
}

// StartRound starts a debate.round span.
func StartRound(ctx context.Context, sessionID string, round int) (context.Context, *RoundSpan) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "debate.round", trace.WithAttributes(
		attribute.String("session_id", normalizeOrUnknown(sessionID)),
		attribute.Int("round", round),
	))
	return spanCtx, &RoundSpan{span: span}
}

// End records the round outcome. A nil err with an empty status marks an interrupted round.
func (r *RoundSpan) End(similarity float64, status string, err error) {
	if r == nil || r.span == nil {
		return
	}
	if status != "" {
		r.span.SetAttributes(
			attribute.Float64("similarity", similarity),
			attribute.String("convergence_status", status),
		)
	}
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		r.span.SetStatus(codes.Ok, "")
	}
	r.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	return (len(fields)*4 + 2) / 3
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func normalizeOrDefault(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "default"
	}
	return trimmed
}
