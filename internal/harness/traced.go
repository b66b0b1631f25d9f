package harness

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxStderrEventBytes = 1024
	maxArgAttrBytes     = 120
)

// TracedRunner wraps another CommandRunner and records one process.exec span per command.
type TracedRunner struct {
	Inner CommandRunner
}

// Stream implements CommandRunner.
func (r TracedRunner) Stream(ctx context.Context, command Command, onLine func(line string)) (Result, error) {
	inner := r.Inner
	if inner == nil {
		inner = ExecRunner{}
	}

	ctx, span := otel.Tracer("parley/harness").Start(
		ctx,
		"process.exec",
		trace.WithAttributes(
			attribute.String("binary", command.Name),
			attribute.String("args_redacted", strings.Join(redactArgs(command.Args), " ")),
			attribute.String("cwd", command.Dir),
			attribute.Int("stdin_bytes", len(command.Stdin)),
		),
	)
	started := time.Now()
	defer span.End()

	lines := 0
	result, err := inner.Stream(ctx, command, func(line string) {
		lines++
		if onLine != nil {
			onLine(line)
		}
	})

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int("stdout_lines", lines),
		attribute.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
	if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
		span.AddEvent("process.stderr", trace.WithAttributes(
			attribute.String("output", truncateTail(stderr, maxStderrEventBytes)),
		))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetStatus(codes.Ok, "process exited")
	return result, nil
}

// redactArgs masks values of secret-looking flags and shortens long arguments such as
// inline system prompts.
func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false
	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if key, _, ok := strings.Cut(trimmed, "="); ok && IsSensitiveToken(key) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}
		if strings.HasPrefix(trimmed, "-") && IsSensitiveToken(trimmed) {
			maskNext = true
		}
		if len(trimmed) > maxArgAttrBytes {
			trimmed = trimmed[:maxArgAttrBytes] + "...[truncated]"
		}
		redacted = append(redacted, trimmed)
	}
	return redacted
}

// IsSensitiveToken reports whether a flag or key name looks like it carries a credential.
func IsSensitiveToken(value string) bool {
	lower := strings.ToLower(value)
	for _, candidate := range []string{"token", "password", "passwd", "secret", "api-key", "apikey", "api_key", "auth", "bearer"} {
		if strings.Contains(lower, candidate) {
			return true
		}
	}
	return false
}

func truncateTail(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return "...[truncated]" + value[len(value)-limit:]
}

var _ CommandRunner = TracedRunner{}
