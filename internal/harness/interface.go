// Package harness invokes external agent CLIs. Drivers live in the claude and codex
// subpackages; this package holds the shared contract, the streaming command runner, role
// routing and PATH detection.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ship-commander/parley/internal/debate"
)

// ErrAgentTimeout is returned when an invocation exceeds its deadline.
var ErrAgentTimeout = errors.New("agent timed out")

// Request is one prompt sent to one agent.
type Request struct {
	Role         debate.Role
	SystemPrompt string
	UserPrompt   string
	WorkDir      string
	Timeout      time.Duration
	// OnOutput runs on the invoking goroutine for every chunk of output received.
	// An empty chunk means the agent produced a non-text event.
	OnOutput func(chunk string)
}

// Response is the final text produced by an agent.
type Response struct {
	Text     string
	Duration time.Duration
}

// Invoker sends one request to an agent and blocks until it answers, fails or times out.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvocationError describes a failed agent process.
type InvocationError struct {
	Harness  string
	Role     debate.Role
	ExitCode int
	Stderr   string
	Err      error
}

func (e *InvocationError) Error() string {
	message := fmt.Sprintf("%s agent %s failed", e.Harness, e.Role)
	if e.ExitCode != 0 {
		message += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	if stderr := lastLine(e.Stderr); stderr != "" {
		message += " (" + stderr + ")"
	}
	return message
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// ClassifyError maps a runner failure to ErrAgentTimeout, the context error or an
// InvocationError. It returns nil when err is nil.
func ClassifyError(ctx context.Context, harnessName string, role debate.Role, timeout time.Duration, result Result, err error) error {
	if err == nil {
		return nil
	}
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		if timeout > 0 {
			return fmt.Errorf("%s agent %s: %w after %s", harnessName, role, ErrAgentTimeout, timeout)
		}
		return fmt.Errorf("%s agent %s: %w", harnessName, role, ErrAgentTimeout)
	case ctxErr != nil:
		return fmt.Errorf("%s agent %s: %w", harnessName, role, ctxErr)
	}
	return &InvocationError{
		Harness:  harnessName,
		Role:     role,
		ExitCode: result.ExitCode,
		Stderr:   result.Stderr,
		Err:      err,
	}
}

// WithTimeout derives a context bounded by timeout when it is positive.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func lastLine(value string) string {
	lines := strings.Split(strings.TrimSpace(value), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
