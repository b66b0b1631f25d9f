// Package codex drives the Codex CLI in non-interactive exec mode with JSONL events.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ship-commander/parley/internal/harness"
)

const (
	defaultBinary      = "codex"
	defaultSandboxMode = "read-only"
	harnessName        = harness.HarnessCodex
)

var allowedSandbox = map[string]struct{}{
	"read-only":          {},
	"workspace-write":    {},
	"danger-full-access": {},
}

// DriverConfig configures model and sandbox behavior for Codex exec runs.
type DriverConfig struct {
	Model       string
	SandboxMode string
	Binary      string
}

// Driver implements harness.Invoker with `codex exec --json`.
type Driver struct {
	runner      harness.CommandRunner
	model       string
	sandboxMode string
	binary      string
	now         func() time.Time
}

// New constructs a Codex driver that runs the real CLI.
func New(cfg DriverConfig) (*Driver, error) {
	return NewWithRunner(harness.ExecRunner{}, cfg)
}

// NewWithRunner constructs a Codex driver with an injectable command runner.
func NewWithRunner(runner harness.CommandRunner, cfg DriverConfig) (*Driver, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}

	sandboxMode, err := resolveSandboxMode(cfg.SandboxMode)
	if err != nil {
		return nil, err
	}
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}

	return &Driver{
		runner:      runner,
		model:       strings.TrimSpace(cfg.Model),
		sandboxMode: sandboxMode,
		binary:      binary,
		now:         time.Now,
	}, nil
}

// Name returns the harness name.
func (d *Driver) Name() string { return harnessName }

// Model returns the configured model, empty for the CLI default.
func (d *Driver) Model() string { return d.model }

// Invoke runs one exec request. Codex has no separate system prompt flag, so the system
// prompt is prepended to the user prompt on stdin.
func (d *Driver) Invoke(ctx context.Context, req harness.Request) (harness.Response, error) {
	if d == nil {
		return harness.Response{}, errors.New("driver is nil")
	}
	if strings.TrimSpace(req.UserPrompt) == "" {
		return harness.Response{}, errors.New("prompt is required")
	}

	ctx, cancel := harness.WithTimeout(ctx, req.Timeout)
	defer cancel()

	collector := newEventCollector(req.OnOutput)
	started := d.now()
	result, err := d.runner.Stream(ctx, d.command(req), collector.handle)
	duration := d.now().Sub(started)
	if duration < 0 {
		duration = 0
	}

	if err := harness.ClassifyError(ctx, harnessName, req.Role, req.Timeout, result, err); err != nil {
		return harness.Response{Duration: duration}, err
	}

	if collector.failure != "" {
		return harness.Response{Duration: duration}, &harness.InvocationError{
			Harness:  harnessName,
			Role:     req.Role,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			Err:      fmt.Errorf("turn failed: %s", collector.failure),
		}
	}

	text := collector.text()
	if text == "" {
		return harness.Response{Duration: duration}, &harness.InvocationError{
			Harness:  harnessName,
			Role:     req.Role,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			Err:      errors.New("empty response"),
		}
	}
	return harness.Response{Text: text, Duration: duration}, nil
}

func (d *Driver) command(req harness.Request) harness.Command {
	args := []string{"exec", "--json"}
	if d.model != "" {
		args = append(args, "--model", d.model)
	}
	args = append(args, "--sandbox", d.sandboxMode, "--skip-git-repo-check", "-")

	prompt := req.UserPrompt
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		prompt = system + "\n\n" + req.UserPrompt
	}
	return harness.Command{
		Name:  d.binary,
		Args:  args,
		Dir:   strings.TrimSpace(req.WorkDir),
		Stdin: prompt,
	}
}

func resolveSandboxMode(input string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(input))
	if mode == "" {
		mode = defaultSandboxMode
	}
	if _, ok := allowedSandbox[mode]; !ok {
		return "", fmt.Errorf("unsupported sandbox mode %q", mode)
	}
	return mode, nil
}

type execEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
	Item struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// eventCollector folds exec JSONL events into the final agent message. Agent message text is
// forwarded once per item as it grows; every other event is a heartbeat. Lines that are not
// JSON are kept as plain output for CLIs without --json support.
type eventCollector struct {
	onOutput func(chunk string)

	emitted  map[string]int
	messages map[string]string
	order    []string
	final    string
	failure  string
	plain    []string
}

func newEventCollector(onOutput func(chunk string)) *eventCollector {
	return &eventCollector{
		onOutput: onOutput,
		emitted:  make(map[string]int),
		messages: make(map[string]string),
	}
}

func (c *eventCollector) handle(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	var event execEvent
	if err := json.Unmarshal([]byte(trimmed), &event); err != nil || event.Type == "" {
		c.plain = append(c.plain, line)
		c.emit(line)
		return
	}

	switch event.Type {
	case "item.started", "item.updated", "item.completed":
		if event.Item.Type != "agent_message" {
			c.emit("")
			return
		}
		c.agentMessage(event.Item.ID, event.Item.Text, event.Type == "item.completed")
	case "turn.failed":
		c.failure = strings.TrimSpace(event.Error.Message)
		if c.failure == "" {
			c.failure = "unknown error"
		}
		c.emit("")
	case "error":
		if message := strings.TrimSpace(event.Message); message != "" && c.failure == "" {
			c.failure = message
		}
		c.emit("")
	default:
		c.emit("")
	}
}

func (c *eventCollector) agentMessage(id, text string, completed bool) {
	previous, seen := c.messages[id]
	if !seen {
		c.order = append(c.order, id)
	}
	c.messages[id] = text
	if completed {
		c.final = text
	}

	sent := c.emitted[id]
	if !strings.HasPrefix(text, previous) {
		sent = 0
	}
	if len(text) <= sent {
		c.emit("")
		return
	}
	c.emitted[id] = len(text)
	c.emit(text[sent:])
}

func (c *eventCollector) emit(chunk string) {
	if c.onOutput != nil {
		c.onOutput(chunk)
	}
}

func (c *eventCollector) text() string {
	if final := strings.TrimSpace(c.final); final != "" {
		return final
	}
	if len(c.order) > 0 {
		return strings.TrimSpace(c.messages[c.order[len(c.order)-1]])
	}
	return strings.TrimSpace(strings.Join(c.plain, "\n"))
}

var _ harness.Invoker = (*Driver)(nil)
