// Package claude drives the Claude Code CLI in print mode with streamed JSON output.
package claude

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
	defaultBinary = "claude"
	harnessName   = harness.HarnessClaude
)

var allowedModels = map[string]struct{}{
	"haiku":  {},
	"sonnet": {},
	"opus":   {},
}

// DriverConfig configures the Claude driver.
type DriverConfig struct {
	// Model is an alias (haiku, sonnet, opus) or a full claude-* model name. Empty uses the
	// CLI default.
	Model string
	// Binary overrides the executable name.
	Binary string
}

// Driver implements harness.Invoker with `claude -p --output-format stream-json`.
type Driver struct {
	runner harness.CommandRunner
	model  string
	binary string
	now    func() time.Time
}

// New constructs a Claude driver that runs the real CLI.
func New(cfg DriverConfig) (*Driver, error) {
	return NewWithRunner(harness.ExecRunner{}, cfg)
}

// NewWithRunner constructs a Claude driver with an injectable command runner.
func NewWithRunner(runner harness.CommandRunner, cfg DriverConfig) (*Driver, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	model, err := resolveModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}

	return &Driver{
		runner: runner,
		model:  model,
		binary: binary,
		now:    time.Now,
	}, nil
}

// Name returns the harness name.
func (d *Driver) Name() string { return harnessName }

// Model returns the configured model, empty for the CLI default.
func (d *Driver) Model() string { return d.model }

// Invoke runs one print-mode request. The user prompt goes to stdin.
func (d *Driver) Invoke(ctx context.Context, req harness.Request) (harness.Response, error) {
	if d == nil {
		return harness.Response{}, errors.New("driver is nil")
	}
	if strings.TrimSpace(req.UserPrompt) == "" {
		return harness.Response{}, errors.New("prompt is required")
	}

	ctx, cancel := harness.WithTimeout(ctx, req.Timeout)
	defer cancel()

	collector := &streamCollector{onOutput: req.OnOutput}
	started := d.now()
	result, err := d.runner.Stream(ctx, d.command(req), collector.handle)
	duration := d.now().Sub(started)
	if duration < 0 {
		duration = 0
	}

	if err := harness.ClassifyError(ctx, harnessName, req.Role, req.Timeout, result, err); err != nil {
		return harness.Response{Duration: duration}, err
	}
	if collector.isError {
		return harness.Response{Duration: duration}, &harness.InvocationError{
			Harness:  harnessName,
			Role:     req.Role,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			Err:      fmt.Errorf("result error: %s", strings.TrimSpace(collector.result)),
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
	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--include-partial-messages"}
	if d.model != "" {
		args = append(args, "--model", d.model)
	}
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		args = append(args, "--append-system-prompt", system)
	}
	return harness.Command{
		Name:  d.binary,
		Args:  args,
		Dir:   strings.TrimSpace(req.WorkDir),
		Stdin: req.UserPrompt,
	}
}

func resolveModel(input string) (string, error) {
	model := strings.TrimSpace(input)
	if model == "" {
		return "", nil
	}
	lower := strings.ToLower(model)
	if _, ok := allowedModels[lower]; ok {
		return lower, nil
	}
	if strings.HasPrefix(lower, "claude-") {
		return model, nil
	}
	return "", fmt.Errorf("unsupported claude model %q", model)
}

type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
}

// streamCollector folds stream-json events into the final response text. Text deltas are
// forwarded as they arrive; the assistant message that repeats them is not emitted again.
type streamCollector struct {
	onOutput func(chunk string)

	resultSeen bool
	isError    bool
	result     string
	assistant  []string
	partial    strings.Builder
	plain      []string
}

func (c *streamCollector) handle(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil || event.Type == "" {
		c.plain = append(c.plain, line)
		c.emit(line)
		return
	}

	switch event.Type {
	case "stream_event":
		if event.Event.Type == "content_block_delta" && event.Event.Delta.Type == "text_delta" && event.Event.Delta.Text != "" {
			c.partial.WriteString(event.Event.Delta.Text)
			c.emit(event.Event.Delta.Text)
			return
		}
		c.emit("")
	case "assistant":
		emitted := false
		for _, block := range event.Message.Content {
			if block.Type != "text" || strings.TrimSpace(block.Text) == "" {
				continue
			}
			c.assistant = append(c.assistant, block.Text)
			if c.partial.Len() == 0 {
				c.emit(block.Text)
				emitted = true
			}
		}
		if !emitted {
			c.emit("")
		}
	case "result":
		c.resultSeen = true
		c.result = event.Result
		c.isError = event.IsError
		c.emit("")
	default:
		c.emit("")
	}
}

func (c *streamCollector) emit(chunk string) {
	if c.onOutput != nil {
		c.onOutput(chunk)
	}
}

func (c *streamCollector) text() string {
	if c.resultSeen && strings.TrimSpace(c.result) != "" {
		return strings.TrimSpace(c.result)
	}
	if len(c.assistant) > 0 {
		return strings.TrimSpace(strings.Join(c.assistant, "\n\n"))
	}
	if partial := strings.TrimSpace(c.partial.String()); partial != "" {
		return partial
	}
	return strings.TrimSpace(strings.Join(c.plain, "\n"))
}

var _ harness.Invoker = (*Driver)(nil)
