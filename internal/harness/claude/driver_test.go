package claude

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ship-commander/parley/internal/debate"
	"github.com/ship-commander/parley/internal/harness"
)

type fakeRunner struct {
	lines  []string
	result harness.Result
	err    error
	block  bool
	calls  []harness.Command
}

func (f *fakeRunner) Stream(ctx context.Context, command harness.Command, onLine func(line string)) (harness.Result, error) {
	f.calls = append(f.calls, command)
	for _, line := range f.lines {
		onLine(line)
	}
	if f.block {
		<-ctx.Done()
		return harness.Result{ExitCode: -1}, errors.New("signal: killed")
	}
	return f.result, f.err
}

func fixedClock() func() time.Time {
	current := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(2 * time.Second)
		return current
	}
}

func newTestDriver(t *testing.T, runner *fakeRunner, cfg DriverConfig) *Driver {
	t.Helper()
	driver, err := NewWithRunner(runner, cfg)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	driver.now = fixedClock()
	return driver
}

func TestInvokeConstructsClaudeCLIFlags(t *testing.T) {
	runner := &fakeRunner{lines: []string{`{"type":"result","subtype":"success","result":"## Design\nok"}`}}
	driver := newTestDriver(t, runner, DriverConfig{Model: "Opus"})

	_, err := driver.Invoke(context.Background(), harness.Request{
		Role:         debate.RoleA,
		SystemPrompt: "You are the architect.",
		UserPrompt:   "Design a cache",
		WorkDir:      " /tmp/project ",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(runner.calls))
	}
	call := runner.calls[0]
	if call.Name != "claude" {
		t.Fatalf("binary = %q", call.Name)
	}
	joined := strings.Join(call.Args, " ")
	for _, expected := range []string{
		"-p --output-format stream-json --verbose --include-partial-messages",
		"--model opus",
		"--append-system-prompt You are the architect.",
	} {
		if !strings.Contains(joined, expected) {
			t.Fatalf("claude args = %q, missing %q", joined, expected)
		}
	}
	if call.Stdin != "Design a cache" {
		t.Fatalf("stdin = %q", call.Stdin)
	}
	if call.Dir != "/tmp/project" {
		t.Fatalf("dir = %q", call.Dir)
	}
}

func TestInvokeUsesResultEventAndStreamsText(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"## Design\ndraft"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read"}]}}`,
		`{"type":"result","subtype":"success","result":"## Design\nfinal"}`,
	}}
	driver := newTestDriver(t, runner, DriverConfig{})

	var chunks []string
	resp, err := driver.Invoke(context.Background(), harness.Request{
		Role:       debate.RoleB,
		UserPrompt: "review",
		OnOutput:   func(chunk string) { chunks = append(chunks, chunk) },
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Text != "## Design\nfinal" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Duration != 2*time.Second {
		t.Fatalf("duration = %s, want 2s", resp.Duration)
	}
	want := []string{"", "## Design\ndraft", "", ""}
	if strings.Join(chunks, "|") != strings.Join(want, "|") {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
	if strings.Contains(strings.Join(runner.calls[0].Args, " "), "--model") {
		t.Fatal("empty model must not pass --model")
	}
}

func TestInvokeStreamsTextDeltasAsTheyArrive(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		`{"type":"stream_event","event":{"type":"message_start"}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"## Design\n"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"use a queue"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{"}}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"## Design\nuse a queue"}]}}`,
		`{"type":"result","subtype":"success","result":"## Design\nuse a queue"}`,
	}}
	driver := newTestDriver(t, runner, DriverConfig{})

	var chunks []string
	resp, err := driver.Invoke(context.Background(), harness.Request{
		Role:       debate.RoleA,
		UserPrompt: "design",
		OnOutput:   func(chunk string) { chunks = append(chunks, chunk) },
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Text != "## Design\nuse a queue" {
		t.Fatalf("text = %q", resp.Text)
	}
	want := []string{"", "## Design\n", "use a queue", "", "", ""}
	if strings.Join(chunks, "|") != strings.Join(want, "|") {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
}

func TestInvokeFallsBackToStreamedDeltas(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial "}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"answer"}}}`,
	}}
	driver := newTestDriver(t, runner, DriverConfig{})

	resp, err := driver.Invoke(context.Background(), harness.Request{Role: debate.RoleB, UserPrompt: "go"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Text != "partial answer" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestInvokeFallsBackToAssistantText(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"part one"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"part two"}]}}`,
	}}
	driver := newTestDriver(t, runner, DriverConfig{})

	resp, err := driver.Invoke(context.Background(), harness.Request{Role: debate.RoleA, UserPrompt: "go"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Text != "part one\n\npart two" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestInvokeAcceptsPlainTextOutput(t *testing.T) {
	runner := &fakeRunner{lines: []string{"## Design", "plain output"}}
	driver := newTestDriver(t, runner, DriverConfig{})

	resp, err := driver.Invoke(context.Background(), harness.Request{Role: debate.RoleA, UserPrompt: "go"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Text != "## Design\nplain output" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestInvokeResultErrorIsInvocationError(t *testing.T) {
	runner := &fakeRunner{lines: []string{`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"rate limited"}`}}
	driver := newTestDriver(t, runner, DriverConfig{})

	_, err := driver.Invoke(context.Background(), harness.Request{Role: debate.RoleA, UserPrompt: "go"})
	var invocationErr *harness.InvocationError
	if !errors.As(err, &invocationErr) {
		t.Fatalf("error = %v, want InvocationError", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("error = %q", err)
	}
}

func TestInvokeEmptyOutputFails(t *testing.T) {
	driver := newTestDriver(t, &fakeRunner{}, DriverConfig{})

	_, err := driver.Invoke(context.Background(), harness.Request{Role: debate.RoleA, UserPrompt: "go"})
	if err == nil || !strings.Contains(err.Error(), "empty response") {
		t.Fatalf("error = %v, want empty response", err)
	}
}

func TestInvokeTimeout(t *testing.T) {
	runner := &fakeRunner{block: true}
	driver := newTestDriver(t, runner, DriverConfig{})

	_, err := driver.Invoke(context.Background(), harness.Request{
		Role:       debate.RoleA,
		UserPrompt: "go",
		Timeout:    20 * time.Millisecond,
	})
	if !errors.Is(err, harness.ErrAgentTimeout) {
		t.Fatalf("error = %v, want ErrAgentTimeout", err)
	}
}

func TestInvokeRequiresPrompt(t *testing.T) {
	driver := newTestDriver(t, &fakeRunner{}, DriverConfig{})
	if _, err := driver.Invoke(context.Background(), harness.Request{Role: debate.RoleA, UserPrompt: "  "}); err == nil {
		t.Fatal("expected prompt required error")
	}
}

func TestNewRejectsUnknownModel(t *testing.T) {
	if _, err := NewWithRunner(&fakeRunner{}, DriverConfig{Model: "gpt-5"}); err == nil {
		t.Fatal("expected unsupported model error")
	}
	driver, err := NewWithRunner(&fakeRunner{}, DriverConfig{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("full model name: %v", err)
	}
	if driver.Model() != "claude-sonnet-4-5" {
		t.Fatalf("model = %q", driver.Model())
	}
	if _, err := NewWithRunner(nil, DriverConfig{}); err == nil {
		t.Fatal("expected runner required error")
	}
}
