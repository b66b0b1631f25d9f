package harness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultWaitDelay    = 5 * time.Second
	defaultMaxLineBytes = 16 << 20
	stderrTailBytes     = 64 << 10
)

// Command is one agent CLI process.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin string
}

// String renders the command for logs, eliding long arguments.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, arg := range c.Args {
		if len(arg) > 40 {
			arg = arg[:37] + "..."
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// Result is what a finished process left behind besides its stdout.
type Result struct {
	ExitCode int
	Stderr   string
}

// CommandRunner runs a command and hands every stdout line to onLine as it arrives.
type CommandRunner interface {
	Stream(ctx context.Context, command Command, onLine func(line string)) (Result, error)
}

// ExecRunner runs commands with os/exec. Lines are read on the calling goroutine; the process
// is killed when ctx is done and WaitDelay bounds how long Wait waits for the pipes to drain.
type ExecRunner struct {
	WaitDelay    time.Duration
	MaxLineBytes int
}

// Stream starts command and blocks until it exits.
func (r ExecRunner) Stream(ctx context.Context, command Command, onLine func(line string)) (Result, error) {
	if strings.TrimSpace(command.Name) == "" {
		return Result{ExitCode: -1}, errors.New("command name is required")
	}

	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	if command.Stdin != "" {
		cmd.Stdin = strings.NewReader(command.Stdin)
	}
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("open stdout for %s: %w", command.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", command.Name, err)
	}

	maxLine := r.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	result := Result{ExitCode: -1, Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		return result, fmt.Errorf("run %s: %w", command.Name, waitErr)
	}
	if scanErr != nil {
		return result, fmt.Errorf("read %s output: %w", command.Name, scanErr)
	}
	return result, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	data  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = append([]byte(nil), b.data[len(b.data)-b.limit:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.data)
}
