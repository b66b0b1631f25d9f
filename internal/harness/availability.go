package harness

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	// HarnessClaude is the Claude Code CLI.
	HarnessClaude = "claude"
	// HarnessCodex is the Codex CLI.
	HarnessCodex = "codex"
)

// Availability captures which harness binaries are present on PATH.
type Availability struct {
	Claude bool
	Codex  bool
}

// AvailableHarnesses returns available harness binaries in deterministic order.
func (a Availability) AvailableHarnesses() []string {
	harnesses := make([]string, 0, 2)
	if a.Claude {
		harnesses = append(harnesses, HarnessClaude)
	}
	if a.Codex {
		harnesses = append(harnesses, HarnessCodex)
	}
	return harnesses
}

// Map returns availability keyed by harness name.
func (a Availability) Map() map[string]bool {
	return map[string]bool{
		HarnessClaude: a.Claude,
		HarnessCodex:  a.Codex,
	}
}

// Supports reports whether the named harness is installed.
func (a Availability) Supports(harnessName string) bool {
	switch strings.ToLower(strings.TrimSpace(harnessName)) {
	case HarnessClaude:
		return a.Claude
	case HarnessCodex:
		return a.Codex
	default:
		return false
	}
}

// DetectAvailability checks PATH for every known harness.
func DetectAvailability() Availability {
	return detectAvailability(exec.LookPath)
}

// ResolveConfiguredHarness resolves the harness to use for one role.
//
// It fails when neither claude nor codex is on PATH. When the configured harness is
// unavailable it falls back to an installed one and returns a warning message.
func ResolveConfiguredHarness(configured string) (string, Availability, []string, error) {
	return resolveConfiguredHarness(configured, exec.LookPath)
}

func resolveConfiguredHarness(
	configured string,
	lookPath func(file string) (string, error),
) (string, Availability, []string, error) {
	if lookPath == nil {
		return "", Availability{}, nil, errors.New("lookPath function is required")
	}

	availability := detectAvailability(lookPath)
	resolved, warnings, err := ResolveWithAvailability(configured, availability)
	return resolved, availability, warnings, err
}

// ResolveWithAvailability applies the fallback rules to an already detected availability.
func ResolveWithAvailability(configured string, availability Availability) (string, []string, error) {
	if len(availability.AvailableHarnesses()) == 0 {
		return "", nil, errors.New("no available harness binaries found on PATH (claude/codex)")
	}

	requested := strings.ToLower(strings.TrimSpace(configured))
	fallback := preferredFallback(availability)
	if requested == "" {
		return fallback, nil, nil
	}
	if availability.Supports(requested) {
		return requested, nil, nil
	}

	warnings := []string{
		fmt.Sprintf("configured harness %q unavailable; falling back to %q", requested, fallback),
	}
	return fallback, warnings, nil
}

func detectAvailability(lookPath func(file string) (string, error)) Availability {
	return Availability{
		Claude: toolAvailable(lookPath, HarnessClaude),
		Codex:  toolAvailable(lookPath, HarnessCodex),
	}
}

func toolAvailable(lookPath func(file string) (string, error), binary string) bool {
	_, err := lookPath(binary)
	return err == nil
}

func preferredFallback(availability Availability) string {
	if availability.Claude {
		return HarnessClaude
	}
	if availability.Codex {
		return HarnessCodex
	}
	return ""
}
