package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/parley/internal/config"
	"github.com/ship-commander/parley/internal/debate"
	"github.com/ship-commander/parley/internal/harness"
	"github.com/ship-commander/parley/internal/locks"
	"github.com/ship-commander/parley/internal/orchestrator"
	"github.com/ship-commander/parley/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand(context.Background(), &config.Config{}, testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cmd := newRootCommand(context.Background(), &config.Config{}, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	for _, name := range []string{"run", "resume", "show", "list", "presets", "doctor", "bugreport"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestRunReachesConsensusAndStoresSession(t *testing.T) {
	cfg := testConfig(t)
	invoker := &scriptedInvoker{respond: agreeingAgents}

	output, err := executeCommand(t, cfg, invoker, "run", "Design", "a", "cache")
	require.NoError(t, err)
	assert.Contains(t, output, "Consensus reached after 1 rounds")

	session := onlyStoredSession(t, cfg)
	assert.Equal(t, debate.StatusConsensus, session.Status)
	assert.Equal(t, "Design a cache", session.Prompt)
	assert.Len(t, session.Rounds, 1)
	assert.FileExists(t, filepath.Join(cfg.SessionsDir, session.ID+".md"))
	assert.Equal(t, 2, invoker.calls)
}

func TestRunThenResumeContinuesNumbering(t *testing.T) {
	cfg := testConfig(t)
	invoker := &scriptedInvoker{respond: divergingAgents}

	output, err := executeCommand(t, cfg, invoker, "run", "--max-rounds", "1", "Design a queue")
	require.NoError(t, err)
	assert.Contains(t, output, "No consensus after 1 rounds")

	session := onlyStoredSession(t, cfg)
	require.Equal(t, debate.StatusExhausted, session.Status)

	invoker.respond = agreeingAgents
	_, err = executeCommand(t, cfg, invoker, "resume", session.ID, "--rounds", "2")
	require.NoError(t, err)

	sessions, err := store.NewFileStore(cfg.SessionsDir, nil)
	require.NoError(t, err)
	resumed, err := sessions.Load(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, debate.StatusConsensus, resumed.Status)
	require.Len(t, resumed.Rounds, 2)
	assert.Equal(t, 2, resumed.Rounds[1].Number)
	assert.Equal(t, 3, resumed.MaxRounds)
}

func TestResumeUnknownSessionFails(t *testing.T) {
	cfg := testConfig(t)

	_, err := executeCommand(t, cfg, &scriptedInvoker{respond: agreeingAgents}, "resume", "missing-session")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResumeRefusesHeldSession(t *testing.T) {
	cfg := testConfig(t)
	invoker := &scriptedInvoker{respond: divergingAgents}
	_, err := executeCommand(t, cfg, invoker, "run", "--max-rounds", "1", "Design a queue")
	require.NoError(t, err)
	session := onlyStoredSession(t, cfg)

	leases, err := locks.NewManager(cfg.SessionsDir, locks.ManagerConfig{})
	require.NoError(t, err)
	handle, err := leases.Acquire(context.Background(), session.ID)
	require.NoError(t, err)
	defer func() { _ = handle.Release() }()

	_, err = executeCommand(t, cfg, invoker, "resume", session.ID)
	require.ErrorIs(t, err, locks.ErrHeld)
	assert.Equal(t, 2, invoker.calls)

	shown, err := executeCommand(t, cfg, invoker, "show", session.ID)
	require.NoError(t, err)
	assert.Contains(t, shown, "In progress in pid")
}

func TestRunRequiresPromptWhenNotInteractive(t *testing.T) {
	cfg := testConfig(t)

	_, err := executeCommand(t, cfg, &scriptedInvoker{respond: agreeingAgents}, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a design prompt is required")
}

func TestRunReadsPromptFromStdinAndForm(t *testing.T) {
	app := &cli{stdin: strings.NewReader("  from stdin \n"), interactive: func() bool { return false }}
	prompt, err := app.resolvePrompt(context.Background(), nil, "-")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", prompt)

	app = &cli{
		interactive: func() bool { return true },
		promptInput: func(context.Context) (string, error) { return "from form", nil },
	}
	prompt, err = app.resolvePrompt(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "from form", prompt)

	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o600))
	prompt, err = app.resolvePrompt(context.Background(), nil, path)
	require.NoError(t, err)
	assert.Equal(t, "from file", prompt)

	_, err = app.resolvePrompt(context.Background(), []string{"inline"}, path)
	assert.Error(t, err)
}

func TestListAndShowStoredSessions(t *testing.T) {
	cfg := testConfig(t)
	invoker := &scriptedInvoker{respond: agreeingAgents}
	_, err := executeCommand(t, cfg, invoker, "run", "Design a scheduler")
	require.NoError(t, err)
	session := onlyStoredSession(t, cfg)

	listing, err := executeCommand(t, cfg, invoker, "list")
	require.NoError(t, err)
	assert.Contains(t, listing, session.ID)
	assert.Contains(t, listing, "CONSENSUS")
	assert.Contains(t, listing, "Design a scheduler")

	shown, err := executeCommand(t, cfg, invoker, "show", session.ID)
	require.NoError(t, err)
	assert.Contains(t, shown, "Session "+session.ID)
	assert.Contains(t, shown, "Round 1")
	assert.Contains(t, shown, "explicit mutual agreement")
	assert.Contains(t, shown, "A PROPOSING_FINAL")
	assert.Contains(t, shown, "B ACCEPTING_FINAL")
}

func TestListWithoutSessions(t *testing.T) {
	cfg := testConfig(t)

	output, err := executeCommand(t, cfg, &scriptedInvoker{respond: agreeingAgents}, "list")
	require.NoError(t, err)
	assert.Contains(t, output, "No debates stored")
}

func TestPresetsCommandIncludesCustomPresets(t *testing.T) {
	cfg := testConfig(t)
	early := 0.9
	cfg.Presets["strict"] = config.PresetConfig{Base: "thorough", Overrides: config.PresetOverrides{SimilarityThresholdEarly: &early}}

	output, err := executeCommand(t, cfg, &scriptedInvoker{respond: agreeingAgents}, "presets")
	require.NoError(t, err)
	for _, name := range []string{"balanced (default)", "fast", "thorough", "strict"} {
		assert.Contains(t, output, name)
	}
	assert.Contains(t, output, "0.90")
}

func TestDoctorReportsUnavailableHarnesses(t *testing.T) {
	cfg := testConfig(t)

	var out bytes.Buffer
	err := writeDoctorReport(&out, cfg, map[string]bool{harness.HarnessClaude: false, harness.HarnessCodex: true})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "not found on PATH")
	assert.Contains(t, out.String(), `falling back to "codex"`)

	out.Reset()
	err = writeDoctorReport(&out, cfg, map[string]bool{harness.HarnessClaude: false, harness.HarnessCodex: false})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doctor found problems")
}

func TestBuildAgentsRoutesRolesToResolvedHarnesses(t *testing.T) {
	cfg := testConfig(t)
	cfg.Roles["b"] = config.HarnessModelConfig{Harness: "codex", Model: "gpt-5"}

	setup, err := buildAgents(cfg, map[string]bool{harness.HarnessClaude: true, harness.HarnessCodex: true}, harness.ExecRunner{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Agent{Harness: "claude"}, setup.a)
	assert.Equal(t, orchestrator.Agent{Harness: "codex", Model: "gpt-5"}, setup.b)
	assert.Empty(t, setup.warnings)
	assert.NotNil(t, setup.invoker)

	setup, err = buildAgents(cfg, map[string]bool{harness.HarnessClaude: true, harness.HarnessCodex: false}, harness.ExecRunner{})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Agent{Harness: "claude"}, setup.b)
	require.Len(t, setup.warnings, 1)
	assert.Contains(t, setup.warnings[0], "role B")
}

func TestDebateOutcome(t *testing.T) {
	session := &debate.Session{ID: "abc", Rounds: make([]debate.Round, 2)}

	err := debateOutcome(session, context.Canceled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parley resume abc")

	session.Status = debate.StatusExhausted
	assert.NoError(t, debateOutcome(session, nil))

	session.Status = debate.StatusError
	session.EndReason = "agents unavailable"
	err = debateOutcome(session, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents unavailable")

	boom := errors.New("boom")
	assert.ErrorIs(t, debateOutcome(nil, boom), boom)
}

type scriptedInvoker struct {
	calls   int
	respond func(call int, req harness.Request) string
}

func (s *scriptedInvoker) Invoke(_ context.Context, req harness.Request) (harness.Response, error) {
	s.calls++
	if req.OnOutput != nil {
		req.OnOutput("thinking")
	}
	return harness.Response{Text: s.respond(s.calls, req), Duration: time.Millisecond}, nil
}

func agreeingAgents(_ int, req harness.Request) string {
	signal := "PROPOSING_FINAL"
	if req.Role == debate.RoleB {
		signal = "ACCEPTING_FINAL"
	}
	return "## Design\nshared cache design\n\n## Convergence Status\n" + signal + "\n"
}

func divergingAgents(call int, _ harness.Request) string {
	return "## Design\n" + strings.Repeat("idea-"+string(rune('a'+call))+"\n", 3) + "\n## Convergence Status\nITERATING\n"
}

func executeCommand(t *testing.T, cfg *config.Config, invoker harness.Invoker, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(
		context.Background(),
		cfg,
		testLogger(),
		withAgentFactory(func(*config.Config) (agentSetup, error) {
			return agentSetup{invoker: invoker, a: orchestrator.Agent{Harness: "claude"}, b: orchestrator.Agent{Harness: "claude"}}, nil
		}),
		withStdin(strings.NewReader(""), false),
	)
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.SessionsDir = t.TempDir()
	return cfg
}

func onlyStoredSession(t *testing.T, cfg *config.Config) *debate.Session {
	t.Helper()
	sessions, err := store.NewFileStore(cfg.SessionsDir, nil)
	require.NoError(t, err)
	summaries, err := sessions.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	session, err := sessions.Load(context.Background(), summaries[0].ID)
	require.NoError(t, err)
	return session
}

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}
