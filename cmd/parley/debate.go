package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/ship-commander/parley/internal/config"
	"github.com/ship-commander/parley/internal/debate"
	"github.com/ship-commander/parley/internal/harness"
	"github.com/ship-commander/parley/internal/harness/claude"
	"github.com/ship-commander/parley/internal/harness/codex"
	"github.com/ship-commander/parley/internal/locks"
	"github.com/ship-commander/parley/internal/orchestrator"
	"github.com/ship-commander/parley/internal/progress"
	"github.com/ship-commander/parley/internal/store"
	"github.com/spf13/cobra"
)

// agentSetup is the invoker routing both roles plus what each role resolved to.
type agentSetup struct {
	invoker  harness.Invoker
	a        orchestrator.Agent
	b        orchestrator.Agent
	warnings []string
}

type agentFactory func(cfg *config.Config) (agentSetup, error)

type runFlags struct {
	maxRounds  int
	preset     string
	promptFile string
	workDir    string
	timeout    time.Duration
}

func (c *cli) newRunCommand() *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Start a new design debate",
		Long: "Start a new design debate. The prompt comes from the arguments, --prompt-file " +
			"(\"-\" reads stdin) or, on an interactive terminal, an input form.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := c.resolvePrompt(cmd.Context(), args, flags.promptFile)
			if err != nil {
				return err
			}

			id := uuid.NewString()
			logger := c.sessionLogger(id)
			o, err := c.newOrchestrator(cmd, logger, flags, orchestrator.WithIDGenerator(func() string { return id }))
			if err != nil {
				return err
			}
			release, err := c.holdSession(cmd.Context(), id, flags, logger)
			if err != nil {
				return err
			}
			defer release()
			session, err := o.Start(cmd.Context(), prompt)
			return debateOutcome(session, err)
		},
	}
	cmd.Flags().IntVar(&flags.maxRounds, "max-rounds", 0, "round cap (default from config)")
	cmd.Flags().StringVar(&flags.preset, "preset", "", "convergence preset (default from config)")
	cmd.Flags().StringVar(&flags.promptFile, "prompt-file", "", "read the prompt from a file, - for stdin")
	cmd.Flags().StringVar(&flags.workDir, "workdir", "", "working directory handed to the agents (default current directory)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "per-agent timeout (default from config)")
	return cmd
}

func (c *cli) newResumeCommand() *cobra.Command {
	var (
		rounds int
		preset string
	)
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue a stored debate from its next round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rounds < 0 {
				return errors.New("--rounds must not be negative")
			}
			id := strings.TrimSpace(args[0])
			logger := c.sessionLogger(id)
			o, err := c.newOrchestrator(cmd, logger, runFlags{})
			if err != nil {
				return err
			}
			release, err := c.holdSession(cmd.Context(), id, runFlags{maxRounds: rounds}, logger)
			if err != nil {
				return err
			}
			defer release()
			session, err := o.Resume(cmd.Context(), id, rounds, orchestrator.WithPresetOverride(preset))
			return debateOutcome(session, err)
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 0, "additional rounds to play (default: remaining cap or max_rounds)")
	cmd.Flags().StringVar(&preset, "preset", "", "switch the session to another convergence preset")
	return cmd
}

func (c *cli) newOrchestrator(cmd *cobra.Command, logger *log.Logger, flags runFlags, extra ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	if flags.maxRounds < 0 {
		return nil, errors.New("--max-rounds must be positive")
	}
	if flags.timeout < 0 {
		return nil, errors.New("--timeout must be positive")
	}

	sessions, err := store.NewFileStore(c.cfg.SessionsDir, logger)
	if err != nil {
		return nil, err
	}
	transcripts, err := store.NewTranscriptWriter(c.cfg.SessionsDir)
	if err != nil {
		return nil, err
	}

	agents, err := c.newAgents(c.cfg)
	if err != nil {
		return nil, err
	}
	for _, warning := range agents.warnings {
		logger.Warn("harness fallback", "warning", warning)
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
	}

	workDir, err := resolveWorkDir(flags.workDir)
	if err != nil {
		return nil, err
	}

	cfg := orchestrator.Config{
		MaxRounds:              firstPositive(flags.maxRounds, c.cfg.MaxRounds),
		AgentTimeout:           firstPositiveDuration(flags.timeout, c.cfg.AgentTimeout),
		AbortAfterFailedRounds: c.cfg.AbortAfterFailedRounds,
		Preset:                 strings.ToLower(strings.TrimSpace(flags.preset)),
		WorkDir:                workDir,
	}
	if cfg.Preset == "" {
		cfg.Preset = c.cfg.Preset
	}

	reporter := progress.New(
		cmd.OutOrStdout(),
		progress.WithInterval(c.cfg.ProgressInterval),
		progress.WithNearConsensus(c.cfg.NearConsensusDisplay),
		progress.WithLogger(logger),
	)
	opts := []orchestrator.Option{
		orchestrator.WithReporter(reporter),
		orchestrator.WithTranscript(transcripts),
		orchestrator.WithLogger(logger),
		orchestrator.WithPresets(c.cfg),
		orchestrator.WithAgents(agents.a, agents.b),
	}
	return orchestrator.New(agents.invoker, sessions, cfg, append(opts, extra...)...)
}

// holdSession leases the session for the longest time the debate could run.
func (c *cli) holdSession(ctx context.Context, id string, flags runFlags, logger *log.Logger) (func(), error) {
	rounds := firstPositive(flags.maxRounds, c.cfg.MaxRounds)
	timeout := firstPositiveDuration(flags.timeout, c.cfg.AgentTimeout)
	leases, err := locks.NewManager(c.cfg.SessionsDir, locks.ManagerConfig{
		ExpiryTimeout: time.Duration(2*rounds)*timeout + time.Minute,
	})
	if err != nil {
		return nil, err
	}
	handle, err := leases.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := handle.Release(); err != nil {
			logger.Warn("release session lease failed", "error", err)
		}
	}, nil
}

// debateOutcome maps a finished or interrupted debate to the command result. EXHAUSTED is a
// normal outcome; ERROR and interruption are not.
func debateOutcome(session *debate.Session, err error) error {
	if err != nil {
		if session != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return fmt.Errorf("debate interrupted after %d rounds; continue with: parley resume %s", len(session.Rounds), session.ID)
		}
		return err
	}
	if session != nil && session.Status == debate.StatusError {
		return fmt.Errorf("debate %s ended with an error: %s", session.ID, session.EndReason)
	}
	return nil
}

func detectAgents(cfg *config.Config) (agentSetup, error) {
	return buildAgents(cfg, harness.DetectAvailability().Map(), harness.TracedRunner{Inner: harness.ExecRunner{}})
}

func buildAgents(cfg *config.Config, availability map[string]bool, runner harness.CommandRunner) (agentSetup, error) {
	setup := agentSetup{}
	invokers := map[debate.Role]harness.Invoker{}
	for _, role := range []debate.Role{debate.RoleA, debate.RoleB} {
		harnessName, model, warnings, err := cfg.ResolveRole(string(role), availability)
		if err != nil {
			return agentSetup{}, fmt.Errorf("resolve agent %s: %w", role, err)
		}
		setup.warnings = append(setup.warnings, warnings...)

		var invoker harness.Invoker
		switch harnessName {
		case harness.HarnessClaude:
			invoker, err = claude.NewWithRunner(runner, claude.DriverConfig{Model: model})
		case harness.HarnessCodex:
			invoker, err = codex.NewWithRunner(runner, codex.DriverConfig{Model: model, SandboxMode: cfg.CodexSandbox})
		default:
			err = fmt.Errorf("unsupported harness %q", harnessName)
		}
		if err != nil {
			return agentSetup{}, fmt.Errorf("configure agent %s: %w", role, err)
		}
		invokers[role] = invoker

		agent := orchestrator.Agent{Harness: harnessName, Model: model}
		if role == debate.RoleA {
			setup.a = agent
		} else {
			setup.b = agent
		}
	}

	router, err := harness.NewRouter(invokers[debate.RoleA], invokers[debate.RoleB])
	if err != nil {
		return agentSetup{}, err
	}
	setup.invoker = router
	return setup, nil
}

func (c *cli) resolvePrompt(ctx context.Context, args []string, promptFile string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(promptFile) != "" {
		return "", errors.New("pass the prompt as an argument or with --prompt-file, not both")
	}

	var prompt string
	switch {
	case len(args) > 0:
		prompt = strings.Join(args, " ")
	case promptFile == "-":
		data, err := io.ReadAll(c.stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = string(data)
	case strings.TrimSpace(promptFile) != "":
		// #nosec G304 -- the prompt file is chosen by the user running the command.
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		prompt = string(data)
	case c.interactive():
		input, err := c.promptInput(ctx)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		prompt = input
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("a design prompt is required")
	}
	return prompt, nil
}

func askPrompt(ctx context.Context) (string, error) {
	var prompt string
	text := huh.NewText().
		Title("Design prompt").
		Description("What should the agents design? Both will see exactly this text.").
		Placeholder("Design a rate limiter for a multi-tenant API...").
		Lines(6).
		Validate(func(value string) error {
			if strings.TrimSpace(value) == "" {
				return errors.New("prompt must not be empty")
			}
			return nil
		}).
		Value(&prompt)
	if err := huh.NewForm(huh.NewGroup(text)).RunWithContext(ctx); err != nil {
		return "", err
	}
	return prompt, nil
}

func terminalIsInteractive() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

func isTerminal(file *os.File) bool {
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func resolveWorkDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		return cwd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", abs)
	}
	return abs, nil
}

func firstPositive(values ...int) int {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}
