package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/parley/internal/config"
	"github.com/ship-commander/parley/internal/logging"
	"github.com/ship-commander/parley/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	telemetry.ServiceVersion = Version
	shutdown, err := telemetry.Init(ctx, telemetry.Options{Endpoint: cfg.OTelEndpoint, Logger: logger.Logger})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdown()

	cmd := newRootCommand(ctx, cfg, logger.Logger, withSessionLogger(func(id string) *log.Logger {
		return logger.WithSessionID(id).Logger
	}))
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

// cli carries the collaborators shared by every subcommand.
type cli struct {
	cfg           *config.Config
	logger        *log.Logger
	sessionLogger func(id string) *log.Logger
	newAgents     agentFactory
	stdin         io.Reader
	interactive   func() bool
	promptInput   func(ctx context.Context) (string, error)
}

type rootOption func(*cli)

func withSessionLogger(bind func(id string) *log.Logger) rootOption {
	return func(c *cli) {
		if bind != nil {
			c.sessionLogger = bind
		}
	}
}

func withAgentFactory(factory agentFactory) rootOption {
	return func(c *cli) {
		if factory != nil {
			c.newAgents = factory
		}
	}
}

func withStdin(stdin io.Reader, interactive bool) rootOption {
	return func(c *cli) {
		c.stdin = stdin
		c.interactive = func() bool { return interactive }
	}
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger, opts ...rootOption) *cobra.Command {
	app := &cli{
		cfg:         cfg,
		logger:      logger,
		newAgents:   detectAgents,
		stdin:       os.Stdin,
		interactive: terminalIsInteractive,
		promptInput: askPrompt,
	}
	app.sessionLogger = func(id string) *log.Logger {
		return app.logger.With("session_id", id)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Run a design debate between two coding agents until they converge",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		app.newRunCommand(),
		app.newResumeCommand(),
		app.newShowCommand(),
		app.newListCommand(),
		app.newPresetsCommand(),
		app.newDoctorCommand(),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}
