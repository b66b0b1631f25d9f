package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/ship-commander/parley/internal/config"
	"github.com/ship-commander/parley/internal/debate"
	"github.com/ship-commander/parley/internal/harness"
	"github.com/ship-commander/parley/internal/locks"
	"github.com/ship-commander/parley/internal/store"
	"github.com/spf13/cobra"
)

const promptPreviewWidth = 60

type listingStyles struct {
	heading lipgloss.Style
	label   lipgloss.Style
	good    lipgloss.Style
	bad     lipgloss.Style
	muted   lipgloss.Style
}

func newListingStyles(out io.Writer) listingStyles {
	renderer := lipgloss.NewRenderer(out)
	return listingStyles{
		heading: renderer.NewStyle().Bold(true),
		label:   renderer.NewStyle().Foreground(lipgloss.Color("#FF9966")),
		good:    renderer.NewStyle().Foreground(lipgloss.Color("#33FF33")),
		bad:     renderer.NewStyle().Foreground(lipgloss.Color("#FF3333")),
		muted:   renderer.NewStyle().Faint(true),
	}
}

func (s listingStyles) status(status debate.Status) string {
	switch status {
	case debate.StatusConsensus:
		return s.good.Render(string(status))
	case debate.StatusError:
		return s.bad.Render(string(status))
	default:
		return string(status)
	}
}

func (c *cli) newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Summarize a stored debate round by round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := store.NewFileStore(c.cfg.SessionsDir, c.logger)
			if err != nil {
				return err
			}
			session, err := sessions.Load(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("show session %s: %w", args[0], err)
			}
			transcripts, err := store.NewTranscriptWriter(c.cfg.SessionsDir)
			if err != nil {
				return err
			}
			if err := writeSession(cmd.OutOrStdout(), session, transcripts.Path(session.ID)); err != nil {
				return err
			}
			return writeHolder(cmd, c.cfg.SessionsDir, session.ID)
		},
	}
}

func writeSession(out io.Writer, session *debate.Session, transcriptPath string) error {
	st := newListingStyles(out)
	var b strings.Builder

	b.WriteString(st.heading.Render("Session "+session.ID) + "\n")
	status := st.status(session.Status)
	if session.EndReason != "" {
		status += " " + st.muted.Render("("+session.EndReason+")")
	}
	fmt.Fprintf(&b, "%s %s\n", st.label.Render("Status:"), status)
	fmt.Fprintf(&b, "%s %s\n", st.label.Render("Preset:"), valueOr(session.Preset, "default"))
	fmt.Fprintf(&b, "%s %d of %d\n", st.label.Render("Rounds:"), len(session.Rounds), session.MaxRounds)
	fmt.Fprintf(&b, "%s %s\n", st.label.Render("Created:"), session.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(&b, "%s %s\n", st.label.Render("Transcript:"), transcriptPath)
	fmt.Fprintf(&b, "%s\n%s\n", st.label.Render("Prompt:"), indent(session.Prompt, "  "))

	for _, round := range session.Rounds {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s  similarity %.2f  %s  %s\n",
			st.heading.Render(fmt.Sprintf("Round %d", round.Number)),
			round.Similarity,
			round.Convergence.Status,
			round.Duration.Round(time.Second),
		)
		b.WriteString(turnLine(st, round.A))
		b.WriteString(turnLine(st, round.B))
		if reason := strings.TrimSpace(round.Convergence.Reason); reason != "" {
			fmt.Fprintf(&b, "  %s\n", st.muted.Render(reason))
		}
		for _, change := range round.Delta.Changes {
			fmt.Fprintf(&b, "  - %s\n", change)
		}
	}

	_, err := io.WriteString(out, b.String())
	return err
}

func writeHolder(cmd *cobra.Command, dir, id string) error {
	leases, err := locks.NewManager(dir, locks.ManagerConfig{})
	if err != nil {
		return err
	}
	lease, held, err := leases.Holder(cmd.Context(), id)
	if err != nil || !held {
		return nil
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "\nIn progress in pid %d on %s since %s\n",
		lease.PID, lease.Host, lease.AcquiredAt.Local().Format(time.DateTime))
	return err
}

func turnLine(st listingStyles, turn debate.Turn) string {
	line := fmt.Sprintf("  %s %s", turn.Role, turn.Signal)
	switch {
	case turn.TimedOut:
		line += " " + st.bad.Render("[timed out]")
	case turn.Error != "":
		line += " " + st.bad.Render("[failed: "+turn.Error+"]")
	case turn.Ambiguous:
		line += " " + st.muted.Render("[signal unclear]")
	}
	return line + "\n"
}

func (c *cli) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored debates, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := store.NewFileStore(c.cfg.SessionsDir, c.logger)
			if err != nil {
				return err
			}
			summaries, err := sessions.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				_, err := fmt.Fprintf(out, "No debates stored in %s\n", sessions.Dir())
				return err
			}
			return writeSummaries(out, summaries)
		},
	}
}

func writeSummaries(out io.Writer, summaries []debate.Summary) error {
	st := newListingStyles(out)
	rows := make([][]string, 0, len(summaries))
	for _, summary := range summaries {
		rows = append(rows, []string{
			summary.ID,
			string(summary.Status),
			strconv.Itoa(summary.Rounds),
			summary.UpdatedAt.Local().Format(time.DateTime),
			preview(summary.Prompt, promptPreviewWidth),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(st.muted).
		Headers("ID", "STATUS", "ROUNDS", "UPDATED", "PROMPT").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.heading.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	_, err := fmt.Fprintln(out, t.Render())
	return err
}

func (c *cli) newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "Show convergence presets and their thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			st := newListingStyles(out)
			rows := make([][]string, 0)
			for _, name := range c.cfg.PresetNames() {
				preset, err := c.cfg.ResolvePreset(name)
				if err != nil {
					return err
				}
				label := name
				if name == strings.ToLower(c.cfg.Preset) {
					label += " (default)"
				}
				rows = append(rows, []string{
					label,
					fmt.Sprintf("%.2f", preset.SimilarityThresholdEarly),
					fmt.Sprintf("%.2f", preset.SimilarityThresholdLate),
					strconv.Itoa(preset.LateRoundCutoff),
					fmt.Sprintf("%d ± %.2f ≥ %.2f", preset.StabilityWindow, preset.StabilityTolerance, preset.StabilityFloor),
					fmt.Sprintf("%.2f", preset.NearIdenticalThreshold),
				})
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(st.muted).
				Headers("PRESET", "EARLY", "LATE", "LATE FROM", "STABILITY", "NEAR-IDENTICAL").
				Rows(rows...)
			_, err := fmt.Fprintln(out, t.Render())
			return err
		},
	}
}

func (c *cli) newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check harness availability and show the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeDoctorReport(cmd.OutOrStdout(), c.cfg, harness.DetectAvailability().Map())
		},
	}
}

func writeDoctorReport(out io.Writer, cfg *config.Config, availability map[string]bool) error {
	st := newListingStyles(out)
	var b strings.Builder

	b.WriteString(st.heading.Render("Harnesses") + "\n")
	for _, name := range []string{harness.HarnessClaude, harness.HarnessCodex} {
		mark := st.bad.Render("✗ not found on PATH")
		if availability[name] {
			mark = st.good.Render("✓ available")
		}
		fmt.Fprintf(&b, "  %-8s %s\n", name, mark)
	}

	b.WriteString("\n" + st.heading.Render("Agents") + "\n")
	var problems []string
	for _, role := range []debate.Role{debate.RoleA, debate.RoleB} {
		name, model, warnings, err := cfg.ResolveRole(string(role), availability)
		if err != nil {
			fmt.Fprintf(&b, "  %s  %s\n", role, st.bad.Render(err.Error()))
			problems = append(problems, fmt.Sprintf("agent %s: %v", role, err))
			continue
		}
		fmt.Fprintf(&b, "  %s  %s model=%s\n", role, name, valueOr(model, "default"))
		for _, warning := range warnings {
			fmt.Fprintf(&b, "     %s\n", st.muted.Render(warning))
		}
	}

	b.WriteString("\n" + st.heading.Render("Configuration") + "\n")
	fmt.Fprintf(&b, "  max_rounds                %d\n", cfg.MaxRounds)
	fmt.Fprintf(&b, "  preset                    %s\n", cfg.Preset)
	fmt.Fprintf(&b, "  agent_timeout             %s\n", cfg.AgentTimeout)
	fmt.Fprintf(&b, "  progress_interval         %s\n", cfg.ProgressInterval)
	fmt.Fprintf(&b, "  abort_after_failed_rounds %d\n", cfg.AbortAfterFailedRounds)
	fmt.Fprintf(&b, "  codex_sandbox             %s\n", cfg.CodexSandbox)
	fmt.Fprintf(&b, "  sessions_dir              %s\n", cfg.SessionsDir)
	fmt.Fprintf(&b, "  otel endpoint             %s\n", valueOr(cfg.OTelEndpoint, "disabled"))

	if _, err := io.WriteString(out, b.String()); err != nil {
		return err
	}
	if len(problems) > 0 {
		return fmt.Errorf("doctor found problems: %s", strings.Join(problems, "; "))
	}
	return nil
}

func preview(text string, width int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
