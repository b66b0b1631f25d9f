// Package progress prints live status for a running debate.
//
// The reporter owns no goroutines or timers. The orchestrator drives it from a single path:
// BeginTurn, then Observe from inside the agent output read loop, then EndTurn, and
// RoundComplete after each round. Observe decides from an injected clock whether a status line
// is due. Rendering failures are recovered and logged so they never abort a debate.
package progress

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/ship-commander/parley/internal/convergence"
	"github.com/ship-commander/parley/internal/debate"
)

const (
	// DefaultInterval is the minimum gap between two status lines for the same turn.
	DefaultInterval = 10 * time.Second
	// DefaultNearConsensus is the similarity at which the round narrative says "near consensus".
	DefaultNearConsensus = 0.80

	startingWindow   = 30 * time.Second
	writingLineCount = 40
	etaWindow        = 5
)

// Phase labels what an agent appears to be doing.
type Phase string

const (
	// PhaseStarting is the first seconds of a turn before any output.
	PhaseStarting Phase = "starting"
	// PhaseThinking is a turn that has been silent past the starting window.
	PhaseThinking Phase = "thinking"
	// PhaseResponding means output has begun.
	PhaseResponding Phase = "responding"
	// PhaseWriting means the response has grown long enough to be the design itself.
	PhaseWriting Phase = "writing design"
)

// PhaseFor derives the phase from elapsed time and received output.
func PhaseFor(elapsed time.Duration, bytes int, lines int) Phase {
	switch {
	case bytes == 0 && elapsed < startingWindow:
		return PhaseStarting
	case bytes == 0:
		return PhaseThinking
	case lines < writingLineCount:
		return PhaseResponding
	default:
		return PhaseWriting
	}
}

// Narrative describes a round verdict for humans. near is display-only and never affects the
// detector.
func Narrative(status convergence.Status, similarity float64, near float64) string {
	switch {
	case status == convergence.StatusConsensus:
		return "consensus reached"
	case similarity >= near:
		return "near consensus"
	case status == convergence.StatusConverging:
		return "converging"
	default:
		return "still debating"
	}
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithInterval sets the minimum gap between status lines.
func WithInterval(interval time.Duration) Option {
	return func(r *Reporter) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithNearConsensus sets the display-only near-consensus threshold.
func WithNearConsensus(threshold float64) Option {
	return func(r *Reporter) {
		if threshold > 0 && threshold <= 1 {
			r.nearConsensus = threshold
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// WithColorProfile overrides the profile detected from the writer.
func WithColorProfile(profile termenv.Profile) Option {
	return func(r *Reporter) {
		r.renderer.SetColorProfile(profile)
	}
}

// WithLogger sets the logger that receives recovered rendering failures.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reporter renders debate progress to a writer.
type Reporter struct {
	out           io.Writer
	renderer      *lipgloss.Renderer
	styles        styles
	logger        *log.Logger
	interval      time.Duration
	nearConsensus float64
	now           func() time.Time

	role      debate.Role
	turnStart time.Time
	lastEmit  time.Time
	bytes     int
	lines     int

	durations []time.Duration
}

// New builds a reporter writing to out. Colour is disabled when out is not a terminal.
func New(out io.Writer, opts ...Option) *Reporter {
	if out == nil {
		out = io.Discard
	}
	r := &Reporter{
		out:           out,
		renderer:      lipgloss.NewRenderer(out),
		logger:        log.New(io.Discard),
		interval:      DefaultInterval,
		nearConsensus: DefaultNearConsensus,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.styles = newStyles(r.renderer)
	return r
}

// Begin prints the session header.
func (r *Reporter) Begin(session *debate.Session) {
	if r == nil || session == nil {
		return
	}
	defer r.guard("begin")

	r.durations = r.durations[:0]
	for _, round := range session.Rounds {
		r.recordDuration(round.Duration)
	}

	header := fmt.Sprintf("Debate %s", session.ID)
	if len(session.Rounds) > 0 {
		header = fmt.Sprintf("Resuming debate %s at round %d", session.ID, session.NextRoundNumber())
	}
	r.println(r.styles.heading.Render(header))
	r.println(r.styles.muted.Render(fmt.Sprintf("  up to %d rounds, preset %s", session.MaxRounds, presetName(session.Preset))))
}

// BeginTurn resets the per-turn counters and announces the agent.
func (r *Reporter) BeginTurn(round int, maxRounds int, role debate.Role) {
	if r == nil {
		return
	}
	defer r.guard("begin turn")

	now := r.now()
	r.role = role
	r.turnStart = now
	r.lastEmit = now
	r.bytes = 0
	r.lines = 0

	r.println(r.styles.active.Render(fmt.Sprintf("%s Round %d/%d · Agent %s (%s) working", iconWorking, round, maxRounds, role, roleTitle(role))))
}

// Observe records one chunk of agent output and prints a status line when the interval has
// elapsed since the last one. An empty chunk is a heartbeat.
func (r *Reporter) Observe(chunk string) {
	if r == nil {
		return
	}
	defer r.guard("observe")

	if chunk != "" {
		r.bytes += len(chunk)
		r.lines += strings.Count(strings.TrimRight(chunk, "\n"), "\n") + 1
	}

	now := r.now()
	if now.Sub(r.lastEmit) < r.interval {
		return
	}
	r.lastEmit = now

	elapsed := now.Sub(r.turnStart)
	phase := PhaseFor(elapsed, r.bytes, r.lines)
	r.println(r.styles.info.Render(fmt.Sprintf("  Agent %s %s (%d lines, %s, %s elapsed)", r.role, phase, r.lines, formatBytes(r.bytes), formatDuration(elapsed))))
}

// EndTurn reports how a turn finished.
func (r *Reporter) EndTurn(turn debate.Turn) {
	if r == nil {
		return
	}
	defer r.guard("end turn")

	switch {
	case turn.TimedOut:
		r.println(r.styles.failure.Render(fmt.Sprintf("  %s Agent %s timed out after %s", iconFailed, turn.Role, formatDuration(turn.Duration))))
	case turn.Error != "":
		r.println(r.styles.failure.Render(fmt.Sprintf("  %s Agent %s failed: %s", iconFailed, turn.Role, turn.Error)))
	default:
		line := fmt.Sprintf("  %s Agent %s responded in %s (%d lines, %s)", iconDone, turn.Role, formatDuration(turn.Duration), turn.Lines, turn.Signal)
		if turn.Ambiguous {
			line += ", signal unclear"
		}
		r.println(r.styles.success.Render(line))
	}
}

// RoundComplete renders the round summary: duration, similarity bar, narrative, changes and
// an estimate of the remaining time.
func (r *Reporter) RoundComplete(round debate.Round, maxRounds int) {
	if r == nil {
		return
	}
	defer r.guard("round complete")

	r.recordDuration(round.Duration)

	narrative := Narrative(round.Convergence.Status, round.Similarity, r.nearConsensus)
	variant := barDebating
	switch {
	case round.Convergence.Status == convergence.StatusConsensus:
		variant = barConsensus
	case round.Similarity >= r.nearConsensus || round.Convergence.Status == convergence.StatusConverging:
		variant = barNear
	}

	r.println(r.styles.heading.Render(fmt.Sprintf("Round %d/%d complete in %s", round.Number, maxRounds, formatDuration(round.Duration))))
	r.println(fmt.Sprintf("  Similarity %s  %s", renderSimilarityBar(round.Similarity, defaultBarWidth, variant, r.styles.profile), narrative))
	if round.Convergence.Reason != "" {
		r.println(r.styles.muted.Render("  " + round.Convergence.Reason))
	}

	if len(round.Delta.Changes) > 0 {
		r.println("  Changes:")
		for _, change := range round.Delta.Changes {
			r.println("    - " + change)
		}
	}

	if round.Convergence.Status == convergence.StatusConsensus {
		return
	}
	if remaining := maxRounds - round.Number; remaining > 0 {
		eta := r.averageDuration() * time.Duration(remaining)
		r.println(r.styles.muted.Render(fmt.Sprintf("  ETA ~%s (%d rounds left)", formatDuration(eta), remaining)))
	}
}

// Finish prints the final status line for the session.
func (r *Reporter) Finish(session *debate.Session) {
	if r == nil || session == nil {
		return
	}
	defer r.guard("finish")

	rounds := len(session.Rounds)
	switch session.Status {
	case debate.StatusConsensus:
		r.println(r.styles.success.Render(fmt.Sprintf("%s Consensus reached after %d rounds: %s", iconDone, rounds, session.EndReason)))
	case debate.StatusExhausted:
		r.println(r.styles.warning.Render(fmt.Sprintf("%s No consensus after %d rounds. Continue with: parley resume %s --rounds 3", iconAlert, rounds, session.ID)))
	case debate.StatusError:
		r.println(r.styles.failure.Render(fmt.Sprintf("%s Debate stopped after %d rounds: %s", iconFailed, rounds, session.EndReason)))
	default:
		r.println(r.styles.warning.Render(fmt.Sprintf("%s Interrupted after %d rounds. Resume with: parley resume %s", iconAlert, rounds, session.ID)))
	}
}

func (r *Reporter) recordDuration(duration time.Duration) {
	if duration <= 0 {
		return
	}
	r.durations = append(r.durations, duration)
	if len(r.durations) > etaWindow {
		r.durations = r.durations[len(r.durations)-etaWindow:]
	}
}

func (r *Reporter) averageDuration() time.Duration {
	if len(r.durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, duration := range r.durations {
		total += duration
	}
	return total / time.Duration(len(r.durations))
}

func (r *Reporter) println(line string) {
	_, _ = fmt.Fprintln(r.out, line)
}

// guard must be deferred directly so recover sees the panic.
func (r *Reporter) guard(op string) {
	if recovered := recover(); recovered != nil {
		r.logger.Warn("progress rendering failed", "op", op, "panic", fmt.Sprint(recovered))
	}
}

func roleTitle(role debate.Role) string {
	if role == debate.RoleA {
		return "architect"
	}
	return "reviewer"
}

func presetName(name string) string {
	if name == "" {
		return "balanced"
	}
	return name
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	return d.Round(time.Second).String()
}

func formatBytes(n int) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f KB", float64(n)/1024)
}
