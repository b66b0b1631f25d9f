// Package orchestrator drives a debate session round by round until the agents converge or the
// round budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/parley/internal/convergence"
	"github.com/ship-commander/parley/internal/debate"
	"github.com/ship-commander/parley/internal/delta"
	"github.com/ship-commander/parley/internal/harness"
	"github.com/ship-commander/parley/internal/parser"
	"github.com/ship-commander/parley/internal/store"
	"github.com/ship-commander/parley/internal/telemetry"
)

const (
	// DefaultMaxRounds bounds a debate when no override is provided.
	DefaultMaxRounds = 8
	// DefaultAgentTimeout bounds one agent call.
	DefaultAgentTimeout = 10 * time.Minute
	// DefaultAbortAfterFailedRounds ends a session after this many rounds in which every turn failed.
	DefaultAbortAfterFailedRounds = 3
)

// Reporter receives progress callbacks. *progress.Reporter implements it.
type Reporter interface {
	Begin(session *debate.Session)
	BeginTurn(round int, maxRounds int, role debate.Role)
	Observe(chunk string)
	EndTurn(turn debate.Turn)
	RoundComplete(round debate.Round, maxRounds int)
	Finish(session *debate.Session)
}

// TranscriptWriter re-renders the human-readable transcript of a session.
type TranscriptWriter interface {
	Write(session *debate.Session) error
}

// PresetResolver maps a preset name to detector thresholds. *config.Config implements it.
type PresetResolver interface {
	ResolvePreset(name string) (convergence.Config, error)
}

// Agent describes the harness serving one role, for logs and spans.
type Agent struct {
	Harness string
	Model   string
}

// Config configures orchestrator runtime behavior.
type Config struct {
	MaxRounds              int
	AgentTimeout           time.Duration
	AbortAfterFailedRounds int
	Preset                 string
	WorkDir                string
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithReporter renders progress through reporter.
func WithReporter(reporter Reporter) Option {
	return func(o *Orchestrator) {
		if reporter != nil {
			o.reporter = reporter
		}
	}
}

// WithTranscript rewrites the markdown transcript after every round.
func WithTranscript(writer TranscriptWriter) Option {
	return func(o *Orchestrator) {
		o.transcript = writer
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPresets resolves preset names through resolver instead of the built-in presets.
func WithPresets(resolver PresetResolver) Option {
	return func(o *Orchestrator) {
		if resolver != nil {
			o.presets = resolver
		}
	}
}

// WithAgents labels the harness and model serving each role.
func WithAgents(a, b Agent) Option {
	return func(o *Orchestrator) {
		o.agents = map[debate.Role]Agent{debate.RoleA: a, debate.RoleB: b}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// Orchestrator runs debates. It is not safe for concurrent use: one debate runs at a time and
// at most one agent call is outstanding.
type Orchestrator struct {
	invoker    harness.Invoker
	sessions   store.Store
	reporter   Reporter
	transcript TranscriptWriter
	presets    PresetResolver
	agents     map[debate.Role]Agent
	logger     *log.Logger
	cfg        Config
	now        func() time.Time
	newID      func() string
}

// New creates an Orchestrator with required dependencies.
func New(invoker harness.Invoker, sessions store.Store, cfg Config, opts ...Option) (*Orchestrator, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.MaxRounds < 0 {
		return nil, errors.New("max rounds must be positive")
	}
	if cfg.AgentTimeout == 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	if cfg.AgentTimeout < 0 {
		return nil, errors.New("agent timeout must be positive")
	}
	if cfg.AbortAfterFailedRounds < 0 {
		return nil, errors.New("abort after failed rounds must not be negative")
	}
	if strings.TrimSpace(cfg.Preset) == "" {
		cfg.Preset = convergence.DefaultPreset
	}

	o := &Orchestrator{
		invoker:  invoker,
		sessions: sessions,
		reporter: nopReporter{},
		presets:  builtinPresets{},
		agents:   map[debate.Role]Agent{},
		logger:   log.New(io.Discard),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if _, err := o.detectorFor(cfg.Preset); err != nil {
		return nil, err
	}
	return o, nil
}

// Start creates a session for prompt and runs it.
func (o *Orchestrator) Start(ctx context.Context, prompt string) (*debate.Session, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("prompt must not be empty")
	}

	session := debate.NewSession(o.newID(), prompt, o.cfg.MaxRounds, o.now())
	session.Preset = o.cfg.Preset
	session.WorkDir = o.cfg.WorkDir
	if err := session.Transition(debate.StatusRunning, "", o.now()); err != nil {
		return nil, err
	}
	o.persist(ctx, session)
	o.logger.Info("debate started", "session_id", session.ID, "preset", session.Preset, "max_rounds", session.MaxRounds)

	return o.Run(ctx, session)
}

// ResumeOption adjusts a resumed session.
type ResumeOption func(*resumeOptions)

type resumeOptions struct {
	preset string
}

// WithPresetOverride switches a resumed session to another convergence preset.
func WithPresetOverride(name string) ResumeOption {
	return func(opts *resumeOptions) {
		opts.preset = strings.ToLower(strings.TrimSpace(name))
	}
}

// Resume loads a stored session and continues it from the next round.
//
// The round cap becomes len(rounds)+extraRounds when extraRounds is positive, the stored cap
// when it is still ahead, and len(rounds)+MaxRounds otherwise.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, extraRounds int, opts ...ResumeOption) (*debate.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}
	if extraRounds < 0 {
		return nil, errors.New("extra rounds must not be negative")
	}

	session, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	switch session.Status {
	case debate.StatusConsensus:
		return nil, fmt.Errorf("resume session %s: debate already reached consensus", sessionID)
	case debate.StatusError:
		return nil, fmt.Errorf("resume session %s: debate ended with an error: %s", sessionID, session.EndReason)
	}

	resolved := resumeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	if resolved.preset != "" {
		session.Preset = resolved.preset
	}
	if strings.TrimSpace(session.Preset) == "" {
		session.Preset = o.cfg.Preset
	}
	if _, err := o.detectorFor(session.Preset); err != nil {
		return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
	}

	completed := len(session.Rounds)
	switch {
	case extraRounds > 0:
		session.MaxRounds = completed + extraRounds
	case session.MaxRounds > completed:
	default:
		session.MaxRounds = completed + o.cfg.MaxRounds
	}

	if session.Status == debate.StatusNotStarted {
		err = session.Transition(debate.StatusRunning, "", o.now())
	} else {
		err = session.Reopen(o.now())
	}
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	o.logger.Info("debate resumed", "session_id", session.ID, "next_round", session.NextRoundNumber(), "max_rounds", session.MaxRounds)

	return o.Run(ctx, session)
}

// Run plays rounds on a RUNNING session until consensus, the round cap, repeated agent failure
// or cancellation of ctx. Cancellation leaves the session RUNNING, persists it and returns the
// context error.
func (o *Orchestrator) Run(ctx context.Context, session *debate.Session) (*debate.Session, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if session.Status != debate.StatusRunning {
		return session, fmt.Errorf("run session %s: session is %s", session.ID, session.Status)
	}
	detector, err := o.detectorFor(session.Preset)
	if err != nil {
		return session, fmt.Errorf("run session %s: %w", session.ID, err)
	}

	state := convergence.State{History: session.SimilarityHistory()}
	failedStreak := trailingFailedRounds(session.Rounds)
	o.reporter.Begin(session)

	for session.NextRoundNumber() <= session.MaxRounds {
		if err := ctx.Err(); err != nil {
			return o.interrupt(session, err)
		}

		round, next, err := o.playRound(ctx, session, detector, state)
		if err != nil {
			return o.interrupt(session, err)
		}
		state = next

		if err := session.AppendRound(round); err != nil {
			return session, fmt.Errorf("record round %d: %w", round.Number, err)
		}
		o.persist(ctx, session)
		o.writeTranscript(session)
		o.reporter.RoundComplete(round, session.MaxRounds)

		if state.Reached() {
			if err := session.Transition(debate.StatusConsensus, state.Reason, o.now()); err != nil {
				return session, err
			}
			break
		}

		if round.A.Failed() && round.B.Failed() {
			failedStreak++
		} else {
			failedStreak = 0
		}
		if limit := o.cfg.AbortAfterFailedRounds; limit > 0 && failedStreak >= limit {
			reason := fmt.Sprintf("agents unavailable: every turn failed for %d consecutive rounds", failedStreak)
			if err := session.Transition(debate.StatusError, reason, o.now()); err != nil {
				return session, err
			}
			break
		}
	}

	if session.Status == debate.StatusRunning {
		reason := fmt.Sprintf("round limit %d reached without consensus", session.MaxRounds)
		if err := session.Transition(debate.StatusExhausted, reason, o.now()); err != nil {
			return session, err
		}
	}

	o.persist(context.WithoutCancel(ctx), session)
	o.writeTranscript(session)
	o.reporter.Finish(session)
	o.logger.Info("debate finished",
		"session_id", session.ID,
		"status", session.Status,
		"rounds", len(session.Rounds),
		"reason", session.EndReason,
	)
	return session, nil
}

func (o *Orchestrator) playRound(
	ctx context.Context,
	session *debate.Session,
	detector *convergence.Detector,
	state convergence.State,
) (debate.Round, convergence.State, error) {
	number := session.NextRoundNumber()
	started := o.now()

	roundCtx, span := telemetry.StartRound(ctx, session.ID, number)

	previousB := ""
	if last, ok := session.LastRound(); ok {
		previousB = last.B.Raw
	}
	promptA, err := UserPrompt(debate.RoleA, PromptContext{
		Prompt:        session.Prompt,
		Round:         number,
		MaxRounds:     session.MaxRounds,
		Previous:      previousB,
		PreviousRound: number - 1,
	})
	if err != nil {
		span.End(0, "", err)
		return debate.Round{}, state, err
	}
	turnA, err := o.takeTurn(roundCtx, session, number, debate.RoleA, promptA)
	if err != nil {
		span.End(0, "", err)
		return debate.Round{}, state, err
	}

	promptB, err := UserPrompt(debate.RoleB, PromptContext{
		Prompt:                 session.Prompt,
		Round:                  number,
		MaxRounds:              session.MaxRounds,
		Previous:               turnA.Raw,
		PreviousRound:          number,
		ArchitectProposedFinal: turnA.Signal == convergence.SignalProposingFinal,
	})
	if err != nil {
		span.End(0, "", err)
		return debate.Round{}, state, err
	}
	turnB, err := o.takeTurn(roundCtx, session, number, debate.RoleB, promptB)
	if err != nil {
		span.End(0, "", err)
		return debate.Round{}, state, err
	}

	change := delta.Compare(previousDesign(session.Rounds), turnA.Design)
	next := state.Record(detector, number, change.Similarity, turnA.Signal, turnB.Signal)
	completed := o.now()

	round := debate.Round{
		Number:      number,
		A:           turnA,
		B:           turnB,
		Duration:    nonNegative(completed.Sub(started)),
		Similarity:  change.Similarity,
		Delta:       change,
		Convergence: debate.Verdict{Status: next.Status, Reason: next.Reason},
		CompletedAt: completed.UTC(),
	}
	span.End(round.Similarity, string(next.Status), nil)

	o.logger.Info("round complete",
		"session_id", session.ID,
		"round", number,
		"similarity", round.Similarity,
		"status", next.Status,
		"reason", next.Reason,
		"duration", round.Duration,
	)
	return round, next, nil
}

// takeTurn invokes one agent. Agent failures become failed turns; only cancellation of the
// parent context is returned as an error.
func (o *Orchestrator) takeTurn(
	ctx context.Context,
	session *debate.Session,
	round int,
	role debate.Role,
	userPrompt string,
) (debate.Turn, error) {
	systemPrompt, err := SystemPrompt(role)
	if err != nil {
		return debate.Turn{}, err
	}

	agent := o.agents[role]
	callCtx, call := telemetry.StartAgentCall(ctx, telemetry.AgentCallRequest{
		SessionID: session.ID,
		Round:     round,
		Role:      string(role),
		Harness:   agent.Harness,
		Model:     agent.Model,
		Prompt:    systemPrompt + "\n\n" + userPrompt,
	})

	o.reporter.BeginTurn(round, session.MaxRounds, role)
	turnCtx, cancel := context.WithTimeout(callCtx, o.cfg.AgentTimeout)
	started := o.now()
	response, invokeErr := o.invoker.Invoke(turnCtx, harness.Request{
		Role:         role,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		WorkDir:      session.WorkDir,
		Timeout:      o.cfg.AgentTimeout,
		OnOutput: func(chunk string) {
			call.RecordChunk()
			o.reporter.Observe(chunk)
		},
	})
	timedOut := errors.Is(invokeErr, harness.ErrAgentTimeout) || errors.Is(turnCtx.Err(), context.DeadlineExceeded)
	cancel()

	duration := response.Duration
	if duration <= 0 {
		duration = nonNegative(o.now().Sub(started))
	}

	if parentErr := ctx.Err(); parentErr != nil {
		call.End("", false, parentErr)
		return debate.Turn{}, parentErr
	}

	var turn debate.Turn
	if invokeErr != nil {
		turn = failedTurn(role, invokeErr, timedOut, o.cfg.AgentTimeout)
		o.logger.Warn("agent turn failed",
			"session_id", session.ID,
			"round", round,
			"role", role,
			"timed_out", timedOut,
			"err", invokeErr,
		)
	} else {
		turn = parser.Parse(response.Text, role)
		if turn.Ambiguous {
			o.logger.Warn("convergence signal unclear; treating as ITERATING",
				"session_id", session.ID,
				"round", round,
				"role", role,
				"signal", turn.Signal,
			)
		}
	}
	turn.Duration = duration
	call.End(response.Text, timedOut, invokeErr)
	o.reporter.EndTurn(turn)
	return turn, nil
}

func failedTurn(role debate.Role, err error, timedOut bool, timeout time.Duration) debate.Turn {
	raw := fmt.Sprintf("[agent %s failed: %v]", role, err)
	if timedOut {
		raw = fmt.Sprintf("[agent %s timed out after %s]", role, timeout)
	}
	return debate.Turn{
		Role:     role,
		Raw:      raw,
		Signal:   convergence.SignalIterating,
		Error:    err.Error(),
		TimedOut: timedOut,
	}
}

func (o *Orchestrator) interrupt(session *debate.Session, cause error) (*debate.Session, error) {
	o.persist(context.Background(), session)
	o.writeTranscript(session)
	o.reporter.Finish(session)
	o.logger.Warn("debate interrupted",
		"session_id", session.ID,
		"rounds", len(session.Rounds),
		"err", cause,
	)
	return session, cause
}

func (o *Orchestrator) persist(ctx context.Context, session *debate.Session) {
	if err := o.sessions.Persist(ctx, session); err != nil {
		o.logger.Warn("persist session failed", "session_id", session.ID, "rounds", len(session.Rounds), "err", err)
	}
}

func (o *Orchestrator) writeTranscript(session *debate.Session) {
	if o.transcript == nil {
		return
	}
	if err := o.transcript.Write(session); err != nil {
		o.logger.Warn("write transcript failed", "session_id", session.ID, "err", err)
	}
}

func (o *Orchestrator) detectorFor(preset string) (*convergence.Detector, error) {
	cfg, err := o.presets.ResolvePreset(preset)
	if err != nil {
		return nil, err
	}
	return convergence.NewDetector(cfg)
}

// previousDesign is the latest design A produced before this round. Failed turns carry no design
// and are skipped.
func previousDesign(rounds []debate.Round) string {
	for i := len(rounds) - 1; i >= 0; i-- {
		if design := strings.TrimSpace(rounds[i].A.Design); design != "" && !rounds[i].A.Failed() {
			return rounds[i].A.Design
		}
	}
	return ""
}

func trailingFailedRounds(rounds []debate.Round) int {
	count := 0
	for i := len(rounds) - 1; i >= 0; i-- {
		if !rounds[i].A.Failed() || !rounds[i].B.Failed() {
			break
		}
		count++
	}
	return count
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type builtinPresets struct{}

func (builtinPresets) ResolvePreset(name string) (convergence.Config, error) {
	cfg, ok := convergence.Preset(name)
	if !ok {
		return convergence.Config{}, fmt.Errorf("unknown preset %q (available: %s)", name, strings.Join(convergence.PresetNames(), ", "))
	}
	return cfg, nil
}

type nopReporter struct{}

func (nopReporter) Begin(*debate.Session) {}
func (nopReporter) BeginTurn(int, int, debate.Role) {}
func (nopReporter) Observe(string) {}
func (nopReporter) EndTurn(debate.Turn) {}
func (nopReporter) RoundComplete(debate.Round, int) {}
func (nopReporter) Finish(*debate.Session) {}
