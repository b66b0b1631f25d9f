// Package debate holds the session data model shared by the parser, the orchestrator and the
// session store.
package debate

import (
	"errors"
	"fmt"
	"time"

	"github.com/ship-commander/parley/internal/convergence"
	"github.com/ship-commander/parley/internal/delta"
)

// Status is the lifecycle state of a debate session.
type Status string

const (
	// StatusNotStarted is a created session that has not run a round yet.
	StatusNotStarted Status = "NOT_STARTED"
	// StatusRunning is a session with rounds in flight or pending.
	StatusRunning Status = "RUNNING"
	// StatusConsensus means the agents agreed.
	StatusConsensus Status = "CONSENSUS"
	// StatusExhausted means the round budget ran out without consensus.
	StatusExhausted Status = "EXHAUSTED"
	// StatusError means the session was abandoned after an unrecoverable failure.
	StatusError Status = "ERROR"
)

// ErrInvalidTransition is returned for status changes the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid session transition")

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusNotStarted: {
		StatusRunning: {},
		StatusError:   {},
	},
	StatusRunning: {
		StatusConsensus: {},
		StatusExhausted: {},
		StatusError:     {},
	},
}

var reopenable = map[Status]struct{}{
	StatusRunning:   {},
	StatusExhausted: {},
}

// Terminal reports whether no further rounds run without an explicit resume.
func (s Status) Terminal() bool {
	switch s {
	case StatusConsensus, StatusExhausted, StatusError:
		return true
	default:
		return false
	}
}

// Role identifies one of the two debating agents.
type Role string

const (
	// RoleA proposes designs.
	RoleA Role = "A"
	// RoleB critiques and counter-proposes.
	RoleB Role = "B"
)

// Other returns the opposing role.
func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

// Turn is one agent's response within a round.
type Turn struct {
	Role           Role               `json:"role"`
	Raw            string             `json:"raw"`
	Design         string             `json:"design"`
	Rationale      []string           `json:"rationale,omitempty"`
	Changes        []string           `json:"changes,omitempty"`
	Kept           []string           `json:"kept,omitempty"`
	Signal         convergence.Signal `json:"signal"`
	PromptForOther string             `json:"promptForOther,omitempty"`
	Duration       time.Duration      `json:"duration"`
	Lines          int                `json:"lines"`
	Error          string             `json:"error,omitempty"`
	TimedOut       bool               `json:"timedOut,omitempty"`
	Ambiguous      bool               `json:"ambiguous,omitempty"`
}

// Failed reports whether the turn carries an invocation error or timeout marker.
func (t Turn) Failed() bool {
	return t.Error != "" || t.TimedOut
}

// Verdict is the convergence snapshot recorded with a round.
type Verdict struct {
	Status convergence.Status `json:"status"`
	Reason string             `json:"reason"`
}

// Round is one A-then-B turn pair with its evaluation.
type Round struct {
	Number      int           `json:"number"`
	A           Turn          `json:"a"`
	B           Turn          `json:"b"`
	Duration    time.Duration `json:"duration"`
	Similarity  float64       `json:"similarity"`
	Delta       delta.Delta   `json:"delta"`
	Convergence Verdict       `json:"convergence"`
	CompletedAt time.Time     `json:"completedAt"`
}

// Session is one debate from initial prompt to terminal status.
type Session struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Preset    string    `json:"preset,omitempty"`
	WorkDir   string    `json:"workDir,omitempty"`
	MaxRounds int       `json:"maxRounds"`
	Rounds    []Round   `json:"rounds"`
	Status    Status    `json:"status"`
	EndReason string    `json:"endReason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// NewSession builds a NOT_STARTED session.
func NewSession(id, prompt string, maxRounds int, now time.Time) *Session {
	return &Session{
		ID:        id,
		Prompt:    prompt,
		MaxRounds: maxRounds,
		Rounds:    make([]Round, 0),
		Status:    StatusNotStarted,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Transition moves the session forward. Terminal states stamp EndedAt.
func (s *Session) Transition(next Status, reason string, now time.Time) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if s.Status == next {
		return nil
	}

	allowed, ok := allowedTransitions[s.Status]
	if !ok {
		return fmt.Errorf("%w: from %s", ErrInvalidTransition, s.Status)
	}
	if _, ok := allowed[next]; !ok {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s.Status, next)
	}

	s.Status = next
	s.UpdatedAt = now.UTC()
	if next.Terminal() {
		s.EndReason = reason
		s.EndedAt = now.UTC()
	}
	return nil
}

// Reopen returns an EXHAUSTED or interrupted RUNNING session to RUNNING for more rounds.
func (s *Session) Reopen(now time.Time) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if _, ok := reopenable[s.Status]; !ok {
		return fmt.Errorf("%w: cannot resume %s session", ErrInvalidTransition, s.Status)
	}

	s.Status = StatusRunning
	s.EndReason = ""
	s.EndedAt = time.Time{}
	s.UpdatedAt = now.UTC()
	return nil
}

// NextRoundNumber is the number the next appended round must carry.
func (s *Session) NextRoundNumber() int {
	if s == nil {
		return 1
	}
	return len(s.Rounds) + 1
}

// AppendRound records a completed round. Rounds are numbered without gaps and carry an A turn
// and a B turn.
func (s *Session) AppendRound(round Round) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if s.Status != StatusRunning {
		return fmt.Errorf("append round %d: session is %s", round.Number, s.Status)
	}
	if want := s.NextRoundNumber(); round.Number != want {
		return fmt.Errorf("append round %d: expected round %d", round.Number, want)
	}
	if round.A.Role != RoleA || round.B.Role != RoleB {
		return fmt.Errorf("append round %d: turns must be A then B", round.Number)
	}

	s.Rounds = append(s.Rounds, round)
	if !round.CompletedAt.IsZero() {
		s.UpdatedAt = round.CompletedAt.UTC()
	}
	return nil
}

// LastRound returns the most recent round.
func (s *Session) LastRound() (Round, bool) {
	if s == nil || len(s.Rounds) == 0 {
		return Round{}, false
	}
	return s.Rounds[len(s.Rounds)-1], true
}

// SimilarityHistory returns the per-round similarity scores in round order.
func (s *Session) SimilarityHistory() []float64 {
	if s == nil {
		return nil
	}
	history := make([]float64, 0, len(s.Rounds))
	for _, round := range s.Rounds {
		history = append(history, round.Similarity)
	}
	return history
}

// Summary is the listing view of a session.
type Summary struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Status    Status    `json:"status"`
	Rounds    int       `json:"rounds"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summarize returns the listing view of s.
func (s *Session) Summarize() Summary {
	if s == nil {
		return Summary{}
	}
	return Summary{
		ID:        s.ID,
		Prompt:    s.Prompt,
		Status:    s.Status,
		Rounds:    len(s.Rounds),
		UpdatedAt: s.UpdatedAt,
	}
}
