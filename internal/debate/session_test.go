package debate

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func runningSession(t *testing.T) *Session {
	t.Helper()
	session := NewSession("s-1", "design a cache", 3, testNow)
	if err := session.Transition(StatusRunning, "", testNow); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	return session
}

func round(number int) Round {
	return Round{
		Number: number,
		A:      Turn{Role: RoleA},
		B:      Turn{Role: RoleB},
	}
}

func TestTransitionFollowsLifecycle(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{name: "start", from: StatusNotStarted, to: StatusRunning},
		{name: "consensus", from: StatusRunning, to: StatusConsensus},
		{name: "exhausted", from: StatusRunning, to: StatusExhausted},
		{name: "error", from: StatusRunning, to: StatusError},
		{name: "skip running", from: StatusNotStarted, to: StatusConsensus, wantErr: true},
		{name: "leave consensus", from: StatusConsensus, to: StatusRunning, wantErr: true},
		{name: "exhausted to consensus", from: StatusExhausted, to: StatusConsensus, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			session := &Session{Status: tc.from}
			err := session.Transition(tc.to, "reason", testNow)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("error = %v, want ErrInvalidTransition", err)
				}
				if session.Status != tc.from {
					t.Fatalf("status = %s, want unchanged %s", session.Status, tc.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("transition: %v", err)
			}
			if session.Status != tc.to {
				t.Fatalf("status = %s, want %s", session.Status, tc.to)
			}
		})
	}
}

func TestTransitionToTerminalStampsEnd(t *testing.T) {
	session := runningSession(t)
	ended := testNow.Add(time.Minute)

	if err := session.Transition(StatusExhausted, "round limit reached", ended); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !session.EndedAt.Equal(ended) {
		t.Fatalf("ended at = %v, want %v", session.EndedAt, ended)
	}
	if session.EndReason != "round limit reached" {
		t.Fatalf("end reason = %q", session.EndReason)
	}
}

func TestReopenOnlyExhaustedOrRunning(t *testing.T) {
	for _, status := range []Status{StatusExhausted, StatusRunning} {
		session := &Session{Status: status, EndReason: "done", EndedAt: testNow}
		if err := session.Reopen(testNow); err != nil {
			t.Fatalf("reopen %s: %v", status, err)
		}
		if session.Status != StatusRunning || !session.EndedAt.IsZero() || session.EndReason != "" {
			t.Fatalf("reopened session = %+v", session)
		}
	}

	for _, status := range []Status{StatusConsensus, StatusError, StatusNotStarted} {
		session := &Session{Status: status}
		if err := session.Reopen(testNow); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("reopen %s error = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestAppendRoundEnforcesNumberingAndTurns(t *testing.T) {
	session := runningSession(t)

	if err := session.AppendRound(round(2)); err == nil {
		t.Fatal("expected gap error")
	}
	if err := session.AppendRound(round(1)); err != nil {
		t.Fatalf("append round 1: %v", err)
	}
	if err := session.AppendRound(round(1)); err == nil {
		t.Fatal("expected duplicate error")
	}

	swapped := round(2)
	swapped.A.Role, swapped.B.Role = RoleB, RoleA
	if err := session.AppendRound(swapped); err == nil {
		t.Fatal("expected turn order error")
	}

	if got := session.NextRoundNumber(); got != 2 {
		t.Fatalf("next round = %d, want 2", got)
	}
}

func TestAppendRoundRequiresRunning(t *testing.T) {
	session := NewSession("s-2", "prompt", 2, testNow)
	if err := session.AppendRound(round(1)); err == nil {
		t.Fatal("expected error appending to NOT_STARTED session")
	}
}

func TestSimilarityHistoryAndSummary(t *testing.T) {
	session := runningSession(t)
	for i, score := range []float64{0.2, 0.6} {
		r := round(i + 1)
		r.Similarity = score
		if err := session.AppendRound(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	history := session.SimilarityHistory()
	if len(history) != 2 || history[0] != 0.2 || history[1] != 0.6 {
		t.Fatalf("history = %v", history)
	}
	summary := session.Summarize()
	if summary.Rounds != 2 || summary.Status != StatusRunning || summary.ID != "s-1" {
		t.Fatalf("summary = %+v", summary)
	}
	if last, ok := session.LastRound(); !ok || last.Number != 2 {
		t.Fatalf("last round = %+v, %v", last, ok)
	}
}
