package parser

import (
	"strings"
	"testing"

	"github.com/ship-commander/parley/internal/convergence"
	"github.com/ship-commander/parley/internal/debate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const structuredResponse = `Some preamble from the agent.

## Proposed Design

### Components
- API gateway
- Worker pool

### Storage
Postgres with a read replica.

## Rationale
- Keeps writes consistent
- Scales reads

## What I Changed
1. Added the worker pool
2. Dropped the cache tier

## What I Kept
- API gateway

## Convergence Status
PROPOSING_FINAL: the design covers every requirement.

## Prompt for Agent B
Check the failure handling of the worker pool.
`

func TestParseStructuredResponse(t *testing.T) {
	turn := Parse(structuredResponse, debate.RoleA)

	assert.Equal(t, debate.RoleA, turn.Role)
	assert.Equal(t, convergence.SignalProposingFinal, turn.Signal)
	assert.False(t, turn.Ambiguous)

	assert.True(t, strings.HasPrefix(turn.Design, "### Components"), "design = %q", turn.Design)
	assert.Contains(t, turn.Design, "Postgres with a read replica.")
	assert.NotContains(t, turn.Design, "Keeps writes consistent")

	assert.Equal(t, []string{"Keeps writes consistent", "Scales reads"}, turn.Rationale)
	assert.Equal(t, []string{"Added the worker pool", "Dropped the cache tier"}, turn.Changes)
	assert.Equal(t, []string{"API gateway"}, turn.Kept)
	assert.Equal(t, "Check the failure handling of the worker pool.", turn.PromptForOther)
	assert.Equal(t, strings.Count(structuredResponse, "\n"), turn.Lines)
}

func TestParseDesignKeepsSameLevelSubsections(t *testing.T) {
	raw := "## Design\nintro\n\n## Data Models\nbucket-7\n\n## Storage\nshard 3\n\n" +
		"## Rationale\n- sharding spreads load\n\n## Convergence Status\nITERATING\n"

	turn := Parse(raw, debate.RoleA)

	assert.True(t, strings.HasPrefix(turn.Design, "intro"), "design = %q", turn.Design)
	assert.Contains(t, turn.Design, "## Data Models\nbucket-7")
	assert.Contains(t, turn.Design, "## Storage\nshard 3")
	assert.NotContains(t, turn.Design, "sharding spreads load")
	assert.Equal(t, []string{"sharding spreads load"}, turn.Rationale)
	assert.Equal(t, convergence.SignalIterating, turn.Signal)
	assert.False(t, turn.Ambiguous)
}

func TestParseSectionEndsAtHigherLevelHeading(t *testing.T) {
	raw := "## Design\nuse a queue\n\n# Appendix\nunrelated notes\n"

	turn := Parse(raw, debate.RoleB)

	assert.Equal(t, "use a queue", turn.Design)
}

func TestParseHeadingVariants(t *testing.T) {
	tests := []struct {
		name    string
		heading string
	}{
		{name: "plain", heading: "## Design"},
		{name: "updated", heading: "## Updated Design"},
		{name: "revised numbered", heading: "## 2. Revised Design"},
		{name: "proposal with colon", heading: "### Design Proposal:"},
		{name: "bold", heading: "## **Design**"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			raw := tc.heading + "\nuse a queue\n\n## Convergence\nITERATING\n"
			turn := Parse(raw, debate.RoleB)
			if turn.Design != "use a queue" {
				t.Fatalf("design = %q, want %q", turn.Design, "use a queue")
			}
			if turn.Signal != convergence.SignalIterating || turn.Ambiguous {
				t.Fatalf("signal = %s ambiguous = %v", turn.Signal, turn.Ambiguous)
			}
		})
	}
}

func TestParseWithoutDesignHeadingUsesWholeText(t *testing.T) {
	raw := "  Just a free-form answer.\nNo headings here.\n"

	turn := Parse(raw, debate.RoleA)

	assert.Equal(t, "Just a free-form answer.\nNo headings here.", turn.Design)
	assert.Equal(t, convergence.SignalIterating, turn.Signal)
	assert.True(t, turn.Ambiguous)
	assert.Equal(t, 2, turn.Lines)
}

func TestParseStatusLineFallback(t *testing.T) {
	raw := "## Design\nkeep it simple\n\n**Convergence Status:** ACCEPTING_FINAL\n"

	turn := Parse(raw, debate.RoleB)

	assert.Equal(t, convergence.SignalAcceptingFinal, turn.Signal)
	assert.False(t, turn.Ambiguous)
}

func TestParseIgnoresTokensOutsideConvergenceSection(t *testing.T) {
	raw := "## Design\nWe are not PROPOSING_FINAL yet.\n\n## Convergence Status\nstill working\n"

	turn := Parse(raw, debate.RoleA)

	assert.Equal(t, convergence.SignalIterating, turn.Signal)
	assert.True(t, turn.Ambiguous)
}

func TestParseListSectionWithoutBullets(t *testing.T) {
	raw := "## Rationale\nfirst reason\n\nsecond reason\n"

	turn := Parse(raw, debate.RoleA)

	require.Len(t, turn.Rationale, 2)
	assert.Equal(t, "first reason", turn.Rationale[0])
	assert.Equal(t, "second reason", turn.Rationale[1])
}

func TestParseEmptyResponse(t *testing.T) {
	turn := Parse("", debate.RoleB)

	assert.Equal(t, debate.RoleB, turn.Role)
	assert.Empty(t, turn.Design)
	assert.Zero(t, turn.Lines)
	assert.Equal(t, convergence.SignalIterating, turn.Signal)
	assert.True(t, turn.Ambiguous)
}

func TestExtractSignal(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		wantSignal    convergence.Signal
		wantAmbiguous bool
	}{
		{name: "single", text: "ACCEPTING_FINAL", wantSignal: convergence.SignalAcceptingFinal},
		{name: "none", text: "we agree", wantSignal: convergence.SignalIterating, wantAmbiguous: true},
		{name: "lowercase is not a token", text: "proposing_final", wantSignal: convergence.SignalIterating, wantAmbiguous: true},
		{name: "earliest wins", text: "PROPOSING_FINAL, not ITERATING", wantSignal: convergence.SignalProposingFinal, wantAmbiguous: true},
		{name: "repeated same token", text: "ITERATING ... ITERATING", wantSignal: convergence.SignalIterating},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			signal, ambiguous := ExtractSignal(tc.text)
			if signal != tc.wantSignal || ambiguous != tc.wantAmbiguous {
				t.Fatalf("ExtractSignal(%q) = %s, %v; want %s, %v", tc.text, signal, ambiguous, tc.wantSignal, tc.wantAmbiguous)
			}
		})
	}
}
