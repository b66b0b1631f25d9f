// Package parser extracts the structured parts of an agent response: the design text, the
// rationale, change and kept lists, the convergence signal and the prompt for the other agent.
package parser

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ship-commander/parley/internal/convergence"
	"github.com/ship-commander/parley/internal/debate"
	"github.com/ship-commander/parley/internal/markdown"
)

type sectionKind int

const (
	sectionNone sectionKind = iota
	sectionDesign
	sectionRationale
	sectionChanges
	sectionKept
	sectionConvergence
	sectionPrompt
)

var headingKinds = map[string]sectionKind{
	"design":             sectionDesign,
	"proposed design":    sectionDesign,
	"updated design":     sectionDesign,
	"revised design":     sectionDesign,
	"design proposal":    sectionDesign,
	"rationale":          sectionRationale,
	"what i changed":     sectionChanges,
	"changes":            sectionChanges,
	"changes made":       sectionChanges,
	"what i kept":        sectionKept,
	"kept":               sectionKept,
	"convergence status": sectionConvergence,
	"convergence":        sectionConvergence,
	"status":             sectionConvergence,
}

var (
	statusLinePattern = regexp.MustCompile(`(?im)^[\s*_>-]*convergence status[\s*_]*:.*$`)
	numberingPattern  = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*[.)]?\s+`)
)

// Parse turns a raw agent response into a Turn for role. It never fails: a response with no
// recognizable structure becomes a Turn whose design is the whole text and whose signal is
// ITERATING with Ambiguous set.
func Parse(raw string, role debate.Role) debate.Turn {
	turn := debate.Turn{
		Role:   role,
		Raw:    raw,
		Lines:  countLines(raw),
		Signal: convergence.SignalIterating,
	}

	source := []byte(raw)
	headings := markdown.Headings(source)
	sections := make(map[sectionKind]string)

	for i, heading := range headings {
		kind := classifyHeading(heading.Title)
		if kind == sectionNone {
			continue
		}
		if _, seen := sections[kind]; seen {
			continue
		}
		level := heading.Level
		// Subsection headings at any level stay inside the section; only a recognised
		// heading or a heading above this one closes it.
		sections[kind] = markdown.Body(source, headings, i, func(next markdown.Heading) bool {
			return next.Level < level || classifyHeading(next.Title) != sectionNone
		})
	}

	if design, ok := sections[sectionDesign]; ok && design != "" {
		turn.Design = design
	} else {
		turn.Design = strings.TrimSpace(raw)
	}
	turn.Rationale = listSection(sections[sectionRationale])
	turn.Changes = listSection(sections[sectionChanges])
	turn.Kept = listSection(sections[sectionKept])
	turn.PromptForOther = sections[sectionPrompt]

	statusText, ok := sections[sectionConvergence]
	if !ok {
		statusText = statusLinePattern.FindString(raw)
	}
	turn.Signal, turn.Ambiguous = ExtractSignal(statusText)

	return turn
}

// ExtractSignal returns the earliest convergence token in text. The match is literal and
// case-sensitive. ambiguous is true when no token is present, in which case the signal is
// ITERATING, or when more than one distinct token is present.
func ExtractSignal(text string) (signal convergence.Signal, ambiguous bool) {
	earliest := -1
	distinct := 0
	for _, candidate := range convergence.Signals {
		idx := strings.Index(text, string(candidate))
		if idx < 0 {
			continue
		}
		distinct++
		if earliest < 0 || idx < earliest {
			earliest = idx
			signal = candidate
		}
	}

	switch distinct {
	case 0:
		return convergence.SignalIterating, true
	case 1:
		return signal, false
	default:
		return signal, true
	}
}

func classifyHeading(title string) sectionKind {
	name := normalizeHeading(title)
	if strings.HasPrefix(name, "prompt for") {
		return sectionPrompt
	}
	return headingKinds[name]
}

// normalizeHeading lower-cases title, strips leading numbering and drops punctuation other
// than spaces.
func normalizeHeading(title string) string {
	name := strings.ToLower(strings.TrimSpace(title))
	name = numberingPattern.ReplaceAllString(name, "")
	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, name)
	return strings.Join(strings.Fields(name), " ")
}

func listSection(body string) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if items := markdown.ListItems([]byte(body)); len(items) > 0 {
		return items
	}

	lines := make([]string, 0)
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func countLines(raw string) int {
	trimmed := strings.TrimRight(raw, "\r\n")
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "\n") + 1
}
