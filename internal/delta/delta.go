package delta

import (
	"fmt"
	"strings"

	"github.com/ship-commander/parley/internal/markdown"
)

const (
	minSectionLevel = 2
	maxSectionLevel = 4
)

// ChangeKind classifies how a section present in both designs changed.
type ChangeKind string

const (
	// ChangeExpanded means the section grew past the expansion ratio.
	ChangeExpanded ChangeKind = "expanded"
	// ChangeSimplified means the section shrank below the simplification ratio.
	ChangeSimplified ChangeKind = "simplified"
	// ChangeRevised means the section was rewritten at a similar length.
	ChangeRevised ChangeKind = "revised"
)

// Options tunes section classification.
type Options struct {
	ModifiedBelow   float64
	ExpandedAbove   float64
	SimplifiedBelow float64
	MaxChanges      int
}

// DefaultOptions returns the standard classification thresholds.
func DefaultOptions() Options {
	return Options{
		ModifiedBelow:   0.90,
		ExpandedAbove:   1.3,
		SimplifiedBelow: 0.7,
		MaxChanges:      5,
	}
}

// Section is one `##`..`####` section of a design.
type Section struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Modification is a section present in both designs whose content changed.
type Modification struct {
	Name string     `json:"name"`
	Kind ChangeKind `json:"kind"`
}

// Delta summarizes what changed between two design texts.
type Delta struct {
	Similarity float64        `json:"similarity"`
	Added      []string       `json:"added,omitempty"`
	Removed    []string       `json:"removed,omitempty"`
	Modified   []Modification `json:"modified,omitempty"`
	Changes    []string       `json:"changes,omitempty"`
}

// HasChanges reports whether any section was added, removed or modified.
func (d Delta) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Modified) > 0
}

// Sections splits text on heading lines with two to four leading '#' characters. Text before
// the first such heading is ignored; shallower or deeper headings stay in the section content.
// A repeated section name keeps its first position and accumulates the later content.
func Sections(text string) []Section {
	source := []byte(text)
	headings := markdown.Headings(source)

	sections := make([]Section, 0)
	index := make(map[string]int)
	isSectionHeading := func(h markdown.Heading) bool {
		return h.Level >= minSectionLevel && h.Level <= maxSectionLevel
	}

	for i, heading := range headings {
		if !isSectionHeading(heading) || heading.Title == "" {
			continue
		}
		content := markdown.Body(source, headings, i, isSectionHeading)
		if existing, ok := index[heading.Title]; ok {
			sections[existing].Content = strings.TrimSpace(sections[existing].Content + "\n" + content)
			continue
		}
		index[heading.Title] = len(sections)
		sections = append(sections, Section{Name: heading.Title, Content: content})
	}
	return sections
}

// Compare computes the delta between the previous and current design using DefaultOptions.
func Compare(previous, current string) Delta {
	return CompareWithOptions(previous, current, DefaultOptions())
}

// CompareWithOptions computes the delta between the previous and current design.
func CompareWithOptions(previous, current string, opts Options) Delta {
	result := Delta{Similarity: Similarity(previous, current)}

	oldSections := Sections(previous)
	newSections := Sections(current)
	oldByName := make(map[string]string, len(oldSections))
	for _, section := range oldSections {
		oldByName[section.Name] = section.Content
	}
	newNames := make(map[string]struct{}, len(newSections))

	for _, section := range newSections {
		newNames[section.Name] = struct{}{}
		oldContent, existed := oldByName[section.Name]
		if !existed {
			result.Added = append(result.Added, section.Name)
			continue
		}
		if kind, changed := classify(oldContent, section.Content, opts); changed {
			result.Modified = append(result.Modified, Modification{Name: section.Name, Kind: kind})
		}
	}
	for _, section := range oldSections {
		if _, kept := newNames[section.Name]; !kept {
			result.Removed = append(result.Removed, section.Name)
		}
	}

	result.Changes = summarize(result, opts.MaxChanges)
	return result
}

func classify(oldContent, newContent string, opts Options) (ChangeKind, bool) {
	if strings.TrimSpace(oldContent) == strings.TrimSpace(newContent) {
		return "", false
	}
	if Similarity(oldContent, newContent) >= opts.ModifiedBelow {
		return "", false
	}

	oldLen := float64(len(strings.TrimSpace(oldContent)))
	newLen := float64(len(strings.TrimSpace(newContent)))
	switch {
	case newLen > opts.ExpandedAbove*oldLen:
		return ChangeExpanded, true
	case newLen < opts.SimplifiedBelow*oldLen:
		return ChangeSimplified, true
	default:
		return ChangeRevised, true
	}
}

func summarize(result Delta, limit int) []string {
	if limit <= 0 {
		return nil
	}

	changes := make([]string, 0, limit)
	push := func(value string) {
		if len(changes) < limit {
			changes = append(changes, value)
		}
	}
	for _, name := range result.Added {
		push(fmt.Sprintf("Added section: %s", name))
	}
	for _, name := range result.Removed {
		push(fmt.Sprintf("Removed section: %s", name))
	}
	for _, modification := range result.Modified {
		push(fmt.Sprintf("%s: %s", describeKind(modification.Kind), modification.Name))
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

func describeKind(kind ChangeKind) string {
	switch kind {
	case ChangeExpanded:
		return "Expanded"
	case ChangeSimplified:
		return "Simplified"
	default:
		return "Revised"
	}
}
