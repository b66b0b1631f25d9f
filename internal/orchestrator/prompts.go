package orchestrator

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/ship-commander/parley/internal/debate"
)

//go:embed prompts/*.tmpl
var promptTemplatesFS embed.FS

var promptTemplates = template.Must(template.ParseFS(promptTemplatesFS, "prompts/*.tmpl"))

// PromptContext contains the inputs of one role's user prompt.
type PromptContext struct {
	Prompt    string
	Round     int
	MaxRounds int
	// Previous is the other agent's latest raw response: the prior round's B response for A, or
	// this round's A response for B.
	Previous      string
	PreviousRound int
	// ArchitectProposedFinal is set on B's prompt when A signalled PROPOSING_FINAL.
	ArchitectProposedFinal bool
}

// SystemPrompt renders the fixed system prompt for role.
func SystemPrompt(role debate.Role) (string, error) {
	switch role {
	case debate.RoleA:
		return renderTemplate("system_a.tmpl", nil)
	case debate.RoleB:
		return renderTemplate("system_b.tmpl", nil)
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

// UserPrompt renders the per-round user prompt for role.
func UserPrompt(role debate.Role, input PromptContext) (string, error) {
	renderInput := struct {
		Prompt                 string
		Round                  int
		MaxRounds              int
		Previous               string
		PreviousRound          int
		FinalRound             bool
		ArchitectProposedFinal bool
	}{
		Prompt:                 strings.TrimSpace(input.Prompt),
		Round:                  input.Round,
		MaxRounds:              input.MaxRounds,
		Previous:               strings.TrimSpace(input.Previous),
		PreviousRound:          input.PreviousRound,
		FinalRound:             input.MaxRounds > 1 && input.Round == input.MaxRounds,
		ArchitectProposedFinal: input.ArchitectProposedFinal,
	}
	if renderInput.Prompt == "" {
		return "", fmt.Errorf("prompt is required for role %s", role)
	}

	switch role {
	case debate.RoleA:
		return renderTemplate("user_a.tmpl", renderInput)
	case debate.RoleB:
		if renderInput.Previous == "" {
			renderInput.Previous = "(no response)"
		}
		return renderTemplate("user_b.tmpl", renderInput)
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

func renderTemplate(templateName string, data any) (string, error) {
	var prompt bytes.Buffer
	if err := promptTemplates.ExecuteTemplate(&prompt, templateName, data); err != nil {
		return "", fmt.Errorf("render %s: %w", templateName, err)
	}
	return prompt.String(), nil
}
