package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ship-commander/parley/internal/debate"
	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// TranscriptFrontMatter is the YAML header of a transcript file.
type TranscriptFrontMatter struct {
	ID        string    `yaml:"id"`
	Status    string    `yaml:"status"`
	Preset    string    `yaml:"preset,omitempty"`
	Rounds    int       `yaml:"rounds"`
	MaxRounds int       `yaml:"max_rounds"`
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
	EndReason string    `yaml:"end_reason,omitempty"`
}

// TranscriptWriter renders human-readable markdown transcripts next to the snapshots.
type TranscriptWriter struct {
	dir string
}

// NewTranscriptWriter returns a writer for dir. The directory is created on first write.
func NewTranscriptWriter(dir string) (*TranscriptWriter, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	return &TranscriptWriter{dir: dir}, nil
}

// Path returns the transcript location for a session id.
func (w *TranscriptWriter) Path(id string) string {
	return filepath.Join(w.dir, id+".md")
}

// Write re-renders the whole transcript for session.
func (w *TranscriptWriter) Write(session *debate.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if err := validateID(session.ID); err != nil {
		return err
	}
	content, err := RenderTranscript(session)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create transcript directory: %w", err)
	}
	if err := atomicWriteFile(w.Path(session.ID), content, 0o644); err != nil {
		return fmt.Errorf("write transcript %s: %w", session.ID, err)
	}
	return nil
}

// RenderTranscript renders session as markdown with YAML front matter.
func RenderTranscript(session *debate.Session) ([]byte, error) {
	header, err := yaml.Marshal(TranscriptFrontMatter{
		ID:        session.ID,
		Status:    string(session.Status),
		Preset:    session.Preset,
		Rounds:    len(session.Rounds),
		MaxRounds: session.MaxRounds,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
		EndReason: session.EndReason,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transcript front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelimiter + "\n")
	buf.Write(header)
	buf.WriteString(frontMatterDelimiter + "\n\n")

	fmt.Fprintf(&buf, "# Debate %s\n\n", session.ID)
	buf.WriteString("## Prompt\n\n")
	buf.WriteString(strings.TrimSpace(session.Prompt) + "\n")

	for _, round := range session.Rounds {
		writeRound(&buf, round)
	}
	return buf.Bytes(), nil
}

// ParseFrontMatter reads the YAML header of a rendered transcript.
func ParseFrontMatter(content []byte) (TranscriptFrontMatter, error) {
	text := string(content)
	if !strings.HasPrefix(text, frontMatterDelimiter+"\n") {
		return TranscriptFrontMatter{}, errors.New("transcript has no front matter")
	}
	rest := text[len(frontMatterDelimiter)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelimiter+"\n")
	if end < 0 {
		return TranscriptFrontMatter{}, errors.New("transcript front matter is not terminated")
	}

	var header TranscriptFrontMatter
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &header); err != nil {
		return TranscriptFrontMatter{}, fmt.Errorf("parse transcript front matter: %w", err)
	}
	return header, nil
}

func writeRound(buf *bytes.Buffer, round debate.Round) {
	fmt.Fprintf(buf, "\n## Round %d\n\n", round.Number)
	fmt.Fprintf(buf, "- Similarity: %.0f%%\n", round.Similarity*100)
	if round.Convergence.Reason != "" {
		fmt.Fprintf(buf, "- Convergence: %s (%s)\n", round.Convergence.Status, round.Convergence.Reason)
	} else {
		fmt.Fprintf(buf, "- Convergence: %s\n", round.Convergence.Status)
	}
	fmt.Fprintf(buf, "- Duration: %s\n", round.Duration.Round(time.Second))

	if len(round.Delta.Changes) > 0 {
		buf.WriteString("\n### Changes\n\n")
		for _, change := range round.Delta.Changes {
			fmt.Fprintf(buf, "- %s\n", change)
		}
	}

	writeTurn(buf, round.A)
	writeTurn(buf, round.B)
}

func writeTurn(buf *bytes.Buffer, turn debate.Turn) {
	fmt.Fprintf(buf, "\n### Agent %s (%s)\n\n", turn.Role, turn.Signal)
	switch {
	case turn.TimedOut:
		fmt.Fprintf(buf, "_Timed out after %s._\n", turn.Duration.Round(time.Second))
		return
	case turn.Error != "":
		fmt.Fprintf(buf, "_Failed: %s_\n", turn.Error)
		return
	}
	raw := strings.TrimSpace(turn.Raw)
	if raw == "" {
		buf.WriteString("_No output._\n")
		return
	}
	buf.WriteString(raw + "\n")
}
