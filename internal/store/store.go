// Package store persists debate sessions so an interrupted or exhausted debate can be resumed.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/parley/internal/convergence"
	"github.com/ship-commander/parley/internal/debate"
)

const sessionStorageVersion = "v1"

var (
	// ErrNotFound is returned when no snapshot exists for a session id.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt is returned when a snapshot exists but cannot be decoded.
	ErrCorrupt = errors.New("session data corrupted")
)

// Store saves and loads session snapshots.
type Store interface {
	Persist(ctx context.Context, session *debate.Session) error
	Load(ctx context.Context, id string) (*debate.Session, error)
	List(ctx context.Context) ([]debate.Summary, error)
}

type sessionEnvelope struct {
	Version string          `json:"version"`
	SavedAt time.Time       `json:"savedAt"`
	Session *debate.Session `json:"session"`
}

// FileStore keeps one JSON snapshot per session under a directory.
type FileStore struct {
	dir    string
	logger *log.Logger
	now    func() time.Time
	mu     sync.RWMutex
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("sessions directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &FileStore{dir: dir, logger: logger, now: time.Now}, nil
}

// Dir returns the directory holding the snapshots.
func (s *FileStore) Dir() string {
	return s.dir
}

// Persist writes the full session atomically, replacing any previous snapshot.
func (s *FileStore) Persist(ctx context.Context, session *debate.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeSession(session, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := atomicWriteFile(s.snapshotPath(session.ID), payload, 0o644); err != nil {
		return fmt.Errorf("persist session %s: %w", session.ID, err)
	}
	return nil
}

// Load reads the snapshot for id.
func (s *FileStore) Load(ctx context.Context, id string) (*debate.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	payload, err := os.ReadFile(s.snapshotPath(id))
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return decodeSession(id, payload)
}

// List returns summaries of every readable snapshot, most recently updated first. Corrupt
// snapshots are skipped with a warning.
func (s *FileStore) List(ctx context.Context) ([]debate.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	summaries := make([]debate.Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		session, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session_id", id, "error", err)
			continue
		}
		summaries = append(summaries, session.Summarize())
	}

	sortSummaries(summaries)
	return summaries, nil
}

func (s *FileStore) snapshotPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func encodeSession(session *debate.Session, now time.Time) ([]byte, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if err := validateID(session.ID); err != nil {
		return nil, err
	}
	payload, err := json.MarshalIndent(sessionEnvelope{
		Version: sessionStorageVersion,
		SavedAt: now.UTC(),
		Session: session,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", session.ID, err)
	}
	return payload, nil
}

func decodeSession(id string, payload []byte) (*debate.Session, error) {
	var envelope sessionEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if envelope.Version != sessionStorageVersion {
		return nil, fmt.Errorf("%w: %s: unsupported storage version %q", ErrCorrupt, id, envelope.Version)
	}
	if envelope.Session == nil {
		return nil, fmt.Errorf("%w: %s: snapshot has no session", ErrCorrupt, id)
	}
	if envelope.Session.ID != id {
		return nil, fmt.Errorf("%w: %s: session id mismatch (got %q)", ErrCorrupt, id, envelope.Session.ID)
	}
	if err := validateSession(envelope.Session); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if envelope.Session.Rounds == nil {
		envelope.Session.Rounds = make([]debate.Round, 0)
	}
	return envelope.Session, nil
}

var (
	knownStatuses = map[debate.Status]struct{}{
		debate.StatusNotStarted: {},
		debate.StatusRunning:    {},
		debate.StatusConsensus:  {},
		debate.StatusExhausted:  {},
		debate.StatusError:      {},
	}
	knownVerdicts = map[convergence.Status]struct{}{
		convergence.StatusDebating:   {},
		convergence.StatusConverging: {},
		convergence.StatusConsensus:  {},
	}
)

// validateSession rejects snapshots that decode cleanly but could not have been written by a
// running debate.
func validateSession(session *debate.Session) error {
	if _, ok := knownStatuses[session.Status]; !ok {
		return fmt.Errorf("unknown status %q", session.Status)
	}
	for i, round := range session.Rounds {
		if round.Number != i+1 {
			return fmt.Errorf("round %d stored at position %d", round.Number, i+1)
		}
		if err := validateTurn(round.A, debate.RoleA); err != nil {
			return fmt.Errorf("round %d: %w", round.Number, err)
		}
		if err := validateTurn(round.B, debate.RoleB); err != nil {
			return fmt.Errorf("round %d: %w", round.Number, err)
		}
		if !validRatio(round.Similarity) || !validRatio(round.Delta.Similarity) {
			return fmt.Errorf("round %d: similarity out of range", round.Number)
		}
		if _, ok := knownVerdicts[round.Convergence.Status]; !ok {
			return fmt.Errorf("round %d: unknown convergence status %q", round.Number, round.Convergence.Status)
		}
	}
	return nil
}

func validateTurn(turn debate.Turn, role debate.Role) error {
	if turn.Role != role {
		return fmt.Errorf("turn for agent %s has role %q", role, turn.Role)
	}
	for _, signal := range convergence.Signals {
		if turn.Signal == signal {
			return nil
		}
	}
	return fmt.Errorf("agent %s has unknown signal %q", role, turn.Signal)
}

func validRatio(value float64) bool {
	return !math.IsNaN(value) && value >= 0 && value <= 1
}

func validateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("session id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func sortSummaries(summaries []debate.Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
}

// atomicWriteFile writes to a temp file in the same directory, syncs it and renames it over
// path so readers never observe a partial snapshot.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
