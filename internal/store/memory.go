package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ship-commander/parley/internal/debate"
)

// MemoryStore keeps encoded snapshots in memory. Loads return independent copies, so callers
// see the same aliasing behaviour as with FileStore.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	now       func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte), now: time.Now}
}

// Persist stores a copy of session.
func (s *MemoryStore) Persist(ctx context.Context, session *debate.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeSession(session, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[session.ID] = payload
	return nil
}

// Load returns a copy of the stored session.
func (s *MemoryStore) Load(ctx context.Context, id string) (*debate.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	payload, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeSession(id, payload)
}

// List returns every stored session, most recently updated first.
func (s *MemoryStore) List(ctx context.Context) ([]debate.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]debate.Summary, 0, len(s.snapshots))
	for id, payload := range s.snapshots {
		session, err := decodeSession(id, payload)
		if err != nil {
			continue
		}
		summaries = append(summaries, session.Summarize())
	}
	sortSummaries(summaries)
	return summaries, nil
}

// PutRaw stores payload for id without validation.
func (s *MemoryStore) PutRaw(id string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[id] = append([]byte(nil), payload...)
}
