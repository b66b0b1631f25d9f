// Package locks keeps one process at a time driving a debate session.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultExpiryTimeout is the lease duration when no config override is provided.
	DefaultExpiryTimeout = 3 * time.Hour

	lockSuffix = ".lock"
)

// ErrHeld indicates another live process holds the session lease.
var ErrHeld = errors.New("session is held by another process")

// Lease records which process is driving a session.
type Lease struct {
	SessionID  string    `json:"sessionId"`
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Active reports whether the lease still blocks other holders at now.
func (l Lease) Active(now time.Time) bool {
	return l.ExpiresAt.IsZero() || l.ExpiresAt.After(now)
}

// ManagerConfig controls lease behavior.
type ManagerConfig struct {
	ExpiryTimeout time.Duration
}

// Manager hands out session leases backed by lock files next to the session snapshots.
type Manager struct {
	dir           string
	now           func() time.Time
	expiryTimeout time.Duration
	pid           int
	host          string
}

// NewManager constructs a lease manager storing lock files in dir.
func NewManager(dir string, cfg ManagerConfig) (*Manager, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = DefaultExpiryTimeout
	}
	host, _ := os.Hostname()
	return &Manager{
		dir:           dir,
		now:           time.Now,
		expiryTimeout: cfg.ExpiryTimeout,
		pid:           os.Getpid(),
		host:          host,
	}, nil
}

// Acquire takes the lease for sessionID. An expired or unreadable lock file is replaced; a
// live one fails with ErrHeld.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Handle, error) {
	if m == nil {
		return nil, errors.New("manager is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}
	if strings.ContainsAny(sessionID, `/\`) || strings.HasPrefix(sessionID, ".") {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}

	now := m.now().UTC()
	lease := Lease{
		SessionID:  sessionID,
		Token:      uuid.NewString(),
		PID:        m.pid,
		Host:       m.host,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.expiryTimeout),
	}
	payload, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("encode lease: %w", err)
	}

	path := m.path(sessionID)
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		created, err := createExclusive(path, payload)
		if err != nil {
			return nil, fmt.Errorf("acquire lease for %s: %w", sessionID, err)
		}
		if created {
			return &Handle{manager: m, lease: lease}, nil
		}

		existing, readErr := readLease(path)
		if readErr == nil && existing.Active(now) {
			return nil, fmt.Errorf("%w: %s (pid %d on %s since %s)",
				ErrHeld, sessionID, existing.PID, existing.Host, existing.AcquiredAt.Format(time.RFC3339))
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lease for %s: %w", sessionID, err)
		}
	}
	return nil, fmt.Errorf("%w: %s (lease changed while acquiring)", ErrHeld, sessionID)
}

// Holder returns the active lease on sessionID, if any.
func (m *Manager) Holder(ctx context.Context, sessionID string) (Lease, bool, error) {
	if m == nil {
		return Lease{}, false, errors.New("manager is nil")
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}
	lease, err := readLease(m.path(strings.TrimSpace(sessionID)))
	if errors.Is(err, fs.ErrNotExist) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	if !lease.Active(m.now().UTC()) {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

func (m *Manager) path(sessionID string) string {
	return filepath.Join(m.dir, sessionID+lockSuffix)
}

// Handle is a held lease.
type Handle struct {
	manager  *Manager
	lease    Lease
	released bool
}

// Lease returns the lease this handle holds.
func (h *Handle) Lease() Lease {
	return h.lease
}

// Release removes the lock file if it still carries this handle's token. Calling it twice is
// harmless.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	path := h.manager.path(h.lease.SessionID)
	current, err := readLease(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && current.Token != h.lease.Token {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lease for %s: %w", h.lease.SessionID, err)
	}
	return nil
}

// createExclusive publishes payload at path only if nothing is there yet. The payload is
// written to a temporary file first and hard-linked into place, so a reader never sees a
// partially written lease.
func createExclusive(path string, payload []byte) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func readLease(path string) (Lease, error) {
	// #nosec G304 -- path is built from the sessions directory and a validated id.
	data, err := os.ReadFile(path)
	if err != nil {
		return Lease{}, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return Lease{}, fmt.Errorf("decode lease %s: %w", filepath.Base(path), err)
	}
	return lease, nil
}
