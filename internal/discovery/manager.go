package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/observability/metrics"
)

// Manager keeps the live sessions for the HTTP API and expires idle ones.
type Manager struct {
	deps   Deps
	idle   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Sessions unused for longer than idle are
// removed by Sweep; idle <= 0 disables expiry.
func NewManager(deps Deps, idle time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger
	return &Manager{
		deps:     deps,
		idle:     idle,
		logger:   logger.With(slog.String("component", "discovery_manager")),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session and submits prompt. The session is
// returned even when the metric is rejected, so the caller can continue
// the clarification loop.
func (m *Manager) Create(ctx context.Context, prompt string) (*Session, error) {
	s := NewSession(uuid.NewString(), m.deps)
	s.now = m.now
	s.touch()

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	metrics.RecordDiscoverySession("created")
	m.logger.InfoContext(ctx, "discovery session created", slog.String("session_id", s.ID()))
	return s, s.Start(ctx, prompt)
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("discovery: session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// Delete removes the session with id.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		metrics.RecordDiscoverySession("deleted")
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than the configured expiry and
// returns how many were removed.
func (m *Manager) Sweep() int {
	if m.idle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			delete(m.sessions, id)
			metrics.RecordDiscoverySession("expired")
			removed++
		}
	}
	return removed
}

// Run sweeps idle sessions until ctx is cancelled. Call in a goroutine.
func (m *Manager) Run(ctx context.Context) error {
	if m.idle <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := m.idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.InfoContext(ctx, "expired idle discovery sessions", slog.Int("count", n))
			}
		}
	}
}
