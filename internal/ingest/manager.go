package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"

	"devicecast/internal/observability/logging"
)

// SourceFactory builds a fresh ByteSource for a device serial. Manager hands
// it to each Session it creates, and the Session calls it once per Start
// (component A's AgentClient is single-use).
type SourceFactory func(serial string, cfg SessionConfig) ByteSource

// Manager is the registry of per-device ingest sessions (component E). It
// owns session creation and teardown; callers never construct a Session
// directly.
type Manager struct {
	newSource SourceFactory
	scheduler gocron.Scheduler
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager. GetOrCreate wires newSource into each
// Session it builds, which invokes it to obtain its device-specific byte
// source.
func NewManager(newSource SourceFactory, scheduler gocron.Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		newSource: newSource,
		scheduler: scheduler,
		logger:    logging.WithComponent(logger, "ingest.manager"),
		sessions:  make(map[string]*Session),
	}
}

// GetOrCreate returns the existing running session for serial. If a session
// is registered but its broadcast loop is no longer running, it is stopped
// and dropped before a fresh one is built in its place (spec section 4.E).
func (m *Manager) GetOrCreate(ctx context.Context, serial string, cfg SessionConfig) (*Session, error) {
	m.mu.Lock()
	stale, ok := m.sessions[serial]
	if ok {
		if stale.IsRunning() {
			m.mu.Unlock()
			return stale, nil
		}
		delete(m.sessions, serial)
	}
	m.mu.Unlock()

	if ok {
		stale.Stop(ctx)
	}

	session := NewSession(serial, func() ByteSource { return m.newSource(serial, cfg) }, cfg, m.scheduler, m.logger)
	m.mu.Lock()
	m.sessions[serial] = session
	m.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, serial)
		m.mu.Unlock()
		return nil, err
	}
	return session, nil
}

// Get returns the session for serial without creating one.
func (m *Manager) Get(serial string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[serial]
	return session, ok
}

// StopSession stops and forgets the session for serial, if one exists.
func (m *Manager) StopSession(ctx context.Context, serial string) {
	m.mu.Lock()
	session, ok := m.sessions[serial]
	if ok {
		delete(m.sessions, serial)
	}
	m.mu.Unlock()
	if ok {
		session.Stop(ctx)
	}
}

// StopAll stops every active session and clears the registry. Used on
// server shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Stop(ctx)
	}
}

// ActiveSerials returns the serials with a registered session, regardless
// of whether the session's broadcast loop is currently running.
func (m *Manager) ActiveSerials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	serials := make([]string, 0, len(m.sessions))
	for serial := range m.sessions {
		serials = append(serials, serial)
	}
	return serials
}
