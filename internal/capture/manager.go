package capture

import (
	"context"
	"log/slog"
	"sync"

	"devicecast/internal/ingest"
	"devicecast/internal/observability/logging"
)

// Manager is the refcounted registry of per-device capture workers
// (component G). Grounded on original_source's CaptureManager: workers are
// created lazily, shared across concurrent acquirers, and dropped from the
// registry once their refcount returns to zero.
type Manager struct {
	source *ingest.Manager
	cfg    WorkerConfig
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewManager constructs a Manager backed by the given ingest session
// manager (capture workers feed from ingest sessions, not directly from the
// device bridge).
func NewManager(source *ingest.Manager, cfg WorkerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:  source,
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "capture.manager"),
		workers: make(map[string]*Worker),
	}
}

func (m *Manager) getOrCreateWorker(serial string) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.workers[serial]
	if !ok {
		worker = NewWorker(serial, m.source, m.cfg, m.logger)
		m.workers[serial] = worker
	}
	return worker
}

// Acquire returns the worker for serial, starting its decoder if this is
// the first reference.
func (m *Manager) Acquire(ctx context.Context, serial string) (*Worker, error) {
	worker := m.getOrCreateWorker(serial)
	if err := worker.Acquire(ctx); err != nil {
		m.dropIfIdle(serial, worker)
		return nil, err
	}
	return worker, nil
}

// Release drops a reference on the worker for serial, stopping and
// forgetting it once no references remain.
func (m *Manager) Release(ctx context.Context, serial string) {
	m.mu.Lock()
	worker, ok := m.workers[serial]
	m.mu.Unlock()
	if !ok {
		return
	}
	worker.Release(ctx)
	m.dropIfIdle(serial, worker)
}

func (m *Manager) dropIfIdle(serial string, worker *Worker) {
	if worker.Refcount() != 0 {
		return
	}
	m.mu.Lock()
	if current, ok := m.workers[serial]; ok && current == worker && worker.Refcount() == 0 {
		delete(m.workers, serial)
	}
	m.mu.Unlock()
}

// StopAll force-releases every worker's references and clears the registry.
// Used on server shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, worker := range m.workers {
		workers = append(workers, worker)
	}
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	for _, worker := range workers {
		for worker.Refcount() > 0 {
			worker.Release(ctx)
		}
	}
}

// ActiveSerials returns the serials with a registered worker.
func (m *Manager) ActiveSerials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	serials := make([]string, 0, len(m.workers))
	for serial := range m.workers {
		serials = append(serials, serial)
	}
	return serials
}

// SnapshotRunning returns, for every registered worker, whether its decoder
// pipeline currently holds at least one reference (spec section 4.G
// snapshot_running).
func (m *Manager) SnapshotRunning() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.workers))
	for serial, worker := range m.workers {
		out[serial] = worker.Refcount() > 0
	}
	return out
}
