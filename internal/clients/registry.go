// Package clients tracks how many stream and capture WebSocket clients are
// connected per device, and idles out the underlying ingest session once
// both counts return to zero (component I).
package clients

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"devicecast/internal/ingest"
	"devicecast/internal/observability/logging"
)

// DefaultIdleTimeout is used when Registry is constructed with a zero
// timeout.
const DefaultIdleTimeout = 5 * time.Second

// DeviceState is a point-in-time snapshot of one device's client counts.
type DeviceState struct {
	Serial         string
	StreamClients  int
	CaptureClients int
	LastActivity   time.Time
}

type deviceState struct {
	serial         string
	streamClients  int
	captureClients int
	lastActivity   time.Time
	idleJob        gocron.Job
}

// Registry is the per-device worker/client registry (component I). It
// schedules a delayed ingest session stop once a device's stream and
// capture client counts both reach zero, and cancels that schedule if any
// client reconnects first.
type Registry struct {
	sessions    *ingest.Manager
	idleTimeout time.Duration
	scheduler   gocron.Scheduler
	logger      *slog.Logger

	mu     sync.Mutex
	states map[string]*deviceState
}

// NewRegistry constructs a Registry. idleTimeout of zero uses
// DefaultIdleTimeout.
func NewRegistry(sessions *ingest.Manager, idleTimeout time.Duration, scheduler gocron.Scheduler, logger *slog.Logger) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    sessions,
		idleTimeout: idleTimeout,
		scheduler:   scheduler,
		logger:      logging.WithComponent(logger, "clients.registry"),
		states:      make(map[string]*deviceState),
	}
}

func (r *Registry) getOrCreateLocked(serial string) *deviceState {
	st, ok := r.states[serial]
	if !ok {
		st = &deviceState{serial: serial}
		r.states[serial] = st
	}
	return st
}

// OnStreamConnect registers a new stream client and cancels any pending
// idle-stop.
func (r *Registry) OnStreamConnect(serial string) {
	r.mu.Lock()
	st := r.getOrCreateLocked(serial)
	st.streamClients++
	st.lastActivity = time.Now().UTC()
	r.cancelIdleStopLocked(st)
	r.mu.Unlock()
}

// OnStreamDisconnect drops a stream client and schedules an idle-stop if
// both client counts are now zero.
func (r *Registry) OnStreamDisconnect(serial string) {
	r.mu.Lock()
	st, ok := r.states[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	if st.streamClients > 0 {
		st.streamClients--
	}
	st.lastActivity = time.Now().UTC()
	r.scheduleIdleStopLocked(st)
	r.mu.Unlock()
}

// OnCaptureConnect registers a new capture client and cancels any pending
// idle-stop.
func (r *Registry) OnCaptureConnect(serial string) {
	r.mu.Lock()
	st := r.getOrCreateLocked(serial)
	st.captureClients++
	st.lastActivity = time.Now().UTC()
	r.cancelIdleStopLocked(st)
	r.mu.Unlock()
}

// OnCaptureDisconnect drops a capture client and schedules an idle-stop if
// both client counts are now zero.
func (r *Registry) OnCaptureDisconnect(serial string) {
	r.mu.Lock()
	st, ok := r.states[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	if st.captureClients > 0 {
		st.captureClients--
	}
	st.lastActivity = time.Now().UTC()
	r.scheduleIdleStopLocked(st)
	r.mu.Unlock()
}

func (r *Registry) scheduleIdleStopLocked(st *deviceState) {
	if st.streamClients != 0 || st.captureClients != 0 {
		return
	}
	r.cancelIdleStopLocked(st)
	if r.scheduler == nil {
		return
	}
	serial := st.serial
	job, err := r.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(r.idleTimeout))),
		gocron.NewTask(func() { r.idleStop(serial) }),
	)
	if err != nil {
		r.logger.Error("schedule idle-stop failed", "serial", serial, "error", err)
		return
	}
	st.idleJob = job
}

func (r *Registry) cancelIdleStopLocked(st *deviceState) {
	if st.idleJob == nil || r.scheduler == nil {
		return
	}
	_ = r.scheduler.RemoveJob(st.idleJob.ID())
	st.idleJob = nil
}

func (r *Registry) idleStop(serial string) {
	r.sessions.StopSession(context.Background(), serial)

	r.mu.Lock()
	if st, ok := r.states[serial]; ok && st.streamClients == 0 && st.captureClients == 0 {
		st.idleJob = nil
	}
	r.mu.Unlock()
}

// Snapshot returns the current client-count state for every known device.
func (r *Registry) Snapshot() []DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, DeviceState{
			Serial:         st.serial,
			StreamClients:  st.streamClients,
			CaptureClients: st.captureClients,
			LastActivity:   st.lastActivity,
		})
	}
	return out
}
