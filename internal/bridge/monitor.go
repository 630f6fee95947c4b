package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"devicecast/internal/observability/logging"
)

// reconnectCooldown is how long the monitor waits after any read error or a
// closed stream before reopening the track-devices subscription.
const reconnectCooldown = 2 * time.Second

// monitorStopTimeout bounds how long Stop waits for the read loop to notice
// cancellation and exit.
const monitorStopTimeout = 5 * time.Second

// Monitor subscribes to the debug bridge's device-track channel and
// dispatches connect/disconnect/state-change events into a Registry. It is
// component H's monitor half.
type Monitor struct {
	bridge   Bridge
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	current io.ReadCloser
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor constructs a Monitor that feeds the given Registry.
func NewMonitor(b Bridge, registry *Registry, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		bridge:   b,
		registry: registry,
		logger:   logging.WithComponent(logger, "bridge.monitor"),
	}
}

// Start launches the background monitor loop. It is not idempotent; callers
// start a Monitor once.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(ctx)
	}()
}

func (m *Monitor) run(ctx context.Context) {
	previous := map[string]DeviceState{}
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := m.bridge.TrackDevices(ctx)
		if err != nil {
			m.logger.Warn("track-devices subscription failed", "error", err)
			if !sleepOrDone(ctx, reconnectCooldown) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.current = stream
		m.mu.Unlock()

		err = m.readLoop(stream, &previous)

		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		_ = stream.Close()

		if ctx.Err() != nil {
			return
		}
		if err != nil && err != io.EOF {
			m.logger.Warn("track-devices stream error", "error", err)
		}
		previous = map[string]DeviceState{}
		if !sleepOrDone(ctx, reconnectCooldown) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (m *Monitor) readLoop(r io.Reader, previous *map[string]DeviceState) error {
	br := bufio.NewReader(r)
	for {
		lengthHex := make([]byte, 4)
		if _, err := io.ReadFull(br, lengthHex); err != nil {
			return err
		}
		length, err := strconv.ParseInt(string(lengthHex), 16, 32)
		if err != nil {
			return fmt.Errorf("parse device-list frame length %q: %w", lengthHex, err)
		}
		body := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(br, body); err != nil {
				return err
			}
		}
		current := parseDeviceList(body)
		m.diff(*previous, current)
		*previous = current
	}
}

func parseDeviceList(body []byte) map[string]DeviceState {
	out := make(map[string]DeviceState)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parseState(parts[1])
	}
	return out
}

func (m *Monitor) diff(previous, current map[string]DeviceState) {
	for serial, state := range current {
		m.registry.Register(serial, state)
	}
	for serial := range previous {
		if _, ok := current[serial]; !ok {
			m.registry.Unregister(serial)
		}
	}
}

// Stop terminates the track-devices subprocess and waits up to 5s for the
// loop to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stream := m.current
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(monitorStopTimeout):
	}
}
