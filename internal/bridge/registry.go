package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"devicecast/internal/observability/logging"
)

// Registry holds the set of known devices, enriching newly attached devices
// with model/manufacturer properties read over the shell. It is component H's
// registry half.
type Registry struct {
	bridge   Bridge
	notifier ChangeNotifier
	logger   *slog.Logger

	mu      sync.RWMutex
	devices map[string]DeviceInfo
}

// NewRegistry constructs a Registry. A nil notifier discards events.
func NewRegistry(b Bridge, notifier ChangeNotifier, logger *slog.Logger) *Registry {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bridge:   b,
		notifier: notifier,
		logger:   logging.WithComponent(logger, "bridge.registry"),
		devices:  make(map[string]DeviceInfo),
	}
}

// Register records a new sighting of a serial in the given state. For a
// newly observed, attached device it asynchronously enriches model and
// manufacturer. For an existing device it only re-enriches if the model was
// never successfully read.
func (r *Registry) Register(serial string, state DeviceState) {
	r.mu.Lock()
	existing, known := r.devices[serial]
	info := DeviceInfo{
		Serial:     serial,
		State:      state,
		IsEmulator: strings.HasPrefix(serial, "emulator-"),
		LastSeen:   time.Now().UTC(),
	}
	if known {
		info.Model = existing.Model
		info.Manufacturer = existing.Manufacturer
	}
	r.devices[serial] = info
	needsEnrich := state == StateAttached && (!known || info.Model == "")
	r.mu.Unlock()

	if !known {
		r.notifier.Connected(info)
	} else if existing.State != state {
		r.notifier.StateChanged(info)
	}

	if needsEnrich {
		go r.enrich(serial)
	}
}

// Unregister drops a serial that has disappeared from the device list.
func (r *Registry) Unregister(serial string) {
	r.mu.Lock()
	_, existed := r.devices[serial]
	delete(r.devices, serial)
	r.mu.Unlock()
	if existed {
		r.notifier.Disconnected(serial)
	}
}

// Get returns the current record for a serial.
func (r *Registry) Get(serial string) (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.devices[serial]
	return info, ok
}

// ListAll returns every known device regardless of state.
func (r *Registry) ListAll() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, info := range r.devices {
		out = append(out, info)
	}
	return out
}

// ListAttached returns devices currently in the attached state.
func (r *Registry) ListAttached() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, info := range r.devices {
		if info.State == StateAttached {
			out = append(out, info)
		}
	}
	return out
}

// enrich reads model and manufacturer properties, tolerating a couple of
// bounded retries for the transient shell failures that happen just after a
// device attaches (the original implementation's behaviour, carried here
// since the distilled spec is silent on retry).
func (r *Registry) enrich(serial string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	model, err := r.readProperty(ctx, serial, "ro.product.model")
	if err != nil {
		r.logger.Warn("enrich model failed", "serial", serial, "error", err)
	}
	manufacturer, err := r.readProperty(ctx, serial, "ro.product.manufacturer")
	if err != nil {
		r.logger.Warn("enrich manufacturer failed", "serial", serial, "error", err)
	}
	if model == "" && manufacturer == "" {
		return
	}

	r.mu.Lock()
	info, ok := r.devices[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	if model != "" {
		info.Model = model
	}
	if manufacturer != "" {
		info.Manufacturer = manufacturer
	}
	r.devices[serial] = info
	r.mu.Unlock()

	r.notifier.StateChanged(info)
}

func (r *Registry) readProperty(ctx context.Context, serial, prop string) (string, error) {
	var value string
	err := retry.Do(
		func() error {
			out, err := r.bridge.Shell(ctx, serial, "getprop", prop)
			if err != nil {
				return err
			}
			value = strings.TrimSpace(out)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return value, err
}
