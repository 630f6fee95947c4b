package wsapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"devicecast/internal/bridge"
	"devicecast/internal/observability/logging"
)

// deviceEvent is the payload of one SSE "device" event.
type deviceEvent struct {
	Event        string `json:"event"`
	Serial       string `json:"serial"`
	State        string `json:"state,omitempty"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	IsEmulator   bool   `json:"is_emulator,omitempty"`
}

// DeviceNotifier is a Server-Sent-Events implementation of
// bridge.ChangeNotifier: every connected, disconnected, or state_changed
// event the device registry dispatches is fanned out as an SSE "device"
// event to every subscribed client of GET /api/devices/events.
type DeviceNotifier struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[chan deviceEvent]struct{}
}

// NewDeviceNotifier constructs a DeviceNotifier.
func NewDeviceNotifier(logger *slog.Logger) *DeviceNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceNotifier{
		logger:  logging.WithComponent(logger, "wsapi.devices"),
		clients: make(map[chan deviceEvent]struct{}),
	}
}

func (n *DeviceNotifier) broadcast(ev deviceEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.clients {
		select {
		case ch <- ev:
		default:
			// slow subscriber: drop rather than block the registry.
		}
	}
}

// Connected satisfies bridge.ChangeNotifier.
func (n *DeviceNotifier) Connected(info bridge.DeviceInfo) {
	n.broadcast(deviceEvent{
		Event:        "connected",
		Serial:       info.Serial,
		State:        string(info.State),
		Model:        info.Model,
		Manufacturer: info.Manufacturer,
		IsEmulator:   info.IsEmulator,
	})
}

// Disconnected satisfies bridge.ChangeNotifier.
func (n *DeviceNotifier) Disconnected(serial string) {
	n.broadcast(deviceEvent{Event: "disconnected", Serial: serial})
}

// StateChanged satisfies bridge.ChangeNotifier.
func (n *DeviceNotifier) StateChanged(info bridge.DeviceInfo) {
	n.broadcast(deviceEvent{
		Event:        "state_changed",
		Serial:       info.Serial,
		State:        string(info.State),
		Model:        info.Model,
		Manufacturer: info.Manufacturer,
		IsEmulator:   info.IsEmulator,
	})
}

// ServeHTTP implements GET /api/devices/events, streaming every subsequent
// device event to the caller as text/event-stream until the client
// disconnects.
func (n *DeviceNotifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan deviceEvent, 32)
	n.mu.Lock()
	n.clients[ch] = struct{}{}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.clients, ch)
		n.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				n.logger.Error("marshal device event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: device\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
