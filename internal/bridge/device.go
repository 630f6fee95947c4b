package bridge

import "time"

// DeviceState is the debug-bridge connection state for a device.
type DeviceState string

const (
	StateAttached     DeviceState = "attached"
	StateOffline      DeviceState = "offline"
	StateUnauthorized DeviceState = "unauthorized"
	StateConnecting   DeviceState = "connecting"
	StateUnknown      DeviceState = "unknown"
)

func parseState(raw string) DeviceState {
	switch raw {
	case "device":
		return StateAttached
	case "offline":
		return StateOffline
	case "unauthorized":
		return StateUnauthorized
	case "connecting", "authorizing":
		return StateConnecting
	default:
		return StateUnknown
	}
}

// DeviceInfo is the registry's record for one device.
type DeviceInfo struct {
	Serial       string
	State        DeviceState
	Model        string
	Manufacturer string
	IsEmulator   bool
	LastSeen     time.Time
}

// ChangeNotifier is the external collaborator notified of every device
// connect/disconnect/state-change event (spec section 1's "SSE notifier for
// device-list changes"). internal/wsapi provides a concrete implementation;
// the registry only depends on this interface.
type ChangeNotifier interface {
	Connected(info DeviceInfo)
	Disconnected(serial string)
	StateChanged(info DeviceInfo)
}

// NoopNotifier discards every event. Useful in tests and as a safe default.
type NoopNotifier struct{}

func (NoopNotifier) Connected(DeviceInfo)    {}
func (NoopNotifier) Disconnected(string)     {}
func (NoopNotifier) StateChanged(DeviceInfo) {}
