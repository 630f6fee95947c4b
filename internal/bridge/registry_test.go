package bridge

import (
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu            sync.Mutex
	connected     []DeviceInfo
	disconnected  []string
	stateChanged  []DeviceInfo
}

func (n *recordingNotifier) Connected(info DeviceInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = append(n.connected, info)
}

func (n *recordingNotifier) Disconnected(serial string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = append(n.disconnected, serial)
}

func (n *recordingNotifier) StateChanged(info DeviceInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stateChanged = append(n.stateChanged, info)
}

func (n *recordingNotifier) snapshotStateChanged() []DeviceInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeviceInfo, len(n.stateChanged))
	copy(out, n.stateChanged)
	return out
}

func TestRegistryRegisterNewDeviceEnrichesAndNotifies(t *testing.T) {
	bridge := newFakeBridge()
	bridge.shellResponses["SERIAL1:ro.product.model"] = "Pixel 7"
	bridge.shellResponses["SERIAL1:ro.product.manufacturer"] = "Google"
	notifier := &recordingNotifier{}
	registry := NewRegistry(bridge, notifier, nil)

	registry.Register("SERIAL1", StateAttached)

	notifier.mu.Lock()
	if len(notifier.connected) != 1 || notifier.connected[0].Serial != "SERIAL1" {
		notifier.mu.Unlock()
		t.Fatalf("expected a single connected notification for SERIAL1")
	}
	notifier.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(notifier.snapshotStateChanged()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	info, ok := registry.Get("SERIAL1")
	if !ok {
		t.Fatalf("expected SERIAL1 to be registered")
	}
	if info.Model != "Pixel 7" || info.Manufacturer != "Google" {
		t.Fatalf("expected enrichment to populate model/manufacturer, got %+v", info)
	}
}

func TestRegistryUnregisterNotifiesDisconnected(t *testing.T) {
	bridge := newFakeBridge()
	notifier := &recordingNotifier{}
	registry := NewRegistry(bridge, notifier, nil)

	registry.Register("SERIAL2", StateAttached)
	registry.Unregister("SERIAL2")

	if _, ok := registry.Get("SERIAL2"); ok {
		t.Fatalf("expected SERIAL2 to be removed")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.disconnected) != 1 || notifier.disconnected[0] != "SERIAL2" {
		t.Fatalf("expected a single disconnected notification for SERIAL2")
	}
}

func TestRegistryStateChangeNotifiesWithoutReenrich(t *testing.T) {
	bridge := newFakeBridge()
	bridge.shellResponses["SERIAL3:ro.product.model"] = "Pixel 8"
	notifier := &recordingNotifier{}
	registry := NewRegistry(bridge, notifier, nil)

	registry.Register("SERIAL3", StateAttached)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := registry.Get("SERIAL3"); ok && info.Model != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	bridge.mu.Lock()
	shellCallsBefore := len(bridge.shellCalls)
	bridge.mu.Unlock()

	registry.Register("SERIAL3", StateOffline)
	info, ok := registry.Get("SERIAL3")
	if !ok || info.State != StateOffline {
		t.Fatalf("expected state to transition to offline")
	}
	if info.Model != "Pixel 8" {
		t.Fatalf("expected model to be preserved across state change, got %q", info.Model)
	}

	notifiedOffline := false
	for _, changed := range notifier.snapshotStateChanged() {
		if changed.Serial == "SERIAL3" && changed.State == StateOffline {
			notifiedOffline = true
		}
	}
	if !notifiedOffline {
		t.Fatalf("expected a state-changed notification for the offline transition")
	}
	bridge.mu.Lock()
	shellCallsAfter := len(bridge.shellCalls)
	bridge.mu.Unlock()
	if shellCallsAfter != shellCallsBefore {
		t.Fatalf("expected no re-enrichment on state change, shell calls went from %d to %d", shellCallsBefore, shellCallsAfter)
	}
}

func TestRegistryListAttachedFiltersByState(t *testing.T) {
	bridge := newFakeBridge()
	registry := NewRegistry(bridge, nil, nil)

	registry.Register("ATTACHED1", StateAttached)
	registry.Register("OFFLINE1", StateOffline)

	attached := registry.ListAttached()
	if len(attached) != 1 || attached[0].Serial != "ATTACHED1" {
		t.Fatalf("expected only ATTACHED1 in ListAttached, got %+v", attached)
	}
	if len(registry.ListAll()) != 2 {
		t.Fatalf("expected both devices in ListAll")
	}
}
