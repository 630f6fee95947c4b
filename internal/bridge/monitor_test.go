package bridge

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"
)

// writeFrame writes one device-list frame: a 4-byte ASCII hex length prefix
// followed by newline-separated "serial\tstate" lines.
func writeFrame(w io.Writer, body string) error {
	_, err := fmt.Fprintf(w, "%04x%s", len(body), body)
	return err
}

func TestMonitorDispatchesConnectAndDisconnect(t *testing.T) {
	pr, pw := io.Pipe()
	bridge := newFakeBridge()
	bridge.trackDevicesStream = pipeReadCloser{pr}

	notifier := &recordingNotifier{}
	registry := NewRegistry(bridge, notifier, nil)
	monitor := NewMonitor(bridge, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	defer monitor.Stop()

	go func() {
		writeFrame(pw, "SERIAL1\tdevice\n")
		time.Sleep(50 * time.Millisecond)
		writeFrame(pw, "")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Get("SERIAL1"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := registry.Get("SERIAL1"); !ok {
		t.Fatalf("expected SERIAL1 to be registered")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Get("SERIAL1"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := registry.Get("SERIAL1"); ok {
		t.Fatalf("expected SERIAL1 to be unregistered after dropping from the device list")
	}
}

func TestParseDeviceListIgnoresBlankLines(t *testing.T) {
	body := []byte("SERIAL1\tdevice\n\nSERIAL2\toffline\n")
	devices := parseDeviceList(body)
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d: %+v", len(devices), devices)
	}
	if devices["SERIAL1"] != StateAttached {
		t.Fatalf("expected SERIAL1 attached, got %v", devices["SERIAL1"])
	}
	if devices["SERIAL2"] != StateOffline {
		t.Fatalf("expected SERIAL2 offline, got %v", devices["SERIAL2"])
	}
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	bridge := newFakeBridge()
	bridge.trackDevicesErr = io.ErrClosedPipe
	registry := NewRegistry(bridge, nil, nil)
	monitor := NewMonitor(bridge, registry, nil)

	monitor.Start(context.Background())
	monitor.Stop()
	monitor.Stop()
}
