// Package bridge talks to the on-device debug bridge: it launches the
// screen-capture agent and tunnels its stream to the host (component A), and
// it tracks device attach/detach/state-change events (component H).
package bridge

import (
	"context"
	"errors"
	"io"
)

// Errors surfaced by ingest start and device-scoped operations, named after
// the error taxonomy this gateway exposes at its WebSocket and HTTP
// boundaries.
var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrAgentLaunchFailed = errors.New("agent launch failed")
	ErrTunnelSetupFailed = errors.New("tunnel setup failed")
	ErrConnectTimeout    = errors.New("timed out connecting to agent")
)

// Process is a handle to a spawned debug-bridge subprocess (the agent, or a
// one-shot shell/push/forward invocation).
type Process interface {
	// Wait blocks until the process exits and returns its error, if any.
	Wait() error
	// Kill forces termination. Safe to call after the process has exited.
	Kill() error
}

// Bridge is the set of debug-bridge operations the agent client and device
// monitor depend on. ExecBridge is the concrete implementation that shells
// out to the debug-bridge binary; tests supply a fake.
type Bridge interface {
	// Push transfers localPath to remotePath on the device.
	Push(ctx context.Context, serial, localPath, remotePath string) error
	// RemoveAllForwards removes every host port forwarding for the device.
	RemoveAllForwards(ctx context.Context, serial string) error
	// Forward installs a host TCP port forwarding to an abstract-namespace
	// socket on the device.
	Forward(ctx context.Context, serial string, hostPort int, abstractSocket string) error
	// Shell runs a command on the device and returns combined stdout/stderr.
	Shell(ctx context.Context, serial string, args ...string) (string, error)
	// StartProcess spawns a long-running command against the device (the
	// agent launch) and returns a handle to it.
	StartProcess(ctx context.Context, serial string, args ...string) (Process, error)
	// TrackDevices opens the device-list streaming subscription. The
	// returned ReadCloser carries the length-prefixed frame protocol
	// described in spec section 4.H.
	TrackDevices(ctx context.Context) (io.ReadCloser, error)
}
