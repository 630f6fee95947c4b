// Package wsapi is the external HTTP/WebSocket transport surface for the
// ingest and capture core (spec section 6, the "out of scope" boundary the
// core depends on only through interfaces). It is the one place in the
// module that imports github.com/gorilla/websocket: the debug-bridge core
// has no WebSocket opinions of its own, so this package supplies them in
// the idiom the rest of the example pack uses for browser-facing streaming
// (see helixml-helix's pkg/desktop/ws_stream.go), rather than the hand-rolled
// framing internal/chat uses for the teacher's own chat surface.
package wsapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"devicecast/internal/bridge"
	"devicecast/internal/capture"
	"devicecast/internal/clients"
	"devicecast/internal/ingest"
	"devicecast/internal/observability/logging"
)

// WebSocket close codes used by the stream and capture endpoints (spec
// section 6).
const (
	CloseServerNotReady = 1011
	CloseDeviceNotFound = 4004
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 20 * time.Second
	pongWait       = 60 * time.Second
	handshakeBytes = 4096
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   handshakeBytes,
	WriteBufferSize:  handshakeBytes,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// DeviceLookup is the subset of bridge.Registry the handlers need to reject
// unknown serials before upgrading a connection.
type DeviceLookup interface {
	Get(serial string) (bridge.DeviceInfo, bool)
}

// Handlers bundles the collaborators the stream and capture endpoints share:
// the ingest session manager (component D/E), the capture worker manager
// (component F/G), the client registry (component I), and the device
// registry used to reject unknown serials up front.
type Handlers struct {
	Devices  DeviceLookup
	Sessions *ingest.Manager
	Captures *capture.Manager
	Clients  *clients.Registry
	Logger   *slog.Logger

	// DefaultQuality is used when a capture request omits "quality".
	DefaultQuality int
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// upgrade performs the WebSocket handshake, then closes the connection with
// CloseDeviceNotFound when the serial is unknown to the device registry.
// Spec section 6 documents deviceNotFound as a WS close code on the stream
// and capture endpoints, not an HTTP status, so the unknown-device check
// happens only after the handshake completes.
func (h *Handlers) upgrade(w http.ResponseWriter, r *http.Request, serial string) (*websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Error("websocket upgrade failed", "serial", serial, "error", err)
		return nil, false
	}
	if h.Devices != nil {
		if _, ok := h.Devices.Get(serial); !ok {
			closeWithCode(conn, CloseDeviceNotFound, fmt.Sprintf("Device %s not found", serial))
			return nil, false
		}
	}
	return conn, true
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

var errServerNotReady = errors.New("server not ready")

// RegisterRoutes wires the stream and capture WebSocket endpoints, plus the
// device-change SSE stream, onto mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux, notifier *DeviceNotifier) {
	mux.HandleFunc(StreamPrefix, h.StreamWebsocket)
	mux.HandleFunc(CapturePrefix, h.CaptureWebsocket)
	if notifier != nil {
		mux.Handle("/api/devices/events", notifier)
	}
}
