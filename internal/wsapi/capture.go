package wsapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"devicecast/internal/capture"
)

// CapturePrefix is the path prefix for the capture WebSocket endpoint.
const CapturePrefix = "/ws/capture/"

// captureRequest is the client → server message on the capture endpoint
// (spec section 6).
type captureRequest struct {
	Type    string `json:"type"`
	Format  string `json:"format"`
	Quality *int   `json:"quality,omitempty"`
	Save    *bool  `json:"save,omitempty"`
}

// captureResult is the metadata half of a server → client capture response,
// always immediately followed by one binary WebSocket message carrying the
// JPEG bytes.
type captureResult struct {
	Type       string  `json:"type"`
	CaptureID  string  `json:"capture_id"`
	CapturedAt string  `json:"captured_at"`
	Serial     string  `json:"serial"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Bytes      int     `json:"bytes"`
	Path       *string `json:"path"`
}

type captureError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes from spec section 6.
const (
	errUnsupportedFormat = "UNSUPPORTED_FORMAT"
	errCaptureTimeout    = "CAPTURE_TIMEOUT"
	errCaptureFailed     = "CAPTURE_FAILED"
	errBadRequest        = "BAD_REQUEST"
)

// validQuality reports whether an optional quality value is either absent or
// within the 1-100 range the capture worker accepts.
func validQuality(quality *int) bool {
	return quality == nil || (*quality >= 1 && *quality <= 100)
}

// CaptureWebsocket implements GET /ws/capture/{serial}: the client sends one
// JSON capture request per still frame it wants, and the server replies with
// a capture_result (or error) JSON message followed by the raw JPEG bytes as
// a binary frame.
func (h *Handlers) CaptureWebsocket(w http.ResponseWriter, r *http.Request) {
	serial := strings.TrimPrefix(r.URL.Path, CapturePrefix)
	if serial == "" {
		http.Error(w, "missing device serial", http.StatusBadRequest)
		return
	}

	conn, ok := h.upgrade(w, r, serial)
	if !ok {
		return
	}
	defer conn.Close()

	if h.Captures == nil {
		closeWithCode(conn, CloseServerNotReady, errServerNotReady.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := h.Captures.Acquire(ctx, serial); err != nil {
		h.logger().Error("capture worker start failed", "serial", serial, "error", err)
		closeWithCode(conn, CloseServerNotReady, "capture worker unavailable")
		return
	}
	if h.Clients != nil {
		h.Clients.OnCaptureConnect(serial)
		defer h.Clients.OnCaptureDisconnect(serial)
	}
	defer h.Captures.Release(context.Background(), serial)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go pingLoop(ctx, conn)

	for {
		var req captureRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Type != "capture" {
			h.writeCaptureError(conn, errBadRequest, "unknown message type")
			continue
		}
		if req.Format != "jpeg" {
			h.writeCaptureError(conn, errUnsupportedFormat, "only jpeg capture is supported")
			continue
		}
		h.handleCaptureRequest(ctx, conn, serial, req)
	}
}

// handleCaptureRequest serves one capture_jpeg request. The decoder decodes
// continuously at a fixed (source) frame rate; each request spawns its own
// short-lived JPEG-encoder child at the per-request quality (falling back to
// Handlers.DefaultQuality when the client omits one), per the two-stage
// pipeline in spec section 4.F.
func (h *Handlers) handleCaptureRequest(ctx context.Context, conn *websocket.Conn, serial string, req captureRequest) {
	if !validQuality(req.Quality) {
		h.writeCaptureError(conn, errBadRequest, "quality must be between 1 and 100")
		return
	}
	quality := h.DefaultQuality
	if req.Quality != nil {
		quality = *req.Quality
	}
	save := req.Save != nil && *req.Save

	worker, err := h.Captures.Acquire(ctx, serial)
	if err != nil {
		h.writeCaptureError(conn, errCaptureFailed, err.Error())
		return
	}
	defer h.Captures.Release(context.Background(), serial)

	result, jpeg, err := worker.CaptureJPEG(ctx, quality, save)
	if err != nil {
		switch err {
		case capture.ErrCaptureTimeout:
			h.writeCaptureError(conn, errCaptureTimeout, err.Error())
		case capture.ErrEncodeFailed:
			h.writeCaptureError(conn, errCaptureFailed, err.Error())
		default:
			h.writeCaptureError(conn, errCaptureFailed, err.Error())
		}
		return
	}

	var path *string
	if result.Path != "" {
		path = &result.Path
	}
	msg := captureResult{
		Type:       "capture_result",
		CaptureID:  result.CaptureID,
		CapturedAt: result.CapturedAt.Format(time.RFC3339Nano),
		Serial:     result.Serial,
		Width:      result.Width,
		Height:     result.Height,
		Bytes:      result.Bytes,
		Path:       path,
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.BinaryMessage, jpeg)
}

func (h *Handlers) writeCaptureError(conn *websocket.Conn, code, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(captureError{Type: "error", Code: code, Message: message})
}
