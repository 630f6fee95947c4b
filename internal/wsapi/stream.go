package wsapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"devicecast/internal/ingest"
)

// StreamPrefix is the path prefix for the stream WebSocket endpoint.
const StreamPrefix = "/ws/stream/"

// StreamWebsocket implements GET /ws/stream/{serial}: on connect it
// get-or-creates the device's ingest session and relays every NAL unit the
// session broadcasts to the client as a binary WebSocket message, in
// emission order, until the client disconnects or the session stops.
func (h *Handlers) StreamWebsocket(w http.ResponseWriter, r *http.Request) {
	serial := strings.TrimPrefix(r.URL.Path, StreamPrefix)
	if serial == "" {
		http.Error(w, "missing device serial", http.StatusBadRequest)
		return
	}

	conn, ok := h.upgrade(w, r, serial)
	if !ok {
		return
	}
	defer conn.Close()

	if h.Sessions == nil {
		closeWithCode(conn, CloseServerNotReady, errServerNotReady.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, err := h.Sessions.GetOrCreate(ctx, serial, ingest.SessionConfig{})
	if err != nil {
		h.logger().Error("ingest session start failed", "serial", serial, "error", err)
		closeWithCode(conn, CloseServerNotReady, "ingest session unavailable")
		return
	}

	sub, err := session.Subscribe(ctx)
	if err != nil {
		h.logger().Error("stream subscribe failed", "serial", serial, "error", err)
		closeWithCode(conn, CloseServerNotReady, "subscribe failed")
		return
	}

	if h.Clients != nil {
		h.Clients.OnStreamConnect(serial)
		defer h.Clients.OnStreamDisconnect(serial)
	}
	defer session.Unsubscribe(sub.ID())

	go discardClientFrames(conn, cancel)
	go pingLoop(ctx, conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, open := <-sub.Chunks():
			if !open {
				closeWithCode(conn, websocket.CloseNormalClosure, "stream ended")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}
}

// discardClientFrames drains and ignores any frames the client sends on the
// stream endpoint (it is send-only from the server's side) so the
// connection's read loop keeps servicing pong control frames; it cancels ctx
// once the client goes away.
func discardClientFrames(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingLoop sends periodic WebSocket ping control frames until ctx is done,
// matching the keepalive heartbeat pattern used for browser-facing streaming
// connections elsewhere in the pack.
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
