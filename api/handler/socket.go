package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jellyswarrm/jellyswarrm/api/middleware"
	"github.com/jellyswarrm/jellyswarrm/ent"
	"github.com/jellyswarrm/jellyswarrm/wsproxy"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// wsKeepAliveInterval is how often the proxy sends KeepAlive messages to
	// a client that has no live backend session to forward to.
	wsKeepAliveInterval = 10 * time.Second
	// wsReadDeadline is the maximum time to wait for a pong before considering the connection dead.
	wsReadDeadline = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	// Allow all origins — the proxy already enforces auth via api_key.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHub tracks all active WebSocket connections so they can be closed
// during graceful shutdown. Create one in main and pass it to the handler.
type WSHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	done  chan struct{} // closed on shutdown
}

func NewWSHub() *WSHub {
	return &WSHub{
		conns: make(map[*websocket.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

func (h *WSHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *WSHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Shutdown closes all active WebSocket connections and signals handlers to exit.
func (h *WSHub) Shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

// WebSocketHandler returns a gin handler that forwards a client's WebSocket
// connection to the real-time endpoint of the backend server bound to their
// best-matching AuthorizationSession (resolved by middleware.Auth). A user
// with no live session — no backend mapping has ever completed a login yet —
// falls back to a synthetic KeepAlive loop so the client still sees a
// functioning socket instead of an immediate disconnect.
func WebSocketHandler(hub *WSHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var session *ent.Session
		if raw, ok := c.Get(middleware.ContextKeySession); ok {
			session, _ = raw.(*ent.Session)
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		hub.add(conn)
		defer func() {
			hub.remove(conn)
			_ = conn.Close()
		}()

		if session == nil || session.Edges.Mapping == nil || session.Edges.Mapping.Edges.Backend == nil {
			keepAliveLoop(conn, hub)
			return
		}

		upstreamURL := buildUpstreamSocketURL(session)
		ctx, cancel := context.WithTimeout(c.Request.Context(), wsproxy.DialTimeout)
		upstreamConn, _, err := wsproxy.Dial(ctx, upstreamURL, nil)
		cancel()
		if err != nil {
			slog.Warn("ws: failed to dial backend socket", "server", session.Edges.Mapping.Edges.Backend.Name, "error", err)
			keepAliveLoop(conn, hub)
			return
		}

		wsproxy.Forward(conn, upstreamConn)
	}
}

// buildUpstreamSocketURL builds the backend's /socket URL, authenticated
// with the session's real upstream token and the client's original device ID
// so the backend attributes activity to the right device.
func buildUpstreamSocketURL(session *ent.Session) string {
	b := session.Edges.Mapping.Edges.Backend
	base := strings.TrimRight(b.URL, "/")
	scheme := "ws"
	if strings.HasPrefix(base, "https://") {
		scheme = "wss"
	}
	base = scheme + "://" + strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")

	q := url.Values{}
	q.Set("api_key", session.Token)
	q.Set("deviceId", session.DeviceID)
	return base + "/socket?" + q.Encode()
}

// keepAliveLoop runs the synthetic KeepAlive ping loop for a client with no
// upstream to forward to.
func keepAliveLoop(conn *websocket.Conn, hub *WSHub) {
	if err := sendKeepAlive(conn); err != nil {
		return
	}

	ticker := time.NewTicker(wsKeepAliveInterval)
	defer ticker.Stop()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-hub.done:
			return
		case <-ticker.C:
			if err := sendKeepAlive(conn); err != nil {
				slog.Debug("ws: keepalive write error", "error", err)
				return
			}
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				slog.Debug("ws: unexpected close", "error", err)
			}
			return
		}
	}
}

// sendKeepAlive writes a Jellyfin-format KeepAlive message.
// Format: {"MessageType":"KeepAlive"}.
func sendKeepAlive(conn *websocket.Conn) error {
	return conn.WriteMessage(
		websocket.TextMessage,
		[]byte(`{"MessageType":"KeepAlive"}`),
	)
}
