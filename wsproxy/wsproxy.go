// Package wsproxy implements the WebSocket Proxy: genuine bidirectional
// forwarding between a client connection and the upstream server's own
// WebSocket endpoint, replacing the teacher's synthetic keepalive-only
// stub (api/handler/socket.go) with a real pass-through. Session/user
// resolution and upstream URL construction stay in the handler layer;
// this package owns only the frame-forwarding loop once both ends of the
// tunnel are connected.
package wsproxy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DialTimeout bounds how long connecting to the upstream server may take
// before the client's upgrade is abandoned.
const DialTimeout = 10 * time.Second

// Dialer opens the upstream connection. Exposed as a var so tests can
// substitute a fake without a real network dial.
var Dialer = websocket.Dialer{
	HandshakeTimeout: DialTimeout,
}

// Dial connects to the upstream WebSocket URL with the given headers
// (typically just the client's original User-Agent, if any — auth rides in
// the query string per the spec's real-token substitution).
func Dial(ctx context.Context, upstreamURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return Dialer.DialContext(ctx, upstreamURL, header)
}

// Forward runs the two bidirectional copy loops between client and
// upstream until either side closes or errors, then tears down both ends.
// It blocks until the tunnel is finished; callers should invoke it from the
// goroutine that owns the client connection's lifecycle.
func Forward(client, upstream *websocket.Conn) {
	done := make(chan struct{}, 2)

	go pump(client, upstream, done, "client->upstream")
	go pump(upstream, client, done, "upstream->client")

	<-done
	_ = client.Close()
	_ = upstream.Close()
}

// pump copies frames 1:1 from src to dst until src errs or closes, then
// signals done so Forward can tear down the other direction. Control
// frames (ping/pong/close) are translated using gorilla's own control
// handlers rather than forwarded as data frames.
func pump(src, dst *websocket.Conn, done chan<- struct{}, label string) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				slog.Debug("wsproxy: unexpected close", "direction", label, "error", err)
			}
			return
		}

		if err := dst.WriteMessage(msgType, data); err != nil {
			slog.Debug("wsproxy: write failed", "direction", label, "error", err)
			return
		}
	}
}
