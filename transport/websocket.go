package transport

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"

	"noslated-ipc/decoder"
	"noslated-ipc/logging"
)

// maxWebSocketMessage bounds one WebSocket message. Each Write of an encoded
// frame becomes one message, so it must admit the largest legal frame.
const maxWebSocketMessage = 2 * decoder.DefaultMaxContentLength

// DialWebSocket connects to an agent reachable over WebSocket and exposes the
// connection as a plain byte stream. Frames ride inside binary messages, but
// message boundaries carry no meaning: the decoder reassembles frames exactly
// as it does on a Unix socket.
func DialWebSocket(ctx context.Context, url string) (net.Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial websocket %s", url)
	}
	c.SetReadLimit(maxWebSocketMessage)
	// the stream must outlive the dial context
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

// WebSocketHandler upgrades requests and hands the resulting byte stream to
// handle, which owns it from then on. handle is called on the request
// goroutine and should block for the lifetime of the connection.
func WebSocketHandler(handle func(net.Conn), logger logging.Logger) http.Handler {
	logger = logging.OrDefault(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		c.SetReadLimit(maxWebSocketMessage)
		handle(websocket.NetConn(r.Context(), c, websocket.MessageBinary))
	})
}
