package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Compile-time interface assertions.
var (
	_ Dialer = (*WebSocketDialer)(nil)
	_ Conn   = (*wsConn)(nil)
)

// defaultReadLimit is large enough for GUILD_CREATE payloads of big guilds.
const defaultReadLimit = 16 << 20

// WebSocketDialer dials [Conn]s over WebSocket using coder/websocket.
type WebSocketDialer struct {
	// Header is sent with the opening handshake. May be nil.
	Header http.Header

	// ReadLimit caps the size of a single inbound message. Defaults to 16 MiB.
	ReadLimit int64

	// HTTPClient overrides the client used for the handshake. May be nil.
	HTTPClient *http.Client
}

// Dial opens a WebSocket connection to url.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	}
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

// wsConn adapts *websocket.Conn to [Conn].
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, msg []byte) error {
	return w.c.Write(ctx, websocket.MessageText, msg)
}

func (w *wsConn) Close(code int, reason string) error {
	err := w.c.Close(websocket.StatusCode(code), reason)
	if err != nil && websocket.CloseStatus(err) == -1 {
		// The peer is already gone; make sure the underlying socket is freed.
		_ = w.c.CloseNow()
	}
	return err
}
