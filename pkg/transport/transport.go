// Package transport defines the message-oriented socket abstraction used by
// both the gateway and the voice signalling connections, and provides a
// production implementation on top of github.com/coder/websocket.
//
// A [Dialer] opens a [Conn] to a URL. A Conn delivers whole messages (one
// gateway or voice frame each) and reports the peer's close frame as a
// [*CloseError] from [Conn.Read], so that callers can classify the close code.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Standard and custom close codes used by the runtime.
const (
	// CodeNormal is a clean close initiated by either side.
	CodeNormal = 1000

	// CodeGoingAway is sent by the server when it restarts.
	CodeGoingAway = 1001

	// CodeAbnormal is reported when the connection dropped without a close
	// frame. It is never sent on the wire.
	CodeAbnormal = 1006

	// CodeResume is the client-chosen close code used when the client drops
	// the socket on purpose but intends to resume the session. Any code other
	// than 1000/1001 keeps the session resumable on the server side.
	CodeResume = 4900
)

// Conn is one open message socket. Implementations must allow a single
// concurrent reader and any number of concurrent writers.
type Conn interface {
	// Read blocks until the next message arrives, ctx is done, or the
	// connection closes. A close frame from the peer is returned as
	// *CloseError; other failures are network-level errors.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text message. It blocks until the message is handed to
	// the network or ctx is done.
	Write(ctx context.Context, msg []byte) error

	// Close sends a close frame with the given code and reason and releases
	// the connection. Safe to call more than once.
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f(ctx, url).
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// CloseError reports the peer's close frame.
type CloseError struct {
	Code   int
	Reason string
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: closed with code %d", e.Code)
	}
	return fmt.Sprintf("transport: closed with code %d: %s", e.Code, e.Reason)
}

// CloseCode extracts the close code from err. It returns [CodeAbnormal] for
// errors that are not close frames and 0 for a nil error.
func CloseCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeAbnormal
}
