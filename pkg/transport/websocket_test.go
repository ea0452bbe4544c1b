package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/transport"
	"github.com/coder/websocket"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server running handler for each
// accepted connection.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		defer conn.CloseNow()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		_ = conn.Write(ctx, typ, append([]byte("echo:"), data...))
		<-conn.CloseRead(context.Background()).Done()
	})

	d := &transport.WebSocketDialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := d.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close(transport.CodeNormal, "done")

	if err := c.Write(ctx, []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "echo:ping" {
		t.Errorf("Read = %q; want echo:ping", got)
	}
}

func TestWebSocketDialer_CloseFrameSurfacesCode(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn) {
		conn.Close(websocket.StatusCode(4004), "Authentication failed.")
	})

	d := &transport.WebSocketDialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := d.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close(transport.CodeNormal, "")

	_, err = c.Read(ctx)
	var ce *transport.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("Read error = %v; want *CloseError", err)
	}
	if ce.Code != 4004 {
		t.Errorf("close code = %d; want 4004", ce.Code)
	}
	if ce.Reason != "Authentication failed." {
		t.Errorf("close reason = %q", ce.Reason)
	}
	if transport.CloseCode(err) != 4004 {
		t.Errorf("CloseCode = %d; want 4004", transport.CloseCode(err))
	}
}

func TestCloseCode_NonCloseError(t *testing.T) {
	t.Parallel()
	if got := transport.CloseCode(errors.New("reset")); got != transport.CodeAbnormal {
		t.Errorf("CloseCode = %d; want %d", got, transport.CodeAbnormal)
	}
	if got := transport.CloseCode(nil); got != 0 {
		t.Errorf("CloseCode(nil) = %d; want 0", got)
	}
}

func TestWebSocketDialer_DialFailure(t *testing.T) {
	t.Parallel()
	d := &transport.WebSocketDialer{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.Dial(ctx, "ws://127.0.0.1:1/"); err == nil {
		t.Fatal("expected dial error")
	}
}
