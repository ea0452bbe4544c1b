// Package mock provides an in-memory [transport.Dialer] for tests.
//
// Every successful Dial creates a connected pair: the client side is returned
// to the code under test, the server side is delivered through
// [Dialer.Accept] so the test can script the remote peer:
//
//	d := mock.NewDialer()
//	go conn.Connect(ctx)
//	srv := d.Accept(t)
//	srv.SendJSON(t, hello)
//	var identify map[string]any
//	srv.RecvJSON(t, &identify)
//
// All types are safe for concurrent use.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*clientConn)(nil)
)

// waitTimeout bounds every blocking helper so a broken test fails instead of
// hanging.
const waitTimeout = 3 * time.Second

// Dialer is a scriptable in-memory dialer.
type Dialer struct {
	accepted chan *Server

	mu        sync.Mutex
	urls      []string
	dialErrs  []error
	dialCount int
}

// NewDialer returns a ready Dialer.
func NewDialer() *Dialer {
	return &Dialer{accepted: make(chan *Server, 16)}
}

// FailNext makes the next len(errs) Dial calls fail with the given errors.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs = append(d.dialErrs, errs...)
}

// URLs returns every URL passed to Dial, in order.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.urls))
	copy(out, d.urls)
	return out
}

// DialCount returns the number of Dial calls, including failed ones.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	d.dialCount++
	d.urls = append(d.urls, url)
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	p := newPipe()
	srv := &Server{p: p, URL: url}
	select {
	case d.accepted <- srv:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &clientConn{p: p}, nil
}

// Accept returns the server side of the next dialled connection, failing the
// test if none arrives in time.
func (d *Dialer) Accept(t testing.TB) *Server {
	t.Helper()
	select {
	case s := <-d.accepted:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("mock: timed out waiting for dial")
		return nil
	}
}

// TryAccept returns the next server side if one is already pending.
func (d *Dialer) TryAccept() (*Server, bool) {
	select {
	case s := <-d.accepted:
		return s, true
	default:
		return nil, false
	}
}

// pipe carries messages in both directions between one client and server.
type pipe struct {
	toClient chan []byte
	toServer chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	clientErr   error // returned to the client after close
	serverErr   error // returned to the server after close
	closedByCli bool
}

func newPipe() *pipe {
	return &pipe{
		toClient: make(chan []byte, 256),
		toServer: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (p *pipe) close(clientErr, serverErr error, byClient bool) {
	p.closeOnce.Do(func() {
		p.clientErr = clientErr
		p.serverErr = serverErr
		p.closedByCli = byClient
		close(p.closed)
	})
}

// read delivers queued messages before reporting the close.
func read(ctx context.Context, ch chan []byte, closed <-chan struct{}, errFn func() error) ([]byte, error) {
	select {
	case m := <-ch:
		return m, nil
	default:
	}
	select {
	case m := <-ch:
		return m, nil
	case <-closed:
		select {
		case m := <-ch:
			return m, nil
		default:
		}
		return nil, errFn()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func write(ctx context.Context, ch chan []byte, closed <-chan struct{}, msg []byte) error {
	select {
	case <-closed:
		return net.ErrClosed
	default:
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case ch <- cp:
		return nil
	case <-closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clientConn is the side handed to the code under test.
type clientConn struct{ p *pipe }

func (c *clientConn) Read(ctx context.Context) ([]byte, error) {
	return read(ctx, c.p.toClient, c.p.closed, func() error { return c.p.clientErr })
}

func (c *clientConn) Write(ctx context.Context, msg []byte) error {
	return write(ctx, c.p.toServer, c.p.closed, msg)
}

func (c *clientConn) Close(code int, reason string) error {
	c.p.close(net.ErrClosed, &transport.CloseError{Code: code, Reason: reason}, true)
	return nil
}

// Server is the scripted remote peer of one connection.
type Server struct {
	p *pipe

	// URL is the URL the client dialled.
	URL string
}

// Send queues raw bytes for the client.
func (s *Server) Send(msg []byte) error {
	return write(context.Background(), s.p.toClient, s.p.closed, msg)
}

// SendJSON marshals v and queues it for the client.
func (s *Server) SendJSON(t testing.TB, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("mock: marshal: %v", err)
	}
	if err := s.Send(data); err != nil {
		t.Logf("mock: send: %v (may be expected on close)", err)
	}
}

// Recv waits for the next client message.
func (s *Server) Recv(ctx context.Context) ([]byte, error) {
	return read(ctx, s.p.toServer, s.p.closed, func() error { return s.p.serverErr })
}

// RecvJSON waits for the next client message and unmarshals it into v.
func (s *Server) RecvJSON(t testing.TB, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	data, err := s.Recv(ctx)
	if err != nil {
		t.Fatalf("mock: recv: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("mock: unmarshal %s: %v", data, err)
	}
}

// Close sends a close frame to the client; the client's next Read (after any
// queued messages) returns *transport.CloseError with code and reason.
func (s *Server) Close(code int, reason string) {
	s.p.close(&transport.CloseError{Code: code, Reason: reason}, net.ErrClosed, false)
}

// Drop severs the connection without a close frame.
func (s *Server) Drop() {
	s.p.close(errors.New("mock: connection reset"), net.ErrClosed, false)
}

// Done is closed once either side closed the connection.
func (s *Server) Done() <-chan struct{} { return s.p.closed }

// ClientCloseCode returns the code the client closed with, or 0 if the
// connection is open or was closed by the server.
func (s *Server) ClientCloseCode() int {
	select {
	case <-s.p.closed:
	default:
		return 0
	}
	if !s.p.closedByCli {
		return 0
	}
	return transport.CloseCode(s.p.serverErr)
}
