package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/errs"
)

// Endpoint is an external address reported by IP discovery.
type Endpoint struct {
	IP   string
	Port int
}

// MediaTransport carries encrypted Opus frames to the voice server.
// Implementations must be safe for concurrent use.
type MediaTransport interface {
	// Discover opens the media socket to ip:port and returns our external
	// address as seen by the server.
	Discover(ctx context.Context, ip string, port int, ssrc uint32) (Endpoint, error)

	// SetSecret installs the negotiated mode and key. Frames written before
	// this call are rejected.
	SetSecret(mode string, key [32]byte) error

	// WriteOpus wraps one Opus frame in RTP, encrypts it and sends it.
	WriteOpus(frame []byte) error

	Close() error
}

const (
	discoveryPacketSize = 74
	rtpHeaderSize       = 12
	defaultDiscovery    = 5 * time.Second
)

// UDPTransport is the production [MediaTransport].
type UDPTransport struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	ssrc   uint32
	seq    uint16
	ts     uint32
	sealer sealer
	closed bool
}

// NewUDPTransport returns an unconnected transport.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{}
}

// Discover implements [MediaTransport].
func (u *UDPTransport) Discover(ctx context.Context, ip string, port int, ssrc uint32) (Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return Endpoint{}, errs.New(errs.KindTransport, "voice.discover", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return Endpoint{}, errs.New(errs.KindTransport, "voice.discover", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultDiscovery)
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	req := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(req[0:], 1)
	binary.BigEndian.PutUint16(req[2:], 70)
	binary.BigEndian.PutUint32(req[4:], ssrc)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return Endpoint{}, errs.New(errs.KindTransport, "voice.discover", err)
	}

	resp := make([]byte, discoveryPacketSize)
	n, err := conn.Read(resp)
	if err != nil {
		conn.Close()
		if errors.Is(ctx.Err(), context.Canceled) {
			return Endpoint{}, errs.New(errs.KindCanceled, "voice.discover", ctx.Err())
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Endpoint{}, errs.New(errs.KindTimeout, "voice.discover", err)
		}
		return Endpoint{}, errs.New(errs.KindTransport, "voice.discover", err)
	}
	ep, err := parseDiscovery(resp[:n])
	if err != nil {
		conn.Close()
		return Endpoint{}, err
	}
	_ = conn.SetDeadline(time.Time{})

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		conn.Close()
		return Endpoint{}, errs.New(errs.KindCanceled, "voice.discover", net.ErrClosed)
	}
	if u.conn != nil {
		u.conn.Close()
	}
	u.conn = conn
	u.ssrc = ssrc
	return ep, nil
}

func parseDiscovery(b []byte) (Endpoint, error) {
	if len(b) < discoveryPacketSize {
		return Endpoint{}, errs.New(errs.KindProtocol, "voice.discover",
			fmt.Errorf("short discovery response: %d bytes", len(b)))
	}
	ipField := b[8:72]
	end := 0
	for end < len(ipField) && ipField[end] != 0 {
		end++
	}
	ip := string(ipField[:end])
	if net.ParseIP(ip) == nil {
		return Endpoint{}, errs.New(errs.KindProtocol, "voice.discover", fmt.Errorf("invalid address %q", ip))
	}
	return Endpoint{IP: ip, Port: int(binary.BigEndian.Uint16(b[72:74]))}, nil
}

// SetSecret implements [MediaTransport].
func (u *UDPTransport) SetSecret(mode string, key [32]byte) error {
	s, err := newSealer(mode, key)
	if err != nil {
		return errs.New(errs.KindProtocol, "voice.secret", err)
	}
	u.mu.Lock()
	u.sealer = s
	u.mu.Unlock()
	return nil
}

// WriteOpus implements [MediaTransport].
func (u *UDPTransport) WriteOpus(frame []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed || u.conn == nil || u.sealer == nil {
		return errs.New(errs.KindTransport, "voice.write", errors.New("media transport not ready"))
	}

	header := make([]byte, rtpHeaderSize)
	header[0] = 0x80
	header[1] = 0x78
	binary.BigEndian.PutUint16(header[2:], u.seq)
	binary.BigEndian.PutUint32(header[4:], u.ts)
	binary.BigEndian.PutUint32(header[8:], u.ssrc)
	u.seq++
	u.ts += uint32(audio.FrameSamples)

	if _, err := u.conn.Write(u.sealer.seal(header, frame)); err != nil {
		return errs.New(errs.KindTransport, "voice.write", err)
	}
	return nil
}

// Close implements [MediaTransport]. It is idempotent.
func (u *UDPTransport) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}
