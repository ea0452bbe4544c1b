package voice

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/MrWong99/voxgate/pkg/transport"
	"github.com/MrWong99/voxgate/pkg/transport/mock"
	"go.opentelemetry.io/otel/metric/noop"
)

const waitFor = 3 * time.Second

var testKey = [32]byte{1, 2, 3, 4, 5, 6, 7, 8}

// fakeMedia records what the signalling session does with its media path.
type fakeMedia struct {
	mu          sync.Mutex
	discoverErr error
	discovered  uint32
	mode        string
	key         [32]byte
	frames      [][]byte
	closed      bool
}

func (f *fakeMedia) Discover(_ context.Context, _ string, _ int, ssrc uint32) (Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return Endpoint{}, f.discoverErr
	}
	f.discovered = ssrc
	return Endpoint{IP: "203.0.113.7", Port: 50004}, nil
}

func (f *fakeMedia) SetSecret(mode string, key [32]byte) error {
	if _, err := newSealer(mode, key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode, f.key = mode, key
	return nil
}

func (f *fakeMedia) WriteOpus(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.mode == "" {
		return errors.New("fake media not ready")
	}
	f.frames = append(f.frames, slices.Clone(frame))
	return nil
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMedia) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.frames)
}

func (f *fakeMedia) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// mediaFactory hands out fakeMedia instances and remembers them.
type mediaFactory struct {
	mu  sync.Mutex
	all []*fakeMedia
	err error
}

func (m *mediaFactory) New() MediaTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &fakeMedia{discoverErr: m.err}
	m.all = append(m.all, f)
	return f
}

func (m *mediaFactory) Last() *fakeMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.all) == 0 {
		return nil
	}
	return m.all[len(m.all)-1]
}

func (m *mediaFactory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.all)
}

func testConfig(t *testing.T, d *mock.Dialer, media *mediaFactory) Config {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return Config{
		Dialer:           d,
		NewMedia:         media.New,
		JoinTimeout:      2 * time.Second,
		HelloTimeout:     2 * time.Second,
		ReadyTimeout:     2 * time.Second,
		DiscoveryTimeout: time.Second,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		MaxAttempts:      3,
		Metrics:          met,
	}
}

func testSession() Session {
	return Session{
		GuildID:   "g1",
		ChannelID: "c1",
		UserID:    "42",
		SessionID: "vs-1",
		Token:     "vtok",
		Endpoint:  "voice.test",
	}
}

func newTestSignal(t *testing.T, d *mock.Dialer, media *mediaFactory, mods ...func(*Config)) *SignalConn {
	t.Helper()
	cfg := testConfig(t, d, media)
	for _, m := range mods {
		m(&cfg)
	}
	c := NewSignalConn(cfg, testSession())
	t.Cleanup(c.Disconnect)
	return c
}

func send(t *testing.T, srv *mock.Server, op Opcode, d any) {
	t.Helper()
	srv.SendJSON(t, map[string]any{"op": op, "d": d})
}

// recvOp waits for the next client frame with the given opcode, skipping
// heartbeats.
func recvOp(t *testing.T, srv *mock.Server, want Opcode) Frame {
	t.Helper()
	for {
		var f Frame
		srv.RecvJSON(t, &f)
		if f.Op == want {
			return f
		}
		if f.Op == OpHeartbeat {
			continue
		}
		t.Fatalf("client sent %s, want %s", f.Op, want)
	}
}

// handshake plays the server side of a fresh Identify through
// SessionDescription and returns the mode the client selected.
func handshake(t *testing.T, srv *mock.Server, ssrc uint32) string {
	t.Helper()
	send(t, srv, OpHello, Hello{HeartbeatInterval: 41250.5})
	recvOp(t, srv, OpIdentify)
	send(t, srv, OpReady, Ready{
		SSRC:  ssrc,
		IP:    "198.51.100.2",
		Port:  50001,
		Modes: []string{ModeXSalsa20, ModeXChaCha20, ModeAES256GCM},
	})
	f := recvOp(t, srv, OpSelectProtocol)
	var sel SelectProtocol
	if err := json.Unmarshal(f.D, &sel); err != nil {
		t.Fatalf("unmarshal select protocol: %v", err)
	}
	send(t, srv, OpSessionDescription, SessionDescription{Mode: sel.Data.Mode, SecretKey: testKey})
	return sel.Data.Mode
}

// openReady drives a fresh SignalConn to Ready.
func openReady(t *testing.T, c *SignalConn, d *mock.Dialer) *mock.Server {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Open(t.Context()) }()
	srv := d.Accept(t)
	handshake(t, srv, 7)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Open did not return")
	}
	return srv
}

func waitState(t *testing.T, c *SignalConn, want State) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func drainStates(c *SignalConn) []State {
	var out []State
	for {
		select {
		case sc := <-c.States():
			out = append(out, sc.To)
		default:
			return out
		}
	}
}

func TestOpen_Handshake(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	media := &mediaFactory{}
	c := newTestSignal(t, d, media)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Open(t.Context()) }()

	srv := d.Accept(t)
	if srv.URL != "wss://voice.test/?v=4" {
		t.Errorf("dial URL = %q", srv.URL)
	}
	send(t, srv, OpHello, Hello{HeartbeatInterval: 41250.5})

	var id Identify
	if err := json.Unmarshal(recvOp(t, srv, OpIdentify).D, &id); err != nil {
		t.Fatalf("unmarshal identify: %v", err)
	}
	want := Identify{ServerID: "g1", UserID: "42", SessionID: "vs-1", Token: "vtok"}
	if id != want {
		t.Errorf("identify = %+v, want %+v", id, want)
	}

	send(t, srv, OpReady, Ready{SSRC: 99, IP: "198.51.100.2", Port: 50001,
		Modes: []string{ModeXSalsa20, ModeAES256GCM}})
	var sel SelectProtocol
	if err := json.Unmarshal(recvOp(t, srv, OpSelectProtocol).D, &sel); err != nil {
		t.Fatalf("unmarshal select protocol: %v", err)
	}
	if sel.Protocol != "udp" || sel.Data.Address != "203.0.113.7" || sel.Data.Port != 50004 {
		t.Errorf("select protocol = %+v", sel)
	}
	if sel.Data.Mode != ModeAES256GCM {
		t.Errorf("mode = %q, want %q", sel.Data.Mode, ModeAES256GCM)
	}
	if c.State() == StateReady {
		t.Fatal("ready before session description")
	}

	send(t, srv, OpSessionDescription, SessionDescription{Mode: sel.Data.Mode, SecretKey: testKey})
	if err := <-errCh; err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("state = %s, want ready", c.State())
	}
	if c.SSRC() != 99 {
		t.Errorf("ssrc = %d, want 99", c.SSRC())
	}
	m := media.Last()
	m.mu.Lock()
	if m.discovered != 99 || m.mode != ModeAES256GCM || m.key != testKey {
		t.Errorf("media = ssrc %d mode %q", m.discovered, m.mode)
	}
	m.mu.Unlock()
	if got := drainStates(c); !slices.Equal(got, []State{StateConnecting, StateReady}) {
		t.Errorf("states = %v", got)
	}
}

func TestWriteOpus_OnlyWhileReady(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	media := &mediaFactory{}
	c := newTestSignal(t, d, media)

	if err := c.WriteOpus([]byte{1}); !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("WriteOpus before open = %v, want transport error", err)
	}
	openReady(t, c, d)
	if err := c.WriteOpus([]byte{1, 2}); err != nil {
		t.Fatalf("WriteOpus: %v", err)
	}
	if got := media.Last().Frames(); len(got) != 1 || !slices.Equal(got[0], []byte{1, 2}) {
		t.Errorf("frames = %v", got)
	}
}

func TestOpen_NoSupportedMode(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	c := newTestSignal(t, d, &mediaFactory{})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Open(t.Context()) }()
	srv := d.Accept(t)
	send(t, srv, OpHello, Hello{HeartbeatInterval: 41250})
	recvOp(t, srv, OpIdentify)
	send(t, srv, OpReady, Ready{SSRC: 1, IP: "198.51.100.2", Port: 1, Modes: []string{"plain"}})

	err := <-errCh
	if !errors.Is(err, errs.ErrProtocol) {
		t.Fatalf("Open = %v, want protocol error", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.GuildID != "g1" {
		t.Errorf("error lacks guild context: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", c.State())
	}
}

func TestOpen_DiscoveryFailureRetries(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	media := &mediaFactory{err: errs.New(errs.KindTimeout, "voice.discover", context.DeadlineExceeded)}
	c := newTestSignal(t, d, media)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Open(t.Context()) }()
	for range 4 {
		srv := d.Accept(t)
		send(t, srv, OpHello, Hello{HeartbeatInterval: 41250})
		recvOp(t, srv, OpIdentify)
		send(t, srv, OpReady, Ready{SSRC: 1, IP: "198.51.100.2", Port: 1, Modes: []string{ModeXSalsa20}})
	}
	err := <-errCh
	if !errors.Is(err, errs.ErrTransport) || !strings.Contains(err.Error(), "gave up after 3 attempts") {
		t.Fatalf("Open = %v", err)
	}
	if media.Count() != 4 {
		t.Errorf("media transports = %d, want 4", media.Count())
	}
}

func TestResume_AfterServerCrash(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	media := &mediaFactory{}
	c := newTestSignal(t, d, media)
	srv := openReady(t, c, d)
	drainStates(c)

	srv.Close(CloseServerCrashed, "crashed")

	srv2 := d.Accept(t)
	send(t, srv2, OpHello, Hello{HeartbeatInterval: 41250})
	var r Resume
	if err := json.Unmarshal(recvOp(t, srv2, OpResume).D, &r); err != nil {
		t.Fatalf("unmarshal resume: %v", err)
	}
	if r != (Resume{ServerID: "g1", SessionID: "vs-1", Token: "vtok"}) {
		t.Errorf("resume = %+v", r)
	}
	waitState(t, c, StateResuming)
	if err := c.WriteOpus([]byte{1}); err == nil {
		t.Error("WriteOpus succeeded while resuming")
	}

	send(t, srv2, OpResumed, nil)
	waitState(t, c, StateReady)
	if media.Count() != 1 {
		t.Errorf("media transports = %d, want the original one reused", media.Count())
	}
	if err := c.WriteOpus([]byte{3}); err != nil {
		t.Errorf("WriteOpus after resume: %v", err)
	}
	if got := drainStates(c); !slices.Equal(got, []State{StateResuming, StateReady}) {
		t.Errorf("states = %v", got)
	}
}

func TestDisconnected_NonResumableClose(t *testing.T) {
	t.Parallel()
	for _, code := range []int{CloseAuthenticationFailed, CloseSessionInvalid, CloseSessionTimeout, CloseDisconnected} {
		d := mock.NewDialer()
		media := &mediaFactory{}
		c := newTestSignal(t, d, media)
		srv := openReady(t, c, d)

		srv.Close(code, "")
		waitState(t, c, StateDisconnected)

		if got := transport.CloseCode(c.Err()); got != code {
			t.Errorf("close %d: Err close code = %d", code, got)
		}
		if !media.Last().Closed() {
			t.Errorf("close %d: media not closed", code)
		}
		time.Sleep(20 * time.Millisecond)
		if n := d.DialCount(); n != 1 {
			t.Errorf("close %d: dial count = %d, want no retry", code, n)
		}
		c.Disconnect()
	}
}

func TestUpdateServer_Migrates(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	media := &mediaFactory{}
	c := newTestSignal(t, d, media)
	srv := openReady(t, c, d)

	c.UpdateServer("other.voice.test:443", "vtok-2")

	select {
	case <-srv.Done():
	case <-time.After(waitFor):
		t.Fatal("old signalling transport not closed")
	}
	if code := srv.ClientCloseCode(); code != transport.CodeNormal {
		t.Errorf("close code = %d, want %d", code, transport.CodeNormal)
	}

	srv2 := d.Accept(t)
	if srv2.URL != "wss://other.voice.test:443/?v=4" {
		t.Errorf("dial URL = %q", srv2.URL)
	}
	send(t, srv2, OpHello, Hello{HeartbeatInterval: 41250})
	var id Identify
	if err := json.Unmarshal(recvOp(t, srv2, OpIdentify).D, &id); err != nil {
		t.Fatalf("unmarshal identify: %v", err)
	}
	if id.Token != "vtok-2" {
		t.Errorf("identify token = %q, want vtok-2", id.Token)
	}
	send(t, srv2, OpReady, Ready{SSRC: 8, IP: "198.51.100.3", Port: 50002, Modes: []string{ModeXChaCha20}})
	recvOp(t, srv2, OpSelectProtocol)
	send(t, srv2, OpSessionDescription, SessionDescription{Mode: ModeXChaCha20, SecretKey: testKey})
	waitState(t, c, StateReady)

	if media.Count() != 2 || !media.all[0].Closed() || media.Last().Closed() {
		t.Error("old media transport not replaced")
	}
	if c.SSRC() != 8 {
		t.Errorf("ssrc = %d, want 8", c.SSRC())
	}
}

func TestUpdateServer_RecoversFromDisconnected(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	c := newTestSignal(t, d, &mediaFactory{})
	srv := openReady(t, c, d)

	srv.Close(CloseSessionInvalid, "")
	waitState(t, c, StateDisconnected)

	c.UpdateServer("voice2.test", "vtok-3")
	srv2 := d.Accept(t)
	handshake(t, srv2, 11)
	waitState(t, c, StateReady)
}

func TestSetSpeaking(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	c := newTestSignal(t, d, &mediaFactory{})
	srv := openReady(t, c, d)

	if err := c.SetSpeaking(t.Context(), true); err != nil {
		t.Fatalf("SetSpeaking: %v", err)
	}
	var sp Speaking
	if err := json.Unmarshal(recvOp(t, srv, OpSpeaking).D, &sp); err != nil {
		t.Fatalf("unmarshal speaking: %v", err)
	}
	if sp.Speaking != 1 || sp.SSRC != 7 {
		t.Errorf("speaking = %+v", sp)
	}
}

func TestHeartbeat_Acked(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	c := newTestSignal(t, d, &mediaFactory{})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Open(t.Context()) }()
	srv := d.Accept(t)
	send(t, srv, OpHello, Hello{HeartbeatInterval: 200})
	recvOp(t, srv, OpIdentify)

	var nonce int64
	if err := json.Unmarshal(recvOp(t, srv, OpHeartbeat).D, &nonce); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	send(t, srv, OpHeartbeatAck, nonce)

	deadline := time.Now().Add(waitFor)
	for c.Heartbeat().LastSent.IsZero() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	hb := c.Heartbeat()
	if hb.Interval != 200*time.Millisecond || !hb.Acked {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()
	d := mock.NewDialer()
	c := newTestSignal(t, d, &mediaFactory{})

	c.Disconnect()
	c.Disconnect()
	if c.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", c.State())
	}
	if err := c.Open(t.Context()); !errors.Is(err, errs.ErrCanceled) {
		t.Errorf("Open after Disconnect = %v, want canceled", err)
	}

	c2 := newTestSignal(t, d, &mediaFactory{})
	srv := openReady(t, c2, d)
	c2.Disconnect()
	c2.Disconnect()
	if c2.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", c2.State())
	}
	if code := srv.ClientCloseCode(); code != transport.CodeNormal {
		t.Errorf("close code = %d, want %d", code, transport.CodeNormal)
	}
	for range c2.States() {
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateSignalling, StateConnecting, true},
		{StateSignalling, StateReady, false},
		{StateConnecting, StateReady, true},
		{StateReady, StateResuming, true},
		{StateReady, StateConnecting, true},
		{StateResuming, StateReady, true},
		{StateResuming, StateDisconnected, true},
		{StateDisconnected, StateReady, false},
		{StateDisconnected, StateConnecting, true},
		{StateReady, StateDestroyed, true},
		{StateDestroyed, StateConnecting, false},
		{StateDestroyed, StateDestroyed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSession_Missing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sess Session
		want string
	}{
		{Session{}, "voice state and voice server"},
		{Session{Token: "t", Endpoint: "e"}, "voice state"},
		{Session{SessionID: "s"}, "voice server"},
		{Session{SessionID: "s", Token: "t", Endpoint: "e"}, ""},
	}
	for _, tt := range tests {
		if got := tt.sess.missing(); got != tt.want {
			t.Errorf("missing(%+v) = %q, want %q", tt.sess, got, tt.want)
		}
	}
}
