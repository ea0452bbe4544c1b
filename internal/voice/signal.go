// Package voice negotiates and maintains per-guild voice connections: the
// signalling session with the voice server, the encrypted media transport,
// and the relay of audio frames from a [player.Player].
//
// A [SignalConn] is driven by a single run goroutine that owns the signalling
// transport, exactly like the gateway connection it mirrors. A [Connection]
// pairs a SignalConn with a player subscription, and a [Manager] keeps one
// Connection per guild and feeds it the voice events the gateway delivers.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/MrWong99/voxgate/pkg/transport"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
)

// Defaults applied by [NewSignalConn] to zero-valued [Config] fields.
const (
	DefaultVersion = 4

	defaultJoinTimeout      = 10 * time.Second
	defaultHelloTimeout     = 10 * time.Second
	defaultReadyTimeout     = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultDiscoveryTimeout = 5 * time.Second
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultMaxBackoff       = 10 * time.Second
	defaultMaxAttempts      = 5
	defaultStateBuffer      = 32
	disconnectTimeout       = 5 * time.Second
)

var (
	errDestroyed = errors.New("voice connection destroyed")
	errMissedAck = errors.New("heartbeat not acknowledged")
	errNotReady  = errors.New("voice connection not ready")
)

// Config configures a [SignalConn]. The zero value is usable.
type Config struct {
	// Dialer opens the signalling transport. Defaults to a
	// [transport.WebSocketDialer].
	Dialer transport.Dialer

	// NewMedia creates the media transport for each fresh handshake.
	// Defaults to [NewUDPTransport].
	NewMedia func() MediaTransport

	// Version is the voice gateway version. Defaults to [DefaultVersion].
	Version int

	// JoinTimeout bounds [Join]: resolving the session plus the first
	// handshake. Default 10s.
	JoinTimeout time.Duration

	// HelloTimeout bounds dialing plus the wait for Hello. Default 10s.
	HelloTimeout time.Duration

	// ReadyTimeout bounds the handshake after Hello. Default 10s.
	ReadyTimeout time.Duration

	// WriteTimeout bounds a single signalling write. Default 5s.
	WriteTimeout time.Duration

	// DiscoveryTimeout bounds IP discovery. Default 5s.
	DiscoveryTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the retry schedule.
	// Defaults 500ms and 10s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxAttempts caps consecutive resume or reconnect attempts before the
	// connection parks in Disconnected. Default 5.
	MaxAttempts int

	// States, when non-nil, replaces the connection's own state channel. It
	// is never closed by the connection.
	States chan StateChange

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] with a guild attribute.
	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.WebSocketDialer{}
	}
	if cfg.NewMedia == nil {
		cfg.NewMedia = func() MediaTransport { return NewUDPTransport() }
	}
	if cfg.Version == 0 {
		cfg.Version = DefaultVersion
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

type speakRequest struct {
	on   bool
	done chan error
}

// serverUpdate is the new half delivered by a VOICE_SERVER_UPDATE.
type serverUpdate struct {
	endpoint string
	token    string
}

// SignalConn is the signalling session of one guild's voice connection.
// Create with [NewSignalConn]; all methods are safe for concurrent use.
type SignalConn struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	states    chan StateChange
	ownStates bool
	speak     chan speakRequest
	updated   chan struct{}

	mu      sync.RWMutex
	state   State
	session Session
	pending *serverUpdate
	ssrc    uint32
	media   MediaTransport
	hb      gateway.HeartbeatState
	err     error

	startOnce sync.Once
	openOnce  sync.Once
	closeOnce sync.Once
	opened    chan struct{}
	openErr   error
	done      chan struct{}
	finished  chan struct{}
}

// NewSignalConn returns an unopened connection for sess. Call
// [SignalConn.Open] to start it.
func NewSignalConn(cfg Config, sess Session) *SignalConn {
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &SignalConn{
		cfg:      cfg,
		log:      log.With("guild_id", sess.GuildID),
		metrics:  cfg.Metrics,
		states:   cfg.States,
		speak:    make(chan speakRequest),
		updated:  make(chan struct{}, 1),
		session:  sess,
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	if c.states == nil {
		c.states = make(chan StateChange, defaultStateBuffer)
		c.ownStates = true
	}
	return c
}

// States returns the lifecycle channel. Transitions are dropped with a
// warning if the consumer falls behind.
func (c *SignalConn) States() <-chan StateChange { return c.states }

// GuildID returns the guild this connection serves.
func (c *SignalConn) GuildID() string { return c.session.GuildID }

// State returns the current lifecycle state.
func (c *SignalConn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns a copy of the current session.
func (c *SignalConn) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SSRC returns the synchronisation source assigned by the server, or 0.
func (c *SignalConn) SSRC() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ssrc
}

// Heartbeat returns the latest heartbeat snapshot.
func (c *SignalConn) Heartbeat() gateway.HeartbeatState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hb
}

// Err returns the error that last moved the connection to Disconnected.
func (c *SignalConn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Done is closed once the connection is destroyed.
func (c *SignalConn) Done() <-chan struct{} { return c.finished }

// Open starts the connection and blocks until it first becomes Ready, parks
// in Disconnected, or ctx expires. On ctx expiry the connection keeps trying
// in the background; call [SignalConn.Disconnect] to stop it.
func (c *SignalConn) Open(ctx context.Context) error {
	c.startOnce.Do(func() { go c.run() })
	select {
	case <-c.opened:
		return c.openErr
	case <-ctx.Done():
		kind := errs.KindCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = errs.KindTimeout
		}
		return c.wrap(errs.New(kind, "voice.open", ctx.Err()))
	}
}

// Disconnect destroys the connection. It is safe from any state, idempotent,
// and waits at most a few seconds for the run loop to exit.
func (c *SignalConn) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })
	c.startOnce.Do(func() {
		c.setState(StateDestroyed, nil)
		c.settleOpen(c.wrap(errs.New(errs.KindCanceled, "voice.open", errDestroyed)))
		if c.ownStates {
			close(c.states)
		}
		close(c.finished)
	})
	select {
	case <-c.finished:
	case <-time.After(disconnectTimeout):
		c.log.Warn("voice: disconnect timed out waiting for run loop")
	}
}

// UpdateServer moves the connection to a new voice server. The current
// session is dropped and a fresh handshake runs against endpoint, also from
// Disconnected.
func (c *SignalConn) UpdateServer(endpoint, token string) {
	c.mu.Lock()
	c.pending = &serverUpdate{endpoint: endpoint, token: token}
	c.mu.Unlock()
	select {
	case c.updated <- struct{}{}:
	default:
	}
}

// SetSessionID records a new session id from a VOICE_STATE_UPDATE. It is
// used by the next fresh handshake.
func (c *SignalConn) SetSessionID(id string) {
	c.mu.Lock()
	c.session.SessionID = id
	c.mu.Unlock()
}

// SetSpeaking sends a speaking update. It waits, across resumes, until the
// connection is Ready or ctx expires.
func (c *SignalConn) SetSpeaking(ctx context.Context, on bool) error {
	req := speakRequest{on: on, done: make(chan error, 1)}
	select {
	case c.speak <- req:
	case <-ctx.Done():
		return c.wrap(errs.New(errs.KindCanceled, "voice.speaking", ctx.Err()))
	case <-c.finished:
		return c.wrap(errs.New(errs.KindCanceled, "voice.speaking", errDestroyed))
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return c.wrap(errs.New(errs.KindCanceled, "voice.speaking", ctx.Err()))
	}
}

// WriteOpus transmits one Opus frame. It fails fast unless Ready.
func (c *SignalConn) WriteOpus(frame []byte) error {
	c.mu.RLock()
	st, m := c.state, c.media
	c.mu.RUnlock()
	if st != StateReady || m == nil {
		return c.wrap(errs.New(errs.KindTransport, "voice.write", errNotReady))
	}
	return m.WriteOpus(frame)
}

// run is the only goroutine that touches the signalling transport.
func (c *SignalConn) run() {
	defer func() {
		c.closeMedia()
		c.setState(StateDestroyed, nil)
		c.settleOpen(c.wrap(errs.New(errs.KindCanceled, "voice.open", errDestroyed)))
		if c.ownStates {
			close(c.states)
		}
		close(c.finished)
	}()

	bo := newBackOff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	resume := false
	attempts := 0
	for {
		res := c.runOnce(resume)
		if c.stopping() {
			return
		}
		if res.migrate {
			resume = false
			attempts = 0
			bo.Reset()
			continue
		}
		if res.ready {
			attempts = 0
			bo.Reset()
		}

		err, retry := classify(res.err)
		if retry && attempts < c.cfg.MaxAttempts {
			attempts++
			mode := "identify"
			resume = c.canResume()
			if resume {
				mode = "resume"
				c.setState(StateResuming, err)
			} else {
				c.setState(StateDisconnected, err)
			}
			delay := bo.NextBackOff()
			c.log.Warn("voice: connection lost, retrying",
				"err", err,
				"mode", mode,
				"attempt", attempts,
				"delay", delay,
			)
			c.metrics.RecordReconnect(context.Background(), "voice", mode)

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-c.updated:
				t.Stop()
				c.applyUpdate()
				resume = false
				attempts = 0
				bo.Reset()
			case <-c.done:
				t.Stop()
				return
			}
			continue
		}

		if retry {
			err = c.wrap(errs.New(errs.KindTransport, "voice.reconnect",
				fmt.Errorf("gave up after %d attempts: %w", attempts, err)))
		}
		c.park(err)
		resume = false
		select {
		case <-c.done:
			return
		case <-c.updated:
			c.applyUpdate()
			attempts = 0
			bo.Reset()
		}
	}
}

// runResult describes how one signalling transport ended.
type runResult struct {
	ready   bool
	migrate bool
	err     error
}

// runOnce dials, handshakes and serves one signalling transport until it
// fails, the server changes or Disconnect is called.
func (c *SignalConn) runOnce(resume bool) (res runResult) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	sess := c.Session()
	if !resume {
		c.setState(StateConnecting, nil)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.HelloTimeout)
	conn, err := c.cfg.Dialer.Dial(dialCtx, c.dialURL(sess.Endpoint))
	dialCancel()
	if err != nil {
		res.err = c.wrap(errs.New(errs.KindTransport, "voice.dial", err))
		return res
	}
	defer func() {
		code := transport.CodeResume
		if c.stopping() || res.migrate {
			code = transport.CodeNormal
		}
		_ = conn.Close(code, "")
	}()

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	go c.readLoop(ctx, conn, frames, readErr)

	hello, err := c.awaitHello(ctx, frames, readErr)
	if err != nil {
		res.err = err
		return res
	}
	var hb gateway.Heartbeater
	hb.Reset(time.Duration(hello.HeartbeatInterval * float64(time.Millisecond)))

	if resume {
		c.log.Info("voice: resuming session", "session_id", sess.SessionID)
		err = c.write(ctx, conn, OpResume, Resume{
			ServerID:  sess.GuildID,
			SessionID: sess.SessionID,
			Token:     sess.Token,
		})
	} else {
		c.log.Info("voice: identifying", "endpoint", sess.Endpoint)
		err = c.write(ctx, conn, OpIdentify, Identify{
			ServerID:  sess.GuildID,
			UserID:    sess.UserID,
			SessionID: sess.SessionID,
			Token:     sess.Token,
		})
	}
	if err != nil {
		res.err = err
		return res
	}

	beat := time.NewTimer(hb.FirstDelay())
	defer beat.Stop()
	readyTimer := time.NewTimer(c.cfg.ReadyTimeout)
	defer readyTimer.Stop()

	// media is the transport negotiated by this handshake until it is
	// installed on SessionDescription.
	var media MediaTransport
	defer func() {
		if media != nil {
			_ = media.Close()
		}
	}()

	ready := false
	for {
		var speak chan speakRequest
		var readyDeadline <-chan time.Time
		if ready {
			speak = c.speak
		} else {
			readyDeadline = readyTimer.C
		}

		select {
		case <-ctx.Done():
			res.err = c.wrap(errs.New(errs.KindCanceled, "voice.run", ctx.Err()))
			return res

		case err := <-readErr:
			res.err = err
			return res

		case f := <-frames:
			switch f.Op {
			case OpReady:
				m, err := c.negotiate(ctx, conn, f)
				if err != nil {
					res.err = err
					return res
				}
				if media != nil {
					_ = media.Close()
				}
				media = m

			case OpSessionDescription:
				if media == nil {
					res.err = c.wrap(errs.New(errs.KindProtocol, "voice.session",
						errors.New("session description before ready")))
					return res
				}
				var desc SessionDescription
				if err := json.Unmarshal(f.D, &desc); err != nil {
					res.err = c.wrap(errs.New(errs.KindProtocol, "voice.session", err))
					return res
				}
				if err := media.SetSecret(desc.Mode, desc.SecretKey); err != nil {
					res.err = c.wrap(asError(err, errs.KindProtocol, "voice.session"))
					return res
				}
				c.installMedia(media)
				media = nil
				ready, res.ready = true, true
				c.becameReady(desc.Mode)

			case OpResumed:
				ready, res.ready = true, true
				c.becameReady("")

			case OpHeartbeatAck:
				latency := hb.Ack(time.Now())
				c.mu.Lock()
				c.hb = hb.State()
				c.mu.Unlock()
				c.metrics.HeartbeatLatency.Record(ctx, latency.Seconds(),
					metric.WithAttributes(observe.Attr("plane", "voice")),
				)

			default:
				c.log.Debug("voice: ignoring frame", "op", f.Op.String())
			}

		case <-beat.C:
			if !hb.Beat(time.Now()) {
				res.err = c.wrap(errs.New(errs.KindTransport, "voice.heartbeat", errMissedAck))
				return res
			}
			if err := c.write(ctx, conn, OpHeartbeat, time.Now().UnixMilli()); err != nil {
				res.err = err
				return res
			}
			beat.Reset(hb.Interval())

		case <-readyDeadline:
			res.err = c.wrap(errs.New(errs.KindTimeout, "voice.ready",
				fmt.Errorf("handshake not complete within %s", c.cfg.ReadyTimeout)))
			return res

		case req := <-speak:
			flag := 0
			if req.on {
				flag = speakingMicrophone
			}
			err := c.write(ctx, conn, OpSpeaking, Speaking{Speaking: flag, SSRC: c.SSRC()})
			req.done <- err
			if err != nil {
				res.err = err
				return res
			}

		case <-c.updated:
			c.applyUpdate()
			res.migrate = true
			return res
		}
	}
}

// negotiate handles Ready: it picks an encryption mode, runs IP discovery on
// a new media transport and selects the protocol.
func (c *SignalConn) negotiate(ctx context.Context, conn transport.Conn, f Frame) (MediaTransport, error) {
	var r Ready
	if err := json.Unmarshal(f.D, &r); err != nil {
		return nil, c.wrap(errs.New(errs.KindProtocol, "voice.ready", err))
	}
	mode, err := SelectMode(r.Modes)
	if err != nil {
		return nil, c.wrap(errs.New(errs.KindProtocol, "voice.ready", err))
	}
	c.mu.Lock()
	c.ssrc = r.SSRC
	c.mu.Unlock()

	media := c.cfg.NewMedia()
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryTimeout)
	ep, err := media.Discover(dctx, r.IP, r.Port, r.SSRC)
	cancel()
	if err != nil {
		_ = media.Close()
		return nil, c.wrap(asError(err, errs.KindTransport, "voice.discover"))
	}
	c.log.Debug("voice: discovered external address", "ip", ep.IP, "port", ep.Port, "mode", mode)

	if err := c.write(ctx, conn, OpSelectProtocol, SelectProtocol{
		Protocol: "udp",
		Data:     SelectProtocolData{Address: ep.IP, Port: ep.Port, Mode: mode},
	}); err != nil {
		_ = media.Close()
		return nil, err
	}
	return media, nil
}

func (c *SignalConn) readLoop(ctx context.Context, conn transport.Conn, frames chan<- Frame, readErr chan<- error) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			readErr <- err
			return
		}
		f, err := Decode(data)
		if err != nil {
			readErr <- c.wrap(asError(err, errs.KindProtocol, "voice.decode"))
			return
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (c *SignalConn) awaitHello(ctx context.Context, frames <-chan Frame, readErr <-chan error) (Hello, error) {
	t := time.NewTimer(c.cfg.HelloTimeout)
	defer t.Stop()
	select {
	case f := <-frames:
		if f.Op != OpHello {
			return Hello{}, c.wrap(errs.New(errs.KindProtocol, "voice.hello",
				fmt.Errorf("expected %s, got %s", OpHello, f.Op)))
		}
		var h Hello
		if err := json.Unmarshal(f.D, &h); err != nil || h.HeartbeatInterval <= 0 {
			return Hello{}, c.wrap(errs.New(errs.KindProtocol, "voice.hello",
				fmt.Errorf("bad hello payload %s", f.D)))
		}
		return h, nil
	case err := <-readErr:
		return Hello{}, err
	case <-t.C:
		return Hello{}, c.wrap(errs.New(errs.KindTimeout, "voice.hello",
			fmt.Errorf("no HELLO within %s", c.cfg.HelloTimeout)))
	case <-ctx.Done():
		return Hello{}, c.wrap(errs.New(errs.KindCanceled, "voice.hello", ctx.Err()))
	}
}

func (c *SignalConn) write(ctx context.Context, conn transport.Conn, op Opcode, payload any) error {
	data, err := Encode(op, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		return c.wrap(errs.New(errs.KindTransport, "voice.write", fmt.Errorf("%s: %w", op, err)))
	}
	return nil
}

func (c *SignalConn) dialURL(endpoint string) string {
	base := strings.TrimSuffix(endpoint, "/")
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}
	return base + "/?v=" + strconv.Itoa(c.cfg.Version)
}

func (c *SignalConn) becameReady(mode string) {
	c.setState(StateReady, nil)
	c.settleOpen(nil)
	if mode != "" {
		c.log.Info("voice: ready", "ssrc", c.SSRC(), "mode", mode)
	} else {
		c.log.Info("voice: resumed", "ssrc", c.SSRC())
	}
}

// canResume reports whether a previous handshake left a usable media path.
func (c *SignalConn) canResume() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.media != nil && c.ssrc != 0
}

func (c *SignalConn) installMedia(m MediaTransport) {
	c.mu.Lock()
	old := c.media
	c.media = m
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (c *SignalConn) closeMedia() {
	c.mu.Lock()
	m := c.media
	c.media = nil
	c.ssrc = 0
	c.mu.Unlock()
	if m != nil {
		_ = m.Close()
	}
}

// applyUpdate takes the pending server update into the session and drops
// the old media path.
func (c *SignalConn) applyUpdate() {
	c.mu.Lock()
	if u := c.pending; u != nil {
		c.session.Endpoint = u.endpoint
		c.session.Token = u.token
		c.pending = nil
	}
	endpoint := c.session.Endpoint
	c.mu.Unlock()
	c.closeMedia()
	c.log.Info("voice: moving to new server", "endpoint", endpoint)
}

// park records a loss that needs a fresh voice state cycle.
func (c *SignalConn) park(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.closeMedia()
	c.setState(StateDisconnected, err)
	c.settleOpen(err)
	c.metrics.RecordError(context.Background(), "voice", errs.KindOf(err).String())
	c.log.Error("voice: disconnected", "err", err)
}

func (c *SignalConn) settleOpen(err error) {
	c.openOnce.Do(func() {
		c.openErr = err
		close(c.opened)
	})
}

// setState records a transition and publishes it. Illegal transitions are
// logged and ignored.
func (c *SignalConn) setState(to State, cause error) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.log.Error("voice: illegal state transition", "from", from.String(), "to", to.String())
		return
	}
	c.state = to
	c.mu.Unlock()

	ctx := context.Background()
	if to == StateReady {
		c.metrics.ActiveVoiceConnections.Add(ctx, 1)
	} else if from == StateReady {
		c.metrics.ActiveVoiceConnections.Add(ctx, -1)
	}

	change := StateChange{GuildID: c.session.GuildID, From: from, To: to, At: time.Now(), Err: cause}
	select {
	case c.states <- change:
	default:
		c.log.Warn("voice: state channel full, dropping transition",
			"from", from.String(), "to", to.String())
	}
}

func (c *SignalConn) stopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// wrap annotates e with the guild and current state.
func (c *SignalConn) wrap(e *errs.Error) *errs.Error {
	return e.WithGuild(c.session.GuildID, c.State().String())
}

// asError returns err as an *errs.Error, wrapping it with kind if it carries
// none.
func asError(err error, kind errs.Kind, op string) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.New(kind, op, err)
}

// classify reports whether the loss described by err may be retried: a
// resume when a media path exists, a fresh handshake otherwise.
func classify(err error) (error, bool) {
	var ce *transport.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseServerCrashed, transport.CodeGoingAway, transport.CodeAbnormal, transport.CodeResume:
			return asError(err, errs.KindTransport, "voice.read"), true
		case CloseAuthenticationFailed:
			return asError(err, errs.KindAuth, "voice.read"), false
		}
		return asError(err, errs.KindProtocol, "voice.read"), false
	}
	switch errs.KindOf(err) {
	case 0:
		return errs.New(errs.KindTransport, "voice.read", err), true
	case errs.KindTransport, errs.KindTimeout:
		return err, true
	}
	return err, false
}

func newBackOff(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
