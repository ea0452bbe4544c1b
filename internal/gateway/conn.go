// Package gateway maintains one authenticated streaming session with the
// platform gateway: it performs the Hello/Identify/Resume handshake, keeps the
// session alive with heartbeats, reconnects with backoff on transport loss and
// delivers dispatches to the application in order.
//
// A [Conn] is driven by a single run goroutine. All protocol state (session,
// heartbeat, outbound writes) is owned by that goroutine, so there is never
// more than one reconnection in flight and outbound frames keep call order.
// The application observes the connection through two typed channels:
// [Conn.Events] for dispatches and [Conn.States] for lifecycle transitions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/MrWong99/voxgate/pkg/transport"
	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultURL        = "wss://gateway.discord.gg"
	DefaultAPIVersion = 10

	defaultHelloTimeout      = 20 * time.Second
	defaultReadyTimeout      = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultInitialBackoff    = time.Second
	defaultMaxBackoff        = 60 * time.Second
	defaultStableHeartbeats  = 3
	defaultRateLimitDelay    = 5 * time.Second
	defaultInvalidSessionMax = 5 * time.Second
	defaultEventBuffer       = 256
	defaultStateBuffer       = 32
	disconnectTimeout        = 5 * time.Second

	// The gateway allows 120 outbound frames per 60s. Intents get 110 of
	// them; the rest is left for heartbeats.
	intentBurst  = 110
	intentWindow = 60 * time.Second
)

// errDestroyed is the cause attached to operations on a destroyed Conn.
var errDestroyed = errors.New("connection destroyed")

// Config configures a [Conn].
type Config struct {
	// Token is the bot token sent in Identify and Resume. Required.
	Token string

	// Intents is the gateway intent bitmask.
	Intents discordgo.Intent

	// ShardID and ShardCount identify the partition. ShardCount defaults to 1.
	ShardID    int
	ShardCount int

	// URL is the gateway base URL. Defaults to [DefaultURL].
	URL string

	// APIVersion is appended as ?v=. Defaults to [DefaultAPIVersion].
	APIVersion int

	// Dialer opens the transport. Defaults to a [transport.WebSocketDialer].
	Dialer transport.Dialer

	// Properties is sent in Identify.
	Properties IdentifyProperties

	// Presence is the initial presence sent in Identify. May be nil.
	Presence *discordgo.UpdateStatusData

	// IdentifyGate, when set, is called before dialing for every Identify
	// (not Resume) and must block until this shard may identify. The shard
	// coordinator uses it to stagger identifies across shards.
	IdentifyGate func(ctx context.Context) error

	// HelloTimeout bounds dialing plus the wait for Hello. Default 20s.
	HelloTimeout time.Duration

	// ReadyTimeout bounds the wait for READY or RESUMED. Default 30s.
	ReadyTimeout time.Duration

	// WriteTimeout bounds a single outbound write. Default 5s.
	WriteTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the reconnect schedule.
	// Defaults 1s and 60s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// StableHeartbeats is the number of heartbeat intervals a session must
	// stay Ready before the backoff resets. Default 3.
	StableHeartbeats int

	// MaxReconnectAttempts caps consecutive failed attempts. 0 is unlimited.
	MaxReconnectAttempts int

	// RateLimitDelay is the wait after close 4008 when the server gives no
	// delay. Default 5s.
	RateLimitDelay time.Duration

	// InvalidSessionDelay bounds the random wait after Invalid Session.
	// Default 5s.
	InvalidSessionDelay time.Duration

	// Events and States, when non-nil, replace the Conn's own notification
	// channels. They are never closed by the Conn, which lets one consumer
	// fan in many shards.
	Events chan Event
	States chan StateChange

	// Metrics records gateway instruments. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default] with a shard attribute.
	Logger *slog.Logger
}

// intent is one outbound frame queued by the application.
type intent struct {
	op   Opcode
	data []byte
	done chan error
}

// Conn is one gateway session. Create with [New]; all methods are safe for
// concurrent use.
type Conn struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	limiter *rate.Limiter
	policy  retryPolicy

	events    chan Event
	states    chan StateChange
	ownEvents bool
	ownStates bool

	intents chan intent

	mu      sync.RWMutex
	state   State
	session Session
	hb      HeartbeatState
	err     error

	startOnce  sync.Once
	readyOnce  sync.Once
	closeOnce  sync.Once
	firstReady chan struct{}
	done       chan struct{}
	finished   chan struct{}
}

// New returns an unconnected Conn. Call [Conn.Connect] to start it.
func New(cfg Config) *Conn {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.APIVersion == 0 {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.WebSocketDialer{}
	}
	if cfg.Properties == (IdentifyProperties{}) {
		cfg.Properties = IdentifyProperties{OS: "linux", Browser: "voxgate", Device: "voxgate"}
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
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.StableHeartbeats <= 0 {
		cfg.StableHeartbeats = defaultStableHeartbeats
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = defaultRateLimitDelay
	}
	if cfg.InvalidSessionDelay <= 0 {
		cfg.InvalidSessionDelay = defaultInvalidSessionMax
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Conn{
		cfg:     cfg,
		log:     log.With("shard", cfg.ShardID),
		metrics: cfg.Metrics,
		limiter: rate.NewLimiter(rate.Every(intentWindow/intentBurst), intentBurst),
		policy: retryPolicy{
			rateLimitDelay:    cfg.RateLimitDelay,
			invalidSessionMax: cfg.InvalidSessionDelay,
		},
		events:     cfg.Events,
		states:     cfg.States,
		intents:    make(chan intent),
		session:    Session{ShardID: cfg.ShardID, ShardCount: cfg.ShardCount},
		firstReady: make(chan struct{}),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	if c.events == nil {
		c.events = make(chan Event, defaultEventBuffer)
		c.ownEvents = true
	}
	if c.states == nil {
		c.states = make(chan StateChange, defaultStateBuffer)
		c.ownStates = true
	}
	return c
}

// Events returns the dispatch channel. Dispatches arrive in receive order and
// are never dropped, so the consumer must keep draining it; a stalled
// consumer stalls the connection. The channel is closed once the Conn is
// destroyed unless it was supplied through [Config.Events].
func (c *Conn) Events() <-chan Event { return c.events }

// States returns the lifecycle channel. Transitions are dropped with a
// warning if the consumer falls behind. Closed like [Conn.Events].
func (c *Conn) States() <-chan StateChange { return c.states }

// ShardID returns the shard this connection serves.
func (c *Conn) ShardID() int { return c.cfg.ShardID }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns a copy of the current session.
func (c *Conn) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Heartbeat returns the latest heartbeat snapshot.
func (c *Conn) Heartbeat() HeartbeatState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hb
}

// Err returns the error that destroyed the connection, or nil while it is
// alive or after a clean [Conn.Disconnect].
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Done is closed once the connection is destroyed and its run goroutine has
// exited.
func (c *Conn) Done() <-chan struct{} { return c.finished }

// Connect starts the connection and blocks until the first Ready, a fatal
// error, or ctx expiry. If ctx expires the connection keeps trying in the
// background; call [Conn.Disconnect] to stop it. Calling Connect again
// waits for the same outcome.
func (c *Conn) Connect(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "gateway.connect",
		trace.WithAttributes(attribute.Int("shard", c.cfg.ShardID)),
	)
	defer span.End()

	c.startOnce.Do(func() { go c.run() })

	select {
	case <-c.firstReady:
		return nil
	case <-c.finished:
		err := c.Err()
		if err == nil {
			err = c.wrap(errs.New(errs.KindCanceled, "gateway.connect", errDestroyed))
		}
		observe.SpanError(span, err)
		return err
	case <-ctx.Done():
		kind := errs.KindCanceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = errs.KindTimeout
		}
		err := c.wrap(errs.New(kind, "gateway.connect", ctx.Err()))
		observe.SpanError(span, err)
		return err
	}
}

// Disconnect destroys the connection. It is safe from any state, idempotent,
// and waits at most a few seconds for the transport to close. Pending
// Connect and SendIntent calls return [errs.ErrCanceled].
func (c *Conn) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })
	// A Conn that was never started has no run goroutine to finish it.
	c.startOnce.Do(func() {
		c.setState(StateDestroyed, nil)
		c.closeChannels()
		close(c.finished)
	})
	select {
	case <-c.finished:
	case <-time.After(disconnectTimeout):
		c.log.Warn("gateway: disconnect timed out waiting for run loop")
	}
}

// SendIntent queues an outbound frame. Frames are written by the run loop in
// call order, only while Ready, and paced under the gateway's outbound rate
// limit. If the connection is not Ready the intent waits, across reconnects,
// until ctx expires.
func (c *Conn) SendIntent(ctx context.Context, op Opcode, payload any) error {
	data, err := Encode(op, payload)
	if err != nil {
		return err
	}
	in := intent{op: op, data: data, done: make(chan error, 1)}
	select {
	case c.intents <- in:
	case <-ctx.Done():
		return c.wrap(errs.New(errs.KindCanceled, "gateway.intent", ctx.Err()))
	case <-c.finished:
		return c.wrap(errs.New(errs.KindCanceled, "gateway.intent", errDestroyed))
	}
	select {
	case err := <-in.done:
		return err
	case <-ctx.Done():
		return c.wrap(errs.New(errs.KindCanceled, "gateway.intent", ctx.Err()))
	}
}

// UpdateVoiceState sends a voice state intent. A nil channelID leaves the
// guild's voice channel.
func (c *Conn) UpdateVoiceState(ctx context.Context, guildID string, channelID *string, mute, deaf bool) error {
	return c.SendIntent(ctx, OpVoiceStateUpdate, VoiceStateUpdate{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  mute,
		SelfDeaf:  deaf,
	})
}

// UpdatePresence sends a presence intent.
func (c *Conn) UpdatePresence(ctx context.Context, presence discordgo.UpdateStatusData) error {
	return c.SendIntent(ctx, OpPresenceUpdate, presence)
}

// run is the connection's only goroutine that touches the transport.
func (c *Conn) run() {
	defer func() {
		c.setState(StateDestroyed, c.Err())
		c.closeChannels()
		close(c.finished)
	}()

	bo := newBackOff(c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	attempts := 0
	for {
		res := c.runOnce()
		if c.stopping() {
			return
		}

		d := classify(res.err, c.policy)
		c.setState(StateDisconnected, d.err)

		if d.action == actionFatal {
			c.fail(d.err)
			return
		}
		if d.action == actionReidentify {
			c.mu.Lock()
			c.session.reset()
			c.mu.Unlock()
		}

		if !res.readyAt.IsZero() && time.Since(res.readyAt) >= res.interval*time.Duration(c.cfg.StableHeartbeats) {
			bo.Reset()
			attempts = 0
		}
		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts > c.cfg.MaxReconnectAttempts {
			c.fail(errs.New(errs.KindTransport, "gateway.reconnect",
				fmt.Errorf("gave up after %d attempts: %w", attempts-1, d.err)))
			return
		}

		delay := bo.NextBackOff()
		if d.retryAfter > delay {
			delay = d.retryAfter
		}
		mode := actionReidentify
		if c.Session().Resumable() {
			mode = actionResume
		}
		c.log.Warn("gateway: connection lost, reconnecting",
			"err", d.err,
			"mode", mode.String(),
			"attempt", attempts,
			"delay", delay,
		)
		c.metrics.RecordReconnect(context.Background(), "gateway", mode.String())
		c.setState(StateReconnecting, nil)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			return
		}
	}
}

// connResult describes how one transport lifetime ended.
type connResult struct {
	readyAt  time.Time
	interval time.Duration
	err      error
}

// runOnce dials, handshakes and serves one transport until it fails. The
// returned error is never nil unless Disconnect was called.
func (c *Conn) runOnce() (res connResult) {
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
	resume := sess.Resumable()
	c.setState(StateConnecting, nil)

	// Wait for the identify slot before dialing: a socket must not sit
	// open without heartbeats while the shard waits its turn.
	if !resume && c.cfg.IdentifyGate != nil {
		if err := c.cfg.IdentifyGate(ctx); err != nil {
			res.err = c.wrap(errs.New(errs.KindCanceled, "gateway.identify", err))
			return res
		}
	}

	base := c.cfg.URL
	if resume && sess.ResumeURL != "" {
		base = sess.ResumeURL
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.HelloTimeout)
	conn, err := c.cfg.Dialer.Dial(dialCtx, c.dialURL(base))
	dialCancel()
	if err != nil {
		res.err = c.wrap(errs.New(errs.KindTransport, "gateway.dial", err))
		return res
	}
	defer func() {
		code := transport.CodeResume
		if c.stopping() {
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
	var hb Heartbeater
	hb.Reset(time.Duration(hello.HeartbeatInterval) * time.Millisecond)
	res.interval = hb.Interval()
	beat := time.NewTimer(hb.FirstDelay())
	defer beat.Stop()

	if err := c.handshake(ctx, conn, sess, resume); err != nil {
		res.err = err
		return res
	}

	readyTimer := time.NewTimer(c.cfg.ReadyTimeout)
	defer readyTimer.Stop()

	ready := false
	for {
		var intents chan intent
		var readyDeadline <-chan time.Time
		if ready {
			intents = c.intents
		} else {
			readyDeadline = readyTimer.C
		}

		select {
		case <-ctx.Done():
			res.err = c.wrap(errs.New(errs.KindCanceled, "gateway.run", ctx.Err()))
			return res

		case err := <-readErr:
			res.err = err
			return res

		case f := <-frames:
			becameReady, err := c.handle(ctx, conn, &hb, f)
			if err != nil {
				res.err = err
				return res
			}
			if becameReady && !ready {
				ready = true
				res.readyAt = time.Now()
			}

		case <-beat.C:
			if !hb.Beat(time.Now()) {
				res.err = c.wrap(errs.New(errs.KindTransport, "gateway.heartbeat", errMissedAck))
				return res
			}
			if err := c.write(ctx, conn, OpHeartbeat, c.heartbeatPayload()); err != nil {
				res.err = err
				return res
			}
			beat.Reset(hb.Interval())

		case <-readyDeadline:
			res.err = c.wrap(errs.New(errs.KindTimeout, "gateway.ready",
				fmt.Errorf("no READY within %s", c.cfg.ReadyTimeout)))
			return res

		case in := <-intents:
			err := c.writeIntent(ctx, conn, in)
			in.done <- err
			if err != nil {
				res.err = err
				return res
			}
		}
	}
}

// readLoop decodes inbound frames until the transport fails.
func (c *Conn) readLoop(ctx context.Context, conn transport.Conn, frames chan<- Frame, readErr chan<- error) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			readErr <- err
			return
		}
		f, err := Decode(data)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) awaitHello(ctx context.Context, frames <-chan Frame, readErr <-chan error) (Hello, error) {
	t := time.NewTimer(c.cfg.HelloTimeout)
	defer t.Stop()
	select {
	case f := <-frames:
		if f.Op != OpHello {
			return Hello{}, c.wrap(errs.New(errs.KindProtocol, "gateway.hello",
				fmt.Errorf("expected %s, got %s", OpHello, f.Op)))
		}
		var h Hello
		if err := json.Unmarshal(f.D, &h); err != nil || h.HeartbeatInterval <= 0 {
			return Hello{}, c.wrap(errs.New(errs.KindProtocol, "gateway.hello",
				fmt.Errorf("bad hello payload %s", f.D)))
		}
		return h, nil
	case err := <-readErr:
		return Hello{}, err
	case <-t.C:
		return Hello{}, c.wrap(errs.New(errs.KindTimeout, "gateway.hello",
			fmt.Errorf("no HELLO within %s", c.cfg.HelloTimeout)))
	case <-ctx.Done():
		return Hello{}, c.wrap(errs.New(errs.KindCanceled, "gateway.hello", ctx.Err()))
	}
}

// handshake sends Resume for a resumable session and Identify otherwise.
func (c *Conn) handshake(ctx context.Context, conn transport.Conn, sess Session, resume bool) error {
	if resume {
		c.setState(StateResuming, nil)
		c.log.Info("gateway: resuming session", "session_id", sess.ID, "seq", sess.Sequence)
		return c.write(ctx, conn, OpResume, Resume{
			Token:     c.cfg.Token,
			SessionID: sess.ID,
			Sequence:  sess.Sequence,
		})
	}

	ctx, span := observe.StartSpan(ctx, "gateway.identify",
		trace.WithAttributes(attribute.Int("shard", c.cfg.ShardID)),
	)
	defer span.End()

	c.setState(StateIdentifying, nil)
	c.log.Info("gateway: identifying", "shard_count", c.cfg.ShardCount)
	return c.write(ctx, conn, OpIdentify, Identify{
		Token:          c.cfg.Token,
		Properties:     c.cfg.Properties,
		LargeThreshold: 250,
		Shard:          [2]int{c.cfg.ShardID, c.cfg.ShardCount},
		Presence:       c.cfg.Presence,
		Intents:        c.cfg.Intents,
	})
}

// handle processes one inbound frame. It reports whether the frame moved the
// connection to Ready.
func (c *Conn) handle(ctx context.Context, conn transport.Conn, hb *Heartbeater, f Frame) (bool, error) {
	switch f.Op {
	case OpDispatch:
		return c.dispatch(ctx, f)

	case OpHeartbeat:
		return false, c.write(ctx, conn, OpHeartbeat, c.heartbeatPayload())

	case OpHeartbeatAck:
		latency := hb.Ack(time.Now())
		c.mu.Lock()
		c.hb = hb.State()
		c.mu.Unlock()
		c.metrics.HeartbeatLatency.Record(ctx, latency.Seconds(),
			metric.WithAttributes(observe.Attr("plane", "gateway"), observe.ShardAttr(c.cfg.ShardID)),
		)
		return false, nil

	case OpReconnect:
		return false, c.wrap(errs.New(errs.KindTransport, "gateway.reconnect", errReconnectRequested))

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(f.D, &resumable)
		c.log.Warn("gateway: invalid session", "resumable", resumable)
		return false, c.wrap(errs.New(errs.KindProtocol, "gateway.session", &invalidSessionError{resumable: resumable}))

	case OpHello:
		return false, nil

	default:
		c.log.Debug("gateway: ignoring frame", "op", f.Op.String())
		return false, nil
	}
}

// dispatch applies sequence checks and delivers one dispatch to the
// application.
func (c *Conn) dispatch(ctx context.Context, f Frame) (bool, error) {
	c.mu.Lock()
	switch c.session.check(f.S) {
	case seqDuplicate:
		last := c.session.Sequence
		c.mu.Unlock()
		c.log.Debug("gateway: skipping replayed dispatch", "seq", f.S, "last", last, "type", f.T)
		return false, nil
	case seqGap:
		last := c.session.Sequence
		c.mu.Unlock()
		return false, c.wrap(errs.New(errs.KindTransport, "gateway.dispatch",
			fmt.Errorf("%w: got %d after %d", errSequenceGap, f.S, last)))
	}
	if f.S > 0 {
		c.session.Sequence = f.S
	}

	ready := false
	switch f.T {
	case EventReady:
		var r readyPayload
		if err := json.Unmarshal(f.D, &r); err != nil {
			c.mu.Unlock()
			return false, c.wrap(errs.New(errs.KindProtocol, "gateway.ready", err))
		}
		c.session.ID = r.SessionID
		c.session.ResumeURL = r.ResumeGatewayURL
		if r.User != nil {
			c.session.UserID = r.User.ID
		}
		ready = true
	case EventResumed:
		ready = true
	}
	c.mu.Unlock()

	if ready {
		c.setState(StateReady, nil)
		c.readyOnce.Do(func() { close(c.firstReady) })
		c.log.Info("gateway: ready", "event", f.T)
	}

	c.metrics.RecordDispatch(ctx, c.cfg.ShardID, f.T)
	ev := Event{ShardID: c.cfg.ShardID, Type: f.T, Seq: f.S, Data: f.D}
	select {
	case c.events <- ev:
		return ready, nil
	case <-ctx.Done():
		return ready, c.wrap(errs.New(errs.KindCanceled, "gateway.dispatch", ctx.Err()))
	}
}

func (c *Conn) writeIntent(ctx context.Context, conn transport.Conn, in intent) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.wrap(errs.New(errs.KindCanceled, "gateway.intent", err))
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, in.data); err != nil {
		return c.wrap(errs.New(errs.KindTransport, "gateway.intent", err))
	}
	c.log.Debug("gateway: intent sent", "op", in.op.String())
	return nil
}

func (c *Conn) write(ctx context.Context, conn transport.Conn, op Opcode, payload any) error {
	data, err := Encode(op, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		return c.wrap(errs.New(errs.KindTransport, "gateway.write", fmt.Errorf("%s: %w", op, err)))
	}
	return nil
}

// heartbeatPayload is the last sequence, or null before the first dispatch.
func (c *Conn) heartbeatPayload() any {
	seq := c.Session().Sequence
	if seq == 0 {
		return nil
	}
	return seq
}

func (c *Conn) dialURL(base string) string {
	return base + "/?v=" + strconv.Itoa(c.cfg.APIVersion) + "&encoding=json"
}

// setState records a transition and publishes it. Illegal transitions are
// logged and ignored.
func (c *Conn) setState(to State, cause error) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.log.Error("gateway: illegal state transition", "from", from.String(), "to", to.String())
		return
	}
	c.state = to
	c.mu.Unlock()

	ctx := context.Background()
	if to == StateReady {
		c.metrics.ShardsReady.Add(ctx, 1)
	} else if from == StateReady {
		c.metrics.ShardsReady.Add(ctx, -1)
	}

	change := StateChange{ShardID: c.cfg.ShardID, From: from, To: to, At: time.Now(), Err: cause}
	select {
	case c.states <- change:
	default:
		c.log.Warn("gateway: state channel full, dropping transition",
			"from", from.String(), "to", to.String())
	}
}

// fail records a terminal error.
func (c *Conn) fail(err error) {
	var e *errs.Error
	if errors.As(err, &e) && e.ShardID < 0 {
		err = c.wrap(e)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.metrics.RecordError(context.Background(), "gateway", errs.KindOf(err).String())
	c.log.Error("gateway: connection destroyed", "err", err)
}

func (c *Conn) closeChannels() {
	if c.ownEvents {
		close(c.events)
	}
	if c.ownStates {
		close(c.states)
	}
}

func (c *Conn) stopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// wrap annotates e with the shard and current state.
func (c *Conn) wrap(e *errs.Error) *errs.Error {
	return e.WithShard(c.cfg.ShardID, c.State().String())
}
