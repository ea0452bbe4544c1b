package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/player"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	sendBuffer      = 3
	speakingIdle    = 10 * audio.FrameDuration
	speakingTimeout = time.Second
)

// ServerResolver obtains both halves of a voice session, typically by
// requesting a voice state update through the gateway and waiting for the
// resulting events.
type ServerResolver interface {
	ResolveSession(ctx context.Context, guildID, channelID string) (Session, error)
}

// Compile-time interface assertion.
var _ player.Subscriber = (*Connection)(nil)

// Connection is one guild's voice connection. It is a [player.Subscriber]:
// frames handed to it by the subscribed player are queued to a sender
// goroutine and transmitted while the signalling session is Ready.
type Connection struct {
	id      uuid.UUID
	signal  *SignalConn
	log     *slog.Logger
	metrics *observe.Metrics

	frames chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	sent   chan struct{}

	// subMu serializes Subscribe and Unsubscribe including the player
	// calls, so the connection is attached to at most one player.
	subMu sync.Mutex

	mu        sync.Mutex
	channelID string
	player    *player.Player
}

// Join resolves a voice session for channelID and opens it. It returns once
// the connection is Ready or fails with the cause, bounded by
// cfg.JoinTimeout when ctx has no earlier deadline.
func Join(ctx context.Context, cfg Config, guildID, channelID string, resolver ServerResolver) (*Connection, error) {
	return join(ctx, cfg, guildID, channelID, resolver, nil)
}

// join is [Join] with a hook that receives the connection before its
// handshake starts. An error from attach aborts the join.
func join(ctx context.Context, cfg Config, guildID, channelID string, resolver ServerResolver, attach func(*Connection) error) (*Connection, error) {
	cfg = cfg.withDefaults()
	id := uuid.New()
	ctx, span := observe.StartSpan(ctx, "voice.join",
		trace.WithAttributes(
			attribute.String("guild_id", guildID),
			attribute.String("join_id", id.String()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()

	start := time.Now()
	sess, err := resolver.ResolveSession(ctx, guildID, channelID)
	if err != nil {
		observe.SpanError(span, err)
		observe.Logger(ctx).Warn("voice: join failed",
			"guild_id", guildID, "channel_id", channelID, "join_id", id.String(), "err", err)
		return nil, err
	}
	sess.GuildID = guildID
	sess.ChannelID = channelID

	sc := NewSignalConn(cfg, sess)
	c := newConnection(id, sc, channelID)
	if attach != nil {
		if err := attach(c); err != nil {
			c.Disconnect()
			observe.SpanError(span, err)
			return nil, err
		}
	}
	if err := sc.Open(ctx); err != nil {
		c.Disconnect()
		observe.SpanError(span, err)
		return nil, err
	}
	cfg.Metrics.VoiceJoinDuration.Record(ctx, time.Since(start).Seconds())

	c.log.Info("voice: joined", "channel_id", channelID, "elapsed", time.Since(start))
	return c, nil
}

func newConnection(id uuid.UUID, sc *SignalConn, channelID string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		signal:    sc,
		log:       sc.log.With("join_id", id.String()),
		metrics:   sc.metrics,
		frames:    make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		sent:      make(chan struct{}),
		channelID: channelID,
	}
	go c.send()
	return c
}

// ID identifies this join.
func (c *Connection) ID() uuid.UUID { return c.id }

// GuildID returns the guild this connection serves.
func (c *Connection) GuildID() string { return c.signal.GuildID() }

// ChannelID returns the voice channel last reported for the bot.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

func (c *Connection) setChannel(id string) {
	c.mu.Lock()
	c.channelID = id
	c.mu.Unlock()
}

// State returns the signalling state.
func (c *Connection) State() State { return c.signal.State() }

// States returns the signalling state channel.
func (c *Connection) States() <-chan StateChange { return c.signal.States() }

// Signal returns the underlying signalling session.
func (c *Connection) Signal() *SignalConn { return c.signal }

// Done is closed once the connection is destroyed.
func (c *Connection) Done() <-chan struct{} { return c.signal.Done() }

// Ready implements [player.Subscriber].
func (c *Connection) Ready() bool { return c.signal.State() == StateReady }

// WriteFrame implements [player.Subscriber]. It never blocks.
func (c *Connection) WriteFrame(frame []byte) bool {
	if !c.Ready() {
		return false
	}
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

// Subscribe attaches the connection to p, detaching it from any previous
// player first. The subscription survives reconnects; frames resume once
// the connection is Ready again.
func (c *Connection) Subscribe(p *player.Player) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.mu.Lock()
	old := c.player
	c.player = p
	c.mu.Unlock()
	if old == p {
		return
	}
	if old != nil {
		old.RemoveSubscriber(c)
	}
	if p != nil {
		p.AddSubscriber(c)
	}
}

// Unsubscribe detaches the connection from its player. It returns false if
// there was none.
func (c *Connection) Unsubscribe() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.mu.Lock()
	old := c.player
	c.player = nil
	c.mu.Unlock()
	if old == nil {
		return false
	}
	old.RemoveSubscriber(c)
	return true
}

// Player returns the subscribed player, or nil.
func (c *Connection) Player() *player.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player
}

// Disconnect unsubscribes and destroys the connection. It is idempotent.
func (c *Connection) Disconnect() {
	c.Unsubscribe()
	c.cancel()
	<-c.sent
	c.signal.Disconnect()
}

// send transmits queued frames and toggles the speaking indicator around
// bursts of audio.
func (c *Connection) send() {
	defer close(c.sent)

	idle := time.NewTimer(speakingIdle)
	idle.Stop()
	defer idle.Stop()

	speaking := false
	for {
		select {
		case <-c.ctx.Done():
			return

		case frame := <-c.frames:
			if !speaking {
				speaking = c.setSpeaking(true)
			}
			if err := c.signal.WriteOpus(frame); err != nil {
				c.metrics.RecordFrameDropped(c.ctx, "send_error")
				c.log.Debug("voice: frame not sent", "err", err)
			}
			idle.Reset(speakingIdle)

		case <-idle.C:
			if speaking {
				speaking = !c.setSpeaking(false)
			}
		}
	}
}

// setSpeaking reports whether the update was sent.
func (c *Connection) setSpeaking(on bool) bool {
	ctx, cancel := context.WithTimeout(c.ctx, speakingTimeout)
	defer cancel()
	if err := c.signal.SetSpeaking(ctx, on); err != nil {
		c.log.Debug("voice: speaking update failed", "speaking", on, "err", err)
		return false
	}
	return true
}
