// Package player paces encoded audio frames to voice connections.
//
// A [Player] owns at most one [audio.Resource] at a time. A frame pump ticks
// once per frame duration; each tick reads exactly one frame and hands it to
// every ready [Subscriber]. Subscribers that are not ready miss that frame.
// Nothing is buffered on their behalf.
//
// Play, Pause, Unpause and Stop serialize with the pump through one mutex,
// so a call made mid-tick takes effect at the next tick boundary.
package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/errs"
)

const (
	// DefaultSilencePadding is the number of silence frames sent after
	// playback stops so receivers do not interpolate the last frame.
	DefaultSilencePadding = 5

	defaultNotifyBuffer = 32
)

var errClosed = errors.New("player closed")

// Subscriber receives frames from a player. Ready reports whether frames
// can currently be transmitted. WriteFrame must not block; it returns false
// if the frame was dropped.
type Subscriber interface {
	Ready() bool
	WriteFrame(frame []byte) bool
}

// Option configures a [Player] during construction.
type Option func(*Player)

// WithGuild tags notifications, errors and logs with guildID.
func WithGuild(guildID string) Option {
	return func(p *Player) { p.guildID = guildID }
}

// WithFrameDuration sets the pump period. Defaults to [audio.FrameDuration].
func WithFrameDuration(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithNoSubscriberBehavior sets what happens while nobody is ready.
func WithNoSubscriberBehavior(b NoSubscriberBehavior) Option {
	return func(p *Player) { p.behavior = b }
}

// WithSilencePadding sets the number of silence frames sent after leaving
// Playing. Zero disables padding.
func WithSilencePadding(frames int) Option {
	return func(p *Player) { p.padding = max(frames, 0) }
}

// WithNotifyBuffer sets the capacity of the StateChanges and Errors
// channels.
func WithNotifyBuffer(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.notifyBuf = n
		}
	}
}

// WithMetrics records frame and transition metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.log = l }
}

// Player is a single-resource audio player. All exported methods are safe
// for concurrent use.
type Player struct {
	guildID   string
	period    time.Duration
	behavior  NoSubscriberBehavior
	padding   int
	notifyBuf int
	metrics   *observe.Metrics
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	res         *audio.Resource
	pending     []byte // first frame read while buffering, not yet sent
	subs        []Subscriber
	silenceLeft int
	closed      bool

	stateCh chan StateChange
	errCh   chan error

	done     chan struct{}
	pumpDone chan struct{}
}

// New creates a Player and starts its frame pump. Call [Player.Close] to
// stop it.
func New(opts ...Option) *Player {
	p := newPlayer(opts...)
	p.pumpDone = make(chan struct{})
	go p.pump()
	return p
}

// newPlayer builds a player without a pump; tests drive it through tick.
func newPlayer(opts ...Option) *Player {
	p := &Player{
		period:    audio.FrameDuration,
		padding:   DefaultSilencePadding,
		notifyBuf: defaultNotifyBuffer,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.guildID != "" {
		p.log = p.log.With("guild_id", p.guildID)
	}
	p.stateCh = make(chan StateChange, p.notifyBuf)
	p.errCh = make(chan error, p.notifyBuf)
	p.metrics.ActivePlayers.Add(context.Background(), 1)
	return p
}

// GuildID returns the guild the player was created for.
func (p *Player) GuildID() string { return p.guildID }

// StateChanges delivers every transition in order. When the buffer is full
// the oldest unread change is dropped. Closed by [Player.Close].
func (p *Player) StateChanges() <-chan StateChange { return p.stateCh }

// Errors delivers resource failures. Each is an [*errs.Error] of kind
// [errs.KindResource] carrying the guild and last state. Closed by
// [Player.Close].
func (p *Player) Errors() <-chan error { return p.errCh }

// State returns the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Resource returns the loaded resource, or nil when idle.
func (p *Player) Resource() *audio.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res
}

// Play replaces any current resource with res. The previous resource is
// closed without being drained. The player enters Buffering and moves to
// Playing once the first frame has been read.
func (p *Player) Play(res *audio.Resource) error {
	if res == nil {
		return errs.New(errs.KindResource, "player.play", errors.New("nil resource"))
	}
	if res.Ended() {
		return errs.New(errs.KindResource, "player.play", errors.New("resource already consumed")).
			WithGuild(p.guildID, p.State().String())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.New(errs.KindCanceled, "player.play", errClosed).WithGuild(p.guildID, p.state.String())
	}
	p.discardLocked()
	p.res = res
	p.setStateLocked(StateBuffering)
	p.silenceLeft = 0
	p.log.Debug("player: loaded resource", "title", res.Metadata.Title)
	return nil
}

// Pause pauses playback. It reports false unless the player was Playing or
// AutoPaused.
func (p *Player) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StatePlaying, StateAutoPaused:
		p.setStateLocked(StatePaused)
		return true
	}
	return false
}

// Unpause resumes an explicitly paused player. It reports false unless the
// player was Paused.
func (p *Player) Unpause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return false
	}
	p.setStateLocked(StatePlaying)
	return true
}

// Stop discards the current resource and returns to Idle. It reports false
// if the player was already Idle.
func (p *Player) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateIdle {
		return false
	}
	res := p.res
	p.discardLocked()
	p.setStateWithLocked(StateIdle, res)
	return true
}

// AddSubscriber attaches s. Adding the same subscriber twice is a no-op.
func (p *Player) AddSubscriber(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slices.Contains(p.subs, s) {
		return
	}
	p.subs = append(p.subs, s)
}

// RemoveSubscriber detaches s and reports whether it was attached.
func (p *Player) RemoveSubscriber(s Subscriber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.Index(p.subs, s)
	if i < 0 {
		return false
	}
	p.subs = slices.Delete(p.subs, i, i+1)
	return true
}

// Subscribers returns a snapshot of the attached subscribers.
func (p *Player) Subscribers() []Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.subs)
}

// Close stops the pump, discards the resource and closes the notification
// channels. Close is idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if p.state != StateIdle {
		res := p.res
		p.discardLocked()
		p.setStateWithLocked(StateIdle, res)
	}
	p.closed = true
	p.subs = nil
	p.mu.Unlock()

	close(p.done)
	if p.pumpDone != nil {
		<-p.pumpDone
	}
	close(p.stateCh)
	close(p.errCh)
	p.metrics.ActivePlayers.Add(context.Background(), -1)
	return nil
}

func (p *Player) pump() {
	defer close(p.pumpDone)
	t := time.NewTicker(p.period)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			p.tick()
		}
	}
}

// tick advances playback by one frame.
func (p *Player) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	switch p.state {
	case StateIdle, StatePaused:
		p.padLocked()
		return
	case StateAutoPaused:
		if !p.anyReadyLocked() {
			return
		}
		p.setStateLocked(StatePlaying)
	case StateBuffering:
		frame, ok := p.readLocked()
		if !ok {
			return
		}
		p.pending = frame
		p.setStateLocked(StatePlaying)
	}

	if !p.anyReadyLocked() {
		switch p.behavior {
		case NoSubscriberPause:
			p.setStateLocked(StateAutoPaused)
			return
		case NoSubscriberStop:
			res := p.res
			p.discardLocked()
			p.setStateWithLocked(StateIdle, res)
			return
		}
	}

	frame := p.pending
	p.pending = nil
	if frame == nil {
		var ok bool
		if frame, ok = p.readLocked(); !ok {
			return
		}
	}
	p.sendLocked(frame)
}

// readLocked reads the next frame. At the end of the resource, or on error,
// the player goes Idle and ok is false.
func (p *Player) readLocked() (frame []byte, ok bool) {
	res := p.res
	frame, err := res.Read()
	if err == nil {
		return frame, true
	}

	p.discardLocked()
	if errors.Is(err, io.EOF) {
		p.log.Debug("player: resource finished", "title", res.Metadata.Title, "frames", res.FramesRead())
		p.setStateWithLocked(StateIdle, res)
		return nil, false
	}

	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.New(errs.KindResource, "player.read", err)
	}
	e = e.WithGuild(p.guildID, p.state.String())
	p.metrics.RecordError(context.Background(), "player", e.Kind.String())
	p.log.Warn("player: resource failed", "title", res.Metadata.Title, "err", e)
	// The error is queued before the Idle change so a consumer that sees
	// Idle can already tell failure from a natural end.
	p.notifyErrLocked(e)
	p.setStateWithLocked(StateIdle, res)
	return nil, false
}

func (p *Player) anyReadyLocked() bool {
	return slices.ContainsFunc(p.subs, Subscriber.Ready)
}

func (p *Player) sendLocked(frame []byte) {
	ctx := context.Background()
	var sent int64
	if len(p.subs) == 0 {
		p.metrics.RecordFrameDropped(ctx, "no_subscriber")
	}
	for _, s := range p.subs {
		switch {
		case !s.Ready():
			p.metrics.RecordFrameDropped(ctx, "not_ready")
		case !s.WriteFrame(frame):
			p.metrics.RecordFrameDropped(ctx, "backpressure")
		default:
			sent++
		}
	}
	if sent > 0 {
		p.metrics.FramesSent.Add(ctx, sent)
	}
}

func (p *Player) padLocked() {
	if p.silenceLeft == 0 {
		return
	}
	p.silenceLeft--
	for _, s := range p.subs {
		if s.Ready() {
			s.WriteFrame(slices.Clone(audio.SilenceFrame))
		}
	}
}

// discardLocked closes the current resource, if any.
func (p *Player) discardLocked() {
	if p.res == nil {
		return
	}
	if err := p.res.Close(); err != nil {
		p.log.Warn("player: close resource", "title", p.res.Metadata.Title, "err", err)
	}
	p.res = nil
	p.pending = nil
}

func (p *Player) setStateLocked(to State) {
	p.setStateWithLocked(to, p.res)
}

func (p *Player) setStateWithLocked(to State, res *audio.Resource) {
	from := p.state
	p.state = to
	if from == StatePlaying && to != StatePlaying {
		p.silenceLeft = p.padding
	}
	p.metrics.RecordTransition(context.Background(), from.String(), to.String())
	p.log.Debug("player: state change", "from", from, "to", to)
	p.notifyStateLocked(StateChange{GuildID: p.guildID, Old: from, New: to, Resource: res, At: time.Now()})
}

// notifyStateLocked never blocks: a full buffer loses its oldest entry.
func (p *Player) notifyStateLocked(sc StateChange) {
	for {
		select {
		case p.stateCh <- sc:
			return
		default:
		}
		select {
		case old := <-p.stateCh:
			p.log.Warn("player: state channel full, dropping oldest", "dropped_to", old.New)
		default:
		}
	}
}

func (p *Player) notifyErrLocked(err error) {
	for {
		select {
		case p.errCh <- err:
			return
		default:
		}
		select {
		case old := <-p.errCh:
			p.log.Warn("player: error channel full, dropping oldest", "dropped", old)
		default:
		}
	}
}
