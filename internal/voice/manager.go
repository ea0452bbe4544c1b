package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"
)

// leaveTimeout bounds the best-effort leave after a failed join.
const leaveTimeout = 5 * time.Second

// StateUpdater sends voice state updates for a guild. *gateway.Conn
// implements it.
type StateUpdater interface {
	UpdateVoiceState(ctx context.Context, guildID string, channelID *string, mute, deaf bool) error
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Voice is the template for every connection.
	Voice Config

	// Updater returns the gateway connection responsible for guildID.
	// Required.
	Updater func(guildID string) (StateUpdater, error)

	// UserID is the bot's user id. When empty it is learned from READY.
	UserID string

	SelfMute bool
	SelfDeaf bool

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// pendingJoin collects the two halves of a session while a join waits.
type pendingJoin struct {
	sess     Session
	complete chan struct{}
	closed   bool
	// left is set when the bot was removed from the channel after the
	// session resolved but before the connection was attached.
	left bool
}

func (p *pendingJoin) check() {
	if !p.closed && p.sess.Complete() {
		p.closed = true
		close(p.complete)
	}
}

// Manager keeps at most one [Connection] per guild and routes the gateway's
// voice events to them.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu      sync.Mutex
	userID  string
	conns   map[string]*Connection
	pending map[string]*pendingJoin
}

// Compile-time interface assertion.
var _ ServerResolver = (*Manager)(nil)

// managedResolver resolves sessions for [Manager.Join]. It leaves the
// pending entry in place so that voice updates keep being collected until
// [Manager.attach] hands them to the new connection.
type managedResolver struct{ m *Manager }

func (r managedResolver) ResolveSession(ctx context.Context, guildID, channelID string) (Session, error) {
	return r.m.resolve(ctx, guildID, channelID, true)
}

// NewManager returns an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.Voice = cfg.Voice.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Voice.Logger == nil {
		cfg.Voice.Logger = log
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		userID:  cfg.UserID,
		conns:   make(map[string]*Connection),
		pending: make(map[string]*pendingJoin),
	}
}

// Get returns the connection for guildID.
func (m *Manager) Get(guildID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[guildID]
	return c, ok
}

// Connections returns all live connections.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Join connects to channelID in guildID. An existing connection to the same
// channel is returned as is; a connection elsewhere in the guild is left
// first.
func (m *Manager) Join(ctx context.Context, guildID, channelID string) (*Connection, error) {
	if existing, ok := m.Get(guildID); ok {
		if existing.ChannelID() == channelID && existing.State() != StateDisconnected {
			return existing, nil
		}
		m.forget(guildID, existing)
		existing.Disconnect()
	}

	c, err := join(ctx, m.cfg.Voice, guildID, channelID, managedResolver{m}, m.attach)
	if err != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		_ = m.sendLeave(lctx, guildID)
		cancel()
		return nil, err
	}
	return c, nil
}

// attach registers c before its handshake starts so that voice updates
// arriving during the handshake are routed to it. Updates collected since
// the session resolved are applied to c.
func (m *Manager) attach(c *Connection) error {
	guildID := c.GuildID()
	resolved := c.signal.Session()

	m.mu.Lock()
	pj := m.pending[guildID]
	delete(m.pending, guildID)
	if pj != nil && pj.left {
		m.mu.Unlock()
		return errs.New(errs.KindCanceled, "voice.join",
			errors.New("removed from channel during join")).WithGuild(guildID, StateSignalling.String())
	}
	var latest Session
	if pj != nil {
		latest = pj.sess
	}
	old := m.conns[guildID]
	m.conns[guildID] = c
	m.mu.Unlock()

	if old != nil && old != c {
		old.Disconnect()
	}
	go func() {
		<-c.Done()
		m.forget(guildID, c)
	}()

	if pj == nil {
		return nil
	}
	if latest.SessionID != resolved.SessionID {
		c.signal.SetSessionID(latest.SessionID)
	}
	if latest.ChannelID != resolved.ChannelID {
		c.setChannel(latest.ChannelID)
	}
	if latest.Endpoint != resolved.Endpoint || latest.Token != resolved.Token {
		c.signal.UpdateServer(latest.Endpoint, latest.Token)
	}
	return nil
}

// Leave disconnects guildID's connection and tells the gateway the bot left
// the channel.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	c, ok := m.Get(guildID)
	if ok {
		m.forget(guildID, c)
		c.Disconnect()
	}
	return m.sendLeave(ctx, guildID)
}

// Close leaves every guild concurrently.
func (m *Manager) Close(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range m.Connections() {
		guildID := c.GuildID()
		g.Go(func() error { return m.Leave(ctx, guildID) })
	}
	return g.Wait()
}

// ResolveSession implements [ServerResolver]: it requests a voice state
// update and waits for both VOICE_STATE_UPDATE and VOICE_SERVER_UPDATE.
func (m *Manager) ResolveSession(ctx context.Context, guildID, channelID string) (Session, error) {
	return m.resolve(ctx, guildID, channelID, false)
}

// resolve waits for both halves of a session. With keep set, a successful
// resolve leaves the pending entry for [Manager.attach] to remove.
func (m *Manager) resolve(ctx context.Context, guildID, channelID string, keep bool) (_ Session, err error) {
	pj := &pendingJoin{
		sess:     Session{GuildID: guildID, ChannelID: channelID},
		complete: make(chan struct{}),
	}
	m.mu.Lock()
	if _, busy := m.pending[guildID]; busy {
		m.mu.Unlock()
		return Session{}, errs.New(errs.KindProtocol, "voice.join",
			errors.New("join already in progress")).WithGuild(guildID, StateSignalling.String())
	}
	m.pending[guildID] = pj
	m.mu.Unlock()
	defer func() {
		if keep && err == nil {
			return
		}
		m.mu.Lock()
		if m.pending[guildID] == pj {
			delete(m.pending, guildID)
		}
		m.mu.Unlock()
	}()

	up, err := m.cfg.Updater(guildID)
	if err != nil {
		return Session{}, asError(err, errs.KindProtocol, "voice.join").WithGuild(guildID, StateSignalling.String())
	}
	if err := up.UpdateVoiceState(ctx, guildID, &channelID, m.cfg.SelfMute, m.cfg.SelfDeaf); err != nil {
		return Session{}, asError(err, errs.KindTransport, "voice.join").WithGuild(guildID, StateSignalling.String())
	}

	select {
	case <-pj.complete:
		m.mu.Lock()
		defer m.mu.Unlock()
		return pj.sess, nil
	case <-ctx.Done():
		m.mu.Lock()
		missing := pj.sess.missing()
		m.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Session{}, errs.New(errs.KindTimeout, "voice.join",
				fmt.Errorf("no %s update received", missing)).WithGuild(guildID, StateSignalling.String())
		}
		return Session{}, errs.New(errs.KindCanceled, "voice.join", ctx.Err()).WithGuild(guildID, StateSignalling.String())
	}
}

// HandleEvent consumes gateway dispatches. Events other than READY and the
// two voice updates are ignored.
func (m *Manager) HandleEvent(ev gateway.Event) {
	switch ev.Type {
	case gateway.EventReady:
		var r struct {
			User *discordgo.User `json:"user"`
		}
		if err := ev.Decode(&r); err == nil && r.User != nil {
			m.mu.Lock()
			m.userID = r.User.ID
			m.mu.Unlock()
		}

	case gateway.EventVoiceStateUpdate:
		var vs discordgo.VoiceState
		if err := ev.Decode(&vs); err != nil {
			m.log.Warn("voice: bad voice state update", "err", err)
			return
		}
		m.onVoiceState(&vs)

	case gateway.EventVoiceServerUpdate:
		var vsu discordgo.VoiceServerUpdate
		if err := ev.Decode(&vsu); err != nil {
			m.log.Warn("voice: bad voice server update", "err", err)
			return
		}
		m.onVoiceServer(&vsu)
	}
}

func (m *Manager) onVoiceState(vs *discordgo.VoiceState) {
	m.mu.Lock()
	if m.userID == "" || vs.UserID != m.userID {
		m.mu.Unlock()
		return
	}
	if pj, ok := m.pending[vs.GuildID]; ok {
		switch {
		case vs.ChannelID != "":
			if pj.closed {
				pj.sess.ChannelID = vs.ChannelID
			}
			pj.sess.UserID = vs.UserID
			pj.sess.SessionID = vs.SessionID
			pj.check()
		case pj.closed:
			pj.left = true
		}
		m.mu.Unlock()
		return
	}
	c, ok := m.conns[vs.GuildID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if vs.ChannelID == "" {
		delete(m.conns, vs.GuildID)
		m.mu.Unlock()
		m.log.Info("voice: removed from channel", "guild_id", vs.GuildID)
		go c.Disconnect()
		return
	}
	m.mu.Unlock()
	c.setChannel(vs.ChannelID)
	c.signal.SetSessionID(vs.SessionID)
}

func (m *Manager) onVoiceServer(vsu *discordgo.VoiceServerUpdate) {
	m.mu.Lock()
	if pj, ok := m.pending[vsu.GuildID]; ok {
		if vsu.Endpoint != "" {
			pj.sess.Token = vsu.Token
			pj.sess.Endpoint = vsu.Endpoint
			pj.check()
		}
		m.mu.Unlock()
		return
	}
	c, ok := m.conns[vsu.GuildID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if vsu.Endpoint == "" {
		m.log.Info("voice: server unavailable, waiting for a new one", "guild_id", vsu.GuildID)
		return
	}
	c.signal.UpdateServer(vsu.Endpoint, vsu.Token)
}

func (m *Manager) forget(guildID string, c *Connection) {
	m.mu.Lock()
	if m.conns[guildID] == c {
		delete(m.conns, guildID)
	}
	m.mu.Unlock()
}

func (m *Manager) sendLeave(ctx context.Context, guildID string) error {
	up, err := m.cfg.Updater(guildID)
	if err != nil {
		return err
	}
	if err := up.UpdateVoiceState(ctx, guildID, nil, false, false); err != nil {
		m.log.Warn("voice: leave update failed", "guild_id", guildID, "err", err)
		return err
	}
	return nil
}
