// Package app wires all voxgate subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the shard coordinator,
// the voice manager and the playback sessions from the config, Run connects
// the shards and pumps their events, and Shutdown tears everything down in
// reverse order.
//
// For testing, inject transports and fakes via functional options
// (WithGatewayDialer, WithVoiceDialer, WithMediaFactory, ...). When an option
// is not provided, New uses the real network implementations.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/gateway/shard"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/player"
	"github.com/MrWong99/voxgate/internal/voice"
	"github.com/MrWong99/voxgate/pkg/transport"
)

// readHeaderTimeout bounds request header reads on the admin server.
const readHeaderTimeout = 10 * time.Second

// EventSink receives every gateway dispatch after the voice manager has seen
// it. It is called from the event pump and must not block for long.
type EventSink func(gateway.Event)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Injected or defaulted in New.
	gatewayDialer transport.Dialer
	voiceDialer   transport.Dialer
	newMedia      func() voice.MediaTransport
	gatewayInfo   shard.GatewayInfoFunc
	sources       *config.Registry
	metrics       *observe.Metrics
	logLevel      *slog.LevelVar
	sink          EventSink

	// Subsystems, initialised in New, torn down in Shutdown.
	coord    *shard.Coordinator
	voice    *voice.Manager
	sessions *SessionManager
	admin    *http.Server
	adminLn  net.Listener

	// bg outlives Run so sessions started by ApplyConfig survive until
	// Shutdown.
	bg       context.Context
	cancelBG context.CancelFunc

	mu       sync.Mutex
	cfgMu    sync.Mutex
	running  bool
	pumpDone chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGatewayDialer replaces the websocket dialer used by the shards.
func WithGatewayDialer(d transport.Dialer) Option {
	return func(a *App) { a.gatewayDialer = d }
}

// WithVoiceDialer replaces the websocket dialer used by voice signalling.
func WithVoiceDialer(d transport.Dialer) Option {
	return func(a *App) { a.voiceDialer = d }
}

// WithMediaFactory replaces the UDP media transport.
func WithMediaFactory(f func() voice.MediaTransport) Option {
	return func(a *App) { a.newMedia = f }
}

// WithGatewayInfo replaces the REST lookup used when gateway.shards is 0.
func WithGatewayInfo(f shard.GatewayInfoFunc) Option {
	return func(a *App) { a.gatewayInfo = f }
}

// WithSources replaces the default source registry.
func WithSources(r *config.Registry) Option {
	return func(a *App) { a.sources = r }
}

// WithEventSink forwards every dispatch to sink.
func WithEventSink(sink EventSink) Option {
	return func(a *App) { a.sink = sink }
}

// WithMetrics sets the metrics used by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the process
// logger built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together. It performs no
// network I/O; Run connects.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sources == nil {
		a.sources = config.NewDefaultRegistry()
	}
	if a.gatewayInfo == nil {
		a.gatewayInfo = shard.DiscordGatewayInfo(cfg.Gateway.Token)
	}
	a.bg, a.cancelBG = context.WithCancel(context.Background())

	// ── 1. Shard coordinator ─────────────────────────────────────────────
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	// ── 2. Voice manager ─────────────────────────────────────────────────
	a.initVoice()

	// ── 3. Playback sessions ─────────────────────────────────────────────
	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 4. Admin server ──────────────────────────────────────────────────
	a.initAdmin()

	return a, nil
}

func (a *App) initGateway() error {
	intents, err := a.cfg.Gateway.IntentMask()
	if err != nil {
		return err
	}
	presence := a.cfg.Gateway.Presence.StatusData()
	a.coord = shard.New(shard.Config{
		Gateway: gateway.Config{
			Token:   a.cfg.Gateway.Token,
			Intents: intents,
			URL:     a.cfg.Gateway.URL,
			Dialer:  a.gatewayDialer,
			Properties: gateway.IdentifyProperties{
				OS:      "linux",
				Browser: "voxgate",
				Device:  "voxgate",
			},
			Presence:             &presence,
			MaxReconnectAttempts: a.cfg.Gateway.MaxReconnectAttempts,
			Metrics:              a.metrics,
			Logger:               a.log,
		},
		GatewayInfo:    a.gatewayInfo,
		MaxConcurrency: a.cfg.Gateway.MaxConcurrency,
		Logger:         a.log,
	})
	return nil
}

func (a *App) initVoice() {
	a.voice = voice.NewManager(voice.ManagerConfig{
		Voice: voice.Config{
			Dialer:      a.voiceDialer,
			NewMedia:    a.newMedia,
			JoinTimeout: a.cfg.Voice.JoinTimeout,
			MaxAttempts: a.cfg.Voice.MaxAttempts,
			Metrics:     a.metrics,
			Logger:      a.log,
		},
		Updater: func(guildID string) (voice.StateUpdater, error) {
			conn, err := a.coord.ShardForGuild(guildID)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		SelfMute: a.cfg.Voice.SelfMute,
		SelfDeaf: a.cfg.Voice.SelfDeaf,
		Logger:   a.log,
	})
}

func (a *App) initSessions() error {
	behavior, err := player.ParseNoSubscriberBehavior(a.cfg.Player.NoSubscriber)
	if err != nil {
		return err
	}
	padding := player.DefaultSilencePadding
	if a.cfg.Player.SilencePadding != nil {
		padding = *a.cfg.Player.SilencePadding
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Voice:   VoiceManagerJoiner{Manager: a.voice},
		Sources: a.sources,
		NewPlayer: func(guildID string) *player.Player {
			return player.New(
				player.WithGuild(guildID),
				player.WithNoSubscriberBehavior(behavior),
				player.WithSilencePadding(padding),
				player.WithMetrics(a.metrics),
				player.WithLogger(a.log),
			)
		},
		MaxFailures: a.cfg.Player.MaxFailures,
		Logger:      a.log,
	})
	return nil
}

func (a *App) initAdmin() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.admin = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.adminHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Sessions returns the playback session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Voice returns the voice manager.
func (a *App) Voice() *voice.Manager { return a.voice }

// Coordinator returns the shard coordinator.
func (a *App) Coordinator() *shard.Coordinator { return a.coord }

// AdminAddr returns the address the admin server listens on, or "" when
// it is disabled or not yet started.
func (a *App) AdminAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.adminLn == nil {
		return ""
	}
	return a.adminLn.Addr().String()
}

// Run connects the shards, starts the admin server and the configured
// autoplay sessions, and blocks until ctx is cancelled. It returns
// ctx.Err() (or the underlying cause) after a cancellation.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("app: already running")
	}
	a.running = true
	a.pumpDone = make(chan struct{})
	a.mu.Unlock()

	// ── Admin server ─────────────────────────────────────────────────────
	if a.admin != nil {
		ln, err := net.Listen("tcp", a.admin.Addr)
		if err != nil {
			close(a.pumpDone)
			return fmt.Errorf("app: admin listen: %w", err)
		}
		a.mu.Lock()
		a.adminLn = ln
		a.mu.Unlock()
		go func() {
			if err := a.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("app: admin server failed", "err", err)
			}
		}()
		a.log.Info("app: admin server listening", "addr", ln.Addr().String())
	}

	// ── Gateway shards ───────────────────────────────────────────────────
	if err := a.coord.Start(ctx, a.cfg.Gateway.Shards); err != nil {
		close(a.pumpDone)
		return fmt.Errorf("app: start shards: %w", err)
	}
	go a.pump(ctx)

	// ── Autoplay ─────────────────────────────────────────────────────────
	a.cfgMu.Lock()
	autoplay := a.cfg.Autoplay
	a.cfgMu.Unlock()
	go func() {
		if err := a.coord.WaitReady(ctx); err != nil {
			return
		}
		a.log.Info("app: all shards ready", "shards", len(a.coord.Shards()))
		a.startAutoplay(autoplay)
	}()

	a.log.Info("app running", "autoplay", len(autoplay))
	<-ctx.Done()
	<-a.pumpDone
	return context.Cause(ctx)
}

// pump forwards dispatches to the voice manager and the event sink and
// reports fatal shard errors.
func (a *App) pump(ctx context.Context) {
	defer close(a.pumpDone)
	events := a.coord.Events()
	fatal := a.coord.Fatal()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.voice.HandleEvent(ev)
			if a.sink != nil {
				a.sink(ev)
			}
		case se := <-fatal:
			a.log.Error("app: shard stopped permanently", "shard_id", se.ShardID, "err", se.Err)
		}
	}
}

func (a *App) startAutoplay(entries []config.AutoplayConfig) {
	for _, ap := range entries {
		if _, err := a.sessions.Start(a.bg, ap.GuildID, ap.ChannelID, ap.Files, ap.Loop); err != nil {
			a.log.Error("app: autoplay failed", "guild_id", ap.GuildID, "channel_id", ap.ChannelID, "err", err)
		}
	}
}

// Play starts a playback session in guildID. It replaces any session
// already running there.
func (a *App) Play(ctx context.Context, guildID, channelID string, entries []config.SourceEntry, loop bool) (SessionInfo, error) {
	return a.sessions.Start(ctx, guildID, channelID, entries, loop)
}

// StopGuild ends guildID's session and leaves its channel.
func (a *App) StopGuild(ctx context.Context, guildID string) error {
	return a.sessions.Stop(ctx, guildID)
}

// ApplyConfig applies the live-reloadable parts of a config change: log
// level, presence and autoplay sessions. Other changes are logged as needing
// a restart. It is meant as the callback of a [config.Watcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}

	if d.PresenceChanged {
		ctx, cancel := context.WithTimeout(a.bg, readHeaderTimeout)
		err := a.coord.UpdatePresence(ctx, d.NewPresence.StatusData())
		cancel()
		if err != nil {
			a.log.Warn("app: presence update failed", "err", err)
		} else {
			a.log.Info("app: presence updated", "status", d.NewPresence.Status, "activity", d.NewPresence.Activity)
		}
	}

	for _, ch := range d.AutoplayChanges {
		switch {
		case ch.Removed:
			if err := a.sessions.Stop(a.bg, ch.GuildID); err != nil && !errors.Is(err, ErrNoSession) {
				a.log.Warn("app: stop autoplay", "guild_id", ch.GuildID, "err", err)
			}
		default:
			e := ch.Entry
			if _, err := a.sessions.Start(a.bg, e.GuildID, e.ChannelID, e.Files, e.Loop); err != nil {
				a.log.Error("app: restart autoplay", "guild_id", e.GuildID, "err", err)
			}
		}
	}

	for _, key := range d.RestartRequired {
		a.log.Warn("app: config change requires restart", "key", key)
	}
	a.cfg = new
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all steps finish, remaining steps
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		steps := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"sessions", a.sessions.StopAll},
			{"voice", a.voice.Close},
			{"gateway", func(context.Context) error { return a.coord.Close() }},
			{"admin", a.shutdownAdmin},
		}
		a.log.Info("shutting down", "steps", len(steps))
		defer a.cancelBG()

		for i, step := range steps {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(steps)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := step.fn(ctx); err != nil {
				a.log.Warn("shutdown step error", "step", step.name, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) shutdownAdmin(ctx context.Context) error {
	if a.admin == nil {
		return nil
	}
	return a.admin.Shutdown(ctx)
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
