package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/player"
	"github.com/MrWong99/voxgate/internal/voice"
	"github.com/google/uuid"
)

// ErrNoSession is returned by [SessionManager.Stop] when the guild has no
// active playback session.
var ErrNoSession = errors.New("app: no active session")

// SessionInfo holds metadata about a guild's playback session.
type SessionInfo struct {
	// SessionID is unique per Start call.
	SessionID string

	GuildID   string
	ChannelID string
	StartedAt time.Time

	// Entries is the number of queued source entries.
	Entries int
	Loop    bool

	// Current is the index of the entry being played, or -1 when none is.
	Current int
}

// VoiceSink is the part of a voice connection a session drives.
// *voice.Connection implements it.
type VoiceSink interface {
	Subscribe(p *player.Player)
	Unsubscribe() bool
	Done() <-chan struct{}
}

// VoiceJoiner joins and leaves voice channels. [VoiceManagerJoiner] adapts a
// *voice.Manager.
type VoiceJoiner interface {
	Join(ctx context.Context, guildID, channelID string) (VoiceSink, error)
	Leave(ctx context.Context, guildID string) error
}

// VoiceManagerJoiner adapts a *voice.Manager to [VoiceJoiner].
type VoiceManagerJoiner struct {
	Manager *voice.Manager
}

// Join implements [VoiceJoiner].
func (j VoiceManagerJoiner) Join(ctx context.Context, guildID, channelID string) (VoiceSink, error) {
	c, err := j.Manager.Join(ctx, guildID, channelID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Leave implements [VoiceJoiner].
func (j VoiceManagerJoiner) Leave(ctx context.Context, guildID string) error {
	return j.Manager.Leave(ctx, guildID)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Voice   VoiceJoiner
	Sources *config.Registry

	// NewPlayer builds the player for a guild. Required.
	NewPlayer func(guildID string) *player.Player

	// MaxFailures is passed to every [Queue].
	MaxFailures int

	Logger *slog.Logger
}

// session is one guild's voice connection, player and queue.
type session struct {
	info   SessionInfo
	sink   VoiceSink
	player *player.Player
	queue  *Queue
	cancel context.CancelFunc
}

// SessionManager runs at most one playback session per guild. All exported
// methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Start joins channelID in guildID and plays entries there. A session
// already running in the guild is replaced; its voice connection is reused
// when the channel is unchanged.
func (sm *SessionManager) Start(ctx context.Context, guildID, channelID string, entries []config.SourceEntry, loop bool) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var p *player.Player
	old, replacing := sm.sessions[guildID]
	if replacing {
		old.cancel()
		old.queue.Stop()
		delete(sm.sessions, guildID)
		p = old.player
		if old.info.ChannelID != channelID {
			old.sink.Unsubscribe()
		}
	}

	sink, err := sm.cfg.Voice.Join(ctx, guildID, channelID)
	if err != nil {
		if replacing {
			old.sink.Unsubscribe()
			_ = p.Close()
		}
		return SessionInfo{}, fmt.Errorf("session: join guild %s channel %s: %w", guildID, channelID, err)
	}
	if p == nil {
		p = sm.cfg.NewPlayer(guildID)
	}
	sink.Subscribe(p)

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q := NewQueue(QueueConfig{
		GuildID:     guildID,
		Player:      p,
		Sources:     sm.cfg.Sources,
		Entries:     entries,
		Loop:        loop,
		MaxFailures: sm.cfg.MaxFailures,
		Logger:      sm.log,
	})
	s := &session{
		info: SessionInfo{
			SessionID: uuid.NewString(),
			GuildID:   guildID,
			ChannelID: channelID,
			StartedAt: time.Now().UTC(),
			Entries:   len(entries),
			Loop:      loop,
		},
		sink:   sink,
		player: p,
		queue:  q,
		cancel: cancel,
	}
	sm.sessions[guildID] = s
	q.Start(sessCtx)
	go sm.watch(sessCtx, s)

	sm.log.Info("session started",
		"session_id", s.info.SessionID,
		"guild_id", guildID,
		"channel_id", channelID,
		"entries", len(entries),
		"loop", loop,
	)
	return sm.infoLocked(s), nil
}

// watch ends the session when its voice connection is destroyed.
func (sm *SessionManager) watch(ctx context.Context, s *session) {
	select {
	case <-ctx.Done():
		return
	case <-s.sink.Done():
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sessions[s.info.GuildID] != s {
		return
	}
	sm.log.Warn("session: voice connection lost, stopping playback",
		"session_id", s.info.SessionID, "guild_id", s.info.GuildID)
	sm.teardownLocked(s)
	delete(sm.sessions, s.info.GuildID)
}

// Stop ends guildID's session and leaves its voice channel.
func (sm *SessionManager) Stop(ctx context.Context, guildID string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[guildID]
	if !ok {
		sm.mu.Unlock()
		return fmt.Errorf("%w in guild %s", ErrNoSession, guildID)
	}
	delete(sm.sessions, guildID)
	sm.teardownLocked(s)
	sm.mu.Unlock()

	if err := sm.cfg.Voice.Leave(ctx, guildID); err != nil {
		return fmt.Errorf("session: leave guild %s: %w", guildID, err)
	}
	sm.log.Info("session stopped", "session_id", s.info.SessionID, "guild_id", guildID)
	return nil
}

// StopAll stops every session concurrently.
func (sm *SessionManager) StopAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, info := range sm.Sessions() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sm.Stop(ctx, info.GuildID); err != nil && !errors.Is(err, ErrNoSession) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Info returns the session running in guildID.
func (sm *SessionManager) Info(guildID string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[guildID]
	if !ok {
		return SessionInfo{}, false
	}
	return sm.infoLocked(s), true
}

// Sessions returns every running session ordered by guild id.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, sm.infoLocked(s))
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.GuildID, b.GuildID) })
	return out
}

// Player returns guildID's player, for pause and resume.
func (sm *SessionManager) Player(guildID string) (*player.Player, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[guildID]
	if !ok {
		return nil, false
	}
	return s.player, true
}

func (sm *SessionManager) infoLocked(s *session) SessionInfo {
	info := s.info
	info.Current = s.queue.Current()
	return info
}

func (sm *SessionManager) teardownLocked(s *session) {
	s.cancel()
	s.queue.Stop()
	s.sink.Unsubscribe()
	if err := s.player.Close(); err != nil {
		sm.log.Warn("session: close player", "guild_id", s.info.GuildID, "err", err)
	}
}
