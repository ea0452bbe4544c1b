package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/player"
	audiomock "github.com/MrWong99/voxgate/pkg/audio/mock"
)

// fakeSink is a voice connection that records frames through a mock
// subscriber.
type fakeSink struct {
	sub     *audiomock.Subscriber
	channel string

	mu     sync.Mutex
	player *player.Player
	done   chan struct{}
	once   sync.Once
}

func newFakeSink(channel string) *fakeSink {
	s := &fakeSink{sub: &audiomock.Subscriber{}, channel: channel, done: make(chan struct{})}
	s.sub.SetReady(true)
	return s
}

func (s *fakeSink) Subscribe(p *player.Player) {
	s.mu.Lock()
	old := s.player
	s.player = p
	s.mu.Unlock()
	if old == p {
		return
	}
	if old != nil {
		old.RemoveSubscriber(s.sub)
	}
	p.AddSubscriber(s.sub)
}

func (s *fakeSink) Unsubscribe() bool {
	s.mu.Lock()
	old := s.player
	s.player = nil
	s.mu.Unlock()
	if old == nil {
		return false
	}
	old.RemoveSubscriber(s.sub)
	return true
}

func (s *fakeSink) Player() *player.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

func (s *fakeSink) Done() <-chan struct{} { return s.done }

func (s *fakeSink) destroy() { s.once.Do(func() { close(s.done) }) }

// fakeJoiner hands out one sink per guild and channel, reusing it while the
// channel is unchanged.
type fakeJoiner struct {
	mu      sync.Mutex
	joinErr error
	sinks   map[string]*fakeSink
	joins   int
	leaves  []string
}

func newFakeJoiner() *fakeJoiner {
	return &fakeJoiner{sinks: make(map[string]*fakeSink)}
}

func (j *fakeJoiner) Join(_ context.Context, guildID, channelID string) (VoiceSink, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.joins++
	if j.joinErr != nil {
		return nil, j.joinErr
	}
	if s, ok := j.sinks[guildID]; ok && s.channel == channelID {
		return s, nil
	}
	s := newFakeSink(channelID)
	j.sinks[guildID] = s
	return s, nil
}

func (j *fakeJoiner) Leave(_ context.Context, guildID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.leaves = append(j.leaves, guildID)
	delete(j.sinks, guildID)
	return nil
}

func (j *fakeJoiner) Sink(guildID string) *fakeSink {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sinks[guildID]
}

func (j *fakeJoiner) Leaves() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.leaves...)
}

func newTestSessionManager(t *testing.T, sources map[string]func() *audiomock.Source) (*SessionManager, *fakeJoiner) {
	t.Helper()
	reg, _ := newScripted(sources)
	j := newFakeJoiner()
	sm := NewSessionManager(SessionManagerConfig{
		Voice:     j,
		Sources:   reg,
		NewPlayer: func(string) *player.Player { return newQueuePlayer(t) },
	})
	t.Cleanup(func() { _ = sm.StopAll(context.Background()) })
	return sm, j
}

func waitSubFrames(t *testing.T, sub *audiomock.Subscriber, n int) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for sub.Len() < n && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if sub.Len() < n {
		t.Fatalf("sink got %d frames, want at least %d", sub.Len(), n)
	}
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	sm, j := newTestSessionManager(t, map[string]func() *audiomock.Source{"a": frames(5)})

	info, err := sm.Start(t.Context(), "g1", "c1", entries("a"), false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.SessionID == "" || info.GuildID != "g1" || info.ChannelID != "c1" || info.Entries != 1 {
		t.Errorf("info = %+v", info)
	}

	sink := j.Sink("g1")
	waitSubFrames(t, sink.sub, 5)
	for i, f := range sink.sub.Frames()[:5] {
		if got := audiomock.FrameIndex(f); got != i {
			t.Fatalf("frame %d carries index %d", i, got)
		}
	}

	if err := sm.Stop(t.Context(), "g1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := sm.Info("g1"); ok {
		t.Error("session still listed after Stop")
	}
	if got := j.Leaves(); len(got) != 1 || got[0] != "g1" {
		t.Errorf("leaves = %v, want [g1]", got)
	}
	if sink.Player() != nil {
		t.Error("sink still subscribed after Stop")
	}
}

func TestSessionManager_StopWithoutStart(t *testing.T) {
	t.Parallel()
	sm, _ := newTestSessionManager(t, nil)
	if err := sm.Stop(t.Context(), "g1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Stop = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_JoinFailure(t *testing.T) {
	t.Parallel()
	sm, j := newTestSessionManager(t, nil)
	j.joinErr = errors.New("voice gateway unreachable")

	if _, err := sm.Start(t.Context(), "g1", "c1", entries("a"), false); err == nil {
		t.Fatal("Start succeeded despite join failure")
	}
	if got := sm.Sessions(); len(got) != 0 {
		t.Errorf("sessions = %v, want none", got)
	}
}

func TestSessionManager_ReplaceKeepsPlayerInSameChannel(t *testing.T) {
	t.Parallel()
	sm, j := newTestSessionManager(t, map[string]func() *audiomock.Source{
		"long": frames(100000),
		"b":    frames(1),
	})

	first, err := sm.Start(t.Context(), "g1", "c1", entries("long"), false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p1, _ := sm.Player("g1")

	second, err := sm.Start(t.Context(), "g1", "c1", entries("b"), false)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Error("replacement reused the session id")
	}
	p2, _ := sm.Player("g1")
	if p1 != p2 {
		t.Error("player was rebuilt for the same channel")
	}
	if j.Sink("g1").Player() != p2 {
		t.Error("sink is not subscribed to the session player")
	}
	if got := len(sm.Sessions()); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestSessionManager_MoveChannel(t *testing.T) {
	t.Parallel()
	sm, j := newTestSessionManager(t, map[string]func() *audiomock.Source{"long": frames(100000)})

	if _, err := sm.Start(t.Context(), "g1", "c1", entries("long"), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	oldSink := j.Sink("g1")

	info, err := sm.Start(t.Context(), "g1", "c2", entries("long"), false)
	if err != nil {
		t.Fatalf("Start c2: %v", err)
	}
	if info.ChannelID != "c2" {
		t.Errorf("channel = %s, want c2", info.ChannelID)
	}
	if oldSink.Player() != nil {
		t.Error("old channel's sink still subscribed")
	}
	if j.Sink("g1") == oldSink {
		t.Error("move did not produce a new sink")
	}
}

func TestSessionManager_LostConnectionEndsSession(t *testing.T) {
	t.Parallel()
	sm, j := newTestSessionManager(t, map[string]func() *audiomock.Source{"long": frames(100000)})

	if _, err := sm.Start(t.Context(), "g1", "c1", entries("long"), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Sink("g1").destroy()

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if _, ok := sm.Info("g1"); !ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session survived its voice connection")
}

func TestSessionManager_SessionsSorted(t *testing.T) {
	t.Parallel()
	sm, _ := newTestSessionManager(t, map[string]func() *audiomock.Source{"long": frames(100000)})

	for _, g := range []string{"g3", "g1", "g2"} {
		if _, err := sm.Start(t.Context(), g, "c", entries("long"), true); err != nil {
			t.Fatalf("Start %s: %v", g, err)
		}
	}
	var got []string
	for _, s := range sm.Sessions() {
		got = append(got, s.GuildID)
	}
	if len(got) != 3 || got[0] != "g1" || got[1] != "g2" || got[2] != "g3" {
		t.Errorf("sessions = %v, want [g1 g2 g3]", got)
	}

	if err := sm.StopAll(t.Context()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if n := len(sm.Sessions()); n != 0 {
		t.Errorf("%d sessions after StopAll", n)
	}
}
