package app

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/player"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
	audiomock "github.com/MrWong99/voxgate/pkg/audio/mock"
	"go.opentelemetry.io/otel/metric/noop"
)

const waitFor = 3 * time.Second

const formatMock config.SourceFormat = "mock"

// scriptedSources serves mock sources keyed by entry path and records the
// order in which entries were opened.
type scriptedSources struct {
	mu      sync.Mutex
	sources map[string]func() *audiomock.Source
	opened  []string
}

func (s *scriptedSources) open(e config.SourceEntry) (*audio.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, e.Path)
	mk, ok := s.sources[e.Path]
	if !ok {
		return nil, audio.ResourceError("audio.open", fmt.Errorf("%s: no such source", e.Path))
	}
	return audio.NewResource(mk(), audio.Metadata{Title: e.Path}), nil
}

func (s *scriptedSources) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

func newScripted(sources map[string]func() *audiomock.Source) (*config.Registry, *scriptedSources) {
	ss := &scriptedSources{sources: sources}
	reg := config.NewRegistry()
	reg.Register(formatMock, ss.open)
	return reg, ss
}

func frames(n int) func() *audiomock.Source {
	return func() *audiomock.Source { return audiomock.NewSource(n) }
}

func failing(after int) func() *audiomock.Source {
	return func() *audiomock.Source {
		return &audiomock.Source{Total: after + 10, FailAt: after + 1, Err: errors.New("decoder exploded")}
	}
}

func entries(paths ...string) []config.SourceEntry {
	out := make([]config.SourceEntry, len(paths))
	for i, p := range paths {
		out[i] = config.SourceEntry{Path: p, Format: formatMock}
	}
	return out
}

func newQueuePlayer(t *testing.T) *player.Player {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p := player.New(
		player.WithGuild("g1"),
		player.WithFrameDuration(2*time.Millisecond),
		player.WithSilencePadding(0),
		player.WithNoSubscriberBehavior(player.NoSubscriberPlay),
		player.WithMetrics(met),
	)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitDone(t *testing.T, q *Queue) {
	t.Helper()
	select {
	case <-q.Done():
	case <-time.After(waitFor):
		t.Fatal("queue did not finish")
	}
}

func TestQueue_PlaysEntriesInOrder(t *testing.T) {
	t.Parallel()
	reg, ss := newScripted(map[string]func() *audiomock.Source{
		"a": frames(3),
		"b": frames(2),
		"c": frames(4),
	})
	q := NewQueue(QueueConfig{
		GuildID: "g1",
		Player:  newQueuePlayer(t),
		Sources: reg,
		Entries: entries("a", "b", "c"),
	})
	q.Start(t.Context())
	waitDone(t, q)

	if err := q.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
	if got, want := fmt.Sprint(ss.Opened()), "[a b c]"; got != want {
		t.Errorf("opened = %s, want %s", got, want)
	}
	if q.Played() != 3 {
		t.Errorf("Played = %d, want 3", q.Played())
	}
	if q.Current() != -1 {
		t.Errorf("Current = %d after finish, want -1", q.Current())
	}
}

func TestQueue_SkipsFailingEntries(t *testing.T) {
	t.Parallel()
	reg, ss := newScripted(map[string]func() *audiomock.Source{
		"ok1":    frames(2),
		"broken": failing(1),
		"ok2":    frames(2),
	})
	q := NewQueue(QueueConfig{
		GuildID: "g1",
		Player:  newQueuePlayer(t),
		Sources: reg,
		Entries: entries("ok1", "missing", "broken", "ok2"),
	})
	q.Start(t.Context())
	waitDone(t, q)

	if err := q.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
	if got, want := fmt.Sprint(ss.Opened()), "[ok1 missing broken ok2]"; got != want {
		t.Errorf("opened = %s, want %s", got, want)
	}
	if q.Played() != 2 {
		t.Errorf("Played = %d, want 2", q.Played())
	}
}

func TestQueue_GivesUpAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	reg, ss := newScripted(map[string]func() *audiomock.Source{
		"bad1": failing(0),
		"bad2": failing(2),
	})
	q := NewQueue(QueueConfig{
		GuildID:     "g1",
		Player:      newQueuePlayer(t),
		Sources:     reg,
		Entries:     entries("bad1", "nope", "bad2"),
		Loop:        true,
		MaxFailures: 3,
	})
	q.Start(t.Context())
	waitDone(t, q)

	if err := q.Err(); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Err = %v, want ErrCircuitOpen", err)
	}
	if got := len(ss.Opened()); got != 3 {
		t.Errorf("opened %d entries, want 3 before giving up", got)
	}
}

func TestQueue_LoopWrapsAround(t *testing.T) {
	t.Parallel()
	reg, ss := newScripted(map[string]func() *audiomock.Source{
		"a": frames(1),
		"b": frames(1),
	})
	q := NewQueue(QueueConfig{
		GuildID: "g1",
		Player:  newQueuePlayer(t),
		Sources: reg,
		Entries: entries("a", "b"),
		Loop:    true,
	})
	q.Start(t.Context())

	deadline := time.Now().Add(waitFor)
	for len(ss.Opened()) < 5 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	q.Stop()

	opened := ss.Opened()
	if len(opened) < 5 {
		t.Fatalf("opened %d entries, want at least 5", len(opened))
	}
	for i, p := range opened {
		want := "a"
		if i%2 == 1 {
			want = "b"
		}
		if p != want {
			t.Fatalf("opened[%d] = %q, want %q (all: %v)", i, p, want, opened)
		}
	}
	if err := q.Err(); err != nil {
		t.Errorf("Err after Stop = %v, want nil", err)
	}
}

func TestQueue_StopHaltsPlayer(t *testing.T) {
	t.Parallel()
	reg, _ := newScripted(map[string]func() *audiomock.Source{
		"long": frames(100000),
	})
	p := newQueuePlayer(t)
	q := NewQueue(QueueConfig{GuildID: "g1", Player: p, Sources: reg, Entries: entries("long")})
	q.Start(t.Context())

	deadline := time.Now().Add(waitFor)
	for p.State() != player.StatePlaying && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	q.Stop()

	if got := p.State(); got != player.StateIdle {
		t.Errorf("player state = %s after Stop, want idle", got)
	}
	if q.Played() != 0 {
		t.Errorf("Played = %d, want 0", q.Played())
	}
}

func TestQueue_ExternalStopEndsQueue(t *testing.T) {
	t.Parallel()
	reg, ss := newScripted(map[string]func() *audiomock.Source{
		"long":  frames(100000),
		"after": frames(1),
	})
	p := newQueuePlayer(t)
	q := NewQueue(QueueConfig{GuildID: "g1", Player: p, Sources: reg, Entries: entries("long", "after")})
	q.Start(t.Context())

	deadline := time.Now().Add(waitFor)
	for p.State() != player.StatePlaying && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	p.Stop()
	waitDone(t, q)

	if err := q.Err(); !errors.Is(err, ErrQueueStopped) {
		t.Errorf("Err = %v, want ErrQueueStopped", err)
	}
	if got, want := fmt.Sprint(ss.Opened()), "[long]"; got != want {
		t.Errorf("opened = %s, want %s", got, want)
	}
}

func TestQueue_EmptyFinishesImmediately(t *testing.T) {
	t.Parallel()
	q := NewQueue(QueueConfig{GuildID: "g1", Player: newQueuePlayer(t), Sources: config.NewRegistry()})
	q.Start(t.Context())
	waitDone(t, q)
	if err := q.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestQueue_StopBeforeStart(t *testing.T) {
	t.Parallel()
	q := NewQueue(QueueConfig{GuildID: "g1", Player: newQueuePlayer(t), Sources: config.NewRegistry()})
	q.Stop()
	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed after Stop on an unstarted queue")
	}
}
