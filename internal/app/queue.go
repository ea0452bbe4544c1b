package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/player"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// defaultMaxFailures is the number of consecutive failed tracks after which
// a queue gives up.
const defaultMaxFailures = 3

// ErrQueueStopped is reported by [Queue.Err] when the current track was
// stopped or replaced from outside the queue, or the player was closed.
var ErrQueueStopped = errors.New("app: queue stopped externally")

// QueueConfig configures a [Queue].
type QueueConfig struct {
	GuildID string
	Player  *player.Player
	Sources *config.Registry
	Entries []config.SourceEntry

	// Loop restarts from the first entry after the last one.
	Loop bool

	// MaxFailures is the number of consecutive failed entries before the
	// queue gives up. Default 3.
	MaxFailures int

	Logger *slog.Logger
}

// Queue plays a list of source entries on one player, in order. Entries
// that fail to open or fail mid-stream are skipped until MaxFailures of them
// fail in a row.
type Queue struct {
	guildID string
	player  *player.Player
	sources *config.Registry
	entries []config.SourceEntry
	loop    bool
	breaker *resilience.CircuitBreaker
	log     *slog.Logger

	mu      sync.Mutex
	current int
	played  int
	err     error

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewQueue returns a queue. Call [Queue.Start] to begin playback.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("guild", cfg.GuildID)
	return &Queue{
		guildID: cfg.GuildID,
		player:  cfg.Player,
		sources: cfg.Sources,
		entries: append([]config.SourceEntry(nil), cfg.Entries...),
		loop:    cfg.Loop,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "queue:" + cfg.GuildID,
			MaxFailures: cfg.MaxFailures,
			// The queue never waits for a half-open probe: once open it
			// stops for good.
			ResetTimeout: 24 * time.Hour,
			Logger:       log,
		}),
		log:     log,
		current: -1,
		cancel:  func() {},
		done:    make(chan struct{}),
	}
}

// Start begins playback in a new goroutine. Only the first call has an
// effect.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		go q.run(ctx)
	})
}

// Stop ends the queue, stops the player and waits for the playback
// goroutine. Stopping a queue that was never started is a no-op.
func (q *Queue) Stop() {
	started := true
	q.startOnce.Do(func() {
		started = false
		close(q.done)
	})
	if !started {
		return
	}
	q.cancel()
	<-q.done
}

// Done is closed once the queue has finished.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Err returns why the queue finished: nil after a natural end or Stop,
// [ErrQueueStopped] when the player was driven from outside, or a
// [resilience.ErrCircuitOpen] wrap when too many entries failed.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Current returns the index of the entry being played, or -1.
func (q *Queue) Current() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Played returns how many entries played to their end.
func (q *Queue) Played() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.played
}

// Len returns the number of entries.
func (q *Queue) Len() int { return len(q.entries) }

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	err := q.playAll(ctx)
	if ctx.Err() != nil {
		q.player.Stop()
		err = nil
	}
	q.mu.Lock()
	q.current = -1
	q.err = err
	q.mu.Unlock()
	if err != nil {
		q.log.Warn("app: queue ended", "err", err)
	} else {
		q.log.Info("app: queue finished")
	}
}

func (q *Queue) playAll(ctx context.Context) error {
	if len(q.entries) == 0 {
		return nil
	}
	for i := 0; ; i++ {
		if i == len(q.entries) {
			if !q.loop {
				return nil
			}
			i = 0
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := q.breaker.Allow(); err != nil {
			return fmt.Errorf("app: %d consecutive entries failed: %w", q.breaker.Failures(), err)
		}

		q.mu.Lock()
		q.current = i
		q.mu.Unlock()

		ok, err := q.playOne(ctx, q.entries[i])
		if errors.Is(err, ErrQueueStopped) || ctx.Err() != nil {
			q.breaker.Record(nil)
			return err
		}
		if err != nil {
			q.log.Warn("app: skipping entry", "index", i, "path", q.entries[i].Path, "err", err)
		}
		q.breaker.Record(err)
		if ok {
			q.mu.Lock()
			q.played++
			q.mu.Unlock()
		}
	}
}

// playOne plays e to its end. It reports whether the entry played through.
func (q *Queue) playOne(ctx context.Context, e config.SourceEntry) (bool, error) {
	res, err := q.sources.Open(e)
	if err != nil {
		return false, err
	}
	// A reused player may still hold notifications about a previous
	// session's resource.
	if n := audio.DrainPending(q.player.StateChanges()) + audio.DrainPending(q.player.Errors()); n > 0 {
		q.log.Debug("app: dropped stale player notifications", "count", n)
	}
	if err := q.player.Play(res); err != nil {
		_ = res.Close()
		return false, err
	}
	q.log.Info("app: now playing", "title", res.Metadata.Title, "path", e.Path)
	return q.await(ctx, res)
}

// await waits until the player is done with res.
func (q *Queue) await(ctx context.Context, res *audio.Resource) (bool, error) {
	var failed error
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case err, ok := <-q.player.Errors():
			if !ok {
				return false, ErrQueueStopped
			}
			failed = err
		case sc, ok := <-q.player.StateChanges():
			if !ok {
				return false, ErrQueueStopped
			}
			if sc.Resource != res {
				if sc.New == player.StateBuffering {
					return false, ErrQueueStopped
				}
				continue
			}
			if sc.New != player.StateIdle {
				continue
			}
			if failed == nil {
				select {
				case err, ok := <-q.player.Errors():
					if ok {
						failed = err
					}
				default:
				}
			}
			if failed != nil {
				return false, failed
			}
			if !res.Ended() {
				return false, ErrQueueStopped
			}
			return true, nil
		}
	}
}
