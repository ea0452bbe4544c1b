// Package shard runs one gateway connection per shard and aggregates their
// events and lifecycle into a single view.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultIdentifyWindow = 5 * time.Second
	eventBufferPerShard   = 256
)

// GatewayInfo is the server's sharding recommendation.
type GatewayInfo struct {
	URL            string
	Shards         int
	MaxConcurrency int
}

// GatewayInfoFunc fetches the sharding recommendation.
type GatewayInfoFunc func(ctx context.Context) (GatewayInfo, error)

// DiscordGatewayInfo returns a [GatewayInfoFunc] backed by the REST
// gateway/bot endpoint.
func DiscordGatewayInfo(token string) GatewayInfoFunc {
	return func(ctx context.Context) (GatewayInfo, error) {
		s, err := discordgo.New("Bot " + token)
		if err != nil {
			return GatewayInfo{}, fmt.Errorf("shard: create rest session: %w", err)
		}
		resp, err := s.GatewayBot(discordgo.WithContext(ctx))
		if err != nil {
			var rest *discordgo.RESTError
			if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusUnauthorized {
				return GatewayInfo{}, errs.New(errs.KindAuth, "shard.gateway_info", err)
			}
			return GatewayInfo{}, errs.New(errs.KindTransport, "shard.gateway_info", err)
		}
		return GatewayInfo{
			URL:            resp.URL,
			Shards:         resp.Shards,
			MaxConcurrency: resp.SessionStartLimit.MaxConcurrency,
		}, nil
	}
}

// ShardError reports one shard's fatal failure.
type ShardError struct {
	ShardID int
	Err     error
}

func (e ShardError) Error() string {
	return fmt.Sprintf("shard %d: %v", e.ShardID, e.Err)
}

func (e ShardError) Unwrap() error { return e.Err }

// Config configures a [Coordinator].
type Config struct {
	// Gateway is the template for every shard's connection. ShardID,
	// ShardCount, Events, States and IdentifyGate are set per shard.
	Gateway gateway.Config

	// GatewayInfo resolves the shard count when Start is called with 0.
	GatewayInfo GatewayInfoFunc

	// MaxConcurrency is the number of shards allowed to identify per
	// IdentifyWindow. Overridden by GatewayInfo when that is consulted.
	// Default 1.
	MaxConcurrency int

	// IdentifyWindow is the identify rate-limit window. Default 5s.
	IdentifyWindow time.Duration

	Logger *slog.Logger
}

// Coordinator owns the shard connections. All methods are safe for
// concurrent use.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	shards  []*gateway.Conn
	started bool
	closed  bool

	events    chan gateway.Event
	states    chan gateway.StateChange
	ready     chan struct{}
	readyOnce sync.Once
	fatal     chan ShardError
	stop      chan struct{}
	watchDone chan struct{}
}

// New returns a Coordinator. Call [Coordinator.Start] to open the shards.
func New(cfg Config) *Coordinator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.IdentifyWindow <= 0 {
		cfg.IdentifyWindow = defaultIdentifyWindow
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		log:       log,
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
		watchDone: make(chan struct{}),
	}
}

// Start creates connections for shards 0..shardCount-1 and starts them.
// Identifies are staggered to MaxConcurrency per IdentifyWindow. A zero
// shardCount asks GatewayInfo for the recommended count. Start returns once
// every shard is launched; use [Coordinator.Ready] to wait for them.
func (c *Coordinator) Start(ctx context.Context, shardCount int) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("shard: coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	tmpl := c.cfg.Gateway
	maxConcurrency := c.cfg.MaxConcurrency
	if shardCount <= 0 {
		if c.cfg.GatewayInfo == nil {
			return errors.New("shard: shard count is 0 and no gateway info source configured")
		}
		info, err := c.cfg.GatewayInfo(ctx)
		if err != nil {
			return fmt.Errorf("shard: resolve gateway info: %w", err)
		}
		shardCount = max(info.Shards, 1)
		if info.URL != "" {
			tmpl.URL = info.URL
		}
		if info.MaxConcurrency > 0 {
			maxConcurrency = info.MaxConcurrency
		}
		c.log.Info("shard: using recommended shard count",
			"shards", shardCount, "max_concurrency", maxConcurrency)
	}

	limiter := rate.NewLimiter(rate.Every(c.cfg.IdentifyWindow/time.Duration(maxConcurrency)), maxConcurrency)
	c.events = make(chan gateway.Event, eventBufferPerShard*shardCount)
	c.states = make(chan gateway.StateChange, 16*shardCount)
	c.fatal = make(chan ShardError, shardCount)

	shards := make([]*gateway.Conn, shardCount)
	for id := range shardCount {
		cfg := tmpl
		cfg.ShardID = id
		cfg.ShardCount = shardCount
		cfg.Events = c.events
		cfg.States = c.states
		cfg.IdentifyGate = limiter.Wait
		if cfg.Logger == nil {
			cfg.Logger = c.log
		}
		shards[id] = gateway.New(cfg)
	}

	c.mu.Lock()
	c.shards = shards
	c.mu.Unlock()

	go c.watch(shardCount)

	for _, conn := range shards {
		go func() {
			// Connect only reports the first outcome; the connection keeps
			// running after transient errors.
			if err := conn.Connect(context.Background()); err != nil {
				c.log.Warn("shard: initial connect failed", "shard", conn.ShardID(), "err", err)
			}
		}()
	}
	c.log.Info("shard: started", "shards", shardCount)
	return nil
}

// watch folds the shards' state changes into the Ready and Fatal signals.
func (c *Coordinator) watch(shardCount int) {
	defer close(c.watchDone)
	seenReady := make(map[int]bool, shardCount)
	for {
		select {
		case <-c.stop:
			return
		case sc := <-c.states:
			switch sc.To {
			case gateway.StateReady:
				if !seenReady[sc.ShardID] {
					seenReady[sc.ShardID] = true
					c.log.Info("shard: ready", "shard", sc.ShardID, "ready", len(seenReady), "total", shardCount)
				}
				if len(seenReady) == shardCount {
					c.readyOnce.Do(func() { close(c.ready) })
				}
			case gateway.StateDestroyed:
				if sc.Err == nil {
					continue
				}
				c.log.Error("shard: fatal", "shard", sc.ShardID, "err", sc.Err)
				select {
				case c.fatal <- ShardError{ShardID: sc.ShardID, Err: sc.Err}:
				default:
					c.log.Warn("shard: fatal channel full, dropping", "shard", sc.ShardID)
				}
			}
		}
	}
}

// Events returns the fan-in of every shard's dispatches. Per-shard order is
// preserved.
func (c *Coordinator) Events() <-chan gateway.Event { return c.events }

// Ready is closed once every shard has reached Ready at least once.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// Fatal delivers individual shard failures. A failed shard does not affect
// its siblings.
func (c *Coordinator) Fatal() <-chan ShardError { return c.fatal }

// WaitReady blocks until all shards are Ready or ctx expires.
func (c *Coordinator) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return errs.New(errs.KindTimeout, "shard.wait_ready", ctx.Err())
	}
}

// Shards returns the connections in shard id order.
func (c *Coordinator) Shards() []*gateway.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*gateway.Conn, len(c.shards))
	copy(out, c.shards)
	return out
}

// Shard returns the connection for id.
func (c *Coordinator) Shard(id int) (*gateway.Conn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || id >= len(c.shards) {
		return nil, false
	}
	return c.shards[id], true
}

// ShardForGuild returns the connection serving guildID.
func (c *Coordinator) ShardForGuild(guildID string) (*gateway.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.shards) == 0 {
		return nil, errors.New("shard: coordinator not started")
	}
	id, err := ForGuild(guildID, len(c.shards))
	if err != nil {
		return nil, err
	}
	return c.shards[id], nil
}

// ForGuild computes the shard id of a guild: (guild_id >> 22) % shardCount.
func ForGuild(guildID string, shardCount int) (int, error) {
	g, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("shard: invalid guild id %q: %w", guildID, err)
	}
	if shardCount <= 0 {
		return 0, errors.New("shard: shard count must be positive")
	}
	return int((g >> 22) % uint64(shardCount)), nil
}

// UpdatePresence sends the presence to every shard.
func (c *Coordinator) UpdatePresence(ctx context.Context, presence discordgo.UpdateStatusData) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, conn := range c.Shards() {
		g.Go(func() error {
			if err := conn.UpdatePresence(ctx, presence); err != nil {
				return fmt.Errorf("shard %d: %w", conn.ShardID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close disconnects every shard in parallel. It is idempotent. Shard
// failures are reported through [Coordinator.Fatal], not here.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	shards := c.shards
	started := c.started
	c.mu.Unlock()

	var g errgroup.Group
	for _, conn := range shards {
		g.Go(func() error {
			conn.Disconnect()
			return nil
		})
	}
	err := g.Wait()

	close(c.stop)
	if started && shards != nil {
		<-c.watchDone
	}

	// Only close the fan-in once no shard can still write to it.
	for _, conn := range shards {
		select {
		case <-conn.Done():
		default:
			return err
		}
	}
	if c.events != nil {
		close(c.events)
	}
	return err
}
