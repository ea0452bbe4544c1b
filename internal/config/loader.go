package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/voxgate/internal/player"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Env holds the settings that may come from the environment. Set variables
// override the file.
type Env struct {
	Token      string `env:"VOXGATE_TOKEN"`
	LogLevel   string `env:"VOXGATE_LOG_LEVEL"`
	ListenAddr string `env:"VOXGATE_LISTEN_ADDR"`
	Shards     int    `env:"VOXGATE_SHARDS"`
}

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookuper envconfig.Lookuper
}

// WithLookuper replaces the process environment as the source of [Env]
// overrides.
func WithLookuper(l envconfig.Lookuper) LoadOption {
	return func(o *loadOptions) { o.lookuper = l }
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without replacing variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(ctx context.Context, path string, opts ...LoadOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(ctx, f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and validates the result. An empty document yields the defaults.
func LoadFromReader(ctx context.Context, r io.Reader, opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookuper: envconfig.OsLookuper()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(ctx, cfg, o.lookuper); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	var env Env
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: l}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if env.Token != "" {
		cfg.Gateway.Token = env.Token
	}
	if env.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(env.LogLevel)
	}
	if env.ListenAddr != "" {
		cfg.Server.ListenAddr = env.ListenAddr
	}
	if env.Shards > 0 {
		cfg.Gateway.Shards = env.Shards
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}

	// Gateway
	if strings.TrimSpace(cfg.Gateway.Token) == "" {
		errs = append(errs, errors.New("gateway.token is required (set it in the file or through VOXGATE_TOKEN)"))
	}
	if cfg.Gateway.Shards < 0 {
		errs = append(errs, fmt.Errorf("gateway.shards %d must not be negative", cfg.Gateway.Shards))
	}
	if cfg.Gateway.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_concurrency %d must not be negative", cfg.Gateway.MaxConcurrency))
	}
	if cfg.Gateway.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_reconnect_attempts %d must not be negative", cfg.Gateway.MaxReconnectAttempts))
	}
	if cfg.Gateway.URL != "" && cfg.Gateway.Shards == 0 {
		slog.Warn("config: gateway.url is ignored while gateway.shards is 0")
	}
	if _, err := cfg.Gateway.IntentMask(); err != nil {
		errs = append(errs, fmt.Errorf("gateway.intents: %w", err))
	}
	errs = append(errs, cfg.Gateway.Presence.validate()...)

	// Voice
	if cfg.Voice.JoinTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.join_timeout %s must not be negative", cfg.Voice.JoinTimeout))
	}
	if cfg.Voice.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("voice.max_attempts %d must not be negative", cfg.Voice.MaxAttempts))
	}

	// Player
	if cfg.Player.NoSubscriber != "" {
		if _, err := player.ParseNoSubscriberBehavior(cfg.Player.NoSubscriber); err != nil {
			errs = append(errs, fmt.Errorf("player.no_subscriber: %w", err))
		}
	}
	if p := cfg.Player.SilencePadding; p != nil && *p < 0 {
		errs = append(errs, fmt.Errorf("player.silence_padding %d must not be negative", *p))
	}
	if cfg.Player.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("player.max_failures %d must not be negative", cfg.Player.MaxFailures))
	}

	// Autoplay
	guildsSeen := make(map[string]int, len(cfg.Autoplay))
	for i, ap := range cfg.Autoplay {
		prefix := fmt.Sprintf("autoplay[%d]", i)
		if ap.GuildID == "" {
			errs = append(errs, fmt.Errorf("%s.guild_id is required", prefix))
		} else {
			if prev, ok := guildsSeen[ap.GuildID]; ok {
				errs = append(errs, fmt.Errorf("%s.guild_id %q is a duplicate of autoplay[%d]", prefix, ap.GuildID, prev))
			}
			guildsSeen[ap.GuildID] = i
		}
		errs = append(errs, ap.validate(prefix)...)
		if len(ap.Files) == 0 {
			slog.Warn("config: autoplay entry has no files; the bot will join and stay silent", "guild_id", ap.GuildID)
		}
	}

	return errors.Join(errs...)
}

// Validate checks a single autoplay entry the way [Validate] does for the
// entries of a config file.
func (ap AutoplayConfig) Validate() error {
	var errs []error
	if ap.GuildID == "" {
		errs = append(errs, errors.New("guild_id is required"))
	}
	return errors.Join(append(errs, ap.validate("")...)...)
}

func (ap AutoplayConfig) validate(prefix string) []error {
	if prefix != "" {
		prefix += "."
	}
	var errs []error
	if ap.ChannelID == "" {
		errs = append(errs, fmt.Errorf("%schannel_id is required", prefix))
	}
	for j, f := range ap.Files {
		errs = append(errs, f.validate(fmt.Sprintf("%sfiles[%d]", prefix, j))...)
	}
	return errs
}

// ResolvedFormat returns Format, or the format implied by the file
// extension when Format is empty.
func (e SourceEntry) ResolvedFormat() SourceFormat {
	if e.Format != "" {
		return e.Format
	}
	switch strings.ToLower(filepath.Ext(e.Path)) {
	case ".ogg", ".opus", ".oga":
		return FormatOgg
	case ".pcm", ".raw", ".s16le":
		return FormatPCM
	}
	return FormatFramed
}

func (e SourceEntry) validate(prefix string) []error {
	var errs []error
	if e.Path == "" {
		errs = append(errs, fmt.Errorf("%s.path is required", prefix))
	}
	if e.Format != "" && !e.Format.IsValid() {
		errs = append(errs, fmt.Errorf("%s.format %q is invalid; valid values: ogg, framed, pcm", prefix, e.Format))
	}
	if e.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", prefix, e.SampleRate))
	}
	if e.Channels < 0 || e.Channels > 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is out of range [1, 2]", prefix, e.Channels))
	}
	if e.Bitrate != 0 && (e.Bitrate < 6000 || e.Bitrate > 510000) {
		errs = append(errs, fmt.Errorf("%s.bitrate %d is out of range [6000, 510000]", prefix, e.Bitrate))
	}
	return errs
}
