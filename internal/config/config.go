// Package config provides the configuration schema, loader, watcher and
// audio source registry for the voxgate runtime.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SourceFormat names the encoding of an audio file.
type SourceFormat string

const (
	// FormatOgg is an Ogg Opus file.
	FormatOgg SourceFormat = "ogg"

	// FormatFramed is a stream of uint16 little-endian length-prefixed Opus
	// frames.
	FormatFramed SourceFormat = "framed"

	// FormatPCM is raw signed 16-bit little-endian PCM.
	FormatPCM SourceFormat = "pcm"
)

// IsValid reports whether f is a recognised source format.
func (f SourceFormat) IsValid() bool {
	switch f {
	case FormatOgg, FormatFramed, FormatPCM:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig     `yaml:"server"`
	Gateway  GatewayConfig    `yaml:"gateway"`
	Voice    VoiceConfig      `yaml:"voice"`
	Player   PlayerConfig     `yaml:"player"`
	Autoplay []AutoplayConfig `yaml:"autoplay"`
}

// ServerConfig holds the admin HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the admin address serving /metrics, /healthz and
	// /readyz (e.g. ":9090"). Empty disables the admin server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Applied live on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of root spans kept, in [0, 1].
	// Zero keeps all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// GatewayConfig configures the shard connections.
type GatewayConfig struct {
	// Token is the bot token. Usually supplied through VOXGATE_TOKEN rather
	// than the file.
	Token string `yaml:"token"`

	// Shards is the number of shards to open. 0 asks the server for its
	// recommendation.
	Shards int `yaml:"shards"`

	// URL overrides the gateway URL. Ignored when Shards is 0, since the
	// recommendation carries its own URL.
	URL string `yaml:"url"`

	// Intents lists gateway intents by name (see [IntentNames]). Defaults to
	// guilds and guild_voice_states.
	Intents []string `yaml:"intents"`

	// MaxConcurrency is the identify concurrency per 5 s window when Shards
	// is set explicitly. Default 1.
	MaxConcurrency int `yaml:"max_concurrency"`

	// MaxReconnectAttempts caps consecutive failed reconnects per shard.
	// 0 is unlimited.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// Presence is sent on identify and re-sent when it changes on reload.
	Presence PresenceConfig `yaml:"presence"`
}

// PresenceConfig is the bot's status and activity.
type PresenceConfig struct {
	// Status is one of online, idle, dnd or invisible. Default online.
	Status string `yaml:"status"`

	// Activity is the activity name shown under the bot. Empty for none.
	Activity string `yaml:"activity"`

	// ActivityType is one of playing, streaming, listening, watching,
	// competing. Default listening.
	ActivityType string `yaml:"activity_type"`
}

// VoiceConfig tunes voice connections.
type VoiceConfig struct {
	// JoinTimeout bounds the wait for both voice updates plus the voice
	// handshake. Default 10s.
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// MaxAttempts caps consecutive failed voice reconnects. Default 5.
	MaxAttempts int `yaml:"max_attempts"`

	SelfMute bool `yaml:"self_mute"`
	SelfDeaf bool `yaml:"self_deaf"`
}

// PlayerConfig tunes audio players.
type PlayerConfig struct {
	// NoSubscriber is the behaviour with no ready subscriber: pause, play or
	// stop. Default pause.
	NoSubscriber string `yaml:"no_subscriber"`

	// SilencePadding is the number of silence frames sent after playback
	// stops. nil selects the player default.
	SilencePadding *int `yaml:"silence_padding"`

	// MaxFailures is the number of consecutive failed resources after which
	// a guild's queue stops. Default 3.
	MaxFailures int `yaml:"max_failures"`
}

// AutoplayConfig joins a voice channel at startup and plays files in order.
type AutoplayConfig struct {
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`

	// Loop restarts the list after the last file.
	Loop bool `yaml:"loop"`

	Files []SourceEntry `yaml:"files"`
}

// SourceEntry describes one audio file. The Format field selects the opener
// in the [Registry].
type SourceEntry struct {
	Path string `yaml:"path" json:"path"`

	// Format defaults to ogg for .ogg/.opus paths and framed otherwise.
	Format SourceFormat `yaml:"format" json:"format,omitempty"`

	// Title is shown in logs. Defaults to the file name or the Ogg TITLE
	// comment.
	Title string `yaml:"title" json:"title,omitempty"`

	// SampleRate and Channels describe pcm input. Defaults 48000 and 2.
	SampleRate int `yaml:"sample_rate" json:"sample_rate,omitempty"`
	Channels   int `yaml:"channels" json:"channels,omitempty"`

	// Bitrate is the Opus bitrate for pcm input in bits per second.
	// Default 64000.
	Bitrate int `yaml:"bitrate" json:"bitrate,omitempty"`
}
