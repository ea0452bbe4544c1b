package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Changes to
// fields that need a restart are listed in RestartRequired and otherwise
// ignored.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PresenceChanged bool
	NewPresence     PresenceConfig

	AutoplayChanges []AutoplayDiff

	// RestartRequired names the changed settings that only take effect on
	// restart, e.g. "gateway.token".
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PresenceChanged && len(d.AutoplayChanges) == 0 && len(d.RestartRequired) == 0
}

// AutoplayDiff describes what changed for one guild's autoplay entry.
type AutoplayDiff struct {
	GuildID string

	Added          bool
	Removed        bool
	ChannelChanged bool
	FilesChanged   bool

	// Entry is the new entry; zero when Removed.
	Entry AutoplayConfig
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Gateway.Presence != new.Gateway.Presence {
		d.PresenceChanged = true
		d.NewPresence = new.Gateway.Presence
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.TraceSampleRatio != new.Server.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "server.trace_sample_ratio")
	}
	if old.Gateway.Token != new.Gateway.Token {
		d.RestartRequired = append(d.RestartRequired, "gateway.token")
	}
	if old.Gateway.Shards != new.Gateway.Shards || old.Gateway.URL != new.Gateway.URL {
		d.RestartRequired = append(d.RestartRequired, "gateway.shards")
	}
	if !slices.Equal(old.Gateway.Intents, new.Gateway.Intents) {
		d.RestartRequired = append(d.RestartRequired, "gateway.intents")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if !reflect.DeepEqual(old.Player, new.Player) {
		d.RestartRequired = append(d.RestartRequired, "player")
	}

	oldAP := make(map[string]AutoplayConfig, len(old.Autoplay))
	for _, ap := range old.Autoplay {
		oldAP[ap.GuildID] = ap
	}
	newAP := make(map[string]AutoplayConfig, len(new.Autoplay))
	for _, ap := range new.Autoplay {
		newAP[ap.GuildID] = ap
	}

	// Walk in config order so the result is deterministic.
	for _, o := range old.Autoplay {
		n, exists := newAP[o.GuildID]
		if !exists {
			d.AutoplayChanges = append(d.AutoplayChanges, AutoplayDiff{GuildID: o.GuildID, Removed: true})
			continue
		}
		ad := AutoplayDiff{
			GuildID:        o.GuildID,
			ChannelChanged: o.ChannelID != n.ChannelID,
			FilesChanged:   o.Loop != n.Loop || !slices.Equal(o.Files, n.Files),
			Entry:          n,
		}
		if ad.ChannelChanged || ad.FilesChanged {
			d.AutoplayChanges = append(d.AutoplayChanges, ad)
		}
	}
	for _, n := range new.Autoplay {
		if _, exists := oldAP[n.GuildID]; !exists {
			d.AutoplayChanges = append(d.AutoplayChanges, AutoplayDiff{GuildID: n.GuildID, Added: true, Entry: n})
		}
	}

	return d
}
