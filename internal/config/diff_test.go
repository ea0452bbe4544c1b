package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxgate/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":9090"},
		Gateway: config.GatewayConfig{Token: "t", Presence: config.PresenceConfig{Status: "online"}},
		Autoplay: []config.AutoplayConfig{
			{GuildID: "1", ChannelID: "10", Files: []config.SourceEntry{{Path: "a.ogg"}}},
			{GuildID: "2", ChannelID: "20", Files: []config.SourceEntry{{Path: "b.ogg"}}},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if d := config.Diff(cfg, baseConfig()); !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LiveSettings(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Gateway.Presence.Activity = "radio"

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: changed=%v new=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.PresenceChanged || d.NewPresence.Activity != "radio" {
		t.Errorf("presence: changed=%v new=%+v", d.PresenceChanged, d.NewPresence)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":9191"
	new.Gateway.Token = "other"
	new.Gateway.Intents = []string{"guild_messages"}
	pad := 2
	new.Player.SilencePadding = &pad

	d := config.Diff(old, new)
	for _, want := range []string{"server.listen_addr", "gateway.token", "gateway.intents", "player"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
}

func TestDiff_Autoplay(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Autoplay[0].ChannelID = "11"
	new.Autoplay = append(new.Autoplay[:1], config.AutoplayConfig{GuildID: "3", ChannelID: "30"})
	new.Autoplay[0].Files = append(new.Autoplay[0].Files, config.SourceEntry{Path: "c.ogg"})

	d := config.Diff(old, new)
	byGuild := make(map[string]config.AutoplayDiff)
	for _, c := range d.AutoplayChanges {
		byGuild[c.GuildID] = c
	}
	if len(byGuild) != 3 {
		t.Fatalf("changes = %+v, want 3 guilds", d.AutoplayChanges)
	}
	if c := byGuild["1"]; !c.ChannelChanged || !c.FilesChanged || c.Entry.ChannelID != "11" {
		t.Errorf("guild 1 = %+v", c)
	}
	if c := byGuild["2"]; !c.Removed {
		t.Errorf("guild 2 = %+v, want removed", c)
	}
	if c := byGuild["3"]; !c.Added || c.Entry.ChannelID != "30" {
		t.Errorf("guild 3 = %+v, want added", c)
	}
}
