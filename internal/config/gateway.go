package config

import (
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"
)

// IntentNames maps the intent names accepted in gateway.intents to their
// bits.
var IntentNames = map[string]discordgo.Intent{
	"guilds":             discordgo.IntentsGuilds,
	"guild_members":      discordgo.IntentsGuildMembers,
	"guild_voice_states": discordgo.IntentsGuildVoiceStates,
	"guild_presences":    discordgo.IntentsGuildPresences,
	"guild_messages":     discordgo.IntentsGuildMessages,
	"direct_messages":    discordgo.IntentsDirectMessages,
	"message_content":    discordgo.IntentsMessageContent,
}

// DefaultIntents is what voice needs: guild create events and voice states.
const DefaultIntents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

var (
	presenceStatuses = []string{"online", "idle", "dnd", "invisible"}

	activityTypes = map[string]discordgo.ActivityType{
		"playing":   discordgo.ActivityTypeGame,
		"streaming": discordgo.ActivityTypeStreaming,
		"listening": discordgo.ActivityTypeListening,
		"watching":  discordgo.ActivityTypeWatching,
		"competing": discordgo.ActivityTypeCompeting,
	}
)

// IntentMask resolves Intents to a bitmask. Voice state updates are always
// included; the voice manager cannot pair sessions without them.
func (g GatewayConfig) IntentMask() (discordgo.Intent, error) {
	if len(g.Intents) == 0 {
		return DefaultIntents, nil
	}
	mask := discordgo.IntentsGuildVoiceStates
	for _, name := range g.Intents {
		bit, ok := IntentNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown intent %q", name)
		}
		mask |= bit
	}
	return mask, nil
}

// StatusData converts p to the gateway presence payload.
func (p PresenceConfig) StatusData() discordgo.UpdateStatusData {
	status := p.Status
	if status == "" {
		status = "online"
	}
	data := discordgo.UpdateStatusData{Status: status}
	if p.Activity != "" {
		typ, ok := activityTypes[p.ActivityType]
		if !ok {
			typ = discordgo.ActivityTypeListening
		}
		data.Activities = []*discordgo.Activity{{Name: p.Activity, Type: typ}}
	}
	return data
}

func (p PresenceConfig) validate() []error {
	var errs []error
	if p.Status != "" && !slices.Contains(presenceStatuses, p.Status) {
		errs = append(errs, fmt.Errorf("gateway.presence.status %q is invalid; valid values: online, idle, dnd, invisible", p.Status))
	}
	if p.ActivityType != "" {
		if _, ok := activityTypes[p.ActivityType]; !ok {
			errs = append(errs, fmt.Errorf("gateway.presence.activity_type %q is invalid; valid values: playing, streaming, listening, watching, competing", p.ActivityType))
		}
	}
	return errs
}
