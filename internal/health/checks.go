package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/voice"
)

// Shard is the view of a gateway shard the shard checker needs.
// *gateway.Conn implements it.
type Shard interface {
	ShardID() int
	State() gateway.State
}

// VoiceConn is the view of a voice connection the voice checker needs.
// *voice.Connection implements it.
type VoiceConn interface {
	GuildID() string
	State() voice.State
}

// Shards fails unless at least one shard exists and every shard is Ready.
func Shards[S Shard](list func() []S) Checker {
	return Checker{
		Name: "shards",
		Check: func(context.Context) error {
			shards := list()
			if len(shards) == 0 {
				return errors.New("no shards started")
			}
			var bad []string
			for _, s := range shards {
				if st := s.State(); st != gateway.StateReady {
					bad = append(bad, fmt.Sprintf("%d=%s", s.ShardID(), st))
				}
			}
			if len(bad) > 0 {
				slices.Sort(bad)
				return fmt.Errorf("shards not ready: %s", strings.Join(bad, ", "))
			}
			return nil
		},
	}
}

// Voice fails when any voice connection is parked in Disconnected, which
// needs a fresh join to recover. Connections that are still resuming pass.
func Voice[C VoiceConn](list func() []C) Checker {
	return Checker{
		Name: "voice",
		Check: func(context.Context) error {
			var bad []string
			for _, c := range list() {
				if c.State() == voice.StateDisconnected {
					bad = append(bad, c.GuildID())
				}
			}
			if len(bad) > 0 {
				slices.Sort(bad)
				return fmt.Errorf("voice disconnected in guilds %s", strings.Join(bad, ", "))
			}
			return nil
		},
	}
}
