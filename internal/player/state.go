package player

import (
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// State is the playback state of a [Player].
type State int

const (
	// StateIdle means no resource is loaded.
	StateIdle State = iota

	// StateBuffering means a resource is loaded but its first frame has not
	// been read yet.
	StateBuffering

	// StatePlaying means one frame is sent per tick.
	StatePlaying

	// StatePaused is an explicit pause. It lasts until Unpause.
	StatePaused

	// StateAutoPaused is entered when no subscriber is ready. Playback
	// resumes at the same position once one is.
	StateAutoPaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateAutoPaused:
		return "autopaused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// NoSubscriberBehavior decides what a playing player does on a tick where
// no subscriber is ready.
type NoSubscriberBehavior int

const (
	// NoSubscriberPause auto-pauses and keeps the position.
	NoSubscriberPause NoSubscriberBehavior = iota

	// NoSubscriberPlay keeps reading frames and drops them.
	NoSubscriberPlay

	// NoSubscriberStop stops and discards the resource.
	NoSubscriberStop
)

func (b NoSubscriberBehavior) String() string {
	switch b {
	case NoSubscriberPause:
		return "pause"
	case NoSubscriberPlay:
		return "play"
	case NoSubscriberStop:
		return "stop"
	default:
		return fmt.Sprintf("NoSubscriberBehavior(%d)", int(b))
	}
}

// ParseNoSubscriberBehavior maps "pause", "play" or "stop" to a behavior.
func ParseNoSubscriberBehavior(s string) (NoSubscriberBehavior, error) {
	switch s {
	case "", "pause":
		return NoSubscriberPause, nil
	case "play":
		return NoSubscriberPlay, nil
	case "stop":
		return NoSubscriberStop, nil
	}
	return 0, fmt.Errorf("player: unknown no-subscriber behavior %q", s)
}

// StateChange is emitted on every transition.
type StateChange struct {
	GuildID  string
	Old, New State

	// Resource is the resource loaded after the transition, or the one that
	// just finished when New is StateIdle.
	Resource *audio.Resource
	At       time.Time
}
