package voice

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a [SignalConn].
type State int

const (
	// StateSignalling waits for both halves of the voice session.
	StateSignalling State = iota

	// StateConnecting performs a fresh handshake.
	StateConnecting

	// StateReady means frames can be transmitted.
	StateReady

	// StateResuming reconnects with the previous session.
	StateResuming

	// StateDisconnected means the session was lost. It is either retried or
	// waits for a fresh voice state cycle.
	StateDisconnected

	// StateDestroyed is terminal.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateSignalling:
		return "signalling"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateResuming:
		return "resuming"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateSignalling:   {StateConnecting},
	StateConnecting:   {StateReady, StateDisconnected},
	StateReady:        {StateResuming, StateDisconnected, StateConnecting},
	StateResuming:     {StateReady, StateDisconnected, StateConnecting},
	StateDisconnected: {StateConnecting},
}

// CanTransition reports whether from -> to is legal. Every state except
// Destroyed may move to Destroyed.
func CanTransition(from, to State) bool {
	if to == StateDestroyed {
		return from != StateDestroyed
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is published on every transition.
type StateChange struct {
	GuildID  string
	From, To State
	At       time.Time

	// Err is the cause when To is Disconnected or Destroyed, or the loss
	// that triggered a resume.
	Err error
}

// Session is the pair of halves needed to open a voice connection: the
// session id from VOICE_STATE_UPDATE and the token and endpoint from
// VOICE_SERVER_UPDATE.
type Session struct {
	GuildID   string
	ChannelID string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

// Complete reports whether both halves are present.
func (s Session) Complete() bool {
	return s.SessionID != "" && s.Token != "" && s.Endpoint != ""
}

// missing names the absent half, for timeout errors.
func (s Session) missing() string {
	switch {
	case s.SessionID == "" && (s.Token == "" || s.Endpoint == ""):
		return "voice state and voice server"
	case s.SessionID == "":
		return "voice state"
	case s.Token == "" || s.Endpoint == "":
		return "voice server"
	}
	return ""
}
