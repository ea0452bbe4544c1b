package gateway

import "time"

// State is the lifecycle state of a gateway [Conn].
type State int

const (
	// StateIdle is the state before Connect is called.
	StateIdle State = iota

	// StateConnecting means the transport is being opened and Hello awaited.
	StateConnecting

	// StateIdentifying means Identify was sent and Ready is awaited.
	StateIdentifying

	// StateResuming means Resume was sent and replay is in progress.
	StateResuming

	// StateReady means the session is live; intents are accepted.
	StateReady

	// StateDisconnected means the transport was lost; a retry is pending.
	StateDisconnected

	// StateReconnecting means the retry delay is elapsing.
	StateReconnecting

	// StateDestroyed is terminal.
	StateDestroyed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// transitions lists every allowed edge. Destroyed is reachable from every
// state and has no outgoing edges.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting},
	StateConnecting:   {StateIdentifying, StateResuming, StateDisconnected},
	StateIdentifying:  {StateReady, StateDisconnected},
	StateResuming:     {StateReady, StateDisconnected},
	StateReady:        {StateDisconnected},
	StateDisconnected: {StateReconnecting},
	StateReconnecting: {StateConnecting},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	if from == StateDestroyed {
		return false
	}
	if to == StateDestroyed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is emitted on every transition.
type StateChange struct {
	ShardID int
	From    State
	To      State
	At      time.Time

	// Err is the cause for transitions into Disconnected or Destroyed, if any.
	Err error
}
