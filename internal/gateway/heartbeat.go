package gateway

import (
	"math/rand/v2"
	"time"
)

// Heartbeater tracks the liveness pulse of one connection. It holds no timer
// of its own: the owning event loop schedules beats using [Heartbeater.FirstDelay]
// and [Heartbeater.Interval] and reports outcomes through Beat and Ack.
//
// Heartbeater is not safe for concurrent use; it is owned by one event loop.
type Heartbeater struct {
	interval time.Duration
	lastSent time.Time
	lastAck  time.Time
	acked    bool
	latency  time.Duration
}

// HeartbeatState is a snapshot of a [Heartbeater].
type HeartbeatState struct {
	Interval time.Duration
	LastSent time.Time
	Acked    bool
	Latency  time.Duration
}

// Reset starts a fresh cadence with the server-provided interval. The first
// beat counts as acknowledged so it is always sent.
func (h *Heartbeater) Reset(interval time.Duration) {
	h.interval = interval
	h.lastSent = time.Time{}
	h.lastAck = time.Time{}
	h.acked = true
	h.latency = 0
}

// Interval returns the current heartbeat interval.
func (h *Heartbeater) Interval() time.Duration { return h.interval }

// FirstDelay returns the jittered delay before the first beat, in
// [0, interval), so that many clients reconnecting at once spread out.
func (h *Heartbeater) FirstDelay() time.Duration {
	if h.interval <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * float64(h.interval))
}

// Beat records that a heartbeat is being sent at now. It returns false when
// the previous beat was never acknowledged, in which case the caller must
// treat the connection as failed and not send.
func (h *Heartbeater) Beat(now time.Time) bool {
	if !h.acked {
		return false
	}
	h.acked = false
	h.lastSent = now
	return true
}

// Ack records a heartbeat acknowledgement at now and returns the measured
// round trip.
func (h *Heartbeater) Ack(now time.Time) time.Duration {
	h.acked = true
	h.lastAck = now
	if !h.lastSent.IsZero() {
		h.latency = now.Sub(h.lastSent)
	}
	return h.latency
}

// State returns a snapshot.
func (h *Heartbeater) State() HeartbeatState {
	return HeartbeatState{
		Interval: h.interval,
		LastSent: h.lastSent,
		Acked:    h.acked,
		Latency:  h.latency,
	}
}
