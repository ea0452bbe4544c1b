package gateway

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/MrWong99/voxgate/pkg/transport"
	"github.com/cenkalti/backoff/v4"
)

// Close codes sent by the gateway.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// action is what the run loop does after a connection ends.
type action int

const (
	actionResume action = iota
	actionReidentify
	actionFatal
)

func (a action) String() string {
	switch a {
	case actionResume:
		return "resume"
	case actionReidentify:
		return "identify"
	default:
		return "fatal"
	}
}

// decision is the classified outcome of a connection ending.
type decision struct {
	action     action
	retryAfter time.Duration
	err        error
}

// Internal causes raised by the event loop.
var (
	errMissedAck          = errors.New("heartbeat not acknowledged")
	errReconnectRequested = errors.New("server requested reconnect")
	errSequenceGap        = errors.New("dispatch sequence gap")
)

// invalidSessionError carries the resumable flag of an InvalidSession frame.
type invalidSessionError struct{ resumable bool }

func (e *invalidSessionError) Error() string {
	return "invalid session (resumable=" + strconv.FormatBool(e.resumable) + ")"
}

// retryPolicy holds the delays classify applies.
type retryPolicy struct {
	// rateLimitDelay is the fallback delay for close 4008 when the reason
	// carries no usable hint.
	rateLimitDelay time.Duration

	// invalidSessionMax bounds the random wait after InvalidSession.
	invalidSessionMax time.Duration
}

// classify maps the error that ended a connection to a recovery action.
func classify(err error, p retryPolicy) decision {
	var ise *invalidSessionError
	if errors.As(err, &ise) {
		d := decision{action: actionReidentify, retryAfter: jitter(p.invalidSessionMax), err: err}
		if ise.resumable {
			d.action = actionResume
		}
		return d
	}

	var ce *transport.CloseError
	if errors.As(err, &ce) {
		return classifyClose(ce, p.rateLimitDelay, err)
	}

	switch errs.KindOf(err) {
	case errs.KindAuth:
		return decision{action: actionFatal, err: err}
	case errs.KindProtocol:
		return decision{action: actionReidentify, err: err}
	}
	return decision{action: actionResume, err: err}
}

func classifyClose(ce *transport.CloseError, rateLimitDelay time.Duration, err error) decision {
	switch ce.Code {
	case CloseAuthenticationFailed:
		return decision{action: actionFatal, err: wrapKind(errs.KindAuth, err)}
	case CloseInvalidShard, CloseShardingRequired, CloseInvalidAPIVersion,
		CloseInvalidIntents, CloseDisallowedIntents:
		return decision{action: actionFatal, err: wrapKind(errs.KindProtocol, err)}
	case CloseRateLimited:
		delay := parseRetryAfter(ce.Reason)
		if delay <= 0 {
			delay = rateLimitDelay
		}
		e := errs.New(errs.KindRateLimited, "gateway.read", err)
		e.RetryAfter = delay
		return decision{action: actionResume, retryAfter: delay, err: e}
	case CloseInvalidSeq, CloseSessionTimedOut, transport.CodeNormal:
		return decision{action: actionReidentify, err: wrapKind(errs.KindTransport, err)}
	}
	return decision{action: actionResume, err: wrapKind(errs.KindTransport, err)}
}

func wrapKind(kind errs.Kind, err error) error {
	if errs.KindOf(err) != 0 {
		return err
	}
	return errs.New(kind, "gateway.read", err)
}

// parseRetryAfter extracts a delay in seconds from a close reason such as
// "rate limited, retry after 2.5". It returns 0 when no number is found.
func parseRetryAfter(reason string) time.Duration {
	for _, f := range strings.FieldsFunc(reason, func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == '='
	}) {
		f = strings.TrimSuffix(f, "s")
		if secs, err := strconv.ParseFloat(f, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

// jitter returns a random duration in [limit/5, limit]. With the default 5s bound
// this is the 1-5s wait the server expects after InvalidSession.
func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	lo := limit / 5
	return lo + time.Duration(rand.Int64N(int64(limit-lo)+1))
}

// newBackOff builds the reconnect schedule.
func newBackOff(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
