// Package errs defines the error taxonomy shared by the gateway, voice and
// audio packages.
//
// Every error surfaced to callers is an [*Error] carrying a [Kind] plus enough
// context (shard or guild, last known state) to decide remediation. Callers
// classify errors with [errors.Is] against the Kind sentinels:
//
//	if errors.Is(err, errs.ErrAuth) { ... }
//
// [ErrTimeout] is also reported as [ErrTransport], since a bounded wait that
// expired is treated as a network-level failure.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for retry and propagation decisions.
type Kind int

const (
	// KindTransport is a network-level failure. Retryable.
	KindTransport Kind = iota + 1

	// KindProtocol is a malformed or unexpected frame. Fatal for the current
	// session; may trigger a re-identify.
	KindProtocol

	// KindAuth is an authentication or authorisation failure. Never retried.
	KindAuth

	// KindRateLimited is a server-side throttle. Retryable after RetryAfter.
	KindRateLimited

	// KindTimeout is an exceeded bounded wait. Treated as KindTransport.
	KindTimeout

	// KindResource is an audio source failure, isolated to one player.
	KindResource

	// KindCanceled marks a wait resolved by Disconnect or context cancellation.
	KindCanceled
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindResource:
		return "resource"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// kindError is the sentinel type behind the Err* values so that errors.Is
// matches on Kind alone.
type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() + " error" }

// Sentinels for errors.Is classification.
var (
	ErrTransport   error = &kindError{KindTransport}
	ErrProtocol    error = &kindError{KindProtocol}
	ErrAuth        error = &kindError{KindAuth}
	ErrRateLimited error = &kindError{KindRateLimited}
	ErrTimeout     error = &kindError{KindTimeout}
	ErrResource    error = &kindError{KindResource}
	ErrCanceled    error = &kindError{KindCanceled}
)

// Error is the concrete error type returned by the runtime packages.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation that failed (e.g. "gateway.identify").
	Op string

	// ShardID is the gateway shard, or -1 when not applicable.
	ShardID int

	// GuildID is the guild, or empty when not applicable.
	GuildID string

	// State is the last known state of the component when the error occurred.
	State string

	// RetryAfter is the server-specified delay for KindRateLimited errors.
	RetryAfter time.Duration

	// Err is the underlying cause. May be nil.
	Err error
}

// New builds an [*Error] with no shard or guild context.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, ShardID: -1, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.ShardID >= 0 {
		fmt.Fprintf(&b, " (shard %d", e.ShardID)
		if e.State != "" {
			fmt.Fprintf(&b, ", state %s", e.State)
		}
		b.WriteString(")")
	} else if e.GuildID != "" {
		fmt.Fprintf(&b, " (guild %s", e.GuildID)
		if e.State != "" {
			fmt.Fprintf(&b, ", state %s", e.State)
		}
		b.WriteString(")")
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind. Timeouts also
// match [ErrTransport].
func (e *Error) Is(target error) bool {
	k, ok := target.(*kindError)
	if !ok {
		return false
	}
	if k.kind == e.Kind {
		return true
	}
	return e.Kind == KindTimeout && k.kind == KindTransport
}

// WithShard returns a copy of e annotated with shard context.
func (e *Error) WithShard(shardID int, state string) *Error {
	c := *e
	c.ShardID = shardID
	c.State = state
	return &c
}

// WithGuild returns a copy of e annotated with guild context.
func (e *Error) WithGuild(guildID, state string) *Error {
	c := *e
	c.GuildID = guildID
	c.State = state
	return &c
}

// KindOf returns the kind of the first [*Error] in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Retryable reports whether err may succeed if the operation is repeated.
// Transport, timeout and rate-limit failures are retryable; everything else
// is not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// RetryAfter returns the delay requested by the first [*Error] in err's
// chain, or 0 when none was given.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
