package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/MrWong99/voxgate/pkg/transport"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateConnecting, StateIdentifying, true},
		{StateConnecting, StateResuming, true},
		{StateIdentifying, StateReady, true},
		{StateResuming, StateReady, true},
		{StateReady, StateDisconnected, true},
		{StateDisconnected, StateReconnecting, true},
		{StateReconnecting, StateConnecting, true},
		{StateReady, StateDestroyed, true},
		{StateIdle, StateDestroyed, true},

		{StateIdle, StateReady, false},
		{StateReady, StateIdentifying, false},
		{StateDisconnected, StateReady, false},
		{StateReconnecting, StateReady, false},
		{StateDestroyed, StateConnecting, false},
		{StateDestroyed, StateDestroyed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSessionCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		last int64
		seq  int64
		want seqVerdict
	}{
		{"fresh session accepts anything", 0, 7, seqAccept},
		{"next in order", 10, 11, seqAccept},
		{"replayed", 10, 10, seqDuplicate},
		{"older", 10, 3, seqDuplicate},
		{"gap", 10, 12, seqGap},
		{"unsequenced", 10, 0, seqAccept},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Session{Sequence: tt.last}
			if got := s.check(tt.seq); got != tt.want {
				t.Errorf("check(%d) after %d = %d, want %d", tt.seq, tt.last, got, tt.want)
			}
		})
	}
}

func TestHeartbeater(t *testing.T) {
	t.Parallel()
	var h Heartbeater
	h.Reset(40 * time.Millisecond)

	for range 100 {
		if d := h.FirstDelay(); d < 0 || d >= 40*time.Millisecond {
			t.Fatalf("FirstDelay = %s, want [0, 40ms)", d)
		}
	}

	t0 := time.Now()
	if !h.Beat(t0) {
		t.Fatal("first beat refused")
	}
	if h.Beat(t0.Add(40 * time.Millisecond)) {
		t.Fatal("beat accepted without ack")
	}
	if got := h.Ack(t0.Add(15 * time.Millisecond)); got != 15*time.Millisecond {
		t.Errorf("latency = %s, want 15ms", got)
	}
	if !h.Beat(t0.Add(80 * time.Millisecond)) {
		t.Fatal("beat after ack refused")
	}
	if st := h.State(); st.Acked || st.Interval != 40*time.Millisecond {
		t.Errorf("state = %+v", st)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	p := retryPolicy{rateLimitDelay: 7 * time.Second, invalidSessionMax: 5 * time.Second}
	closeErr := func(code int, reason string) error {
		return &transport.CloseError{Code: code, Reason: reason}
	}

	tests := []struct {
		name     string
		err      error
		want     action
		wantKind error
	}{
		{"unknown error", closeErr(CloseUnknownError, ""), actionResume, errs.ErrTransport},
		{"decode error", closeErr(CloseDecodeError, ""), actionResume, errs.ErrTransport},
		{"already authenticated", closeErr(CloseAlreadyAuthenticated, ""), actionResume, errs.ErrTransport},
		{"abnormal", closeErr(transport.CodeAbnormal, ""), actionResume, errs.ErrTransport},
		{"going away", closeErr(transport.CodeGoingAway, ""), actionResume, errs.ErrTransport},
		{"invalid seq", closeErr(CloseInvalidSeq, ""), actionReidentify, errs.ErrTransport},
		{"session timed out", closeErr(CloseSessionTimedOut, ""), actionReidentify, errs.ErrTransport},
		{"normal", closeErr(transport.CodeNormal, ""), actionReidentify, errs.ErrTransport},
		{"auth failed", closeErr(CloseAuthenticationFailed, ""), actionFatal, errs.ErrAuth},
		{"invalid shard", closeErr(CloseInvalidShard, ""), actionFatal, errs.ErrProtocol},
		{"sharding required", closeErr(CloseShardingRequired, ""), actionFatal, errs.ErrProtocol},
		{"bad version", closeErr(CloseInvalidAPIVersion, ""), actionFatal, errs.ErrProtocol},
		{"invalid intents", closeErr(CloseInvalidIntents, ""), actionFatal, errs.ErrProtocol},
		{"disallowed intents", closeErr(CloseDisallowedIntents, ""), actionFatal, errs.ErrProtocol},
		{"rate limited", closeErr(CloseRateLimited, ""), actionResume, errs.ErrRateLimited},
		{"missed ack", errs.New(errs.KindTransport, "hb", errMissedAck), actionResume, errs.ErrTransport},
		{"reconnect op", errs.New(errs.KindTransport, "op7", errReconnectRequested), actionResume, errs.ErrTransport},
		{"hello timeout", errs.New(errs.KindTimeout, "hello", nil), actionResume, errs.ErrTimeout},
		{"bad frame", errs.New(errs.KindProtocol, "decode", nil), actionReidentify, errs.ErrProtocol},
		{"plain network error", errors.New("reset"), actionResume, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := classify(tt.err, p)
			if d.action != tt.want {
				t.Errorf("action = %s, want %s", d.action, tt.want)
			}
			if tt.wantKind != nil && !errors.Is(d.err, tt.wantKind) {
				t.Errorf("err = %v, want kind %v", d.err, tt.wantKind)
			}
		})
	}
}

func TestClassify_RateLimitDelay(t *testing.T) {
	t.Parallel()
	p := retryPolicy{rateLimitDelay: 7 * time.Second}

	d := classify(&transport.CloseError{Code: CloseRateLimited, Reason: "retry after 2.5"}, p)
	if d.retryAfter != 2500*time.Millisecond {
		t.Errorf("retryAfter = %s, want 2.5s", d.retryAfter)
	}
	var e *errs.Error
	if !errors.As(d.err, &e) || e.RetryAfter != 2500*time.Millisecond {
		t.Errorf("error RetryAfter not set: %v", d.err)
	}

	d = classify(&transport.CloseError{Code: CloseRateLimited, Reason: "You are being rate limited."}, p)
	if d.retryAfter != 7*time.Second {
		t.Errorf("fallback retryAfter = %s, want 7s", d.retryAfter)
	}
}

func TestClassify_InvalidSession(t *testing.T) {
	t.Parallel()
	p := retryPolicy{invalidSessionMax: 5 * time.Second}
	for _, resumable := range []bool{true, false} {
		err := errs.New(errs.KindProtocol, "session", &invalidSessionError{resumable: resumable})
		d := classify(err, p)
		want := actionReidentify
		if resumable {
			want = actionResume
		}
		if d.action != want {
			t.Errorf("resumable=%v: action = %s, want %s", resumable, d.action, want)
		}
		if d.retryAfter < time.Second || d.retryAfter > 5*time.Second {
			t.Errorf("resumable=%v: delay = %s, want 1-5s", resumable, d.retryAfter)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	tests := map[string]time.Duration{
		"":                      0,
		"rate limited":          0,
		"retry after 3":         3 * time.Second,
		"retry_after=0.5s":      500 * time.Millisecond,
		"slow down: 1.25, ok":   1250 * time.Millisecond,
		"negative -2 is ignored": 0,
	}
	for reason, want := range tests {
		if got := parseRetryAfter(reason); got != want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", reason, got, want)
		}
	}
}

func TestBackOff_CappedAndResettable(t *testing.T) {
	t.Parallel()
	b := newBackOff(10*time.Millisecond, 80*time.Millisecond)
	var last time.Duration
	for range 20 {
		last = b.NextBackOff()
		if last <= 0 || last > 120*time.Millisecond {
			t.Fatalf("NextBackOff = %s, want (0, 120ms]", last)
		}
	}
	b.Reset()
	if first := b.NextBackOff(); first > 15*time.Millisecond {
		t.Errorf("after Reset NextBackOff = %s, want <= 15ms", first)
	}
}
