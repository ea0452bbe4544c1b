package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/voice"
)

func readyz(t *testing.T, h *Handler) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, res
}

func TestReadyz_RealCheckers(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		shards = []fakeShard{{0, gateway.StateReady}, {1, gateway.StateReady}}
		conns  = []fakeVoice{{"10", voice.StateReady}}
	)
	listShards := func() []fakeShard {
		mu.Lock()
		defer mu.Unlock()
		return append([]fakeShard(nil), shards...)
	}
	listVoice := func() []fakeVoice {
		mu.Lock()
		defer mu.Unlock()
		return append([]fakeVoice(nil), conns...)
	}
	h := New(Shards(listShards), Voice(listVoice))

	code, res := readyz(t, h)
	if code != http.StatusOK || res.Status != "ok" {
		t.Fatalf("readyz = %d %q, want 200 ok", code, res.Status)
	}
	if res.Checks["shards"] != "ok" || res.Checks["voice"] != "ok" {
		t.Errorf("checks = %v, want both ok", res.Checks)
	}

	mu.Lock()
	shards[1].state = gateway.StateResuming
	conns = append(conns, fakeVoice{"11", voice.StateDisconnected})
	mu.Unlock()

	code, res = readyz(t, h)
	if code != http.StatusServiceUnavailable || res.Status != "fail" {
		t.Fatalf("readyz = %d %q, want 503 fail", code, res.Status)
	}
	if got := res.Checks["shards"]; !strings.Contains(got, "1=resuming") {
		t.Errorf("shards check = %q, want shard 1 reported", got)
	}
	if got := res.Checks["voice"]; !strings.Contains(got, "11") || strings.Contains(got, "10") {
		t.Errorf("voice check = %q, want only guild 11 reported", got)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	// Each check only passes once the other one has started.
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context) error {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: barrier}, Checker{Name: "b", Check: barrier})
	h.timeout = time.Second

	code, res := readyz(t, h)
	if code != http.StatusOK {
		t.Fatalf("readyz = %d (%v), want 200", code, res.Checks)
	}
}

func TestReadyz_SlowCheckerBoundedByTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	// Ignores its context to show the handler does not wait on it.
	stuck := Checker{Name: "stuck", Check: func(context.Context) error {
		<-release
		return nil
	}}
	h := New(
		stuck,
		Shards(func() []fakeShard { return []fakeShard{{0, gateway.StateReady}} }),
		Voice(func() []fakeVoice { return nil }),
	)
	h.timeout = 50 * time.Millisecond

	start := time.Now()
	code, res := readyz(t, h)
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("readyz took %v, want about the check timeout", elapsed)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if got := res.Checks["stuck"]; got != "fail: "+context.DeadlineExceeded.Error() {
		t.Errorf("stuck check = %q, want deadline failure", got)
	}
	if res.Checks["shards"] != "ok" || res.Checks["voice"] != "ok" {
		t.Errorf("checks = %v, want shards and voice ok", res.Checks)
	}
}

func TestRegister_Routes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(Shards(func() []fakeShard { return nil })).Register(mux)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusServiceUnavailable},
		{http.MethodPost, "/readyz", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
		if tt.want != http.StatusMethodNotAllowed {
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("%s Content-Type = %q", tt.path, ct)
			}
		}
	}
}
