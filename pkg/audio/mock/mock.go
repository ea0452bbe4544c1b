// Package mock provides in-memory implementations of [audio.Source],
// [audio.Prober] and the player's subscriber contract for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields to control results.
//
// Typical usage:
//
//	src := mock.NewSource(1000)
//	sub := &mock.Subscriber{}
//	sub.SetReady(true)
//	res := audio.NewResource(src, audio.Metadata{Title: "test"})
package mock

import (
	"context"
	"encoding/binary"
	"io"
	"slices"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a scripted [audio.Source]. Frame i is the 4-byte big-endian
// encoding of i, so tests can identify exactly which frame reached a sink.
type Source struct {
	mu sync.Mutex

	// Total is the number of frames yielded before EOF (or FailAt).
	Total int

	// FailAt, when positive, makes the FailAt-th call (1-based) return Err.
	FailAt int

	// Err is returned at FailAt. Defaults to io.ErrUnexpectedEOF.
	Err error

	// CallCountNextFrame records how many times NextFrame was called.
	CallCountNextFrame int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	next int
}

// NewSource returns a Source yielding total frames.
func NewSource(total int) *Source {
	return &Source{Total: total}
}

// Frame returns the payload a Source yields for index i.
func Frame(i int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(i))
	return b
}

// FrameIndex decodes a payload produced by [Frame].
func FrameIndex(frame []byte) int {
	if len(frame) != 4 {
		return -1
	}
	return int(binary.BigEndian.Uint32(frame))
}

// NextFrame implements [audio.Source].
func (s *Source) NextFrame() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountNextFrame++
	if s.FailAt > 0 && s.CallCountNextFrame == s.FailAt {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.ErrUnexpectedEOF
	}
	if s.next >= s.Total {
		return nil, io.EOF
	}
	f := Frame(s.next)
	s.next++
	return f, nil
}

// Close implements [io.Closer].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Closed reports whether Close was called at least once.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// Served returns how many frames were yielded.
func (s *Source) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// ─── Prober ──────────────────────────────────────────────────────────────────

// Prober is a mock [audio.Prober].
type Prober struct {
	mu sync.Mutex

	// Results maps URLs to probe results. Missing URLs return Err or a zero
	// result.
	Results map[string]audio.ProbeResult

	// Err is returned for URLs not present in Results.
	Err error

	// Calls records every probed URL in order.
	Calls []string
}

// Probe implements [audio.Prober].
func (p *Prober) Probe(ctx context.Context, url string) (audio.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, url)
	if err := ctx.Err(); err != nil {
		return audio.ProbeResult{}, err
	}
	if r, ok := p.Results[url]; ok {
		return r, nil
	}
	return audio.ProbeResult{}, p.Err
}

// ─── Subscriber ──────────────────────────────────────────────────────────────

// Subscriber records frames handed to it by a player. It reports Ready only
// after SetReady(true).
type Subscriber struct {
	mu     sync.Mutex
	ready  bool
	full   bool
	frames [][]byte

	// CallCountWriteFrame counts every WriteFrame call, accepted or not.
	CallCountWriteFrame int
}

// SetReady toggles readiness.
func (s *Subscriber) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// SetFull makes WriteFrame reject frames as if its buffer were full.
func (s *Subscriber) SetFull(full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = full
}

// Ready reports the value set by SetReady.
func (s *Subscriber) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// WriteFrame records frame unless the subscriber is full.
func (s *Subscriber) WriteFrame(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountWriteFrame++
	if s.full {
		return false
	}
	s.frames = append(s.frames, slices.Clone(frame))
	return true
}

// Frames returns a copy of every accepted frame in order.
func (s *Subscriber) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// Len returns the number of accepted frames.
func (s *Subscriber) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
