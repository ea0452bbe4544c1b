// Package audio defines the playable side of voice playback: sources that
// yield encoded Opus frames, the resources a player consumes, and the probe
// contract callers use to describe a resource before playing it.
//
// All frames are 48 kHz stereo Opus, one frame per 20 ms.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/errs"
)

// Voice media format.
const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame.
	FrameSamples = SampleRate / 1000 * int(FrameDuration/time.Millisecond) // 960
)

// SilenceFrame is an Opus frame that decodes to 20 ms of silence.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// AudioFrame is a chunk of raw int16 little-endian PCM, used on the way into
// the Opus encoder.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks the frame position relative to stream start.
	Timestamp time.Duration
}

// Source yields encoded Opus frames in playback order. NextFrame returns
// [io.EOF] once the source is exhausted. A Source that also implements
// [io.Closer] is closed when its resource is discarded.
type Source interface {
	NextFrame() ([]byte, error)
}

// Metadata describes a resource for logs and notifications.
type Metadata struct {
	Title    string
	URL      string
	Duration time.Duration
}

// Resource is a single playable item. It is consumed by exactly one player
// and cannot be replayed once exhausted.
type Resource struct {
	Metadata Metadata

	src Source

	mu     sync.Mutex
	frames int
	ended  bool
	closed bool
}

// NewResource wraps src as a playable resource.
func NewResource(src Source, meta Metadata) *Resource {
	return &Resource{src: src, Metadata: meta}
}

// Read returns the next frame. It returns [io.EOF] when the source is
// exhausted and a resource error for any other failure. After either, every
// further call returns io.EOF.
func (r *Resource) Read() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended || r.closed {
		return nil, io.EOF
	}
	frame, err := r.src.NextFrame()
	if err != nil {
		r.ended = true
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ResourceError("audio.read", fmt.Errorf("%q: %w", r.Metadata.Title, err))
	}
	r.frames++
	return frame, nil
}

// Ended reports whether the resource has been exhausted or failed.
func (r *Resource) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// FramesRead returns the number of frames read so far.
func (r *Resource) FramesRead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Position is the playback position implied by FramesRead.
func (r *Resource) Position() time.Duration {
	return time.Duration(r.FramesRead()) * FrameDuration
}

// Close releases the underlying source. Safe to call more than once.
func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ResourceError wraps err as an [errs.ErrResource] failure.
func ResourceError(op string, err error) error {
	return errs.New(errs.KindResource, op, err)
}

// ProbeResult is what a [Prober] learns about a resource.
type ProbeResult struct {
	Title           string
	DurationSeconds float64
}

// Prober describes a resource without playing it.
type Prober interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
}
