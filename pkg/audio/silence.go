package audio

import (
	"io"
	"slices"
	"time"
)

// SilenceSource yields SilenceFrame for the given duration, rounded up to
// whole frames.
type SilenceSource struct {
	left int
}

// NewSilenceSource returns a source of d worth of silence.
func NewSilenceSource(d time.Duration) *SilenceSource {
	n := int((d + FrameDuration - 1) / FrameDuration)
	return &SilenceSource{left: max(n, 0)}
}

// NextFrame implements [Source].
func (s *SilenceSource) NextFrame() ([]byte, error) {
	if s.left == 0 {
		return nil, io.EOF
	}
	s.left--
	return slices.Clone(SilenceFrame), nil
}

// FrameSource replays an in-memory list of frames, then returns Err, or
// io.EOF when Err is nil.
type FrameSource struct {
	Frames [][]byte
	Err    error

	next int
}

// NewFrameSource returns a source over frames.
func NewFrameSource(frames ...[]byte) *FrameSource {
	return &FrameSource{Frames: frames}
}

// NextFrame implements [Source].
func (s *FrameSource) NextFrame() ([]byte, error) {
	if s.next >= len(s.Frames) {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.EOF
	}
	f := s.Frames[s.next]
	s.next++
	return f, nil
}
