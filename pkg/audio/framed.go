package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// FramedSource reads length-prefixed Opus frames: a uint16 little-endian
// length followed by that many bytes, repeated. There is no header.
type FramedSource struct {
	r      io.Reader
	closer io.Closer
}

// NewFramedSource reads frames from r. If r is an [io.Closer] it is closed
// with the source.
func NewFramedSource(r io.Reader) *FramedSource {
	s := &FramedSource{r: r}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NextFrame implements [Source]. A stream truncated mid-frame ends the
// source like a clean EOF.
func (s *FramedSource) NextFrame() ([]byte, error) {
	var size uint16
	if err := binary.Read(s.r, binary.LittleEndian, &size); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(s.r, frame); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return frame, nil
}

// Close implements [io.Closer].
func (s *FramedSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// WriteFramed appends one frame in the length-prefixed format.
func WriteFramed(w io.Writer, frame []byte) error {
	if len(frame) > math.MaxUint16 {
		return fmt.Errorf("audio: frame of %d bytes exceeds framed limit", len(frame))
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
