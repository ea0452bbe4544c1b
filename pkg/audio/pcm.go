package audio

import (
	"errors"
	"fmt"
	"io"

	"layeh.com/gopus"
)

// pcmFrameBytes is one 20 ms frame of 48 kHz stereo int16 PCM.
const pcmFrameBytes = FrameSamples * Channels * 2 // 3840

// maxOpusFrame bounds one encoded frame.
const maxOpusFrame = 4000

// OpusEncoder encodes 20 ms frames of voice-format PCM.
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder returns an encoder for 48 kHz stereo audio.
func NewOpusEncoder(bitrate int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &OpusEncoder{enc: enc}, nil
}

// Encode encodes exactly one frame of little-endian int16 PCM.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != pcmFrameBytes {
		return nil, fmt.Errorf("audio: opus encode: got %d bytes, want %d", len(pcm), pcmFrameBytes)
	}
	out, err := e.enc.Encode(bytesToInt16s(pcm), FrameSamples, maxOpusFrame)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return out, nil
}

// OpusDecoder decodes voice Opus frames back to PCM.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder returns a decoder for 48 kHz stereo audio.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus frame to little-endian int16 PCM.
func (d *OpusDecoder) Decode(frame []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(frame, FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		putSample(b, i, s)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = sample(b, i)
	}
	return pcm
}

// PCMSource encodes raw little-endian int16 PCM into Opus frames. Input in
// any rate or channel layout is converted to the voice format first. The
// final partial frame is padded with silence.
type PCMSource struct {
	r      io.Reader
	closer io.Closer
	in     Format
	conv   FormatConverter
	enc    *OpusEncoder

	readBuf []byte
	pending []byte
	odd     []byte
	eof     bool
}

// NewPCMSource reads PCM in format in from r.
func NewPCMSource(r io.Reader, in Format, bitrate int) (*PCMSource, error) {
	if in.SampleRate <= 0 || in.Channels < 1 || in.Channels > 2 {
		return nil, fmt.Errorf("audio: unsupported PCM input %s", in)
	}
	enc, err := NewOpusEncoder(bitrate)
	if err != nil {
		return nil, err
	}
	s := &PCMSource{
		r:       r,
		in:      in,
		conv:    FormatConverter{Target: VoiceFormat},
		enc:     enc,
		readBuf: make([]byte, pcmFrameBytes),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// NextFrame implements [Source].
func (s *PCMSource) NextFrame() ([]byte, error) {
	for len(s.pending) < pcmFrameBytes && !s.eof {
		n, err := s.r.Read(s.readBuf)
		if n > 0 {
			s.push(s.readBuf[:n])
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(s.pending) == 0 {
		return nil, io.EOF
	}

	frame := make([]byte, pcmFrameBytes)
	n := copy(frame, s.pending)
	s.pending = s.pending[n:]
	return s.enc.Encode(frame)
}

// push converts raw input and appends it. Bytes that do not fill a whole
// sample across reads are carried over.
func (s *PCMSource) push(raw []byte) {
	if len(s.odd) > 0 {
		raw = append(s.odd, raw...)
		s.odd = nil
	}
	align := 2 * s.in.Channels
	if rem := len(raw) % align; rem != 0 {
		s.odd = append([]byte(nil), raw[len(raw)-rem:]...)
		raw = raw[:len(raw)-rem]
	}
	if len(raw) == 0 {
		return
	}
	out := s.conv.Convert(AudioFrame{Data: raw, SampleRate: s.in.SampleRate, Channels: s.in.Channels})
	s.pending = append(s.pending, out.Data...)
}

// Close implements [io.Closer].
func (s *PCMSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
