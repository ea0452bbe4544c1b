package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonas747/ogg"
)

var (
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

// OggSource demuxes Opus packets from an Ogg container. The OpusHead and
// OpusTags header packets are skipped.
type OggSource struct {
	dec    *ogg.PacketDecoder
	closer io.Closer
	tags   map[string]string
}

// NewOggSource reads an Ogg Opus stream from r. If r is an [io.Closer] it is
// closed with the source.
func NewOggSource(r io.Reader) *OggSource {
	s := &OggSource{dec: ogg.NewPacketDecoder(ogg.NewDecoder(r))}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenOgg opens an Ogg Opus file.
func OpenOgg(path string) (*OggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ResourceError("audio.open", err)
	}
	return NewOggSource(f), nil
}

// NextFrame implements [Source].
func (s *OggSource) NextFrame() ([]byte, error) {
	for {
		packet, _, err := s.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("ogg: %w", err)
		}
		switch {
		case bytes.HasPrefix(packet, opusHeadMagic):
			continue
		case bytes.HasPrefix(packet, opusTagsMagic):
			s.tags = parseOpusTags(packet)
			continue
		case len(packet) == 0:
			continue
		}
		return packet, nil
	}
}

// Tags returns the Vorbis comments seen so far, keyed by upper-case name.
func (s *OggSource) Tags() map[string]string { return s.tags }

// Close implements [io.Closer].
func (s *OggSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// parseOpusTags decodes the comment header: vendor string then a list of
// NAME=value comments, all length-prefixed little-endian.
func parseOpusTags(packet []byte) map[string]string {
	tags := make(map[string]string)
	b := packet[len(opusTagsMagic):]
	next := func() (string, bool) {
		if len(b) < 4 {
			return "", false
		}
		n := binary.LittleEndian.Uint32(b)
		b = b[4:]
		if uint64(n) > uint64(len(b)) {
			return "", false
		}
		s := string(b[:n])
		b = b[n:]
		return s, true
	}
	if _, ok := next(); !ok { // vendor
		return tags
	}
	if len(b) < 4 {
		return tags
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	for range count {
		c, ok := next()
		if !ok {
			break
		}
		k, v, found := strings.Cut(c, "=")
		if !found {
			continue
		}
		tags[strings.ToUpper(k)] = v
	}
	return tags
}

// PacketDuration returns the audio duration of one Opus packet from its TOC
// byte (RFC 6716 section 3.1).
func PacketDuration(packet []byte) time.Duration {
	if len(packet) == 0 {
		return 0
	}
	toc := packet[0]
	config := toc >> 3

	var frame time.Duration
	switch {
	case config < 12: // SILK
		frame = [...]time.Duration{10, 20, 40, 60}[config%4] * time.Millisecond
	case config < 16: // Hybrid
		frame = [...]time.Duration{10, 20}[config%2] * time.Millisecond
	default: // CELT
		frame = [...]time.Duration{2500, 5000, 10000, 20000}[config%4] * time.Microsecond
	}

	var count int
	switch toc & 0x3 {
	case 0:
		count = 1
	case 1, 2:
		count = 2
	default:
		if len(packet) < 2 {
			return 0
		}
		count = int(packet[1] & 0x3F)
	}
	return frame * time.Duration(count)
}

// OggProber probes local Ogg Opus files. The title comes from the TITLE
// comment, falling back to the file name; the duration is the sum of packet
// durations.
type OggProber struct{}

// Probe implements [Prober]. url may be a plain path or a file:// URL.
func (OggProber) Probe(ctx context.Context, url string) (ProbeResult, error) {
	path := strings.TrimPrefix(url, "file://")
	src, err := OpenOgg(path)
	if err != nil {
		return ProbeResult{}, err
	}
	defer src.Close()

	var total time.Duration
	for n := 0; ; n++ {
		if n%500 == 0 {
			if err := ctx.Err(); err != nil {
				return ProbeResult{}, ResourceError("audio.probe", err)
			}
		}
		packet, err := src.NextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ProbeResult{}, ResourceError("audio.probe", fmt.Errorf("%s: %w", path, err))
		}
		total += PacketDuration(packet)
	}

	title := src.Tags()["TITLE"]
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ProbeResult{Title: title, DurationSeconds: total.Seconds()}, nil
}
