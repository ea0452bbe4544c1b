package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// ErrFormatNotRegistered is returned by [Registry.Open] when no opener has
// been registered for the entry's format.
var ErrFormatNotRegistered = errors.New("config: source format not registered")

// Opener builds a playable resource from a source entry.
type Opener func(SourceEntry) (*audio.Resource, error)

// Registry maps source formats to their openers. It is safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	openers map[SourceFormat]Opener
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{openers: make(map[SourceFormat]Opener)}
}

// NewDefaultRegistry returns a [Registry] with the built-in ogg, framed and
// pcm openers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(FormatOgg, openOgg)
	r.Register(FormatFramed, openFramed)
	r.Register(FormatPCM, openPCM)
	return r
}

// Register registers an opener for format. A later registration for the
// same format replaces the earlier one.
func (r *Registry) Register(format SourceFormat, open Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[format] = open
}

// Open builds a resource for e using the opener for its resolved format.
func (r *Registry) Open(e SourceEntry) (*audio.Resource, error) {
	format := e.ResolvedFormat()
	r.mu.RLock()
	open, ok := r.openers[format]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFormatNotRegistered, format)
	}
	return open(e)
}

// Formats returns the registered formats.
func (r *Registry) Formats() []SourceFormat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SourceFormat, 0, len(r.openers))
	for f := range r.openers {
		out = append(out, f)
	}
	return out
}

func entryTitle(e SourceEntry) string {
	if e.Title != "" {
		return e.Title
	}
	return strings.TrimSuffix(filepath.Base(e.Path), filepath.Ext(e.Path))
}

func openOgg(e SourceEntry) (*audio.Resource, error) {
	src, err := audio.OpenOgg(e.Path)
	if err != nil {
		return nil, err
	}
	return audio.NewResource(src, audio.Metadata{Title: entryTitle(e), URL: e.Path}), nil
}

func openFramed(e SourceEntry) (*audio.Resource, error) {
	f, err := os.Open(e.Path)
	if err != nil {
		return nil, audio.ResourceError("audio.open", err)
	}
	return audio.NewResource(audio.NewFramedSource(f), audio.Metadata{Title: entryTitle(e), URL: e.Path}), nil
}

func openPCM(e SourceEntry) (*audio.Resource, error) {
	in := audio.Format{SampleRate: e.SampleRate, Channels: e.Channels}
	if in.SampleRate == 0 {
		in.SampleRate = audio.SampleRate
	}
	if in.Channels == 0 {
		in.Channels = audio.Channels
	}
	bitrate := e.Bitrate
	if bitrate == 0 {
		bitrate = 64000
	}
	f, err := os.Open(e.Path)
	if err != nil {
		return nil, audio.ResourceError("audio.open", err)
	}
	src, err := audio.NewPCMSource(f, in, bitrate)
	if err != nil {
		f.Close()
		return nil, audio.ResourceError("audio.open", err)
	}
	return audio.NewResource(src, audio.Metadata{Title: entryTitle(e), URL: e.Path}), nil
}
