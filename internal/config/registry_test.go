package config_test

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/errs"
)

func TestRegistry_OpenFramed(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	for _, f := range [][]byte{{1, 2}, {3}} {
		if err := audio.WriteFramed(&buf, f); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "clip.bin")
	writeFile(t, path, buf.String())

	res, err := config.NewDefaultRegistry().Open(config.SourceEntry{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer res.Close()
	if res.Metadata.Title != "clip" {
		t.Errorf("title = %q, want clip", res.Metadata.Title)
	}
	var frames int
	for {
		_, err := res.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		frames++
	}
	if frames != 2 {
		t.Errorf("frames = %d, want 2", frames)
	}
}

func TestRegistry_MissingFileIsResourceError(t *testing.T) {
	t.Parallel()
	reg := config.NewDefaultRegistry()
	for _, format := range []config.SourceFormat{config.FormatOgg, config.FormatFramed, config.FormatPCM} {
		_, err := reg.Open(config.SourceEntry{Path: "/nonexistent/clip", Format: format})
		if !errors.Is(err, errs.ErrResource) {
			t.Errorf("%s: Open = %v, want resource error", format, err)
		}
	}
}

func TestRegistry_UnregisteredFormat(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().Open(config.SourceEntry{Path: "a.ogg"})
	if !errors.Is(err, config.ErrFormatNotRegistered) {
		t.Errorf("Open = %v, want ErrFormatNotRegistered", err)
	}
}

func TestRegistry_RegisterOverrides(t *testing.T) {
	t.Parallel()
	reg := config.NewDefaultRegistry()
	reg.Register(config.FormatOgg, func(e config.SourceEntry) (*audio.Resource, error) {
		return audio.NewResource(audio.NewFrameSource([]byte{9}), audio.Metadata{Title: "stub " + e.Path}), nil
	})
	res, err := reg.Open(config.SourceEntry{Path: "x.ogg"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.Metadata.Title != "stub x.ogg" {
		t.Errorf("title = %q", res.Metadata.Title)
	}
	if got := len(reg.Formats()); got != 3 {
		t.Errorf("formats = %d, want 3", got)
	}
}
