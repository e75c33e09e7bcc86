// Package presets is the immutable registry of named quality configurations.
// The catalogs are built once at startup and validated eagerly; encode
// parameters derived from a preset (maxrate, bufsize, GOP length) are pure
// functions and are never stored.
package presets

import (
	"fmt"
	"sort"
)

// VideoPreset describes one 3GP output quality tier.
type VideoPreset struct {
	Name             string
	Title            string // human-readable label
	VideoBitrateKbps int
	AudioBitrateKbps int
	FrameRate        int
	SampleRate       int
	Width            int
	Height           int
	Description      string
}

// AudioPreset describes one MP3 output quality tier.
type AudioPreset struct {
	Name        string
	Title       string
	BitrateKbps int
	SampleRate  int
	VBRQuality  int
	Description string
}

// MaxBitrateKbps is the encoder's peak-rate ceiling: 1.25x the average.
func (p VideoPreset) MaxBitrateKbps() int {
	return p.VideoBitrateKbps * 125 / 100
}

// BufferSizeKbps is the rate-control buffer: 2x the average bitrate.
func (p VideoPreset) BufferSizeKbps() int {
	return p.VideoBitrateKbps * 2
}

// GOPLength is the keyframe interval in frames, ten seconds of video.
func (p VideoPreset) GOPLength() int {
	return p.FrameRate * 10
}

var videoCatalog = map[string]VideoPreset{
	"low": {
		Name:             "low",
		Title:            "Low (Recommended for Feature Phones)",
		VideoBitrateKbps: 200,
		AudioBitrateKbps: 96,
		FrameRate:        12,
		SampleRate:       44100,
		Width:            176,
		Height:           144,
		Description:      "~3 MB per 5 min",
	},
	"medium": {
		Name:             "medium",
		Title:            "Medium (Better Quality)",
		VideoBitrateKbps: 300,
		AudioBitrateKbps: 256,
		FrameRate:        15,
		SampleRate:       44100,
		Width:            176,
		Height:           144,
		Description:      "~4 MB per 5 min",
	},
	"high": {
		Name:             "high",
		Title:            "High (Best Quality)",
		VideoBitrateKbps: 400,
		AudioBitrateKbps: 320,
		FrameRate:        18,
		SampleRate:       48000,
		Width:            176,
		Height:           144,
		Description:      "~5 MB per 5 min",
	},
}

var audioCatalog = map[string]AudioPreset{
	"medium": {
		Name:        "medium",
		Title:       "128 kbps (Good Quality - Recommended)",
		BitrateKbps: 128,
		SampleRate:  44100,
		VBRQuality:  4,
		Description: "~5 MB per 5 min",
	},
	"high": {
		Name:        "high",
		Title:       "192 kbps (High Quality)",
		BitrateKbps: 192,
		SampleRate:  44100,
		VBRQuality:  2,
		Description: "~7 MB per 5 min",
	},
	"veryhigh": {
		Name:        "veryhigh",
		Title:       "256 kbps (Very High Quality)",
		BitrateKbps: 256,
		SampleRate:  48000,
		VBRQuality:  0,
		Description: "~9 MB per 5 min",
	},
	"extreme": {
		Name:        "extreme",
		Title:       "320 kbps (Maximum Quality)",
		BitrateKbps: 320,
		SampleRate:  48000,
		VBRQuality:  0,
		Description: "~12 MB per 5 min",
	},
}

const (
	DefaultVideo = "low"
	DefaultAudio = "medium"
)

// Validate checks both catalogs for nonsense values. Called once at startup
// so a bad preset is rejected before any encode references it.
func Validate() error {
	for name, p := range videoCatalog {
		if name != p.Name {
			return fmt.Errorf("video preset %q: key does not match name %q", name, p.Name)
		}
		if p.VideoBitrateKbps <= 0 || p.AudioBitrateKbps <= 0 {
			return fmt.Errorf("video preset %q: non-positive bitrate", name)
		}
		if p.FrameRate <= 0 || p.FrameRate > 60 {
			return fmt.Errorf("video preset %q: frame rate %d out of range", name, p.FrameRate)
		}
		if p.SampleRate != 8000 && p.SampleRate != 44100 && p.SampleRate != 48000 {
			return fmt.Errorf("video preset %q: unsupported sample rate %d", name, p.SampleRate)
		}
		if p.Width <= 0 || p.Height <= 0 || p.Width%2 != 0 || p.Height%2 != 0 {
			return fmt.Errorf("video preset %q: bad resolution %dx%d", name, p.Width, p.Height)
		}
	}
	for name, p := range audioCatalog {
		if name != p.Name {
			return fmt.Errorf("audio preset %q: key does not match name %q", name, p.Name)
		}
		if p.BitrateKbps < 128 {
			// below 128 kbps some sources refuse to serve matching streams
			return fmt.Errorf("audio preset %q: bitrate %dk too low", name, p.BitrateKbps)
		}
		if p.SampleRate != 44100 && p.SampleRate != 48000 {
			return fmt.Errorf("audio preset %q: unsupported sample rate %d", name, p.SampleRate)
		}
	}
	if _, ok := videoCatalog[DefaultVideo]; !ok {
		return fmt.Errorf("default video preset %q missing", DefaultVideo)
	}
	if _, ok := audioCatalog[DefaultAudio]; !ok {
		return fmt.Errorf("default audio preset %q missing", DefaultAudio)
	}
	return nil
}

// Video looks up a video preset by name.
func Video(name string) (VideoPreset, error) {
	p, ok := videoCatalog[name]
	if !ok {
		return VideoPreset{}, fmt.Errorf("unknown video preset %q", name)
	}
	return p, nil
}

// Audio looks up an audio preset by name.
func Audio(name string) (AudioPreset, error) {
	p, ok := audioCatalog[name]
	if !ok {
		return AudioPreset{}, fmt.Errorf("unknown audio preset %q", name)
	}
	return p, nil
}

// VideoNames returns the catalog keys in sorted order.
func VideoNames() []string {
	names := make([]string, 0, len(videoCatalog))
	for name := range videoCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AudioNames returns the catalog keys in sorted order.
func AudioNames() []string {
	names := make([]string, 0, len(audioCatalog))
	for name := range audioCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
