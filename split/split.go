// Package split cuts an oversize encoded artifact into the minimal number
// of independently playable parts. The plan comes from the measured average
// bitrate of the finished file, not the preset's nominal rate, so parts land
// under the byte ceiling even when the encoder under- or overshot.
package split

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"retrovert/convert"
	"retrovert/ffmpeg"
	"retrovert/presets"
)

// Segment is one planned cut.
type Segment struct {
	StartSeconds    float64
	DurationSeconds float64
}

// Plan divides the artifact into the fewest parts that each fit under
// maxPartBytes, splitting duration proportionally. The last segment absorbs
// rounding remainder, so segment durations always sum to the source
// duration exactly.
func Plan(info ffmpeg.MediaInfo, maxPartBytes int64) ([]Segment, error) {
	if info.SizeBytes <= 0 || info.DurationSeconds <= 0 {
		return nil, fmt.Errorf("cannot plan split: size=%d duration=%.2f", info.SizeBytes, info.DurationSeconds)
	}
	if maxPartBytes <= 0 {
		return nil, fmt.Errorf("cannot plan split: max part size %d", maxPartBytes)
	}
	n := int(math.Ceil(float64(info.SizeBytes) / float64(maxPartBytes)))
	if n <= 1 {
		return []Segment{{StartSeconds: 0, DurationSeconds: info.DurationSeconds}}, nil
	}

	per := info.DurationSeconds / float64(n)
	segs := make([]Segment, n)
	for i := 0; i < n; i++ {
		segs[i] = Segment{StartSeconds: per * float64(i), DurationSeconds: per}
	}
	segs[n-1].DurationSeconds = info.DurationSeconds - segs[n-1].StartSeconds
	return segs, nil
}

// Manager executes split plans. probe and run default to the real ffprobe
// and thread-capped ffmpeg and are swapped out in tests.
type Manager struct {
	probe func(ctx context.Context, path string) (ffmpeg.MediaInfo, error)
	run   func(ctx context.Context, args ...string) ([]byte, []byte, error)
}

func NewManager() *Manager {
	return &Manager{
		probe: ffmpeg.Probe,
		run:   ffmpeg.Run,
	}
}

// partArgs re-encodes one segment with the job's preset. Each part gets its
// own moov atom up front so a phone can play it without the siblings.
func partArgs(p presets.VideoPreset, in string, seg Segment, out string) ([]string, error) {
	args := []string{
		"-ss", fmt.Sprintf("%.3f", seg.StartSeconds),
		"-t", fmt.Sprintf("%.3f", seg.DurationSeconds),
		"-i", in,
		"-vcodec", "mpeg4",
		"-r", fmt.Sprint(p.FrameRate),
		"-b:v", fmt.Sprintf("%dk", p.VideoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", p.MaxBitrateKbps()),
		"-bufsize", fmt.Sprintf("%dk", p.BufferSizeKbps()),
		"-flags", "+cgop",
		"-sc_threshold", "1000000000",
		"-g", fmt.Sprint(p.GOPLength()),
		"-acodec", "aac",
		"-ar", fmt.Sprint(p.SampleRate),
		"-b:a", fmt.Sprintf("%dk", p.AudioBitrateKbps),
		"-ac", "1",
		"-movflags", "+faststart",
		"-y",
		out,
	}
	return args, nil
}

// PartPath names the nth part of an artifact.
func PartPath(artifact string, n int) string {
	ext := filepath.Ext(artifact)
	return strings.TrimSuffix(artifact, ext) + fmt.Sprintf("_part%d", n) + ext
}

// Split probes the artifact, plans the cut and re-encodes each part with
// the preset. On any part failure every already-written part is removed;
// the split either yields the full set or nothing. A file that already fits
// returns just the original path.
func (m *Manager) Split(ctx context.Context, artifact string, preset presets.VideoPreset, maxPartBytes int64) ([]string, error) {
	info, err := m.probe(ctx, artifact)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", artifact, err)
	}
	segs, err := Plan(info, maxPartBytes)
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 {
		return []string{artifact}, nil
	}
	log.Infof("splitting %s into %d parts (avg %.0f bit/s)", artifact, len(segs), info.AverageBitrate())

	var written []string
	cleanup := func() {
		for _, p := range written {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warnln("could not remove partial part", p, ":", err)
			}
		}
	}

	for i, seg := range segs {
		out := PartPath(artifact, i+1)
		args, err := partArgs(preset, artifact, seg, out)
		if err != nil {
			cleanup()
			return nil, err
		}
		if _, stderr, err := m.run(ctx, args...); err != nil {
			cleanup()
			return nil, &convert.EncodeError{Detail: fmt.Sprintf("part %d: %s", i+1, firstLine(stderr))}
		}
		written = append(written, out)
	}
	return written, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "unknown ffmpeg error"
	}
	return s
}
