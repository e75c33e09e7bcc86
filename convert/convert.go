// Package convert owns the encode stage: preset-driven ffmpeg invocations
// for 3GP and MP3 output, plus the optional subtitle burn with graceful
// degradation. The primary encode is a single invocation; if it fails the
// job fails. Only the burn is allowed to fail softly.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"retrovert/captions"
	"retrovert/ffmpeg"
	"retrovert/presets"
)

// Degradation flags recorded on the job when an optional feature is
// dropped. The primary output is still delivered.
const (
	DegradationSubtitlesSkipped = "subtitles-skipped"
	DegradationSubtitlesFailed  = "subtitles-failed"
)

// EncodeError is a hard failure of the primary encode.
type EncodeError struct {
	Detail string
}

func (e *EncodeError) Error() string {
	return "encode failed: " + e.Detail
}

// SubtitleLimits are the independent ceilings for the burn stage. Burning
// re-encodes the whole video, so long or huge sources skip it rather than
// monopolize the encode thread.
type SubtitleLimits struct {
	MaxDuration time.Duration
	MaxSize     int64
}

// Pipeline runs encodes. The run function defaults to the thread-capped
// ffmpeg wrapper and is swapped out in tests.
type Pipeline struct {
	WorkDir        string
	SubtitleLimits SubtitleLimits
	CaptionStyle   captions.Style

	run func(ctx context.Context, args ...string) ([]byte, []byte, error)
}

func NewPipeline(workDir string, limits SubtitleLimits, style captions.Style) *Pipeline {
	return &Pipeline{
		WorkDir:        workDir,
		SubtitleLimits: limits,
		CaptionStyle:   style,
		run:            ffmpeg.Run,
	}
}

// EncodeVideo converts the fetched media to 3GP with the given preset. One
// invocation; any failure is hard.
func (p *Pipeline) EncodeVideo(ctx context.Context, preset presets.VideoPreset, in, out string) error {
	args, err := VideoArgs(preset, in, out)
	if err != nil {
		return err
	}
	if _, stderr, err := p.run(ctx, args...); err != nil {
		return &EncodeError{Detail: tail(stderr, 300)}
	}
	return nil
}

// EncodeAudio converts the fetched media to MP3 with the given preset.
func (p *Pipeline) EncodeAudio(ctx context.Context, preset presets.AudioPreset, in, out string) error {
	args := AudioArgs(preset, in, out)
	if _, stderr, err := p.run(ctx, args...); err != nil {
		return &EncodeError{Detail: tail(stderr, 300)}
	}
	return nil
}

// SubtitleGate decides whether the source is eligible for a burn. A
// non-empty reason means the burn is skipped and the job degrades with
// DegradationSubtitlesSkipped.
func (p *Pipeline) SubtitleGate(info ffmpeg.MediaInfo) (reason string) {
	if p.SubtitleLimits.MaxDuration > 0 {
		if time.Duration(info.DurationSeconds*float64(time.Second)) > p.SubtitleLimits.MaxDuration {
			return fmt.Sprintf("source duration %.0fs over subtitle ceiling", info.DurationSeconds)
		}
	}
	if p.SubtitleLimits.MaxSize > 0 && info.SizeBytes > p.SubtitleLimits.MaxSize {
		return fmt.Sprintf("source size %d over subtitle ceiling", info.SizeBytes)
	}
	return ""
}

// Burn renders the SRT track into the encoded video as a second invocation,
// writing to out. The caller treats any error here as a degradation, not a
// job failure: the un-subtitled primary output already exists and stays
// valid. The intermediate ASS file is always removed.
func (p *Pipeline) Burn(ctx context.Context, preset presets.VideoPreset, in, srtPath, out string) error {
	srt, err := os.Open(srtPath)
	if err != nil {
		return fmt.Errorf("open subtitles: %w", err)
	}
	cues, err := captions.ParseSRT(srt)
	srt.Close()
	if err != nil {
		return fmt.Errorf("parse subtitles: %w", err)
	}
	if len(cues) == 0 {
		return fmt.Errorf("subtitle track has no cues")
	}

	assPath := filepath.Join(p.WorkDir, uuid.NewString()+".ass")
	doc := captions.BuildDualLineASS(cues, p.CaptionStyle)
	if err := os.WriteFile(assPath, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write ass track: %w", err)
	}
	defer os.Remove(assPath)

	args, err := BurnArgs(preset, in, assPath, out)
	if err != nil {
		return err
	}
	log.Infof("burning %d cues into %s", len(cues), out)
	if _, stderr, err := p.run(ctx, args...); err != nil {
		os.Remove(out) // never leave a half-written burn output
		return &EncodeError{Detail: tail(stderr, 300)}
	}
	return nil
}

func tail(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	if s == "" {
		s = "unknown ffmpeg error"
	}
	return s
}
