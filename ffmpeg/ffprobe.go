package ffmpeg

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// runFfprobe runs ffprobe with the provided args and returns (stdout, stderr, error)
func runFfprobe(ctx context.Context, args ...string) ([]byte, []byte, error) {
	ffprobe := "ffprobe"
	log.Infoln(ffprobe, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, ffprobe, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if err != nil {
		log.Errorf("ffprobe error: %v", err)
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Duration returns the container duration of a media file in seconds.
func Duration(ctx context.Context, path string) (float64, error) {
	stdout, _, err := runFfprobe(ctx,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
}

// MediaInfo is the probed shape of an artifact on disk.
type MediaInfo struct {
	DurationSeconds float64
	SizeBytes       int64
}

// Probe returns duration and on-disk size for an artifact. The size comes
// from the filesystem, not the container header, since the split planner
// budgets against real bytes.
func Probe(ctx context.Context, path string) (MediaInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return MediaInfo{}, err
	}
	dur, err := Duration(ctx, path)
	if err != nil {
		return MediaInfo{}, err
	}
	return MediaInfo{DurationSeconds: dur, SizeBytes: fi.Size()}, nil
}

// AverageBitrate is the measured overall bitrate of an artifact in bits per
// second, derived from size over duration.
func (m MediaInfo) AverageBitrate() float64 {
	if m.DurationSeconds <= 0 {
		return 0
	}
	return float64(m.SizeBytes) * 8 / m.DurationSeconds
}
