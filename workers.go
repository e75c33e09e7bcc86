package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"retrovert/config"
	"retrovert/convert"
	"retrovert/ffmpeg"
	"retrovert/fetch"
	"retrovert/governor"
	"retrovert/jobs"
	"retrovert/presets"
	"retrovert/sweeper"
)

// The workers reach their collaborators through these interfaces so tests
// can substitute scripted ones for the subprocess-backed implementations.
type sourceFetcher interface {
	Probe(ctx context.Context, url string) (fetch.Meta, error)
	Fetch(ctx context.Context, url, outPath string, audioOnly bool) (fetch.Result, error)
	Subtitles(ctx context.Context, url, outBase string) (string, error)
	SetCookiesFile(path string)
}

type encodePipeline interface {
	EncodeVideo(ctx context.Context, preset presets.VideoPreset, in, out string) error
	EncodeAudio(ctx context.Context, preset presets.AudioPreset, in, out string) error
	SubtitleGate(info ffmpeg.MediaInfo) string
	Burn(ctx context.Context, preset presets.VideoPreset, in, srtPath, out string) error
}

type partSplitter interface {
	Split(ctx context.Context, artifact string, preset presets.VideoPreset, maxPartBytes int64) ([]string, error)
}

var (
	jobStore *jobs.Store
	gov      *governor.Governor
	pipe     encodePipeline
	fetcher  sourceFetcher
	splitter partSplitter
	sweep    *sweeper.Sweeper

	probeMedia = ffmpeg.Probe
)

func ensureDirFor(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0700)
}

func setState(state jobs.State, progress string) func(*jobs.Job) error {
	return func(j *jobs.Job) error {
		j.State = state
		j.Progress = progress
		return nil
	}
}

func failJob(id, reason string) {
	if _, err := jobStore.Update(id, func(j *jobs.Job) error {
		j.State = jobs.StateFailed
		j.Error = reason
		return nil
	}); err != nil {
		log.Errorln("could not mark job", id, "failed:", err)
	}
}

func cancelRequested(id string) bool {
	j, err := jobStore.Get(id)
	return err == nil && j.CancelRequested
}

// processJob walks one download job through the stage machine. The
// governor slot is released on every exit path; cancellation is honored at
// stage boundaries only, never mid-invocation.
func processJob(id string, slot *governor.Slot) {
	defer slot.Release()
	ctx := context.Background()

	job, err := jobStore.Get(id)
	if err != nil {
		log.Errorln("job", id, "vanished before processing:", err)
		return
	}

	// fetch stage
	if cancelRequested(id) {
		failJob(id, "canceled")
		return
	}
	if _, err := jobStore.Update(id, setState(jobs.StateFetching, "fetching source")); err != nil {
		log.Errorln(err)
		return
	}

	tempName := uuid.Must(uuid.NewV7()).String()
	tempPath := filepath.Join(config.GetDataDir(), "tmp", tempName+".media")
	if err := ensureDirFor(tempPath); err != nil {
		failJob(id, fmt.Sprintf("could not create work dir: %v", err))
		return
	}
	defer os.Remove(tempPath)

	res, fetchErr := fetcher.Fetch(ctx, job.URL, tempPath, job.Format == "mp3")
	if _, err := jobStore.Update(id, func(j *jobs.Job) error {
		j.Attempts = res.Trace
		j.StrategyUsed = res.Strategy
		return nil
	}); err != nil {
		log.Errorln(err)
	}
	if fetchErr != nil {
		failJob(id, fetchErr.Error())
		return
	}
	if _, err := jobStore.Update(id, setState(jobs.StateFetched, "source fetched")); err != nil {
		log.Errorln(err)
		return
	}

	// encode stage
	if cancelRequested(id) {
		failJob(id, "canceled")
		return
	}
	if _, err := jobStore.Update(id, setState(jobs.StateEncoding, "encoding")); err != nil {
		log.Errorln(err)
		return
	}

	outPath := filepath.Join(config.GetDataDir(), id+"."+job.Format)
	if err := ensureDirFor(outPath); err != nil {
		failJob(id, fmt.Sprintf("could not create output dir: %v", err))
		return
	}

	var videoPreset presets.VideoPreset
	switch job.Format {
	case "mp3":
		p, err := presets.Audio(job.Preset)
		if err != nil {
			failJob(id, err.Error())
			return
		}
		if err := pipe.EncodeAudio(ctx, p, tempPath, outPath); err != nil {
			failJob(id, err.Error())
			return
		}
	default:
		p, err := presets.Video(job.Preset)
		if err != nil {
			failJob(id, err.Error())
			return
		}
		videoPreset = p
		if err := pipe.EncodeVideo(ctx, p, tempPath, outPath); err != nil {
			failJob(id, err.Error())
			return
		}
	}
	if _, err := jobStore.Update(id, setState(jobs.StateEncoded, "encoded")); err != nil {
		log.Errorln(err)
		return
	}

	// subtitle burn, 3GP only. Failures here degrade, never fail: the
	// primary output already exists and stays deliverable.
	if job.Format == "3gp" && job.BurnSubtitles {
		burnSubtitles(ctx, id, job.URL, videoPreset, tempPath, outPath)
	}

	info, err := probeMedia(ctx, outPath)
	if err != nil {
		failJob(id, fmt.Sprintf("could not probe output: %v", err))
		return
	}
	if _, err := jobStore.Update(id, func(j *jobs.Job) error {
		j.DurationSeconds = info.DurationSeconds
		j.SizeBytes = info.SizeBytes
		return nil
	}); err != nil {
		log.Errorln(err)
	}

	outputs := []string{outPath}

	// oversize output must be split before delivery, so a split failure
	// here fails the job
	if job.Format == "3gp" && info.SizeBytes > config.GetMaxFilesize() {
		if cancelRequested(id) {
			failJob(id, "canceled")
			return
		}
		if _, err := jobStore.Update(id, setState(jobs.StateSplitting, "splitting oversize output")); err != nil {
			log.Errorln(err)
			return
		}
		parts, err := splitter.Split(ctx, outPath, videoPreset, config.GetMaxFilesize())
		if err != nil {
			failJob(id, fmt.Sprintf("split failed: %v", err))
			return
		}
		if len(parts) > 1 {
			outputs = parts
			if err := os.Remove(outPath); err != nil {
				log.Warnln("could not remove oversize original", outPath, ":", err)
			}
		}
	}

	finishJob(id, outputs)
}

// burnSubtitles runs the gate, subtitle download and burn. Every failure
// path records a degradation flag on the job and returns; outPath is only
// replaced after a fully successful burn.
func burnSubtitles(ctx context.Context, id, url string, preset presets.VideoPreset, srcPath, outPath string) {
	degrade := func(flag, note string) {
		log.Warnln("job", id, "subtitle degradation:", note)
		if _, err := jobStore.Update(id, func(j *jobs.Job) error {
			j.AddDegradation(flag)
			j.Progress = note
			return nil
		}); err != nil {
			log.Errorln(err)
		}
	}

	info, err := probeMedia(ctx, srcPath)
	if err != nil {
		degrade(convert.DegradationSubtitlesSkipped, fmt.Sprintf("could not probe source for subtitle gate: %v", err))
		return
	}
	if reason := pipe.SubtitleGate(info); reason != "" {
		degrade(convert.DegradationSubtitlesSkipped, reason)
		return
	}

	srtBase := filepath.Join(config.GetDataDir(), "tmp", id+"_subs")
	srtPath, err := fetcher.Subtitles(ctx, url, srtBase)
	if err != nil {
		degrade(convert.DegradationSubtitlesFailed, fmt.Sprintf("subtitle download failed: %v", err))
		return
	}
	defer os.Remove(srtPath)

	burnedPath := outPath + ".burn"
	if err := pipe.Burn(ctx, preset, outPath, srtPath, burnedPath); err != nil {
		degrade(convert.DegradationSubtitlesFailed, fmt.Sprintf("subtitle burn failed: %v", err))
		return
	}
	if err := os.Rename(burnedPath, outPath); err != nil {
		os.Remove(burnedPath)
		degrade(convert.DegradationSubtitlesFailed, fmt.Sprintf("could not swap in burned output: %v", err))
	}
}

func finishJob(id string, outputs []string) {
	if _, err := jobStore.Update(id, func(j *jobs.Job) error {
		j.OutputPaths = outputs
		if len(j.Degradations) > 0 {
			j.State = jobs.StateDegraded
		} else {
			j.State = jobs.StateSucceeded
		}
		j.Progress = "done"
		return nil
	}); err != nil {
		log.Errorln("could not finish job", id, ":", err)
	}
}

// processBurnJob burns an uploaded subtitle track into a finished artifact
// as a standalone job. Unlike the inline burn during conversion there is no
// primary output to fall back on, so every failure here is hard.
func processBurnJob(id, artifact, presetName, srtPath string, slot *governor.Slot) {
	defer slot.Release()
	defer os.Remove(srtPath)
	ctx := context.Background()

	if _, err := jobStore.Update(id, setState(jobs.StateEncoding, "burning subtitles")); err != nil {
		log.Errorln(err)
		return
	}
	preset, err := presets.Video(presetName)
	if err != nil {
		failJob(id, err.Error())
		return
	}
	info, err := probeMedia(ctx, artifact)
	if err != nil {
		failJob(id, fmt.Sprintf("could not probe artifact: %v", err))
		return
	}
	if reason := pipe.SubtitleGate(info); reason != "" {
		failJob(id, reason)
		return
	}

	ext := filepath.Ext(artifact)
	out := artifact[:len(artifact)-len(ext)] + "_subbed" + ext
	if err := pipe.Burn(ctx, preset, artifact, srtPath, out); err != nil {
		failJob(id, err.Error())
		return
	}
	if _, err := jobStore.Update(id, setState(jobs.StateEncoded, "encoded")); err != nil {
		log.Errorln(err)
		return
	}
	finishJob(id, []string{out})
}

// processSplitJob runs an on-demand split of a finished artifact into parts
// no larger than maxPartBytes.
func processSplitJob(id, artifact, presetName string, maxPartBytes int64, slot *governor.Slot) {
	defer slot.Release()
	ctx := context.Background()

	if _, err := jobStore.Update(id, setState(jobs.StateSplitting, "splitting")); err != nil {
		log.Errorln(err)
		return
	}
	preset, err := presets.Video(presetName)
	if err != nil {
		failJob(id, err.Error())
		return
	}
	parts, err := splitter.Split(ctx, artifact, preset, maxPartBytes)
	if err != nil {
		failJob(id, err.Error())
		return
	}
	finishJob(id, parts)
}
