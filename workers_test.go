package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"retrovert/ffmpeg"
	"retrovert/fetch"
	"retrovert/governor"
	"retrovert/jobs"
	"retrovert/presets"
)

// stateTrail records the persisted job state at the moment each pipeline
// collaborator is invoked, so a test can check what the store said while a
// stage was running.
type stateTrail struct {
	t    *testing.T
	id   string
	seen map[string]jobs.State
}

func (st *stateTrail) mark(stage string) {
	st.t.Helper()
	j, err := jobStore.Get(st.id)
	if err != nil {
		st.t.Fatalf("get job during %s: %v", stage, err)
	}
	st.seen[stage] = j.State
}

type fakeFetcher struct{ trail *stateTrail }

func (f *fakeFetcher) Probe(ctx context.Context, url string) (fetch.Meta, error) {
	return fetch.Meta{Title: "t"}, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, outPath string, audioOnly bool) (fetch.Result, error) {
	f.trail.mark("fetch")
	return fetch.Result{
		Path:     outPath,
		Strategy: "android",
		Trace:    []jobs.Attempt{{Strategy: "android", Outcome: "ok"}},
	}, nil
}

func (f *fakeFetcher) Subtitles(ctx context.Context, url, outBase string) (string, error) {
	p := outBase + ".en.srt"
	if err := os.WriteFile(p, []byte("1\n00:00:01,000 --> 00:00:02,000\nhi\n"), 0600); err != nil {
		return "", err
	}
	return p, nil
}

func (f *fakeFetcher) SetCookiesFile(path string) {}

type fakePipeline struct{ trail *stateTrail }

func (p *fakePipeline) EncodeVideo(ctx context.Context, preset presets.VideoPreset, in, out string) error {
	p.trail.mark("encode")
	return os.WriteFile(out, []byte("video"), 0600)
}

func (p *fakePipeline) EncodeAudio(ctx context.Context, preset presets.AudioPreset, in, out string) error {
	p.trail.mark("encode")
	return os.WriteFile(out, []byte("audio"), 0600)
}

func (p *fakePipeline) SubtitleGate(info ffmpeg.MediaInfo) string { return "" }

func (p *fakePipeline) Burn(ctx context.Context, preset presets.VideoPreset, in, srtPath, out string) error {
	p.trail.mark("burn")
	return os.WriteFile(out, []byte("burned"), 0600)
}

type fakeSplitter struct{ trail *stateTrail }

func (s *fakeSplitter) Split(ctx context.Context, artifact string, preset presets.VideoPreset, maxPartBytes int64) ([]string, error) {
	s.trail.mark("split")
	var parts []string
	for i := 1; i <= 2; i++ {
		p := artifact + "_part" + string(rune('0'+i)) + ".3gp"
		if err := os.WriteFile(p, []byte("part"), 0600); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

type nopReclaimer struct{}

func (nopReclaimer) Sweep() (int64, error) { return 0, nil }

func testWorkerEnv(t *testing.T) *stateTrail {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RETROVERT_DATA_DIR", dir)

	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)
	log = quiet
	governor.Init(quiet)

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "jobs.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&jobs.Job{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	jobStore = jobs.NewStore(db, quiet)
	gov = governor.New(governor.Limits{
		MaxDuration:   time.Hour,
		MaxSize:       10 << 30,
		DiskThreshold: 1,
		Slots:         1,
	}, dir, nopReclaimer{})

	trail := &stateTrail{t: t, seen: map[string]jobs.State{}}
	fetcher = &fakeFetcher{trail: trail}
	pipe = &fakePipeline{trail: trail}
	splitter = &fakeSplitter{trail: trail}

	oldProbe := probeMedia
	t.Cleanup(func() { probeMedia = oldProbe })
	return trail
}

func TestProcessJobRecordsEveryStage(t *testing.T) {
	trail := testWorkerEnv(t)
	// oversize output so the job also walks the split stage
	probeMedia = func(ctx context.Context, path string) (ffmpeg.MediaInfo, error) {
		return ffmpeg.MediaInfo{DurationSeconds: 60, SizeBytes: 3 << 30}, nil
	}

	job := &jobs.Job{
		ID:            "stagewalk01",
		Kind:          jobs.KindDownload,
		URL:           "https://example.com/watch?v=abc",
		Format:        "3gp",
		Preset:        "low",
		State:         jobs.StateAdmitted,
		BurnSubtitles: true,
	}
	trail.id = job.ID
	if err := jobStore.Create(job); err != nil {
		t.Fatalf("create: %v", err)
	}
	slot, err := gov.Admit(time.Minute, 0)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	processJob(job.ID, slot)

	want := map[string]jobs.State{
		"fetch":  jobs.StateFetching,
		"encode": jobs.StateEncoding,
		"burn":   jobs.StateEncoded,
		"split":  jobs.StateSplitting,
	}
	for stage, state := range want {
		if got, ok := trail.seen[stage]; !ok {
			t.Errorf("stage %s never ran", stage)
		} else if got != state {
			t.Errorf("state during %s = %s, want %s", stage, got, state)
		}
	}

	final, err := jobStore.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobs.StateSucceeded {
		t.Errorf("final state = %s, want %s (error: %s)", final.State, jobs.StateSucceeded, final.Error)
	}
	if len(final.OutputPaths) != 2 {
		t.Errorf("output paths = %v, want two parts", final.OutputPaths)
	}
	if final.StrategyUsed != "android" {
		t.Errorf("strategy = %s, want android", final.StrategyUsed)
	}
}
