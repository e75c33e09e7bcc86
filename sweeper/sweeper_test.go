package sweeper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func init() {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	Init(l)
}

type fakeRecords struct {
	cutoffs []time.Time
	deleted int64
}

func (f *fakeRecords) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, nil
}

func writeAged(t *testing.T, dir, name string, age time.Duration, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	dir := t.TempDir()
	old := writeAged(t, dir, "old.3gp", 48*time.Hour, 1000)
	fresh := writeAged(t, dir, "fresh.3gp", time.Hour, 500)

	rec := &fakeRecords{deleted: 2}
	s := New(dir, 24*time.Hour, 48*time.Hour, rec)

	reclaimed, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 1000 {
		t.Errorf("reclaimed = %d, want 1000", reclaimed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired artifact survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh artifact removed: %v", err)
	}
	if len(rec.cutoffs) != 1 {
		t.Fatalf("record sweep ran %d times, want 1", len(rec.cutoffs))
	}
	wantCutoff := time.Now().Add(-48 * time.Hour)
	if d := rec.cutoffs[0].Sub(wantCutoff); d < -time.Minute || d > time.Minute {
		t.Errorf("audit cutoff = %v, want about %v", rec.cutoffs[0], wantCutoff)
	}
}

func TestSweepIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "old.3gp", 48*time.Hour, 1000)

	s := New(dir, 24*time.Hour, 48*time.Hour, &fakeRecords{})
	first, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if first != 1000 || second != 0 {
		t.Errorf("reclaimed %d then %d, want 1000 then 0", first, second)
	}
}

func TestSweepWalksSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "parts")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeAged(t, sub, "old_part1.3gp", 48*time.Hour, 250)

	s := New(dir, 24*time.Hour, 48*time.Hour, &fakeRecords{})
	reclaimed, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 250 {
		t.Errorf("reclaimed = %d, want 250", reclaimed)
	}
}

func TestSweepSkipsExcludedDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config")
	if err := os.Mkdir(cfg, 0o755); err != nil {
		t.Fatal(err)
	}
	db := writeAged(t, cfg, "jobs.db", 72*time.Hour, 4096)
	writeAged(t, dir, "old.3gp", 48*time.Hour, 1000)

	s := New(dir, 24*time.Hour, 48*time.Hour, &fakeRecords{}, cfg)
	reclaimed, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed != 1000 {
		t.Errorf("reclaimed = %d, want 1000", reclaimed)
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("excluded file swept: %v", err)
	}
}

func TestSweepMissingDataDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "never-created"), 24*time.Hour, 48*time.Hour, &fakeRecords{})
	if _, err := s.Sweep(); err != nil {
		t.Errorf("sweep of a missing dir should be a no-op, got %v", err)
	}
}
