package jobs

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Job{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewStore(db, log)
}

func newTestJob(id string) *Job {
	return &Job{
		ID:     id,
		Kind:   KindDownload,
		URL:    "https://example.com/watch?v=" + id,
		Format: "3gp",
		Preset: "low",
		State:  StateAdmitted,
	}
}

func TestCreateGet(t *testing.T) {
	s := testStore(t)
	if err := s.Create(newTestJob("aaaa")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get("aaaa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateAdmitted || got.Preset != "low" {
		t.Errorf("got %+v", got)
	}
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTransitions(t *testing.T) {
	s := testStore(t)
	if err := s.Create(newTestJob("bbbb")); err != nil {
		t.Fatal(err)
	}

	advance := func(to State) error {
		_, err := s.Update("bbbb", func(j *Job) error {
			j.State = to
			return nil
		})
		return err
	}

	for _, st := range []State{StateFetching, StateFetched, StateEncoding, StateEncoded, StateSucceeded} {
		if err := advance(st); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}

	// no resurrection from a terminal state
	if err := advance(StateEncoding); !errors.Is(err, ErrBadTransition) {
		t.Errorf("terminal -> encoding: err = %v, want ErrBadTransition", err)
	}
	if err := advance(StateFailed); !errors.Is(err, ErrBadTransition) {
		t.Errorf("terminal -> failed: err = %v, want ErrBadTransition", err)
	}
}

func TestUpdateBackwardsRejected(t *testing.T) {
	s := testStore(t)
	if err := s.Create(newTestJob("cccc")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update("cccc", func(j *Job) error {
		j.State = StateEncoding
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Update("cccc", func(j *Job) error {
		j.State = StateFetching
		return nil
	})
	if !errors.Is(err, ErrBadTransition) {
		t.Errorf("encoding -> fetching: err = %v, want ErrBadTransition", err)
	}
	// failure is reachable from any live state
	if _, err := s.Update("cccc", func(j *Job) error {
		j.State = StateFailed
		j.Error = "encode failed"
		return nil
	}); err != nil {
		t.Errorf("encoding -> failed: %v", err)
	}
}

func TestUpdateSerializesRacingWriters(t *testing.T) {
	s := testStore(t)
	if err := s.Create(newTestJob("dddd")); err != nil {
		t.Fatal(err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update("dddd", func(j *Job) error {
				j.AddDegradation("marker")
				j.SizeBytes++
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get("dddd")
	if err != nil {
		t.Fatal(err)
	}
	if got.SizeBytes != writers {
		t.Errorf("lost updates: SizeBytes = %d, want %d", got.SizeBytes, writers)
	}
	if len(got.Degradations) != 1 {
		t.Errorf("Degradations = %v", got.Degradations)
	}
}

func TestListFilter(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"j1", "j2", "j3"} {
		if err := s.Create(newTestJob(id)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Update("j2", func(j *Job) error {
		j.State = StateFailed
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	active, err := s.List(Filter{States: []State{StateAdmitted}})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("admitted jobs = %d, want 2", len(active))
	}

	n, err := s.ActiveCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("ActiveCount = %d, want 2", n)
	}
}

func TestFailInFlight(t *testing.T) {
	s := testStore(t)
	if err := s.Create(newTestJob("live")); err != nil {
		t.Fatal(err)
	}
	done := newTestJob("done")
	if err := s.Create(done); err != nil {
		t.Fatal(err)
	}
	for _, st := range []State{StateFetching, StateFetched, StateEncoding, StateEncoded, StateSucceeded} {
		if _, err := s.Update("done", func(j *Job) error {
			j.State = st
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.FailInFlight("interrupted by restart")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("FailInFlight = %d, want 1", n)
	}
	got, _ := s.Get("live")
	if got.State != StateFailed || got.Error != "interrupted by restart" {
		t.Errorf("live job after restart: %+v", got)
	}
	got, _ = s.Get("done")
	if got.State != StateSucceeded {
		t.Errorf("terminal job touched by FailInFlight: %+v", got)
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	s := testStore(t)
	if err := s.Create(newTestJob("old")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update("old", func(j *Job) error {
		j.State = StateFailed
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(newTestJob("live")); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteTerminalBefore(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d records, want 1", n)
	}
	if _, err := s.Get("live"); err != nil {
		t.Errorf("live record deleted: %v", err)
	}
}

func TestNewIDStable(t *testing.T) {
	a := NewID("https://example.com/v", "3gp", "low")
	b := NewID("https://example.com/v", "3gp", "low")
	c := NewID("https://example.com/v", "3gp", "medium")
	if a != b {
		t.Errorf("same request produced different ids: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different presets produced the same id")
	}
	if len(a) != 16 {
		t.Errorf("id length = %d, want 16", len(a))
	}
}
