// Package governor admits work only when the declared media fits the
// instance's limits and the host has room to run it. Everything here is
// checked before any bytes are fetched; a rejected request costs nothing.
package governor

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
)

// ErrBusy is returned when every concurrency slot is taken.
var ErrBusy = errors.New("all conversion slots busy")

// DurationExceededError rejects media longer than the configured ceiling.
type DurationExceededError struct {
	Duration time.Duration
	Limit    time.Duration
}

func (e *DurationExceededError) Error() string {
	return fmt.Sprintf("media duration %s exceeds limit %s", e.Duration.Round(time.Second), e.Limit)
}

// SizeExceededError rejects media whose declared size is over the ceiling.
type SizeExceededError struct {
	Size  int64
	Limit int64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("declared size %d bytes exceeds limit %d", e.Size, e.Limit)
}

// InsufficientSpaceError is returned when the working volume is still below
// the free-space threshold after a reclaim pass.
type InsufficientSpaceError struct {
	Free      int64
	Threshold int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("only %d bytes free on working volume, need %d", e.Free, e.Threshold)
}

// Reclaimer frees disk space on demand. The sweeper satisfies this.
type Reclaimer interface {
	Sweep() (int64, error)
}

// Limits are the admission ceilings, read from config at construction so a
// test can substitute its own.
type Limits struct {
	MaxDuration   time.Duration
	MaxSize       int64
	DiskThreshold int64
	Slots         int
}

// Governor gates job admission. Slots are held in memory only; a process
// restart forfeits them, which is why in-flight jobs are failed at startup.
type Governor struct {
	limits    Limits
	dataDir   string
	reclaimer Reclaimer

	// freeBytes reports available space on the volume holding path.
	// Overridable so tests run without a real filesystem probe.
	freeBytes func(path string) (int64, error)

	mu       sync.Mutex
	inFlight int
}

func New(limits Limits, dataDir string, reclaimer Reclaimer) *Governor {
	return &Governor{
		limits:    limits,
		dataDir:   dataDir,
		reclaimer: reclaimer,
		freeBytes: statfsFree,
	}
}

func statfsFree(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * st.Bsize, nil
}

// Slot is a held concurrency reservation. Release is safe to call more than
// once and from deferred paths.
type Slot struct {
	release sync.Once
	g       *Governor
}

func (s *Slot) Release() {
	s.release.Do(func() {
		s.g.mu.Lock()
		s.g.inFlight--
		s.g.mu.Unlock()
	})
}

// InFlight reports the number of slots currently held.
func (g *Governor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Admit checks the declared duration and size against the limits, verifies
// free disk space (running one synchronous reclaim pass if the first
// snapshot is short), and takes a concurrency slot. On success the caller
// owns the returned Slot and must Release it when the job reaches a
// terminal state.
func (g *Governor) Admit(duration time.Duration, declaredSize int64) (*Slot, error) {
	if g.limits.MaxDuration > 0 && duration > g.limits.MaxDuration {
		return nil, &DurationExceededError{Duration: duration, Limit: g.limits.MaxDuration}
	}
	if g.limits.MaxSize > 0 && declaredSize > g.limits.MaxSize {
		return nil, &SizeExceededError{Size: declaredSize, Limit: g.limits.MaxSize}
	}

	if err := g.ensureSpace(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.limits.Slots {
		return nil, ErrBusy
	}
	g.inFlight++
	return &Slot{g: g}, nil
}

// ensureSpace snapshots free space and, if short, runs exactly one reclaim
// pass before re-checking. A failing snapshot is treated as no space; an
// admission gate that cannot see the disk should not wave work through.
func (g *Governor) ensureSpace() error {
	free, err := g.freeBytes(g.dataDir)
	if err != nil {
		return err
	}
	if free >= g.limits.DiskThreshold {
		return nil
	}

	log.Warnf("only %d bytes free, running reclaim before admission", free)
	reclaimed, err := g.reclaimer.Sweep()
	if err != nil {
		log.Warnln("reclaim failed:", err)
	} else if reclaimed > 0 {
		log.Infof("reclaim freed %d bytes", reclaimed)
	}

	free, err = g.freeBytes(g.dataDir)
	if err != nil {
		return err
	}
	if free < g.limits.DiskThreshold {
		return &InsufficientSpaceError{Free: free, Threshold: g.limits.DiskThreshold}
	}
	return nil
}
