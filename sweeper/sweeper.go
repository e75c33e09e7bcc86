// Package sweeper enforces the two retention windows: artifacts on disk go
// first, audit records in the database live longer. It runs on a ticker and
// synchronously whenever the governor needs space back.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecordStore is the slice of the job store the sweeper needs.
type RecordStore interface {
	DeleteTerminalBefore(cutoff time.Time) (int64, error)
}

// Sweeper removes expired artifacts and records. Safe for concurrent use;
// overlapping sweeps serialize and each file is counted at most once.
type Sweeper struct {
	dataDir        string
	retention      time.Duration
	auditRetention time.Duration
	records        RecordStore
	exclude        []string

	mu  sync.Mutex
	now func() time.Time
}

// New builds a sweeper over dataDir. Directories listed in exclude are not
// descended into; the config dir lives under the data dir and holds the
// database and cookie file, which are not artifacts.
func New(dataDir string, retention, auditRetention time.Duration, records RecordStore, exclude ...string) *Sweeper {
	return &Sweeper{
		dataDir:        dataDir,
		retention:      retention,
		auditRetention: auditRetention,
		records:        records,
		exclude:        exclude,
		now:            time.Now,
	}
}

func (s *Sweeper) excluded(path string) bool {
	for _, e := range s.exclude {
		if path == e {
			return true
		}
	}
	return false
}

// Sweep removes artifacts older than the retention window and terminal
// records older than the audit window. Returns the number of artifact bytes
// reclaimed. Files vanishing mid-sweep are skipped, not errors; a second
// sweep over an already-clean tree reclaims zero.
func (s *Sweeper) Sweep() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	artifactCutoff := now.Add(-s.retention)

	var reclaimed int64
	var removed int
	err := filepath.WalkDir(s.dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if s.excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.ModTime().After(artifactCutoff) {
			return nil
		}
		size := info.Size()
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			log.Warnln("could not remove expired artifact", path, ":", err)
			return nil
		}
		reclaimed += size
		removed++
		return nil
	})
	if err != nil {
		return reclaimed, err
	}

	n, err := s.records.DeleteTerminalBefore(now.Add(-s.auditRetention))
	if err != nil {
		return reclaimed, err
	}
	if removed > 0 || n > 0 {
		log.Infof("sweep removed %d artifacts (%d bytes) and %d expired records", removed, reclaimed, n)
	}
	return reclaimed, nil
}

// Run sweeps on the given interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(); err != nil {
				log.Errorln("sweep failed:", err)
			}
		}
	}
}
