package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrBadTransition = errors.New("illegal state transition")
)

// Store is the durable keyed record store. All mutations go through Update,
// which holds a per-record lock across the read-modify-write so racing
// stages (a cancellation arriving while an encode finishes) cannot lose
// updates. Reads return copies, never live pointers.
type Store struct {
	db  *gorm.DB
	log *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(db *gorm.DB, logger *logrus.Logger) *Store {
	return &Store{
		db:    db,
		log:   logger,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) recordLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create inserts a new record. The id must not already exist.
func (s *Store) Create(job *Job) error {
	l := s.recordLock(job.ID)
	l.Lock()
	defer l.Unlock()

	if err := s.db.Create(job).Error; err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	s.log.Debugln("job", job.ID, "created in state", job.State)
	return nil
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (Job, error) {
	var job Job
	err := s.db.First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// Update applies fn to the record under its lock and persists the result.
// A state change produced by fn is validated against the monotonic
// lifecycle; an illegal transition leaves the record untouched. The updated
// copy is returned.
func (s *Store) Update(id string, fn func(*Job) error) (Job, error) {
	l := s.recordLock(id)
	l.Lock()
	defer l.Unlock()

	var job Job
	err := s.db.First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}

	before := job.State
	if err := fn(&job); err != nil {
		return Job{}, err
	}
	if job.ID != id {
		return Job{}, fmt.Errorf("mutation must not change job id")
	}
	if job.State != before && !CanTransition(before, job.State) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrBadTransition, before, job.State)
	}

	if err := s.db.Save(&job).Error; err != nil {
		return Job{}, fmt.Errorf("save job %s: %w", id, err)
	}
	if job.State != before {
		s.log.Debugln("job", id, "state", before, "->", job.State)
	}
	return job, nil
}

// Filter selects records for List.
type Filter struct {
	States        []State
	Kind          Kind
	UpdatedBefore time.Time
}

// List returns copies of all records matching the filter, newest first.
func (s *Store) List(f Filter) ([]Job, error) {
	q := s.db.Order("created_at DESC")
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	var out []Job
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveCount is the number of non-terminal records.
func (s *Store) ActiveCount() (int64, error) {
	var n int64
	err := s.db.Model(&Job{}).
		Where("state NOT IN ?", []State{StateSucceeded, StateDegraded, StateFailed}).
		Count(&n).Error
	return n, err
}

// FailInFlight marks every non-terminal record failed. Called once at
// startup: a restart loses the in-memory concurrency reservations, so jobs
// that were mid-flight are declared dead rather than resurrected.
func (s *Store) FailInFlight(reason string) (int64, error) {
	res := s.db.Model(&Job{}).
		Where("state NOT IN ?", []State{StateSucceeded, StateDegraded, StateFailed}).
		Updates(map[string]interface{}{"state": StateFailed, "error": reason})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Warnf("marked %d in-flight jobs failed after restart", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Delete removes a single record. Used when a failed job is resubmitted so
// the content-addressed id can be reused.
func (s *Store) Delete(id string) error {
	l := s.recordLock(id)
	l.Lock()
	defer l.Unlock()
	return s.db.Delete(&Job{}, "id = ?", id).Error
}

// DeleteTerminalBefore removes terminal records not touched since the
// cutoff. This is the audit-window sweep; artifacts are removed separately
// on a shorter window.
func (s *Store) DeleteTerminalBefore(cutoff time.Time) (int64, error) {
	res := s.db.
		Where("state IN ?", []State{StateSucceeded, StateDegraded, StateFailed}).
		Where("updated_at < ?", cutoff).
		Delete(&Job{})
	return res.RowsAffected, res.Error
}
