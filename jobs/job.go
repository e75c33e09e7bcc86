// Package jobs holds the durable job record and the store that owns it.
// Every state transition flows through Store.Update, which serializes
// mutations per record; pipeline stages receive the job id, never a private
// copy they could let diverge.
package jobs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

type Kind string

const (
	KindDownload     Kind = "download"
	KindSubtitleBurn Kind = "subtitle-burn"
	KindSplit        Kind = "split"
)

type State string

const (
	StateAdmitted  State = "admitted"
	StateFetching  State = "fetching"
	StateFetched   State = "fetched"
	StateEncoding  State = "encoding"
	StateEncoded   State = "encoded"
	StateSplitting State = "splitting"
	StateSucceeded State = "succeeded"
	StateDegraded  State = "degraded" // succeeded, but with an optional feature missing
	StateFailed    State = "failed"
)

// stateRank orders the lifecycle so transitions can only move forward.
var stateRank = map[State]int{
	StateAdmitted:  0,
	StateFetching:  1,
	StateFetched:   2,
	StateEncoding:  3,
	StateEncoded:   4,
	StateSplitting: 5,
	StateSucceeded: 6,
	StateDegraded:  6,
	StateFailed:    6,
}

// IsTerminal reports whether no further transition can occur from s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateDegraded || s == StateFailed
}

// CanTransition reports whether a job may move from one state to another.
// Terminal states admit nothing; otherwise the lifecycle is monotonic, with
// failure reachable from any live state.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	fr, ok := stateRank[from]
	if !ok {
		return false
	}
	tr, ok := stateRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Attempt is one entry in a job's fetch-strategy trace.
type Attempt struct {
	Strategy string `json:"strategy"`
	Outcome  string `json:"outcome"` // "ok" or a failure class
	Reason   string `json:"reason,omitempty"`
}

// Job is the unit of work. The ID is content-addressed over the request so
// resubmitting the same URL/format/preset finds the same record.
type Job struct {
	ID     string `gorm:"primaryKey" json:"id"`
	Kind   Kind   `json:"kind"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Format string `json:"format"` // "3gp" or "mp3"
	Preset string `json:"preset"`

	State           State     `json:"state"`
	BurnSubtitles   bool      `json:"burn_subtitles"`
	Attempts        []Attempt `gorm:"serializer:json" json:"attempts,omitempty"`
	StrategyUsed    string    `json:"strategy_used,omitempty"`
	OutputPaths     []string  `gorm:"serializer:json" json:"output_paths,omitempty"`
	Degradations    []string  `gorm:"serializer:json" json:"degradations,omitempty"`
	Error           string    `json:"error,omitempty"`
	Progress        string    `json:"progress,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`

	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Degraded reports whether the named degradation flag is set.
func (j *Job) Degraded(flag string) bool {
	for _, d := range j.Degradations {
		if d == flag {
			return true
		}
	}
	return false
}

// AddDegradation sets a degradation flag once.
func (j *Job) AddDegradation(flag string) {
	if !j.Degraded(flag) {
		j.Degradations = append(j.Degradations, flag)
	}
}

// NewID derives the content-addressed job id for a conversion request.
func NewID(url, format, preset string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s", url, format, preset)))
	return hex.EncodeToString(sum[:])[:16]
}
