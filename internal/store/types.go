package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures the store.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Status is the externally visible state of one (card, flow) pair.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// StatusEntry is one status row, keyed by (CardPath, Flow).
//
// Extra carries small driver-opaque context: a failure reason, or for queued
// entries the JSON-encoded run request recovery needs to rebuild the queue.
type StatusEntry struct {
	CardPath  string    `json:"card_path"`
	Flow      string    `json:"flow"`
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	Extra     string    `json:"extra,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LockRecord is the persisted form of a card lock. Phase-flow locks are not
// stored separately: recovery reconstructs them from the surviving locks of
// non-parallelizable runs.
type LockRecord struct {
	CardPath       string    `json:"card_path"`
	RunID          string    `json:"run_id"`
	Flow           string    `json:"flow"`
	Phase          string    `json:"phase"`
	Parallelizable bool      `json:"parallelizable"`
	AcquiredAt     time.Time `json:"acquired_at"`
}
