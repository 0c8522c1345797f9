package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Launcher starts agent worker processes and reports their lifecycle.
//
// Contract:
//   - Launch is a synchronous accept/reject; a nil error means the worker
//     process exists and a finished event will eventually follow.
//   - Lifecycle events are delivered on Events(). The consumer MUST drain the
//     channel; finished events are never dropped.
//   - RequestCancel is best-effort. Callers wait for the finished event
//     instead of assuming the worker stopped.
//   - ListLiveWorkers is used during crash recovery only.
type Launcher interface {
	Launch(ctx context.Context, p Payload) (Handle, error)
	RequestCancel(runID string) error
	ListLiveWorkers(ctx context.Context) ([]string, error)
	Events() <-chan Event
	Close() error
}

// Payload is everything a worker needs to start one run.
// Config is an opaque blob owned by the caller; it is passed through untouched.
type Payload struct {
	RunID    string          `json:"run_id"`
	CardPath string          `json:"card_path"`
	Flow     string          `json:"flow"`
	Branch   string          `json:"branch,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

func (p Payload) validate() error {
	if p.RunID == "" {
		return errors.New("payload run_id is required")
	}
	if p.CardPath == "" {
		return errors.New("payload card_path is required")
	}
	if p.Flow == "" {
		return errors.New("payload flow is required")
	}
	return nil
}

// Handle identifies a successfully launched worker.
type Handle struct {
	RunID     string
	PID       int
	StartedAt time.Time
}

type EventType string

const (
	EventHeartbeat EventType = "heartbeat"
	EventLog       EventType = "log"
	EventFinished  EventType = "finished"
)

// Reason values carried by finished events. An empty reason means a normal
// exit (inspect ExitCode).
const (
	ReasonWatchdogTimeout = "watchdog_timeout"
	ReasonKilled          = "killed"
)

// Event is one lifecycle signal from a worker.
type Event struct {
	RunID string
	Type  EventType
	At    time.Time

	// Finished only.
	ExitCode int
	Reason   string

	// Log only.
	Chunk []byte
}

// ErrorKind classifies synchronous launch rejections so the scheduler can
// distinguish bad payloads from transient resource exhaustion.
type ErrorKind int

const (
	KindInvalid ErrorKind = iota + 1
	KindResources
)

// LaunchError is the typed rejection returned by Launch.
type LaunchError struct {
	Kind ErrorKind
	Err  error
}

func (e *LaunchError) Error() string {
	switch e.Kind {
	case KindInvalid:
		return fmt.Sprintf("launch rejected (invalid): %v", e.Err)
	case KindResources:
		return fmt.Sprintf("launch rejected (resources): %v", e.Err)
	}
	return fmt.Sprintf("launch rejected: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func invalid(err error) error   { return &LaunchError{Kind: KindInvalid, Err: err} }
func resources(err error) error { return &LaunchError{Kind: KindResources, Err: err} }

// IsInvalid reports whether err is a validation rejection.
func IsInvalid(err error) bool {
	var le *LaunchError
	return errors.As(err, &le) && le.Kind == KindInvalid
}

// IsResources reports whether err is a resource-exhaustion rejection.
func IsResources(err error) bool {
	var le *LaunchError
	return errors.As(err, &le) && le.Kind == KindResources
}
