package sched

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Flow is the kind of agent run. The set is closed.
type Flow string

const (
	FlowImplement Flow = "implement"
	FlowReview    Flow = "review"
	FlowResearch  Flow = "research"
)

// Flows returns all flows in the fixed order drainQueues iterates them.
func Flows() []Flow {
	return []Flow{FlowImplement, FlowReview, FlowResearch}
}

func ParseFlow(s string) (Flow, error) {
	switch Flow(strings.ToLower(strings.TrimSpace(s))) {
	case FlowImplement:
		return FlowImplement, nil
	case FlowReview:
		return FlowReview, nil
	case FlowResearch:
		return FlowResearch, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFlow, s)
}

// PhaseOf derives a card's phase from its path: cards sharing a parent
// directory belong to the same phase.
func PhaseOf(cardPath string) string {
	p := path.Dir(strings.TrimSpace(cardPath))
	if p == "." || p == "/" {
		return ""
	}
	return p
}

// PhaseFlowKey is the granularity at which non-parallelizable runs serialize.
type PhaseFlowKey struct {
	Phase string
	Flow  Flow
}

func (k PhaseFlowKey) String() string { return k.Phase + "/" + string(k.Flow) }

// EnqueueSpec describes a requested run. The core assigns RunID and EnqueuedAt.
type EnqueueSpec struct {
	CardPath       string
	Flow           Flow
	Parallelizable bool
	Branch         string

	// Payload is an opaque bookmark/config blob handed to the worker untouched.
	Payload json.RawMessage
}

// RunRequest is one scheduled execution attempt. Immutable once created.
type RunRequest struct {
	RunID          string          `json:"run_id"`
	CardPath       string          `json:"card_path"`
	Flow           Flow            `json:"flow"`
	Parallelizable bool            `json:"parallelizable"`
	Branch         string          `json:"branch,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

func (r RunRequest) key() PhaseFlowKey {
	return PhaseFlowKey{Phase: PhaseOf(r.CardPath), Flow: r.Flow}
}

// RunLock guards a card. At most one exists per card at any time.
type RunLock struct {
	CardPath   string
	RunID      string
	Flow       Flow
	AcquiredAt time.Time
}

// Outcome is the terminal result reported via Finish.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Limits bounds parallelism. Zero-valued fields fall back to defaults
// (1 global, 1 per flow).
type Limits struct {
	MaxConcurrent int
	PerFlow       map[Flow]int
}

func (l Limits) withDefaults() Limits {
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = 1
	}
	pf := make(map[Flow]int, len(Flows()))
	for _, f := range Flows() {
		n := l.PerFlow[f]
		if n <= 0 {
			n = 1
		}
		pf[f] = n
	}
	l.PerFlow = pf
	return l
}

// SoftLimit is the total queue depth beyond which enqueues are accepted with
// a backpressure warning.
func (l Limits) SoftLimit() int {
	n := l.MaxConcurrent * 4
	if n < 8 {
		n = 8
	}
	return n
}

// HardLimit is the total queue depth at which enqueues are deferred.
func (l Limits) HardLimit() int { return l.SoftLimit() * 2 }

// Config controls a Core.
type Config struct {
	Limits Limits

	// StaleLockTimeout: a persisted lock with no live worker older than this
	// is failed during recovery. Default 10m.
	StaleLockTimeout time.Duration

	Retry RetryPolicy

	// HistorySize bounds the in-memory decision history ring. Default 200.
	HistorySize int

	// LaunchTimeout bounds the synchronous part of a worker launch. Default 10s.
	LaunchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Limits = c.Limits.withDefaults()
	if c.StaleLockTimeout <= 0 {
		c.StaleLockTimeout = 10 * time.Minute
	}
	c.Retry = c.Retry.withDefaults()
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 10 * time.Second
	}
	return c
}

// HistoryItem is one entry in the core's in-memory decision history.
type HistoryItem struct {
	RunID    string    `json:"run_id"`
	CardPath string    `json:"card_path"`
	Flow     Flow      `json:"flow"`
	State    string    `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// RunEvent is the bus payload for run lifecycle events.
type RunEvent struct {
	RunID    string `json:"run_id"`
	CardPath string `json:"card_path"`
	Flow     Flow   `json:"flow"`
	Reason   string `json:"reason,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
}

// BackpressureEvent is published when queue depth crosses the soft limit.
type BackpressureEvent struct {
	Depth     map[Flow]int `json:"depth"`
	Total     int          `json:"total"`
	SoftLimit int          `json:"soft_limit"`
	HardLimit int          `json:"hard_limit"`
}

// Bus event types published by the core.
const (
	EventRunQueued        = "run.queued"
	EventRunStarted       = "run.started"
	EventRunFinished      = "run.finished"
	EventRunFailed        = "run.failed"
	EventRunCanceled      = "run.canceled"
	EventBackoffScheduled = "run.backoff"
	EventBackpressure     = "queue.backpressure"
	EventLimitsUpdated    = "limits.updated"
	EventWorkerLog        = "worker.log"
)

// WorkerLogEvent carries one chunk of worker output on the bus.
type WorkerLogEvent struct {
	RunID string `json:"run_id"`
	Chunk string `json:"chunk"`
}
