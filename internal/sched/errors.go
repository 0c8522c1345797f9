package sched

import "errors"

var (
	// ErrAlreadyRunning: the card is locked by a queued, launching, running,
	// or backoff-pending run. Not retryable without finishing or resetting
	// the holder.
	ErrAlreadyRunning = errors.New("card already locked by another run")

	// ErrQueueSaturated: queue depth is at the hard limit. Nothing was
	// persisted; the caller should retry later.
	ErrQueueSaturated = errors.New("run queues saturated")

	ErrUnknownFlow = errors.New("unknown flow")
	ErrUnknownRun  = errors.New("unknown run id")

	// ErrNotInBackoff: manual retry requested for a card with no pending
	// backoff entry.
	ErrNotInBackoff = errors.New("card is not in backoff")

	// ErrCardBusy: manual reset refused while a worker is attached.
	ErrCardBusy = errors.New("card has an attached worker; cancel it first")

	ErrStopped = errors.New("scheduler stopped")
)

// Failure reason strings recorded in status extra fields and history lines.
// Launcher-detected crash and timeout failures retry exactly like a plain
// worker failure; only the recorded reason differs.
const (
	ReasonLaunchRejected = "launch_rejected"
	ReasonWorkerFailed   = "worker_failed"
	ReasonWorkerCrashed  = "worker_crashed"
	ReasonWorkerTimeout  = "worker_timeout"
	ReasonRecovery       = "scheduler recovery"
	ReasonManualReset    = "manual_reset"
	ReasonRetriesSpent   = "retries_exhausted"
)
