package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"deckhand/internal/eventbus"
	"deckhand/internal/launcher"
	"deckhand/internal/store"
	logx "deckhand/pkg/logx"
)

type runPhase int

const (
	phaseLaunching runPhase = iota + 1
	phaseRunning
)

// activeRun is a dispatched run: launching until the launcher accepts it,
// running after.
type activeRun struct {
	req   RunRequest
	phase runPhase

	// adopted runs were reconstructed by recovery; they have no event stream
	// and are reaped by the periodic sweep when their worker dies.
	adopted bool

	cancelRequested bool
}

// backoffEntry exists only while a card waits out a failure. The pending
// request already holds the card lock so nothing else can claim the card.
type backoffEntry struct {
	attempt int
	nextAt  time.Time
	pending RunRequest
	timer   *time.Timer
}

// effect is a deferred external call (status write, launch, bus publish).
// Effects are collected under the core mutex and executed after release, so
// the serialized section never blocks on a collaborator.
type effect func()

// Core is the single serialized scheduling authority.
type Core struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	bus eventbus.Bus

	store    store.Store
	launcher launcher.Launcher

	locks  *lockTable
	queues runQueues

	active        map[string]*activeRun // runID -> dispatched run
	totalRunning  int
	runningByFlow map[Flow]int

	// failures mirrors the store's per-card failure streaks for scheduling
	// decisions; every change is written through.
	failures   map[string]int
	backoffs   map[string]*backoffEntry // cardPath -> entry
	backoffRun map[string]string        // pending runID -> cardPath

	// orphans are persisted locks found by recovery with no live worker and
	// no queued entry. They keep the card locked until the stale timeout
	// passes, then the periodic sweep fails and releases them.
	orphans map[string]store.LockRecord // cardPath -> record

	history []HistoryItem

	warn    *rate.Limiter
	stopped bool

	// Overridable in tests.
	now   func() time.Time
	newID func() string
}

func New(cfg Config, st store.Store, ln launcher.Launcher, log logx.Logger, bus eventbus.Bus) *Core {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Core{
		cfg:           cfg,
		log:           log,
		bus:           bus,
		store:         st,
		launcher:      ln,
		locks:         newLockTable(),
		queues:        newRunQueues(),
		active:        map[string]*activeRun{},
		runningByFlow: map[Flow]int{},
		failures:      map[string]int{},
		backoffs:      map[string]*backoffEntry{},
		backoffRun:    map[string]string{},
		orphans:       map[string]store.LockRecord{},
		warn:          rate.NewLimiter(rate.Every(5*time.Second), 1),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, f := range Flows() {
		c.runningByFlow[f] = 0
	}
	return c
}

// Close stops backoff timers and refuses further enqueues. Running workers
// are not touched; they are re-adopted by recovery on the next start.
func (c *Core) Close() {
	c.mu.Lock()
	c.stopped = true
	for _, be := range c.backoffs {
		be.timer.Stop()
	}
	c.mu.Unlock()
}

// Enqueue validates the spec, locks the card, and queues a new run.
//
// Returns ErrAlreadyRunning when the card is locked (running, queued, or in
// backoff) and ErrQueueSaturated when total queue depth has reached the hard
// limit. The saturation check happens strictly before any state change, so
// a rejected enqueue persists nothing.
func (c *Core) Enqueue(spec EnqueueSpec) (RunRequest, error) {
	flow, err := ParseFlow(string(spec.Flow))
	if err != nil {
		return RunRequest{}, err
	}
	card := strings.TrimSpace(spec.CardPath)
	if card == "" {
		return RunRequest{}, errors.New("card path is required")
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return RunRequest{}, ErrStopped
	}
	total := c.queues.total()
	if total >= c.cfg.Limits.HardLimit() {
		c.mu.Unlock()
		return RunRequest{}, ErrQueueSaturated
	}
	if _, held := c.locks.cardLock(card); held {
		c.mu.Unlock()
		return RunRequest{}, ErrAlreadyRunning
	}

	now := c.now()
	req := RunRequest{
		RunID:          c.newID(),
		CardPath:       card,
		Flow:           flow,
		Parallelizable: spec.Parallelizable,
		Branch:         spec.Branch,
		Payload:        spec.Payload,
		EnqueuedAt:     now,
	}
	_ = c.locks.acquireCard(card, req.RunID, flow, now)
	if !req.Parallelizable {
		// Reservation marks intent even before dispatch. Losing it is fine:
		// the entry stays queued and is skipped until the holder finishes.
		c.locks.acquireKey(req.key(), req.RunID)
	}
	c.queues.push(req)
	c.noteLocked(req, string(store.StatusQueued), "")

	effs := []effect{
		c.putLockEffect(req, now),
		c.queuedStatusEffect(req),
		c.historyEffect(req, "queued"),
		c.publishEffect(EventRunQueued, RunEvent{RunID: req.RunID, CardPath: req.CardPath, Flow: req.Flow}),
	}
	if depth := total + 1; depth > c.cfg.Limits.SoftLimit() {
		effs = append(effs, c.backpressureEffectLocked(depth))
	}
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()

	c.runEffects(effs)
	return req, nil
}

// Finish settles a dispatched run. Unknown or already-finished run IDs are
// a no-op, which makes duplicate finished events harmless.
func (c *Core) Finish(runID string, outcome Outcome, reason string) {
	c.mu.Lock()
	ar := c.active[runID]
	if ar == nil {
		c.mu.Unlock()
		return
	}
	delete(c.active, runID)
	c.totalRunning--
	c.runningByFlow[ar.req.Flow]--
	req := ar.req

	var status store.Status
	var busType string
	switch outcome {
	case OutcomeSucceeded:
		status, busType = store.StatusSucceeded, EventRunFinished
	case OutcomeCanceled:
		status, busType = store.StatusCanceled, EventRunCanceled
	default:
		status, busType = store.StatusFailed, EventRunFailed
		if reason == "" {
			reason = ReasonWorkerFailed
		}
	}

	// Lock release happens before the terminal status write (invariant: a
	// terminal run never keeps its locks).
	effs := []effect{c.releaseRunLocksLocked(req)}
	effs = append(effs, c.terminalEffectsLocked(req, status, busType, reason)...)

	if outcome == OutcomeFailed {
		effs = append(effs, c.failStreakLocked(req, reason)...)
	} else {
		effs = append(effs, c.clearFailureStateLocked(req.CardPath)...)
	}
	c.noteLocked(req, string(status), reason)
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()

	c.runEffects(effs)
}

// Cancel stops a run wherever it currently is: queued entries and pending
// backoff retries are removed immediately; dispatched runs get a best-effort
// stop request and settle when the launcher reports them finished.
// Cancellation never counts toward the failure streak.
func (c *Core) Cancel(runID string) error {
	c.mu.Lock()

	if req, ok := c.queues.removeRun(runID); ok {
		effs := []effect{c.releaseRunLocksLocked(req)}
		effs = append(effs, c.terminalEffectsLocked(req, store.StatusCanceled, EventRunCanceled, "")...)
		effs = append(effs, c.clearFailureStateLocked(req.CardPath)...)
		c.noteLocked(req, string(store.StatusCanceled), "")
		// A released key reservation may unblock a queued entry.
		effs = append(effs, c.drainLocked()...)
		c.mu.Unlock()
		c.runEffects(effs)
		return nil
	}

	if card, ok := c.backoffRun[runID]; ok {
		be := c.backoffs[card]
		be.timer.Stop()
		delete(c.backoffs, card)
		delete(c.backoffRun, runID)
		req := be.pending
		effs := []effect{c.releaseRunLocksLocked(req)}
		effs = append(effs, c.terminalEffectsLocked(req, store.StatusCanceled, EventRunCanceled, "")...)
		effs = append(effs, c.clearFailureStateLocked(card)...)
		c.noteLocked(req, string(store.StatusCanceled), "backoff canceled")
		c.mu.Unlock()
		c.runEffects(effs)
		return nil
	}

	if ar := c.active[runID]; ar != nil {
		ar.cancelRequested = true
		runID := ar.req.RunID
		c.mu.Unlock()
		if err := c.launcher.RequestCancel(runID); err != nil {
			c.log.Warn("cancel request failed; waiting for worker to settle",
				logx.String("run", runID), logx.Err(err))
		}
		return nil
	}

	c.mu.Unlock()
	return ErrUnknownRun
}

// Retry is the manual path out of backoff: it cancels the pending timer,
// resets the failure streak, and enqueues the card immediately.
func (c *Core) Retry(cardPath string) (RunRequest, error) {
	c.mu.Lock()
	be := c.backoffs[cardPath]
	if be == nil {
		c.mu.Unlock()
		return RunRequest{}, ErrNotInBackoff
	}
	be.timer.Stop()
	delete(c.backoffs, cardPath)
	delete(c.backoffRun, be.pending.RunID)

	req := be.pending
	req.EnqueuedAt = c.now()
	if !req.Parallelizable {
		c.locks.acquireKey(req.key(), req.RunID)
	}
	c.queues.push(req)
	delete(c.failures, cardPath)
	c.noteLocked(req, string(store.StatusQueued), "manual retry")

	effs := []effect{
		c.resetFailureEffect(cardPath),
		c.queuedStatusEffect(req),
		c.historyEffect(req, "queued (manual retry)"),
		c.publishEffect(EventRunQueued, RunEvent{RunID: req.RunID, CardPath: req.CardPath, Flow: req.Flow, Reason: "manual retry"}),
	}
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()

	c.runEffects(effs)
	return req, nil
}

// ResetCard force-clears every trace of a card from the scheduler: queue
// entry, backoff, lock, failure streak. It refuses while a worker is still
// attached (cancel first) and never touches work the worker already produced.
func (c *Core) ResetCard(cardPath string) error {
	c.mu.Lock()
	for _, ar := range c.active {
		if ar.req.CardPath == cardPath {
			c.mu.Unlock()
			return ErrCardBusy
		}
	}

	lock, held := c.locks.cardLock(cardPath)
	if req, ok := c.queues.removeCard(cardPath); ok {
		lock = RunLock{CardPath: cardPath, RunID: req.RunID, Flow: req.Flow}
		held = true
	}
	if be := c.backoffs[cardPath]; be != nil {
		be.timer.Stop()
		delete(c.backoffs, cardPath)
		delete(c.backoffRun, be.pending.RunID)
	}
	if !held {
		c.mu.Unlock()
		return ErrUnknownRun
	}
	c.locks.releaseOwnedKeys(lock.RunID)
	c.locks.releaseCard(cardPath)
	delete(c.orphans, cardPath)
	delete(c.failures, cardPath)

	req := RunRequest{RunID: lock.RunID, CardPath: cardPath, Flow: lock.Flow}
	effs := []effect{
		c.deleteLockEffect(cardPath),
		c.resetFailureEffect(cardPath),
		c.statusEffect(req, store.StatusCanceled, ReasonManualReset),
		c.historyEffect(req, "reset by operator"),
		c.publishEffect(EventRunCanceled, RunEvent{RunID: lock.RunID, CardPath: cardPath, Flow: lock.Flow, Reason: ReasonManualReset}),
	}
	c.noteLocked(req, string(store.StatusCanceled), ReasonManualReset)
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()

	c.runEffects(effs)
	return nil
}

// UpdateLimits swaps the concurrency limits and immediately re-evaluates the
// queues. Running work is never preempted; only future selection changes.
func (c *Core) UpdateLimits(l Limits) {
	c.mu.Lock()
	c.cfg.Limits = l.withDefaults()
	effs := []effect{c.publishEffect(EventLimitsUpdated, c.cfg.Limits)}
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()
	c.runEffects(effs)
}

// Apply swaps the full scheduler config (limits, retry policy, timeouts) at
// runtime, then re-evaluates the queues.
func (c *Core) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	effs := []effect{c.publishEffect(EventLimitsUpdated, cfg.Limits)}
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()
	c.runEffects(effs)
}

// OnWorkerEvent translates launcher lifecycle events into serialized core
// operations. The app wires this to the launcher's event channel.
func (c *Core) OnWorkerEvent(ev launcher.Event) {
	switch ev.Type {
	case launcher.EventFinished:
		c.mu.Lock()
		canceled := false
		if ar := c.active[ev.RunID]; ar != nil {
			canceled = ar.cancelRequested
		}
		c.mu.Unlock()

		outcome, reason := OutcomeSucceeded, ""
		switch {
		case canceled:
			outcome = OutcomeCanceled
		case ev.Reason == launcher.ReasonWatchdogTimeout:
			outcome, reason = OutcomeFailed, ReasonWorkerTimeout
		case ev.ExitCode == 0 && ev.Reason == "":
			outcome = OutcomeSucceeded
		case ev.ExitCode < 0:
			outcome, reason = OutcomeFailed, ReasonWorkerCrashed
		default:
			outcome, reason = OutcomeFailed, ReasonWorkerFailed
		}
		c.Finish(ev.RunID, outcome, reason)

	case launcher.EventLog:
		c.publish(EventWorkerLog, WorkerLogEvent{RunID: ev.RunID, Chunk: string(ev.Chunk)})

	case launcher.EventHeartbeat:
		// Liveness is the launcher's watchdog concern; nothing to do here.
	}
}

// ---- selection ----

// drainLocked runs the selection algorithm and returns the launch effects.
// Called after every state change. Dispatched entries count toward capacity
// while still launching, so a burst of launches can never overshoot limits.
func (c *Core) drainLocked() []effect {
	var effs []effect
	for {
		// One pick per flow per pass, so no single flow can drain every
		// free slot ahead of the others.
		dispatched := false
		for _, flow := range Flows() {
			if c.totalRunning >= c.cfg.Limits.MaxConcurrent {
				return effs
			}
			if c.runningByFlow[flow] >= c.cfg.Limits.PerFlow[flow] {
				continue
			}
			i, ok := c.queues.firstEligible(flow, c.eligibleLocked)
			if !ok {
				continue
			}
			req := c.queues.takeAt(flow, i)
			if !req.Parallelizable {
				// May already own the reservation from enqueue time.
				c.locks.acquireKey(req.key(), req.RunID)
			}
			c.active[req.RunID] = &activeRun{req: req, phase: phaseLaunching}
			c.totalRunning++
			c.runningByFlow[flow]++
			c.noteLocked(req, string(store.StatusRunning), "")
			effs = append(effs, c.launchEffect(req))
			dispatched = true
		}
		if !dispatched {
			return effs
		}
	}
}

// eligibleLocked: parallelizable entries always qualify; a non-parallelizable
// entry qualifies only when its serialization key is free or reserved by the
// entry itself.
func (c *Core) eligibleLocked(req RunRequest) bool {
	if req.Parallelizable {
		return true
	}
	holder, held := c.locks.keyHolder(req.key())
	return !held || holder == req.RunID
}

func (c *Core) launchEffect(req RunRequest) effect {
	timeout := c.cfg.LaunchTimeout
	return func() {
		c.writeThrough("status", func(ctx context.Context) error {
			return c.store.SetStatus(ctx, store.StatusEntry{
				CardPath: req.CardPath, Flow: string(req.Flow), RunID: req.RunID,
				Status: store.StatusRunning, UpdatedAt: time.Now(),
			})
		})

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		h, err := c.launcher.Launch(ctx, launcher.Payload{
			RunID:    req.RunID,
			CardPath: req.CardPath,
			Flow:     string(req.Flow),
			Branch:   req.Branch,
			Config:   req.Payload,
		})
		cancel()
		if err != nil {
			c.launchFailed(req.RunID, err)
			return
		}
		c.launchStarted(req.RunID, h)
	}
}

// launchStarted confirms a synchronous launch accept.
func (c *Core) launchStarted(runID string, h launcher.Handle) {
	c.mu.Lock()
	ar := c.active[runID]
	if ar == nil {
		// Finished while still launching (extremely short worker). Nothing
		// to confirm.
		c.mu.Unlock()
		return
	}
	ar.phase = phaseRunning
	req := ar.req
	cancelPending := ar.cancelRequested
	c.mu.Unlock()

	c.log.Info("worker started",
		logx.String("run", runID),
		logx.String("card", req.CardPath),
		logx.String("flow", string(req.Flow)),
		logx.Int("pid", h.PID),
	)
	c.publish(EventRunStarted, RunEvent{RunID: runID, CardPath: req.CardPath, Flow: req.Flow})

	// A cancel raced the launch; deliver it now that the worker exists.
	if cancelPending {
		if err := c.launcher.RequestCancel(runID); err != nil {
			c.log.Warn("post-launch cancel failed", logx.String("run", runID), logx.Err(err))
		}
	}
}

// launchFailed handles a synchronous launch rejection: release, mark failed,
// schedule backoff, and keep draining other eligible entries.
func (c *Core) launchFailed(runID string, err error) {
	c.mu.Lock()
	ar := c.active[runID]
	if ar == nil {
		c.mu.Unlock()
		return
	}
	delete(c.active, runID)
	c.totalRunning--
	c.runningByFlow[ar.req.Flow]--
	req := ar.req

	effs := []effect{c.releaseRunLocksLocked(req)}
	effs = append(effs, c.terminalEffectsLocked(req, store.StatusFailed, EventRunFailed, ReasonLaunchRejected)...)
	effs = append(effs, c.failStreakLocked(req, ReasonLaunchRejected)...)
	c.noteLocked(req, string(store.StatusFailed), ReasonLaunchRejected)
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()

	c.log.Warn("launch rejected",
		logx.String("run", runID),
		logx.String("card", req.CardPath),
		logx.Bool("invalid", launcher.IsInvalid(err)),
		logx.Err(err),
	)
	c.runEffects(effs)
}

// ---- failure streaks & backoff ----

// failStreakLocked advances the card's failure streak and either schedules a
// backoff re-enqueue (holding a fresh card lock for the pending run) or, once
// the streak passes the retry budget, leaves the card terminal-failed.
func (c *Core) failStreakLocked(req RunRequest, reason string) []effect {
	card := req.CardPath
	n := c.failures[card] + 1
	c.failures[card] = n
	effs := []effect{c.incrFailureEffect(card)}

	if c.cfg.Retry.Exhausted(n) {
		effs = append(effs,
			c.historyEffect(req, fmt.Sprintf("giving up after %d consecutive failures", n)),
		)
		c.log.Error("card exhausted its retries",
			logx.String("card", card),
			logx.String("flow", string(req.Flow)),
			logx.Int("failures", n),
			logx.String("reason", reason),
		)
		return effs
	}

	delay := c.cfg.Retry.Delay(n)
	now := c.now()
	pending := req
	pending.RunID = c.newID()
	pending.EnqueuedAt = time.Time{} // assigned when the retry actually queues

	// The pending retry takes the card lock immediately so nothing else can
	// claim the card while it waits.
	_ = c.locks.acquireCard(card, pending.RunID, req.Flow, now)

	be := &backoffEntry{attempt: n, nextAt: now.Add(delay), pending: pending}
	be.timer = time.AfterFunc(delay, func() { c.backoffExpired(card, pending.RunID) })
	c.backoffs[card] = be
	c.backoffRun[pending.RunID] = card

	effs = append(effs,
		c.putLockEffect(pending, now),
		c.historyEffect(req, fmt.Sprintf("retry %d scheduled in %s", n, delay.Round(time.Second))),
		c.publishEffect(EventBackoffScheduled, RunEvent{RunID: pending.RunID, CardPath: card, Flow: req.Flow, Reason: reason, Attempt: n}),
	)
	return effs
}

// backoffExpired re-enqueues the pending retry. The card lock is already held
// by the pending run, so this bypasses Enqueue's conflict and saturation
// checks; deferring an expired retry would strand its lock.
func (c *Core) backoffExpired(cardPath, runID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	be := c.backoffs[cardPath]
	if be == nil || be.pending.RunID != runID {
		// Canceled or manually retried while the timer fired.
		c.mu.Unlock()
		return
	}
	delete(c.backoffs, cardPath)
	delete(c.backoffRun, runID)

	req := be.pending
	req.EnqueuedAt = c.now()
	if !req.Parallelizable {
		c.locks.acquireKey(req.key(), req.RunID)
	}
	c.queues.push(req)
	c.noteLocked(req, string(store.StatusQueued), fmt.Sprintf("retry %d", be.attempt))

	effs := []effect{
		c.queuedStatusEffect(req),
		c.historyEffect(req, fmt.Sprintf("queued (retry %d)", be.attempt)),
		c.publishEffect(EventRunQueued, RunEvent{RunID: req.RunID, CardPath: req.CardPath, Flow: req.Flow, Attempt: be.attempt}),
	}
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()

	c.runEffects(effs)
}

func (c *Core) clearFailureStateLocked(cardPath string) []effect {
	var effs []effect
	if c.failures[cardPath] != 0 {
		delete(c.failures, cardPath)
		effs = append(effs, c.resetFailureEffect(cardPath))
	}
	// A backoff entry cannot normally coexist with a finishing run for the
	// same card, but clear it anyway so cancel/succeed always leaves a
	// clean card.
	if be := c.backoffs[cardPath]; be != nil {
		be.timer.Stop()
		delete(c.backoffRun, be.pending.RunID)
		delete(c.backoffs, cardPath)
		c.locks.releaseCard(cardPath)
		effs = append(effs, c.deleteLockEffect(cardPath))
	}
	return effs
}

// ---- lock/status effect helpers ----

// releaseRunLocksLocked drops the run's key reservation and card lock in
// memory and returns the effect that deletes the persisted record.
func (c *Core) releaseRunLocksLocked(req RunRequest) effect {
	if !req.Parallelizable {
		c.locks.releaseKey(req.key(), req.RunID)
	}
	c.locks.releaseCard(req.CardPath)
	return c.deleteLockEffect(req.CardPath)
}

func (c *Core) terminalEffectsLocked(req RunRequest, status store.Status, busType, reason string) []effect {
	line := string(status)
	if reason != "" {
		line = fmt.Sprintf("%s (%s)", status, reason)
	}
	return []effect{
		c.statusEffect(req, status, reason),
		c.historyEffect(req, line),
		c.publishEffect(busType, RunEvent{RunID: req.RunID, CardPath: req.CardPath, Flow: req.Flow, Reason: reason}),
	}
}

// queuedStatusEffect persists the queued status. The entry carries the full
// request so recovery can rebuild queues from the store.
func (c *Core) queuedStatusEffect(req RunRequest) effect {
	extra, _ := json.Marshal(req)
	return func() {
		c.writeThrough("status", func(ctx context.Context) error {
			return c.store.SetStatus(ctx, store.StatusEntry{
				CardPath: req.CardPath, Flow: string(req.Flow), RunID: req.RunID,
				Status: store.StatusQueued, Extra: string(extra), UpdatedAt: time.Now(),
			})
		})
	}
}

func (c *Core) statusEffect(req RunRequest, status store.Status, extra string) effect {
	return func() {
		c.writeThrough("status", func(ctx context.Context) error {
			return c.store.SetStatus(ctx, store.StatusEntry{
				CardPath: req.CardPath, Flow: string(req.Flow), RunID: req.RunID,
				Status: status, Extra: extra, UpdatedAt: time.Now(),
			})
		})
	}
}

func (c *Core) historyEffect(req RunRequest, what string) effect {
	return func() {
		c.writeThrough("history", func(ctx context.Context) error {
			return c.store.AppendHistory(ctx, req.CardPath, c.historyLine(req, what))
		})
	}
}

func (c *Core) putLockEffect(req RunRequest, at time.Time) effect {
	rec := store.LockRecord{
		CardPath:       req.CardPath,
		RunID:          req.RunID,
		Flow:           string(req.Flow),
		Phase:          PhaseOf(req.CardPath),
		Parallelizable: req.Parallelizable,
		AcquiredAt:     at,
	}
	return func() {
		c.writeThrough("lock", func(ctx context.Context) error {
			return c.store.PutLock(ctx, rec)
		})
	}
}

func (c *Core) deleteLockEffect(cardPath string) effect {
	return func() {
		c.writeThrough("unlock", func(ctx context.Context) error {
			return c.store.DeleteLock(ctx, cardPath)
		})
	}
}

func (c *Core) incrFailureEffect(cardPath string) effect {
	return func() {
		c.writeThrough("counter", func(ctx context.Context) error {
			_, err := c.store.IncrFailureCount(ctx, cardPath)
			return err
		})
	}
}

func (c *Core) resetFailureEffect(cardPath string) effect {
	return func() {
		c.writeThrough("counter", func(ctx context.Context) error {
			return c.store.ResetFailureCount(ctx, cardPath)
		})
	}
}

func (c *Core) backpressureEffectLocked(depth int) effect {
	ev := BackpressureEvent{
		Depth:     c.queues.depths(),
		Total:     depth,
		SoftLimit: c.cfg.Limits.SoftLimit(),
		HardLimit: c.cfg.Limits.HardLimit(),
	}
	return func() {
		c.publish(EventBackpressure, ev)
		if c.warn.Allow() {
			c.log.Warn("run queues over soft limit",
				logx.Int("total", ev.Total),
				logx.Int("soft", ev.SoftLimit),
				logx.Int("hard", ev.HardLimit),
			)
		}
	}
}

func (c *Core) publishEffect(typ string, data any) effect {
	return func() { c.publish(typ, data) }
}

func (c *Core) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// historyLine renders the per-flow history template. Lines always carry the
// short run ID so operators can correlate with logs.
func (c *Core) historyLine(req RunRequest, what string) string {
	return fmt.Sprintf("%s run %s: %s", req.Flow, shortID(req.RunID), what)
}

func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

// writeThrough performs a best-effort store write with a couple of quick
// retries. Failures are logged and dropped: status durability never blocks
// lock release.
func (c *Core) writeThrough(what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = 3
		case <-time.After(time.Duration(50*(1<<attempt)) * time.Millisecond):
		}
	}
	c.log.Warn("store write failed", logx.String("op", what), logx.Err(err))
}

func (c *Core) runEffects(effs []effect) {
	for _, f := range effs {
		f()
	}
}

func (c *Core) noteLocked(req RunRequest, state, reason string) {
	c.history = append(c.history, HistoryItem{
		RunID:    req.RunID,
		CardPath: req.CardPath,
		Flow:     req.Flow,
		State:    state,
		Reason:   reason,
		At:       c.now(),
	})
	if n := c.cfg.HistorySize; len(c.history) > n {
		c.history = c.history[len(c.history)-n:]
	}
}
