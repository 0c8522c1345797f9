package sched

import (
	"context"
	"encoding/json"

	"deckhand/internal/store"
	logx "deckhand/pkg/logx"
)

// Recover reconciles persisted state with reality after a restart.
//
// Surviving lock records fall into three buckets: a lock whose worker is
// still alive is adopted as a running run; a lock backing a persisted queued
// entry is re-queued; everything else becomes an orphan that keeps its card
// locked until the stale timeout passes. Queued entries without a lock record
// are discarded as canceled. Recover is idempotent: state already present in
// memory is left alone, so it is safe to run again after a partial failure.
func (c *Core) Recover(ctx context.Context) error {
	live, err := c.launcher.ListLiveWorkers(ctx)
	if err != nil {
		return err
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	locks, err := c.store.LoadLocks(ctx)
	if err != nil {
		return err
	}
	statuses, err := c.store.Statuses(ctx)
	if err != nil {
		return err
	}

	// Queued entries carry the original run request in Extra.
	queuedByRun := map[string]RunRequest{}
	for _, se := range statuses {
		if se.Status != store.StatusQueued {
			continue
		}
		var req RunRequest
		if err := json.Unmarshal([]byte(se.Extra), &req); err != nil || req.RunID != se.RunID {
			c.log.Warn("unreadable queued entry dropped",
				logx.String("card", se.CardPath), logx.String("run", se.RunID))
			continue
		}
		queuedByRun[se.RunID] = req
	}

	// Pre-fetch failure streaks for locked cards so retry decisions survive
	// the restart.
	streaks := map[string]int{}
	for _, rec := range locks {
		n, err := c.store.FailureCount(ctx, rec.CardPath)
		if err == nil && n > 0 {
			streaks[rec.CardPath] = n
		}
	}

	c.mu.Lock()
	var effs []effect
	var adopted, requeued, orphaned, discarded int

	for card, n := range streaks {
		if _, exists := c.failures[card]; !exists {
			c.failures[card] = n
		}
	}

	for _, rec := range locks {
		if _, held := c.locks.cardLock(rec.CardPath); held {
			continue // already reconciled
		}
		flow, err := ParseFlow(rec.Flow)
		if err != nil {
			c.log.Warn("lock record with unknown flow dropped",
				logx.String("card", rec.CardPath), logx.String("flow", rec.Flow))
			effs = append(effs, c.deleteLockEffect(rec.CardPath))
			continue
		}
		key := PhaseFlowKey{Phase: rec.Phase, Flow: flow}

		if _, alive := liveSet[rec.RunID]; alive {
			// Worker survived the restart. Adopt it as running; the sweep
			// settles it when the process dies, since its event stream is gone.
			_ = c.locks.acquireCard(rec.CardPath, rec.RunID, flow, rec.AcquiredAt)
			if !rec.Parallelizable {
				c.locks.acquireKey(key, rec.RunID)
			}
			req := RunRequest{RunID: rec.RunID, CardPath: rec.CardPath, Flow: flow, Parallelizable: rec.Parallelizable}
			c.active[rec.RunID] = &activeRun{req: req, phase: phaseRunning, adopted: true}
			c.totalRunning++
			c.runningByFlow[flow]++
			c.noteLocked(req, "adopted", "")
			adopted++
			continue
		}

		if req, ok := queuedByRun[rec.RunID]; ok {
			_ = c.locks.acquireCard(rec.CardPath, rec.RunID, flow, rec.AcquiredAt)
			if !req.Parallelizable {
				c.locks.acquireKey(req.key(), req.RunID)
			}
			c.queues.push(req)
			c.noteLocked(req, string(store.StatusQueued), "recovered")
			delete(queuedByRun, rec.RunID)
			requeued++
			continue
		}

		// No worker, no queued entry. Hold the card until the record is old
		// enough to call stale; the sweep fails it then.
		_ = c.locks.acquireCard(rec.CardPath, rec.RunID, flow, rec.AcquiredAt)
		if !rec.Parallelizable {
			c.locks.acquireKey(key, rec.RunID)
		}
		c.orphans[rec.CardPath] = rec
		orphaned++
	}

	// Queued entries whose lock vanished are not trustworthy; drop them.
	for _, req := range queuedByRun {
		if c.queues.contains(req.RunID) {
			continue
		}
		effs = append(effs, c.terminalEffectsLocked(req, store.StatusCanceled, EventRunCanceled, ReasonRecovery)...)
		c.noteLocked(req, string(store.StatusCanceled), ReasonRecovery)
		discarded++
	}

	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()

	c.log.Info("recovery complete",
		logx.Int("adopted", adopted),
		logx.Int("requeued", requeued),
		logx.Int("orphaned", orphaned),
		logx.Int("discarded", discarded),
	)
	c.runEffects(effs)
	return nil
}

// Sweep settles adopted runs whose workers have died and fails orphaned
// locks past the stale timeout. The app runs it on a short periodic schedule.
func (c *Core) Sweep(ctx context.Context) {
	live, err := c.launcher.ListLiveWorkers(ctx)
	if err != nil {
		c.log.Warn("liveness sweep skipped", logx.Err(err))
		return
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}

	c.mu.Lock()
	now := c.now()
	var dead []string
	for id, ar := range c.active {
		if ar.adopted {
			if _, alive := liveSet[id]; !alive {
				dead = append(dead, id)
			}
		}
	}

	var effs []effect
	for card, rec := range c.orphans {
		if now.Sub(rec.AcquiredAt) < c.cfg.StaleLockTimeout {
			continue
		}
		delete(c.orphans, card)
		c.locks.releaseOwnedKeys(rec.RunID)
		c.locks.releaseCard(card)
		flow, _ := ParseFlow(rec.Flow)
		req := RunRequest{RunID: rec.RunID, CardPath: card, Flow: flow}
		effs = append(effs, c.deleteLockEffect(card))
		// Stale locks are failed without touching the retry streak: there is
		// no worker outcome to learn from, only a lock nobody came back for.
		effs = append(effs, c.terminalEffectsLocked(req, store.StatusFailed, EventRunFailed, ReasonRecovery)...)
		c.noteLocked(req, string(store.StatusFailed), ReasonRecovery)
		c.log.Warn("stale lock released",
			logx.String("card", card),
			logx.String("run", rec.RunID),
			logx.Duration("age", now.Sub(rec.AcquiredAt)),
		)
	}
	effs = append(effs, c.drainLocked()...)
	c.mu.Unlock()
	c.runEffects(effs)

	// Dead adopted workers count as crashes and go through the normal
	// failure path, retry policy included.
	for _, id := range dead {
		c.Finish(id, OutcomeFailed, ReasonWorkerCrashed)
	}
}
