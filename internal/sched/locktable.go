package sched

import (
	"sort"
	"time"
)

// lockTable maps cards to run locks and phase-flow keys to their holders.
// Pure data structure: it is owned and serialized by the Core and holds no
// mutex of its own. Persistence is write-through via the store's lock bucket.
type lockTable struct {
	cards map[string]RunLock
	keys  map[PhaseFlowKey]string // key -> holding runID
}

func newLockTable() *lockTable {
	return &lockTable{
		cards: map[string]RunLock{},
		keys:  map[PhaseFlowKey]string{},
	}
}

// acquireCard takes the card lock, failing on conflict.
func (t *lockTable) acquireCard(cardPath, runID string, flow Flow, at time.Time) error {
	if _, held := t.cards[cardPath]; held {
		return ErrAlreadyRunning
	}
	t.cards[cardPath] = RunLock{CardPath: cardPath, RunID: runID, Flow: flow, AcquiredAt: at}
	return nil
}

// releaseCard is a no-op when the lock is absent.
func (t *lockTable) releaseCard(cardPath string) {
	delete(t.cards, cardPath)
}

func (t *lockTable) cardLock(cardPath string) (RunLock, bool) {
	l, ok := t.cards[cardPath]
	return l, ok
}

// acquireKey reserves the serialization key for runID. Re-acquiring an
// already-owned key succeeds.
func (t *lockTable) acquireKey(key PhaseFlowKey, runID string) bool {
	holder, held := t.keys[key]
	if held {
		return holder == runID
	}
	t.keys[key] = runID
	return true
}

// releaseKey releases only if runID is the holder.
func (t *lockTable) releaseKey(key PhaseFlowKey, runID string) {
	if t.keys[key] == runID {
		delete(t.keys, key)
	}
}

// releaseOwnedKeys drops every key reservation held by runID. Used by force
// resets where the caller does not know which key the run reserved.
func (t *lockTable) releaseOwnedKeys(runID string) {
	for key, holder := range t.keys {
		if holder == runID {
			delete(t.keys, key)
		}
	}
}

func (t *lockTable) keyHolder(key PhaseFlowKey) (string, bool) {
	holder, held := t.keys[key]
	return holder, held
}

// snapshot returns all card locks sorted by path.
func (t *lockTable) snapshot() []RunLock {
	out := make([]RunLock, 0, len(t.cards))
	for _, l := range t.cards {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardPath < out[j].CardPath })
	return out
}
