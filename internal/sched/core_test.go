package sched

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deckhand/internal/eventbus"
	"deckhand/internal/launcher"
	"deckhand/internal/store"
	logx "deckhand/pkg/logx"
)

// memStore is an in-memory store.Store for scheduler tests.
type memStore struct {
	mu       sync.Mutex
	statuses map[string]store.StatusEntry // card|flow
	history  map[string][]string
	counters map[string]int
	locks    map[string]store.LockRecord
	writes   int
}

func newMemStore() *memStore {
	return &memStore{
		statuses: map[string]store.StatusEntry{},
		history:  map[string][]string{},
		counters: map[string]int{},
		locks:    map[string]store.LockRecord{},
	}
}

func skey(card, flow string) string { return card + "|" + flow }

func (m *memStore) SetStatus(_ context.Context, e store.StatusEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[skey(e.CardPath, e.Flow)] = e
	m.writes++
	return nil
}

func (m *memStore) Statuses(context.Context) ([]store.StatusEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.StatusEntry, 0, len(m.statuses))
	for _, e := range m.statuses {
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) AppendHistory(_ context.Context, card, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[card] = append(m.history[card], line)
	m.writes++
	return nil
}

func (m *memStore) FailureCount(_ context.Context, card string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[card], nil
}

func (m *memStore) IncrFailureCount(_ context.Context, card string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[card]++
	m.writes++
	return m.counters[card], nil
}

func (m *memStore) ResetFailureCount(_ context.Context, card string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, card)
	m.writes++
	return nil
}

func (m *memStore) PutLock(_ context.Context, rec store.LockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[rec.CardPath] = rec
	m.writes++
	return nil
}

func (m *memStore) DeleteLock(_ context.Context, card string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, card)
	m.writes++
	return nil
}

func (m *memStore) LoadLocks(context.Context) ([]store.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.LockRecord, 0, len(m.locks))
	for _, rec := range m.locks {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) Compact(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) status(card, flow string) (store.StatusEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.statuses[skey(card, flow)]
	return e, ok
}

func (m *memStore) lockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// fakeLauncher is a controllable launcher.Launcher.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []launcher.Payload
	reject   error // when set, Launch fails with this error
	canceled []string
	live     []string
	events   chan launcher.Event
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{events: make(chan launcher.Event, 64)}
}

func (f *fakeLauncher) Launch(_ context.Context, p launcher.Payload) (launcher.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return launcher.Handle{}, f.reject
	}
	f.launched = append(f.launched, p)
	return launcher.Handle{RunID: p.RunID, PID: 1000 + len(f.launched), StartedAt: time.Now()}, nil
}

func (f *fakeLauncher) RequestCancel(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, runID)
	return nil
}

func (f *fakeLauncher) ListLiveWorkers(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.live...), nil
}

func (f *fakeLauncher) Events() <-chan launcher.Event { return f.events }
func (f *fakeLauncher) Close() error                  { return nil }

func (f *fakeLauncher) launchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.launched))
	for i, p := range f.launched {
		out[i] = p.RunID
	}
	return out
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

func (f *fakeLauncher) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.canceled)
}

func (f *fakeLauncher) setReject(err error) {
	f.mu.Lock()
	f.reject = err
	f.mu.Unlock()
}

func (f *fakeLauncher) setLive(ids ...string) {
	f.mu.Lock()
	f.live = ids
	f.mu.Unlock()
}

func newTestCore(t *testing.T, cfg Config, st store.Store, ln launcher.Launcher) *Core {
	t.Helper()
	c := New(cfg, st, ln, logx.Nop(), nil)
	seq := 0
	c.newID = func() string {
		seq++
		return fmt.Sprintf("run-%03d", seq)
	}
	t.Cleanup(c.Close)
	return c
}

func TestEnqueueAndLaunch(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{}, st, ln)

	req, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)
	require.Equal(t, "run-001", req.RunID)

	// Launch happens synchronously in the enqueue effects.
	require.Equal(t, []string{"run-001"}, ln.launchedIDs())
	e, ok := st.status("p/a", "implement")
	require.True(t, ok)
	require.Equal(t, store.StatusRunning, e.Status)
	require.Equal(t, 1, st.lockCount())

	c.Finish("run-001", OutcomeSucceeded, "")
	e, _ = st.status("p/a", "implement")
	require.Equal(t, store.StatusSucceeded, e.Status)
	require.Zero(t, st.lockCount())
	require.Zero(t, c.Snapshot().TotalRunning)
}

func TestEnqueueCardConflict(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{}, st, ln)

	_, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement})
	require.NoError(t, err)

	// Same card, any flow: the running run holds the card.
	_, err = c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowReview})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Equal(t, 1, ln.launchCount())
}

func TestUnknownFlowRejected(t *testing.T) {
	t.Parallel()
	c := newTestCore(t, Config{}, newMemStore(), newFakeLauncher())
	_, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: "deploy"})
	require.ErrorIs(t, err, ErrUnknownFlow)
}

func TestSerializationPerPhaseFlow(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{
		Limits: Limits{MaxConcurrent: 4, PerFlow: map[Flow]int{FlowImplement: 4}},
	}, st, ln)

	// Two non-parallelizable cards in the same phase and flow serialize.
	r1, err := c.Enqueue(EnqueueSpec{CardPath: "phase-1/a", Flow: FlowImplement})
	require.NoError(t, err)
	_, err = c.Enqueue(EnqueueSpec{CardPath: "phase-1/b", Flow: FlowImplement})
	require.NoError(t, err)
	require.Equal(t, []string{"run-001"}, ln.launchedIDs())

	// A different phase is free to run concurrently.
	_, err = c.Enqueue(EnqueueSpec{CardPath: "phase-2/c", Flow: FlowImplement})
	require.NoError(t, err)
	require.Equal(t, []string{"run-001", "run-003"}, ln.launchedIDs())

	// Finishing the key holder releases the second card.
	c.Finish(r1.RunID, OutcomeSucceeded, "")
	require.Equal(t, []string{"run-001", "run-003", "run-002"}, ln.launchedIDs())
}

func TestParallelizableBypassesKey(t *testing.T) {
	t.Parallel()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{
		Limits: Limits{MaxConcurrent: 4, PerFlow: map[Flow]int{FlowImplement: 4}},
	}, newMemStore(), ln)

	_, err := c.Enqueue(EnqueueSpec{CardPath: "phase-1/a", Flow: FlowImplement})
	require.NoError(t, err)
	_, err = c.Enqueue(EnqueueSpec{CardPath: "phase-1/b", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)

	// The parallelizable run ignores the phase-flow key.
	require.Equal(t, 2, ln.launchCount())
}

func TestConcurrencyLimits(t *testing.T) {
	t.Parallel()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{
		Limits: Limits{MaxConcurrent: 2, PerFlow: map[Flow]int{FlowImplement: 1, FlowReview: 2}},
	}, newMemStore(), ln)

	for i, spec := range []EnqueueSpec{
		{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true},
		{CardPath: "p/b", Flow: FlowImplement, Parallelizable: true}, // over per-flow
		{CardPath: "p/c", Flow: FlowReview, Parallelizable: true},
		{CardPath: "p/d", Flow: FlowReview, Parallelizable: true}, // over global
	} {
		_, err := c.Enqueue(spec)
		require.NoError(t, err, "enqueue %d", i)
	}
	require.Equal(t, []string{"run-001", "run-003"}, ln.launchedIDs())

	snap := c.Snapshot()
	require.Equal(t, 2, snap.TotalRunning)
	require.Equal(t, 2, snap.QueueTotal)

	// Raising the limits drains the queue immediately.
	c.UpdateLimits(Limits{MaxConcurrent: 4, PerFlow: map[Flow]int{FlowImplement: 2, FlowReview: 2}})
	require.Equal(t, 4, ln.launchCount())
}

func TestQueueSaturation(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{}, st, ln) // maxConcurrent 1 -> soft 8, hard 16

	// First enqueue launches; the next 16 fill the queue to the hard limit.
	for i := 0; i < 17; i++ {
		_, err := c.Enqueue(EnqueueSpec{
			CardPath:       fmt.Sprintf("p/c%02d", i),
			Flow:           FlowImplement,
			Parallelizable: true,
		})
		require.NoError(t, err, "enqueue %d", i)
	}
	require.Equal(t, 16, c.Snapshot().QueueTotal)

	writes := st.writeCount()
	_, err := c.Enqueue(EnqueueSpec{CardPath: "p/over", Flow: FlowImplement, Parallelizable: true})
	require.ErrorIs(t, err, ErrQueueSaturated)

	// A deferred enqueue persists nothing.
	require.Equal(t, writes, st.writeCount())
	require.Zero(t, c.Snapshot().QueueTotal-16)
}

func TestWorkerFailureSchedulesBackoff(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{
		Retry: RetryPolicy{Base: 20 * time.Millisecond, Multiplier: 1, Cap: 20 * time.Millisecond, NoJitter: true, MaxAttempts: 5},
	}, st, ln)

	req, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)

	c.Finish(req.RunID, OutcomeFailed, "boom")

	snap := c.Snapshot()
	require.Len(t, snap.Backoffs, 1)
	require.Equal(t, 1, snap.Backoffs[0].Attempt)

	// The pending retry holds the card: a competing enqueue is rejected.
	_, err = c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// After the delay the retry launches on its own.
	require.Eventually(t, func() bool {
		return ln.launchCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "run-002", ln.launchedIDs()[1])

	// Success clears the streak.
	c.Finish("run-002", OutcomeSucceeded, "")
	n, _ := st.FailureCount(context.Background(), "p/a")
	require.Zero(t, n)
}

func TestRetryExhaustionIsTerminal(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	ln.setReject(errors.New("no agents available"))
	c := newTestCore(t, Config{
		Retry: RetryPolicy{Base: 5 * time.Millisecond, Multiplier: 1, Cap: 5 * time.Millisecond, NoJitter: true, MaxAttempts: 2},
	}, st, ln)

	_, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)

	// Every launch is rejected: initial failure plus 2 retries, then terminal.
	require.Eventually(t, func() bool {
		n, _ := st.FailureCount(context.Background(), "p/a")
		return n == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Give a potential stray retry a moment, then confirm nothing is pending.
	time.Sleep(50 * time.Millisecond)
	snap := c.Snapshot()
	require.Empty(t, snap.Backoffs)
	require.Empty(t, snap.Locks)
	e, _ := st.status("p/a", "implement")
	require.Equal(t, store.StatusFailed, e.Status)

	// Terminal-failed cards accept a fresh enqueue.
	ln.setReject(nil)
	_, err = c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)
}

func TestManualRetryResetsStreak(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{
		Retry: RetryPolicy{Base: time.Hour, Multiplier: 1, Cap: time.Hour, NoJitter: true, MaxAttempts: 5},
	}, st, ln)

	req, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)
	c.Finish(req.RunID, OutcomeFailed, "boom")
	require.Len(t, c.Snapshot().Backoffs, 1)

	// Manual retry bypasses the hour-long delay and clears the counter.
	retried, err := c.Retry("p/a")
	require.NoError(t, err)
	require.Equal(t, "p/a", retried.CardPath)
	require.Equal(t, 2, ln.launchCount())
	require.Empty(t, c.Snapshot().Backoffs)
	n, _ := st.FailureCount(context.Background(), "p/a")
	require.Zero(t, n)

	_, err = c.Retry("p/never")
	require.ErrorIs(t, err, ErrNotInBackoff)
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{}, st, ln) // maxConcurrent 1

	_, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)
	queued, err := c.Enqueue(EnqueueSpec{CardPath: "p/b", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)
	require.Equal(t, 1, ln.launchCount())

	require.NoError(t, c.Cancel(queued.RunID))
	require.Zero(t, c.Snapshot().QueueTotal)
	e, _ := st.status("p/b", "implement")
	require.Equal(t, store.StatusCanceled, e.Status)

	// The card is free again immediately.
	_, err = c.Enqueue(EnqueueSpec{CardPath: "p/b", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)
}

func TestCancelRunningWaitsForWorker(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{}, st, ln)

	req, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)

	require.NoError(t, c.Cancel(req.RunID))
	require.Equal(t, 1, ln.cancelCount())

	// Still running until the worker reports finished.
	require.Equal(t, 1, c.Snapshot().TotalRunning)

	// Worker exits; the non-zero exit maps to canceled, not failed, and the
	// streak is untouched.
	c.OnWorkerEvent(launcher.Event{RunID: req.RunID, Type: launcher.EventFinished, ExitCode: -1, Reason: launcher.ReasonKilled})
	e, _ := st.status("p/a", "implement")
	require.Equal(t, store.StatusCanceled, e.Status)
	n, _ := st.FailureCount(context.Background(), "p/a")
	require.Zero(t, n)
	require.Empty(t, c.Snapshot().Backoffs)
}

func TestCancelUnknownRun(t *testing.T) {
	t.Parallel()
	c := newTestCore(t, Config{}, newMemStore(), newFakeLauncher())
	require.ErrorIs(t, c.Cancel("nope"), ErrUnknownRun)
}

func TestWorkerEventOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		event  launcher.Event
		status store.Status
	}{
		{
			name:   "clean exit",
			event:  launcher.Event{Type: launcher.EventFinished, ExitCode: 0},
			status: store.StatusSucceeded,
		},
		{
			name:   "nonzero exit",
			event:  launcher.Event{Type: launcher.EventFinished, ExitCode: 2},
			status: store.StatusFailed,
		},
		{
			name:   "watchdog timeout",
			event:  launcher.Event{Type: launcher.EventFinished, ExitCode: -1, Reason: launcher.ReasonWatchdogTimeout},
			status: store.StatusFailed,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := newMemStore()
			c := newTestCore(t, Config{
				Retry: RetryPolicy{Base: time.Hour, Multiplier: 1, Cap: time.Hour, NoJitter: true, MaxAttempts: 5},
			}, st, newFakeLauncher())

			req, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowReview, Parallelizable: true})
			require.NoError(t, err)

			ev := tt.event
			ev.RunID = req.RunID
			c.OnWorkerEvent(ev)

			e, _ := st.status("p/a", "review")
			require.Equal(t, tt.status, e.Status)
		})
	}
}

func TestResetCard(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{
		Retry: RetryPolicy{Base: time.Hour, Multiplier: 1, Cap: time.Hour, NoJitter: true, MaxAttempts: 5},
	}, st, ln)

	req, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)

	// Refused while the worker is attached.
	require.ErrorIs(t, c.ResetCard("p/a"), ErrCardBusy)

	// Park the card in backoff, then reset clears everything.
	c.Finish(req.RunID, OutcomeFailed, "boom")
	require.Len(t, c.Snapshot().Backoffs, 1)
	require.NoError(t, c.ResetCard("p/a"))

	snap := c.Snapshot()
	require.Empty(t, snap.Backoffs)
	require.Empty(t, snap.Locks)
	n, _ := st.FailureCount(context.Background(), "p/a")
	require.Zero(t, n)

	require.ErrorIs(t, c.ResetCard("p/a"), ErrUnknownRun)
}

func TestFIFOWithinFlow(t *testing.T) {
	t.Parallel()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{}, newMemStore(), ln) // maxConcurrent 1

	var ids []string
	for i := 0; i < 4; i++ {
		req, err := c.Enqueue(EnqueueSpec{
			CardPath:       fmt.Sprintf("p/c%d", i),
			Flow:           FlowResearch,
			Parallelizable: true,
		})
		require.NoError(t, err)
		ids = append(ids, req.RunID)
	}

	for i := 0; i < 4; i++ {
		launched := ln.launchedIDs()
		require.Equal(t, ids[:i+1], launched, "launch order after %d finishes", i)
		c.Finish(launched[len(launched)-1], OutcomeSucceeded, "")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	t.Parallel()
	c := newTestCore(t, Config{}, newMemStore(), newFakeLauncher())
	c.Close()
	_, err := c.Enqueue(EnqueueSpec{CardPath: "p/a", Flow: FlowImplement})
	require.ErrorIs(t, err, ErrStopped)
}

func TestBackpressureEventPastSoftLimit(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, EventBackpressure)
	defer unsub()

	c := New(Config{}, newMemStore(), newFakeLauncher(), logx.Nop(), bus)
	t.Cleanup(c.Close)

	// Defaults: maxConcurrent 1, soft limit 8. The first enqueue launches;
	// the next eight sit queued without crossing the soft limit.
	for i := 0; i < 9; i++ {
		_, err := c.Enqueue(EnqueueSpec{
			CardPath:       fmt.Sprintf("p/c%d", i),
			Flow:           FlowImplement,
			Parallelizable: true,
		})
		require.NoError(t, err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("backpressure published at depth under soft limit: %+v", ev.Data)
	default:
	}

	// Depth 9 crosses the soft limit of 8.
	_, err := c.Enqueue(EnqueueSpec{CardPath: "p/c9", Flow: FlowImplement, Parallelizable: true})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		bp, ok := ev.Data.(BackpressureEvent)
		require.True(t, ok, "event data type %T", ev.Data)
		require.Equal(t, 9, bp.Total)
		require.Equal(t, 8, bp.SoftLimit)
		require.Equal(t, 16, bp.HardLimit)
	default:
		t.Fatal("no backpressure event past the soft limit")
	}
}

func TestRandomInterleavingInvariants(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Limits: Limits{
			MaxConcurrent: 2,
			PerFlow:       map[Flow]int{FlowImplement: 2, FlowReview: 1, FlowResearch: 1},
		},
		// Backoff timers must never fire inside the test body.
		Retry: RetryPolicy{Base: time.Hour, Multiplier: 1, Cap: time.Hour, NoJitter: true, MaxAttempts: 5},
	}
	st := newMemStore()
	ln := newFakeLauncher()
	c := newTestCore(t, cfg, st, ln)

	rng := rand.New(rand.NewSource(1))
	cards := make([]string, 12)
	for i := range cards {
		cards[i] = fmt.Sprintf("phase%d/card%d", i%3, i)
	}
	flows := []Flow{FlowImplement, FlowReview, FlowResearch}
	outcomes := []Outcome{OutcomeSucceeded, OutcomeFailed, OutcomeCanceled}

	var known []string // every run ID ever issued

	check := func(step int) {
		snap := c.Snapshot()
		require.LessOrEqualf(t, snap.TotalRunning, cfg.Limits.MaxConcurrent,
			"step %d: total running over limit", step)
		sum := 0
		for flow, n := range snap.RunningByFlow {
			require.LessOrEqualf(t, n, cfg.Limits.PerFlow[flow],
				"step %d: flow %s over limit", step, flow)
			sum += n
		}
		require.Equalf(t, snap.TotalRunning, sum, "step %d: counter drift", step)
		require.Equalf(t, snap.TotalRunning, len(snap.Active), "step %d: active drift", step)
		byCard := map[string]bool{}
		for _, l := range snap.Locks {
			require.Falsef(t, byCard[l.CardPath], "step %d: two locks on %s", step, l.CardPath)
			byCard[l.CardPath] = true
		}
		for _, a := range snap.Active {
			require.Truef(t, byCard[a.CardPath], "step %d: active run %s without lock", step, a.RunID)
		}
	}

	for step := 0; step < 600; step++ {
		switch op := rng.Intn(10); {
		case op < 5:
			req, err := c.Enqueue(EnqueueSpec{
				CardPath:       cards[rng.Intn(len(cards))],
				Flow:           flows[rng.Intn(len(flows))],
				Parallelizable: rng.Intn(2) == 0,
			})
			if err == nil {
				known = append(known, req.RunID)
			} else if !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, ErrQueueSaturated) {
				t.Fatalf("step %d: enqueue: %v", step, err)
			}
		case op < 8:
			// Finish a random dispatched run; stale IDs are no-ops.
			if active := c.Snapshot().Active; len(active) > 0 {
				id := active[rng.Intn(len(active))].RunID
				c.Finish(id, outcomes[rng.Intn(len(outcomes))], "")
			}
		default:
			if len(known) > 0 {
				// Cancel anything ever issued; most are long settled.
				_ = c.Cancel(known[rng.Intn(len(known))])
			}
		}
		check(step)
	}

	// Drain: finish everything still active, then let queued work launch.
	for i := 0; i < 1000; i++ {
		snap := c.Snapshot()
		if len(snap.Active) == 0 && snap.QueueTotal == 0 {
			break
		}
		for _, a := range snap.Active {
			c.Finish(a.RunID, OutcomeSucceeded, "")
		}
		check(600 + i)
	}
	final := c.Snapshot()
	require.Zero(t, final.TotalRunning)
	require.Zero(t, final.QueueTotal)
	// Only cards parked in backoff may still hold locks.
	require.Len(t, final.Locks, len(final.Backoffs))
}

func TestDrainRoundRobinAcrossFlows(t *testing.T) {
	t.Parallel()
	ln := newFakeLauncher()
	c := newTestCore(t, Config{
		Limits: Limits{MaxConcurrent: 1, PerFlow: map[Flow]int{FlowImplement: 3, FlowReview: 1}},
	}, newMemStore(), ln)

	// One implement run occupies the single slot; two more implement runs and
	// one review run queue behind it.
	for _, spec := range []EnqueueSpec{
		{CardPath: "p/a", Flow: FlowImplement, Parallelizable: true},
		{CardPath: "p/b", Flow: FlowImplement, Parallelizable: true},
		{CardPath: "p/c", Flow: FlowImplement, Parallelizable: true},
		{CardPath: "p/r", Flow: FlowReview, Parallelizable: true},
	} {
		_, err := c.Enqueue(spec)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"run-001"}, ln.launchedIDs())

	// One drain pass with two free slots must give each flow a turn instead
	// of letting the implement queue take both.
	c.UpdateLimits(Limits{MaxConcurrent: 3, PerFlow: map[Flow]int{FlowImplement: 3, FlowReview: 1}})
	require.Equal(t, []string{"run-001", "run-002", "run-004"}, ln.launchedIDs())

	snap := c.Snapshot()
	require.Equal(t, 1, snap.QueueDepths[FlowImplement])
	require.Equal(t, 1, snap.RunningByFlow[FlowReview])
}
