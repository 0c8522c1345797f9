package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "deckhand/pkg/logx"
)

func openTestStore(t *testing.T, driver string) (Store, func() Store) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state")}
	if driver == "sqlite" {
		cfg.Path += ".db"
	}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reopen := func() Store {
		require.NoError(t, st.Close())
		st2, err := Open(cfg, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st2.Close() })
		return st2
	}
	return st, reopen
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	testStoreRoundTrip(t, "file")
}

func testStoreRoundTrip(t *testing.T, driver string) {
	st, reopen := openTestStore(t, driver)
	ctx := context.Background()

	entry := StatusEntry{
		CardPath:  "p/a",
		Flow:      "implement",
		RunID:     "run-1",
		Status:    StatusRunning,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SetStatus(ctx, entry))

	// Same (card, flow) key overwrites; a different flow is its own row.
	entry.Status = StatusSucceeded
	require.NoError(t, st.SetStatus(ctx, entry))
	require.NoError(t, st.SetStatus(ctx, StatusEntry{
		CardPath: "p/a", Flow: "review", RunID: "run-2", Status: StatusQueued, Extra: `{"x":1}`,
	}))

	require.NoError(t, st.PutLock(ctx, LockRecord{
		CardPath: "p/a", RunID: "run-2", Flow: "review", Phase: "p",
		Parallelizable: false, AcquiredAt: time.Now().UTC(),
	}))

	n, err := st.IncrFailureCount(ctx, "p/a")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = st.IncrFailureCount(ctx, "p/a")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, st.AppendHistory(ctx, "p/a", "implement run run-1: queued"))
	require.NoError(t, st.AppendHistory(ctx, "p/a", "implement run run-1: succeeded"))

	st = reopen()

	statuses, err := st.Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	byFlow := map[string]StatusEntry{}
	for _, e := range statuses {
		byFlow[e.Flow] = e
	}
	require.Equal(t, StatusSucceeded, byFlow["implement"].Status)
	require.Equal(t, StatusQueued, byFlow["review"].Status)
	require.Equal(t, `{"x":1}`, byFlow["review"].Extra)

	locks, err := st.LoadLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "run-2", locks[0].RunID)

	count, err := st.FailureCount(ctx, "p/a")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, st.ResetFailureCount(ctx, "p/a"))
	count, err = st.FailureCount(ctx, "p/a")
	require.NoError(t, err)
	require.Zero(t, count)

	require.NoError(t, st.DeleteLock(ctx, "p/a"))
	locks, err = st.LoadLocks(ctx)
	require.NoError(t, err)
	require.Empty(t, locks)
}

func TestFileStoreCompactPreservesState(t *testing.T) {
	t.Parallel()
	st, reopen := openTestStore(t, "file")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, st.SetStatus(ctx, StatusEntry{
			CardPath: "p/a", Flow: "implement", RunID: "run-1", Status: StatusRunning,
		}))
	}
	require.NoError(t, st.SetStatus(ctx, StatusEntry{
		CardPath: "p/a", Flow: "implement", RunID: "run-1", Status: StatusFailed, Extra: "boom",
	}))
	require.NoError(t, st.PutLock(ctx, LockRecord{CardPath: "p/b", RunID: "run-9", Flow: "review"}))

	require.NoError(t, st.Compact(ctx))

	st = reopen()
	statuses, err := st.Statuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, StatusFailed, statuses[0].Status)
	require.Equal(t, "boom", statuses[0].Extra)

	locks, err := st.LoadLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "run-9", locks[0].RunID)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis", Path: t.TempDir()}, logx.Nop())
	require.Error(t, err)
}
