// Package store persists everything the scheduler must not lose across a
// crash: per-card run status and history, failure counters, and the lock
// table used by recovery.
//
// Two drivers:
//   - "file": append-only JSONL journal + snapshot-on-write compaction
//   - "sqlite": single-file SQLite database (WAL)
//
// Status durability is best-effort relative to lock safety: callers log and
// move on when a write fails, they never block lock release on it.
package store
