// Package sched decides when agent workers may run against cards.
//
// The Core is a serialized authority: every mutation (enqueue, finish,
// cancel, limit change, recovery, backoff expiry) runs one at a time under a
// single mutex. External calls (status writes, worker launches) always
// happen outside that critical section; their results re-enter as new
// serialized operations.
//
// Guarantees the Core maintains:
//   - at most one run lock per card, at most one serialization lock per
//     (phase, flow) key
//   - bounded parallelism globally and per flow
//   - FIFO dispatch within a flow among eligible entries
//   - no stranded locks across process crashes (see Recover)
package sched
