package sched

// runQueues holds the per-flow FIFO queues of pending run requests.
// Owned and serialized by the Core.
type runQueues struct {
	q map[Flow][]RunRequest
}

func newRunQueues() runQueues {
	q := make(map[Flow][]RunRequest, len(Flows()))
	for _, f := range Flows() {
		q[f] = nil
	}
	return runQueues{q: q}
}

func (r runQueues) push(req RunRequest) {
	r.q[req.Flow] = append(r.q[req.Flow], req)
}

// takeAt removes and returns the entry at index i of flow's queue.
func (r runQueues) takeAt(flow Flow, i int) RunRequest {
	q := r.q[flow]
	req := q[i]
	r.q[flow] = append(q[:i:i], q[i+1:]...)
	return req
}

// removeRun removes the entry with runID from whichever queue holds it.
func (r runQueues) removeRun(runID string) (RunRequest, bool) {
	for _, f := range Flows() {
		for i, req := range r.q[f] {
			if req.RunID == runID {
				return r.takeAt(f, i), true
			}
		}
	}
	return RunRequest{}, false
}

// removeCard removes the queued entry for a card, if any. A card can hold at
// most one queued entry at a time.
func (r runQueues) removeCard(cardPath string) (RunRequest, bool) {
	for flow, q := range r.q {
		for i, req := range q {
			if req.CardPath == cardPath {
				r.q[flow] = append(q[:i:i], q[i+1:]...)
				return req, true
			}
		}
	}
	return RunRequest{}, false
}

func (r runQueues) contains(runID string) bool {
	for _, f := range Flows() {
		for _, req := range r.q[f] {
			if req.RunID == runID {
				return true
			}
		}
	}
	return false
}

// firstEligible scans flow's queue oldest to newest and returns the index of
// the first entry eligible for dispatch. A blocked entry only blocks the
// serialization key it owns, never the rest of the queue.
func (r runQueues) firstEligible(flow Flow, eligible func(RunRequest) bool) (int, bool) {
	for i, req := range r.q[flow] {
		if eligible(req) {
			return i, true
		}
	}
	return 0, false
}

func (r runQueues) depth(flow Flow) int { return len(r.q[flow]) }

func (r runQueues) total() int {
	n := 0
	for _, f := range Flows() {
		n += len(r.q[f])
	}
	return n
}

func (r runQueues) depths() map[Flow]int {
	out := make(map[Flow]int, len(Flows()))
	for _, f := range Flows() {
		out[f] = len(r.q[f])
	}
	return out
}
