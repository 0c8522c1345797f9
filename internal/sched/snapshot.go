package sched

import (
	"sort"
	"time"
)

// ActiveInfo describes one dispatched run in a snapshot.
type ActiveInfo struct {
	RunID    string `json:"run_id"`
	CardPath string `json:"card_path"`
	Flow     Flow   `json:"flow"`
	Adopted  bool   `json:"adopted,omitempty"`
}

// BackoffInfo describes one pending retry in a snapshot.
type BackoffInfo struct {
	CardPath string    `json:"card_path"`
	Flow     Flow      `json:"flow"`
	Attempt  int       `json:"attempt"`
	NextAt   time.Time `json:"next_at"`
}

// Snapshot is a consistent point-in-time view of the scheduler, built in one
// critical section. Intended for status endpoints and diagnostics.
type Snapshot struct {
	Limits        Limits        `json:"limits"`
	TotalRunning  int           `json:"total_running"`
	RunningByFlow map[Flow]int  `json:"running_by_flow"`
	QueueDepths   map[Flow]int  `json:"queue_depths"`
	QueueTotal    int           `json:"queue_total"`
	SoftLimit     int           `json:"soft_limit"`
	HardLimit     int           `json:"hard_limit"`
	Active        []ActiveInfo  `json:"active,omitempty"`
	Backoffs      []BackoffInfo `json:"backoffs,omitempty"`
	Locks         []RunLock     `json:"locks,omitempty"`
	Orphans       int           `json:"orphans,omitempty"`
	History       []HistoryItem `json:"history,omitempty"`
}

func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Limits:        c.cfg.Limits,
		TotalRunning:  c.totalRunning,
		RunningByFlow: make(map[Flow]int, len(c.runningByFlow)),
		QueueDepths:   c.queues.depths(),
		QueueTotal:    c.queues.total(),
		SoftLimit:     c.cfg.Limits.SoftLimit(),
		HardLimit:     c.cfg.Limits.HardLimit(),
		Locks:         c.locks.snapshot(),
		Orphans:       len(c.orphans),
	}
	for f, n := range c.runningByFlow {
		s.RunningByFlow[f] = n
	}
	for id, ar := range c.active {
		s.Active = append(s.Active, ActiveInfo{
			RunID: id, CardPath: ar.req.CardPath, Flow: ar.req.Flow, Adopted: ar.adopted,
		})
	}
	sort.Slice(s.Active, func(i, j int) bool { return s.Active[i].RunID < s.Active[j].RunID })
	for card, be := range c.backoffs {
		s.Backoffs = append(s.Backoffs, BackoffInfo{
			CardPath: card, Flow: be.pending.Flow, Attempt: be.attempt, NextAt: be.nextAt,
		})
	}
	sort.Slice(s.Backoffs, func(i, j int) bool { return s.Backoffs[i].CardPath < s.Backoffs[j].CardPath })
	s.History = append(s.History, c.history...)
	return s
}
