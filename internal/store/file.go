package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "deckhand/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.history.jsonl        (append-only JSON Lines, never compacted)
//   - <prefix>.state.snapshot.json  (periodic snapshot of statuses/counters/locks)
//   - <prefix>.state.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	historyFile *os.File

	snapshotPath string
	journalFile  *os.File

	statuses map[string]StatusEntry // key: cardPath \x00 flow
	counters map[string]int
	locks    map[string]LockRecord // key: cardPath

	journalWrites int
}

type journalRecord struct {
	Op string `json:"op"` // "status", "counter", "lock", "unlock"

	Status *StatusEntry `json:"status,omitempty"`
	Lock   *LockRecord  `json:"lock,omitempty"`

	CardPath string `json:"card_path,omitempty"`
	Count    int    `json:"count,omitempty"`
}

type fileSnapshot struct {
	Statuses map[string]StatusEntry `json:"statuses"`
	Counters map[string]int         `json:"counters"`
	Locks    map[string]LockRecord  `json:"locks"`
}

type historyRecord struct {
	CardPath string    `json:"card_path"`
	At       time.Time `json:"at"`
	Line     string    `json:"line"`
}

const compactEvery = 1000

func statusKey(cardPath, flow string) string { return cardPath + "\x00" + flow }

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	historyPath := prefix + ".history.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		historyFile:  hf,
		snapshotPath: snapPath,
		statuses:     map[string]StatusEntry{},
		counters:     map[string]int{},
		locks:        map[string]LockRecord{},
	}

	// Load state from snapshot + journal.
	if err := s.loadSnapshot(snapPath); err != nil && !os.IsNotExist(err) {
		log.Warn("state snapshot unreadable; starting from journal only", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !os.IsNotExist(err) {
		_ = hf.Close()
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = hf.Close()
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.historyFile != nil {
		err1 = s.historyFile.Close()
		s.historyFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) SetStatus(ctx context.Context, e StatusEntry) error {
	_ = ctx
	if e.CardPath == "" || e.Flow == "" {
		return errors.New("status entry needs card_path and flow")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[statusKey(e.CardPath, e.Flow)] = e
	return s.appendJournalLocked(journalRecord{Op: "status", Status: &e})
}

func (s *fileStore) Statuses(ctx context.Context) ([]StatusEntry, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]StatusEntry, 0, len(s.statuses))
	for _, e := range s.statuses {
		out = append(out, e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CardPath != out[j].CardPath {
			return out[i].CardPath < out[j].CardPath
		}
		return out[i].Flow < out[j].Flow
	})
	return out, nil
}

func (s *fileStore) AppendHistory(ctx context.Context, cardPath, line string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("history file closed")
	}
	return json.NewEncoder(s.historyFile).Encode(historyRecord{CardPath: cardPath, At: time.Now(), Line: line})
}

func (s *fileStore) FailureCount(ctx context.Context, cardPath string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[cardPath], nil
}

func (s *fileStore) IncrFailureCount(ctx context.Context, cardPath string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.counters[cardPath] + 1
	s.counters[cardPath] = n
	return n, s.appendJournalLocked(journalRecord{Op: "counter", CardPath: cardPath, Count: n})
}

func (s *fileStore) ResetFailureCount(ctx context.Context, cardPath string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[cardPath]; !ok {
		return nil
	}
	delete(s.counters, cardPath)
	return s.appendJournalLocked(journalRecord{Op: "counter", CardPath: cardPath, Count: 0})
}

func (s *fileStore) PutLock(ctx context.Context, rec LockRecord) error {
	_ = ctx
	if rec.CardPath == "" || rec.RunID == "" {
		return errors.New("lock record needs card_path and run_id")
	}
	if rec.AcquiredAt.IsZero() {
		rec.AcquiredAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[rec.CardPath] = rec
	return s.appendJournalLocked(journalRecord{Op: "lock", Lock: &rec})
}

func (s *fileStore) DeleteLock(ctx context.Context, cardPath string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[cardPath]; !ok {
		return nil
	}
	delete(s.locks, cardPath)
	return s.appendJournalLocked(journalRecord{Op: "unlock", CardPath: cardPath})
}

func (s *fileStore) LoadLocks(ctx context.Context) ([]LockRecord, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]LockRecord, 0, len(s.locks))
	for _, rec := range s.locks {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CardPath < out[j].CardPath })
	return out, nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *fileStore) appendJournalLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Statuses: s.statuses, Counters: s.counters, Locks: s.locks}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Statuses {
		s.statuses[k] = v
	}
	for k, v := range snap.Counters {
		if v > 0 {
			s.counters[k] = v
		}
	}
	for k, v := range snap.Locks {
		s.locks[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// Torn tail write (crash mid-append); everything before it is good.
			continue
		}
		switch rec.Op {
		case "status":
			if rec.Status != nil {
				s.statuses[statusKey(rec.Status.CardPath, rec.Status.Flow)] = *rec.Status
			}
		case "counter":
			if rec.Count <= 0 {
				delete(s.counters, rec.CardPath)
			} else {
				s.counters[rec.CardPath] = rec.Count
			}
		case "lock":
			if rec.Lock != nil {
				s.locks[rec.Lock.CardPath] = *rec.Lock
			}
		case "unlock":
			delete(s.locks, rec.CardPath)
		}
	}
	return sc.Err()
}
