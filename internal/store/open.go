package store

import (
	"context"
	"errors"
	"strings"

	logx "deckhand/pkg/logx"
)

// Store is the persistence API consumed by the scheduler core.
type Store interface {
	// Status surface.
	SetStatus(ctx context.Context, e StatusEntry) error
	Statuses(ctx context.Context) ([]StatusEntry, error)
	AppendHistory(ctx context.Context, cardPath, line string) error

	// Per-card consecutive-failure counters.
	FailureCount(ctx context.Context, cardPath string) (int, error)
	IncrFailureCount(ctx context.Context, cardPath string) (int, error)
	ResetFailureCount(ctx context.Context, cardPath string) error

	// Lock table persistence for crash recovery.
	PutLock(ctx context.Context, rec LockRecord) error
	DeleteLock(ctx context.Context, cardPath string) error
	LoadLocks(ctx context.Context) ([]LockRecord, error)

	// Compact reclaims journal/log space. Safe to call at any time.
	Compact(ctx context.Context) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
