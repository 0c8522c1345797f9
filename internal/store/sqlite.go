package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "deckhand/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SetStatus(ctx context.Context, e StatusEntry) error {
	if e.CardPath == "" || e.Flow == "" {
		return errors.New("status entry needs card_path and flow")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO statuses(card_path, flow, run_id, status, extra, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(card_path, flow) DO UPDATE SET
		   run_id=excluded.run_id, status=excluded.status,
		   extra=excluded.extra, updated_at=excluded.updated_at`,
		e.CardPath, e.Flow, e.RunID, string(e.Status), nullStr(e.Extra), e.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Statuses(ctx context.Context) ([]StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT card_path, flow, run_id, status, COALESCE(extra, ''), updated_at
		 FROM statuses ORDER BY card_path, flow`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusEntry
	for rows.Next() {
		var e StatusEntry
		var status, ts string
		if err := rows.Scan(&e.CardPath, &e.Flow, &e.RunID, &status, &e.Extra, &ts); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendHistory(ctx context.Context, cardPath, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(card_path, at, line) VALUES(?,?,?)`,
		cardPath, time.Now().Format(time.RFC3339Nano), line,
	)
	return err
}

func (s *sqliteStore) FailureCount(ctx context.Context, cardPath string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT n FROM counters WHERE card_path = ?`, cardPath).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *sqliteStore) IncrFailureCount(ctx context.Context, cardPath string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO counters(card_path, n) VALUES(?, 1)
		 ON CONFLICT(card_path) DO UPDATE SET n = n + 1`,
		cardPath,
	)
	if err != nil {
		return 0, err
	}
	return s.FailureCount(ctx, cardPath)
}

func (s *sqliteStore) ResetFailureCount(ctx context.Context, cardPath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE card_path = ?`, cardPath)
	return err
}

func (s *sqliteStore) PutLock(ctx context.Context, rec LockRecord) error {
	if rec.CardPath == "" || rec.RunID == "" {
		return errors.New("lock record needs card_path and run_id")
	}
	if rec.AcquiredAt.IsZero() {
		rec.AcquiredAt = time.Now()
	}
	par := 0
	if rec.Parallelizable {
		par = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locks(card_path, run_id, flow, phase, parallelizable, acquired_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(card_path) DO UPDATE SET
		   run_id=excluded.run_id, flow=excluded.flow, phase=excluded.phase,
		   parallelizable=excluded.parallelizable, acquired_at=excluded.acquired_at`,
		rec.CardPath, rec.RunID, rec.Flow, rec.Phase, par, rec.AcquiredAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteLock(ctx context.Context, cardPath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE card_path = ?`, cardPath)
	return err
}

func (s *sqliteStore) LoadLocks(ctx context.Context) ([]LockRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT card_path, run_id, flow, phase, parallelizable, acquired_at
		 FROM locks ORDER BY card_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LockRecord
	for rows.Next() {
		var rec LockRecord
		var par int
		var ts string
		if err := rows.Scan(&rec.CardPath, &rec.RunID, &rec.Flow, &rec.Phase, &par, &ts); err != nil {
			return nil, err
		}
		rec.Parallelizable = par != 0
		rec.AcquiredAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	// WAL checkpoint keeps the sidecar files bounded; VACUUM is intentionally
	// not run here (it can stall writers for a long time on big histories).
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
