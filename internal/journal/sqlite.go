package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "repartibot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("journal.path is required for sqlite driver")
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

func (s *sqliteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return err
	}
	insert := func(class string, items []ItemRecord) error {
		for i, it := range items {
			payload, err := json.Marshal(it)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO queue_items(class, position, id, destination, payload, enqueued_at) VALUES(?,?,?,?,?,?)`,
				class, i, it.ID, it.Destination, string(payload), it.EnqueuedAt.Format(time.RFC3339Nano),
			)
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert("priority", snap.Priority); err != nil {
		return err
	}
	if err := insert("normal", snap.Normal); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cycle_state(k, p, n, saved_at) VALUES(0,?,?,?)
		 ON CONFLICT(k) DO UPDATE SET p=excluded.p, n=excluded.n, saved_at=excluded.saved_at`,
		snap.CycleP, snap.CycleN, snap.SavedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, false, ErrDisabled
	}

	var snap Snapshot
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT p, n, saved_at FROM cycle_state WHERE k = 0`).
		Scan(&snap.CycleP, &snap.CycleN, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, savedAt); perr == nil {
		snap.SavedAt = t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT class, payload FROM queue_items ORDER BY class, position`)
	if err != nil {
		return Snapshot{}, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var class, payload string
		if err := rows.Scan(&class, &payload); err != nil {
			return Snapshot{}, false, err
		}
		var it ItemRecord
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			s.log.Warn("journal item unreadable; skipping", logx.Err(err))
			continue
		}
		switch class {
		case "priority":
			snap.Priority = append(snap.Priority, it)
		default:
			snap.Normal = append(snap.Normal, it)
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}
