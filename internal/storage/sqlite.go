package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"shockclock/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	paused     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS alarms (
	user_id        TEXT NOT NULL,
	name           TEXT NOT NULL,
	trigger_at     TEXT NOT NULL,
	intensity      INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL,
	vibrate_before INTEGER NOT NULL DEFAULT 0,
	repeat         INTEGER NOT NULL DEFAULT 0,
	days           TEXT NOT NULL DEFAULT '',
	vibrated_at    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, name)
);
CREATE TABLE IF NOT EXISTS credentials (
	user_id   TEXT PRIMARY KEY,
	api_key   TEXT NOT NULL,
	device_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	at       TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	action   TEXT NOT NULL,
	target   TEXT,
	ok       INTEGER NOT NULL,
	err      TEXT,
	trace_id TEXT,
	took_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS audit_at ON audit(at);
`

// auditRetention bounds the audit table; older rows go on Compact.
const auditRetention = 90 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	if err := addColumn(db, "users", "paused", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

// addColumn adds a column to databases created before it existed.
func addColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListAlarms(ctx context.Context, user string) ([]AlarmRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, trigger_at, intensity, duration_ms, vibrate_before, repeat, days, vibrated_at
		 FROM alarms WHERE user_id = ? ORDER BY name`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlarmRecord
	for rows.Next() {
		var r AlarmRecord
		if err := rows.Scan(&r.Name, &r.TriggerAt, &r.Intensity, &r.DurationMS,
			&r.VibrateBefore, &r.Repeat, &r.Days, &r.VibratedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutAlarm(ctx context.Context, user string, r AlarmRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(user_id, name, trigger_at, intensity, duration_ms, vibrate_before, repeat, days, vibrated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, name) DO UPDATE SET
		   trigger_at=excluded.trigger_at, intensity=excluded.intensity, duration_ms=excluded.duration_ms,
		   vibrate_before=excluded.vibrate_before, repeat=excluded.repeat, days=excluded.days,
		   vibrated_at=excluded.vibrated_at`,
		user, r.Name, r.TriggerAt, r.Intensity, r.DurationMS, r.VibrateBefore, r.Repeat, r.Days, r.VibratedAt,
	)
	return err
}

func (s *sqliteStore) DeleteAlarm(ctx context.Context, user, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE user_id = ? AND name = ?`, user, name)
	return err
}

func (s *sqliteStore) GetCredential(ctx context.Context, user string) (Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key, device_id FROM credentials WHERE user_id = ?`, user).Scan(&c.APIKey, &c.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) PutCredential(ctx context.Context, user string, c Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(user_id, api_key, device_id) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET api_key=excluded.api_key, device_id=excluded.device_id`,
		user, c.APIKey, c.DeviceID,
	)
	return err
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]string, error) {
	return s.queryUsers(ctx, `SELECT id FROM users ORDER BY id`)
}

func (s *sqliteStore) queryUsers(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddUser(ctx context.Context, user string) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("storage: empty user")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, created_at) VALUES(?,?) ON CONFLICT(id) DO NOTHING`,
		user, time.Now().Format(time.RFC3339))
	return err
}

func (s *sqliteStore) SetPaused(ctx context.Context, user string, paused bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET paused = ? WHERE id = ?`, paused, user)
	return err
}

func (s *sqliteStore) ListActiveUsers(ctx context.Context) ([]string, error) {
	return s.queryUsers(ctx, `SELECT id FROM users WHERE paused = 0 ORDER BY id`)
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, user_id, action, target, ok, err, trace_id, took_ms) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.User, e.Action, nullStr(e.Target), e.OK,
		nullStr(e.Error), nullStr(e.TraceID), e.TookMS,
	)
	return err
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	cutoff := time.Now().Add(-auditRetention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("audit rows pruned", logx.Int64("rows", n))
	}
	_, err = s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
