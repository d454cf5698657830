package storage

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

	logx "callbell/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteTimeLayout is RFC3339 with fixed-width nanoseconds so that
// lexicographic ORDER BY over the text column matches time order even
// for timestamps inside the same second.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also serializes the check-then-append the scheduler
	// relies on when ticks overlap.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

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

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) ListEligibleUsers(ctx context.Context) ([]User, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, phone, credential FROM users
		 WHERE phone IS NOT NULL AND phone != ''
		   AND credential IS NOT NULL AND credential != ''
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var phone, cred sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &phone, &cred); err != nil {
			return nil, err
		}
		u.Phone = phone.String
		u.Credential = cred.String
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, name, phone, credential) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, phone=excluded.phone, credential=excluded.credential`,
		u.ID, u.Name, nullStr(u.Phone), nullStr(u.Credential),
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (User, bool, error) {
	if s == nil || s.db == nil {
		return User{}, false, ErrClosed
	}
	var u User
	var phone, cred sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, phone, credential FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &phone, &cred)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.Phone = phone.String
	u.Credential = cred.String
	return u, true, nil
}

func (s *sqliteStore) HasCalledLog(ctx context.Context, userID, eventID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM call_log WHERE user_id = ? AND event_id = ? AND called = 1 LIMIT 1`,
		userID, eventID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) AppendCallLog(ctx context.Context, e CallLogEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var callTime any
	if !e.CallTime.IsZero() {
		callTime = e.CallTime.UTC().Format(sqliteTimeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_log(user_id, event_id, event_name, event_start, called, call_time, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		e.UserID, e.EventID, e.EventName,
		e.EventStart.UTC().Format(sqliteTimeLayout),
		boolInt(e.Called), callTime,
		e.CreatedAt.UTC().Format(sqliteTimeLayout),
	)
	return err
}

func (s *sqliteStore) RecentCallLogs(ctx context.Context, limit int) ([]CallLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, event_id, event_name, event_start, called, call_time, created_at
		 FROM call_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCallLogRows(rows)
}

func (s *sqliteStore) UserCallLogs(ctx context.Context, userID string, limit int) ([]CallLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, event_id, event_name, event_start, called, call_time, created_at
		 FROM call_log WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCallLogRows(rows)
}

func scanCallLogRows(rows *sql.Rows) ([]CallLogEntry, error) {
	var out []CallLogEntry
	for rows.Next() {
		var e CallLogEntry
		var called int
		var eventStart, createdAt string
		var callTime sql.NullString
		if err := rows.Scan(&e.UserID, &e.EventID, &e.EventName, &eventStart, &called, &callTime, &createdAt); err != nil {
			return nil, err
		}
		e.Called = called != 0
		e.EventStart, _ = time.Parse(time.RFC3339Nano, eventStart)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if callTime.Valid {
			e.CallTime, _ = time.Parse(time.RFC3339Nano, callTime.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
