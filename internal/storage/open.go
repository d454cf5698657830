package storage

import (
	"context"
	"errors"
	"strings"

	logx "callbell/pkg/logx"
)

// Store is the persistence API used by the reminder scheduler and the
// admin surface.
//
// AppendCallLog is append-only from the caller's perspective: rows are
// never updated or deleted here (retention is an external concern).
type Store interface {
	ListEligibleUsers(ctx context.Context) ([]User, error)
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, bool, error)

	HasCalledLog(ctx context.Context, userID, eventID string) (bool, error)
	AppendCallLog(ctx context.Context, e CallLogEntry) error
	RecentCallLogs(ctx context.Context, limit int) ([]CallLogEntry, error)
	UserCallLogs(ctx context.Context, userID string, limit int) ([]CallLogEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
