package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free backend (users json + call log jsonl)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is one directory entry. A user is eligible for reminders only
// when both Phone and Credential are non-empty.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`      // E.164
	Credential string `json:"credential,omitempty"` // calendar access token or feed URL
}

func (u User) Eligible() bool { return u.Phone != "" && u.Credential != "" }

// CallLogEntry records one reminder attempt for a (user, event) pair.
// Rows are immutable once appended; a row with Called=true is the
// durable "never call again" guard.
type CallLogEntry struct {
	UserID     string    `json:"user_id"`
	EventID    string    `json:"event_id"`
	EventName  string    `json:"event_name"`
	EventStart time.Time `json:"event_start"`
	Called     bool      `json:"called"`
	CallTime   time.Time `json:"call_time,omitempty"` // zero unless Called
	CreatedAt  time.Time `json:"created_at"`
}
