// Package calendar fetches a user's upcoming events from an external
// calendar. Events are transient: they live for one poll cycle and are
// never persisted.
package calendar

import (
	"context"
	"time"
)

// Event is one upcoming calendar event.
type Event struct {
	ID      string
	Summary string
	Start   time.Time
	End     time.Time
	// AllDay marks date-only starts. These are treated as regular
	// events using midnight as the start time.
	AllDay bool
}

// Provider fetches events in [now, now+window], ordered by start time
// ascending. The credential is per-user: an OAuth access token for the
// Google provider, a private feed URL for the ICS provider.
//
// Errors are per-user and recoverable: the scheduler logs them and
// processes the user with zero events this cycle.
type Provider interface {
	FetchUpcoming(ctx context.Context, credential string, window time.Duration) ([]Event, error)
}

// Config is shared by provider implementations.
type Config struct {
	BaseURL    string        // google only; default is the public API
	Timeout    time.Duration // per-request; default 10s
	MaxResults int           // page bound; default 10, never paginated past
}

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxResults = 10
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxResults <= 0 {
		c.MaxResults = defaultMaxResults
	}
	return c
}
