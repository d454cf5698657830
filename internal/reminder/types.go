package reminder

import "time"

// Config controls the reminder scheduling loop.
type Config struct {
	Enabled bool

	// Spec is the cron spec for the recurring tick.
	Spec     string
	Timezone string // IANA TZ; default UTC

	// Lookahead is the eligibility window ahead of now.
	Lookahead time.Duration

	// PreCallDelay is slept before each outbound call so near-simultaneous
	// events don't burst the provider. UserDelay is slept between users.
	// Zero means the default (2s / 1s); negative disables the delay.
	PreCallDelay time.Duration
	UserDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Spec == "" {
		c.Spec = "* * * * *"
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 5 * time.Minute
	}
	switch {
	case c.PreCallDelay == 0:
		c.PreCallDelay = 2 * time.Second
	case c.PreCallDelay < 0:
		c.PreCallDelay = 0
	}
	switch {
	case c.UserDelay == 0:
		c.UserDelay = time.Second
	case c.UserDelay < 0:
		c.UserDelay = 0
	}
	return c
}

// Summary reports one tick. It is what the manual trigger returns and
// what /v1/status exposes for the most recent run.
type Summary struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	TookMS    int64     `json:"took_ms"`

	Users           int `json:"users"`
	EventsSeen      int `json:"events_seen"`
	Eligible        int `json:"eligible"`
	SuppressedCache int `json:"suppressed_cache"`
	SuppressedLog   int `json:"suppressed_log"`
	CallsPlaced     int `json:"calls_placed"`
	Failures        int `json:"failures"`

	EarlyExit string   `json:"early_exit,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}
