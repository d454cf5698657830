package config

// Config is the top-level callbell configuration.
//
// All durations are Go duration strings (e.g. "2s", "10m", "1h").
// Files may be JSON or YAML; both are decoded strictly so typos in keys
// are caught at load/reload time instead of silently ignored.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Alert    AlertConfig    `json:"alert,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Calendar CalendarConfig `json:"calendar"`
	Voice    VoiceConfig    `json:"voice"`
	Reminder ReminderConfig `json:"reminder"`
	Admin    AdminConfig    `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log records at/above min_level to the operator
// alert channel (see AlertConfig for the transport).
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AlertConfig configures the Telegram operator alert transport.
// Leaving token empty disables alerts entirely.
type AlertConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// StorageConfig controls the persistence layer (users + call log).
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free backend (users json + call log jsonl)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// CalendarConfig controls how upcoming events are fetched.
//
// Provider values:
//   - "google": Google Calendar events list; the user credential is an
//     OAuth access token (refresh is the surrounding app's job)
//   - "ics":    the user credential is a private ICS feed URL
type CalendarConfig struct {
	Provider   string `json:"provider"`
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// VoiceConfig configures the Twilio Studio call gateway.
type VoiceConfig struct {
	AccountSID    string `json:"account_sid"`
	AuthToken     string `json:"auth_token"`
	FromNumber    string `json:"from_number"`
	FlowSID       string `json:"flow_sid"`
	StudioBaseURL string `json:"studio_base_url,omitempty"`
	APIBaseURL    string `json:"api_base_url,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

// ReminderConfig controls the scheduling loop.
type ReminderConfig struct {
	Enabled bool `json:"enabled"`

	// Spec is a cron spec for the recurring tick. Default: "* * * * *".
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Lookahead is the eligibility window ahead of now. Default: "5m".
	Lookahead string `json:"lookahead,omitempty"`

	// PreCallDelay is slept before each outbound call. Default: "2s".
	PreCallDelay string `json:"pre_call_delay,omitempty"`
	// UserDelay is slept between users. Default: "1s".
	UserDelay string `json:"user_delay,omitempty"`

	// DedupWindow suppresses repeat attempts for the same (phone, event).
	// Default: "10m". DedupMaxAge bounds cache memory. Default: "1h".
	DedupWindow string `json:"dedup_window,omitempty"`
	DedupMaxAge string `json:"dedup_max_age,omitempty"`
}

// AdminConfig controls the operational HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8675").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
