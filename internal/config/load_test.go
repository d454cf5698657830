package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /tmp/callbell.db
calendar:
  provider: ics
  timeout: 10s
voice:
  account_sid: ACxxx
  auth_token: secret
  from_number: "+15005550006"
  flow_sid: FWxxx
reminder:
  enabled: true
  lookahead: 5m
  pre_call_delay: 2s
admin:
  enabled: true
  addr: 127.0.0.1:8125
`

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Calendar.Provider != "ics" || cfg.Storage.Path != "/tmp/callbell.db" {
		t.Fatalf("calendar/storage = %+v %+v", cfg.Calendar, cfg.Storage)
	}
	if !cfg.Reminder.Enabled || cfg.Reminder.Lookahead != "5m" {
		t.Fatalf("reminder = %+v", cfg.Reminder)
	}
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.json", `{
		"storage": {"path": "/tmp/callbell.db"},
		"reminder": {"enabled": true}
	}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Reminder.Enabled {
		t.Fatal("reminder.enabled lost")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "config.yaml", `
storage:
  path: /tmp/callbell.db
remindr:
  enabled: true
`))
	if err == nil || !strings.Contains(err.Error(), "remindr") {
		t.Fatalf("expected unknown-field error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad provider", func(c *Config) { c.Calendar.Provider = "caldav" }, "calendar.provider"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"bad duration", func(c *Config) { c.Reminder.Lookahead = "five minutes" }, "reminder.lookahead"},
		{"negative duration", func(c *Config) { c.Reminder.PreCallDelay = "-2s" }, "pre_call_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{Storage: StorageConfig{Path: "/tmp/x.db"}}
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestManagerLoadAndGet(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the loaded config")
	}
}

func TestDurationOrDefault(t *testing.T) {
	if d := DurationOrDefault("", 5); d != 5 {
		t.Fatalf("empty = %v", d)
	}
	if d := DurationOrDefault("10s", 5); d.Seconds() != 10 {
		t.Fatalf("10s = %v", d)
	}
	if d := DurationOrDefault("garbage", 5); d != 5 {
		t.Fatalf("garbage = %v", d)
	}
}
