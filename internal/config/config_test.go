package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "arena.yaml")
	data := `
server:
  tcp_addr: "127.0.0.1:9000"
session:
  send_timeout: 250ms
  max_resend_count: 2
  ack_delay: 20
heartbeat:
  auto_ping: false
log:
  level: debug
  format: console
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	want := Default()
	want.Server.TCPAddr = "127.0.0.1:9000"
	want.Session.SendTimeout = Duration(250 * time.Millisecond)
	want.Session.MaxResendCount = 2
	want.Session.AckDelay = Duration(20 * time.Millisecond)
	want.Heartbeat.AutoPing = false
	want.Log = Log{Level: "debug", Format: "console"}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "arena.yaml")
	if err := os.WriteFile(path, []byte("session:\n  bogus: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted an unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero send timeout", func(c *Config) { c.Session.SendTimeout = 0 }, "session.send_timeout"},
		{"frame too small", func(c *Config) { c.Session.MaxFrameLength = 4 }, "session.max_frame_length"},
		{"frame too large", func(c *Config) { c.Session.MaxFrameLength = 1 << 20 }, "session.max_frame_length"},
		{"bad key size", func(c *Config) { c.Session.KeySize = 512 }, "session.key_size"},
		{"ping without interval", func(c *Config) { c.Heartbeat.Interval = 0 }, "heartbeat.interval"},
		{"bad rate limit", func(c *Config) { c.RateLimit.Burst = 0 }, "rate_limit"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.field)
			}
		})
	}
}
