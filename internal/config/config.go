// Package config defines the engine configuration, its defaults and YAML
// loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v2"

	"github.com/luciancaetano/arena/internal/protocol"
)

// Duration is a time.Duration that reads and writes YAML strings such as "1500ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string. Bare integers are milliseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete engine configuration shared by server and client.
type Config struct {
	Server    Server    `yaml:"server"`
	Session   Session   `yaml:"session"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Reconnect Retry     `yaml:"reconnect"`
	Connect   Retry     `yaml:"connect"`
	UDP       UDP       `yaml:"udp"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Server holds listener settings.
type Server struct {
	// TCPAddr is the raw TCP listener address. Empty disables it.
	TCPAddr string `yaml:"tcp_addr"`

	// HTTPAddr serves the WebSocket endpoint and, when enabled, metrics.
	// Empty disables it.
	HTTPAddr string `yaml:"http_addr"`

	// WebSocketPath is the route upgraded to WebSocket sessions.
	WebSocketPath string `yaml:"websocket_path"`

	// SweepInterval is how often expired waiting peers are discarded.
	SweepInterval Duration `yaml:"sweep_interval"`

	// AllowedOrigins restricts WebSocket origins. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Session holds per-session protocol settings.
type Session struct {
	SendTimeout         Duration `yaml:"send_timeout"`
	MaxResendCount      int      `yaml:"max_resend_count"`
	MaxFrameLength      int      `yaml:"max_frame_length"`
	AckDelay            Duration `yaml:"ack_delay"`
	HandshakeTimeout    Duration `yaml:"handshake_timeout"`
	CloseTimeout        Duration `yaml:"close_timeout"`
	ReconnectGrace      Duration `yaml:"reconnect_grace"`
	WriteTimeout        Duration `yaml:"write_timeout"`
	SendQueueSize       int      `yaml:"send_queue_size"`
	MaxDecompressedSize int      `yaml:"max_decompressed_size"`
	KeySize             int      `yaml:"key_size"`
}

// Heartbeat controls automatic pings and latency sampling.
type Heartbeat struct {
	AutoPing     bool     `yaml:"auto_ping"`
	Interval     Duration `yaml:"interval"`
	SampleWindow int      `yaml:"sample_window"`
	LossTimeout  Duration `yaml:"loss_timeout"`
}

// Retry bounds a dial or reconnect loop.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Interval    Duration `yaml:"interval"`
}

// UDP carries datagram settings for consumers that run their own unreliable
// channel next to a session.
type UDP struct {
	MTU               int      `yaml:"mtu"`
	KeepAliveInterval Duration `yaml:"keep_alive_interval"`
}

// RateLimit is the per-session inbound token bucket.
type RateLimit struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// Limit returns the bucket refill rate.
func (r RateLimit) Limit() rate.Limit { return rate.Limit(r.MessagesPerSecond) }

// Log selects the logger output.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			TCPAddr:       ":7777",
			HTTPAddr:      ":8080",
			WebSocketPath: "/ws",
			SweepInterval: Duration(5 * time.Second),
		},
		Session: Session{
			SendTimeout:         Duration(1500 * time.Millisecond),
			MaxResendCount:      5,
			MaxFrameLength:      64 * 1024,
			AckDelay:            0,
			HandshakeTimeout:    Duration(10 * time.Second),
			CloseTimeout:        Duration(3 * time.Second),
			ReconnectGrace:      Duration(30 * time.Second),
			WriteTimeout:        Duration(10 * time.Second),
			SendQueueSize:       256,
			MaxDecompressedSize: 1 << 20,
			KeySize:             2048,
		},
		Heartbeat: Heartbeat{
			AutoPing:     true,
			Interval:     Duration(2 * time.Second),
			SampleWindow: 32,
			LossTimeout:  Duration(5 * time.Second),
		},
		Reconnect: Retry{MaxAttempts: 5, Interval: Duration(time.Second)},
		Connect:   Retry{MaxAttempts: 3, Interval: Duration(500 * time.Millisecond)},
		UDP: UDP{
			MTU:               1200,
			KeepAliveInterval: Duration(5 * time.Second),
		},
		RateLimit: RateLimit{Enabled: true, MessagesPerSecond: 100, Burst: 200},
		Log:       Log{Level: "info", Format: "json"},
		Metrics:   Metrics{Enabled: true, Path: "/metrics", Namespace: "arena"},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{field}, args...)...))
	}

	s := c.Session
	if s.SendTimeout <= 0 {
		bad("session.send_timeout", "must be positive")
	}
	if s.MaxResendCount < 0 {
		bad("session.max_resend_count", "must not be negative")
	}
	if s.MaxFrameLength <= protocol.HeaderSize || s.MaxFrameLength > protocol.MaxFrameSize {
		bad("session.max_frame_length", "must be between %d and %d, got %d",
			protocol.HeaderSize+1, protocol.MaxFrameSize, s.MaxFrameLength)
	}
	if s.AckDelay < 0 {
		bad("session.ack_delay", "must not be negative")
	}
	if s.HandshakeTimeout <= 0 {
		bad("session.handshake_timeout", "must be positive")
	}
	if s.CloseTimeout <= 0 {
		bad("session.close_timeout", "must be positive")
	}
	if s.ReconnectGrace < 0 {
		bad("session.reconnect_grace", "must not be negative")
	}
	if s.SendQueueSize <= 0 {
		bad("session.send_queue_size", "must be positive")
	}
	switch s.KeySize {
	case 0, 1024, 1536, 2048:
	default:
		bad("session.key_size", "unsupported DH key size %d", s.KeySize)
	}

	if c.Heartbeat.AutoPing && c.Heartbeat.Interval <= 0 {
		bad("heartbeat.interval", "must be positive when auto_ping is on")
	}
	if c.Heartbeat.SampleWindow < 0 {
		bad("heartbeat.sample_window", "must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		bad("reconnect.max_attempts", "must not be negative")
	}
	if c.Connect.MaxAttempts < 0 {
		bad("connect.max_attempts", "must not be negative")
	}
	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		bad("rate_limit", "messages_per_second and burst must be positive when enabled")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		bad("log.format", "unknown format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}
