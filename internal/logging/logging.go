// Package logging builds the zerolog logger used across the engine.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/arena/internal/config"
)

// New builds a logger writing to stderr.
func New(cfg config.Log) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter builds a logger from cfg writing to w. Unknown levels fall
// back to info.
func NewWithWriter(cfg config.Log, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Session returns a child logger tagged with a session and peer id.
func Session(log zerolog.Logger, sessionID, peerID string) zerolog.Logger {
	ctx := log.With().Str("session_id", sessionID)
	if peerID != "" {
		ctx = ctx.Str("peer_id", peerID)
	}
	return ctx.Logger()
}
