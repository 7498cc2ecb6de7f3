package websocket

import (
	"golang.org/x/time/rate"

	"github.com/luciancaetano/arena/internal/config"
)

// RateLimitConfig defines rate limiting configuration for sessions
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a session can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// RateLimitFromConfig converts the YAML section.
func RateLimitFromConfig(c config.RateLimit) *RateLimitConfig {
	if !c.Enabled {
		return NoRateLimit()
	}
	return &RateLimitConfig{
		MessagesPerSecond: c.Limit(),
		Burst:             c.Burst,
		Enabled:           true,
	}
}

// NewLimiter returns a token bucket for one session, or nil when rate
// limiting is disabled.
func (c *RateLimitConfig) NewLimiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}
