package websocket

import (
	"testing"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/arena/internal/config"
)

// TestRateLimitFromDefaults tests the limiter built from the default configuration
func TestRateLimitFromDefaults(t *testing.T) {
	t.Parallel()

	rl := RateLimitFromConfig(config.Default().RateLimit)

	if !rl.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}

	if rl.MessagesPerSecond != 100 {
		t.Errorf("MessagesPerSecond = %v, want 100", rl.MessagesPerSecond)
	}

	if rl.Burst != 200 {
		t.Errorf("Burst = %v, want 200", rl.Burst)
	}
}

// TestRateLimitFromConfig tests conversion from the YAML section
func TestRateLimitFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		in          config.RateLimit
		wantMPS     rate.Limit
		wantBurst   int
		wantEnabled bool
	}{
		{
			name:        "enabled",
			in:          config.RateLimit{Enabled: true, MessagesPerSecond: 50, Burst: 100},
			wantMPS:     50,
			wantBurst:   100,
			wantEnabled: true,
		},
		{
			name:        "disabled ignores values",
			in:          config.RateLimit{Enabled: false, MessagesPerSecond: 50, Burst: 100},
			wantMPS:     0,
			wantBurst:   0,
			wantEnabled: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := RateLimitFromConfig(tt.in)
			if got.MessagesPerSecond != tt.wantMPS {
				t.Errorf("MessagesPerSecond = %v, want %v", got.MessagesPerSecond, tt.wantMPS)
			}
			if got.Burst != tt.wantBurst {
				t.Errorf("Burst = %v, want %v", got.Burst, tt.wantBurst)
			}
			if got.Enabled != tt.wantEnabled {
				t.Errorf("Enabled = %v, want %v", got.Enabled, tt.wantEnabled)
			}
		})
	}
}

// TestNewLimiter tests rate limiter creation with different configs
func TestNewLimiter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *RateLimitConfig
		wantNil bool
	}{
		{
			name:    "with rate limiting enabled",
			config:  RateLimitFromConfig(config.Default().RateLimit),
			wantNil: false,
		},
		{
			name:    "with rate limiting disabled",
			config:  NoRateLimit(),
			wantNil: true,
		},
		{
			name:    "with nil config",
			config:  nil,
			wantNil: true,
		},
		{
			name: "with custom config enabled",
			config: &RateLimitConfig{
				MessagesPerSecond: 10,
				Burst:             20,
				Enabled:           true,
			},
			wantNil: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			limiter := tt.config.NewLimiter()
			if (limiter == nil) != tt.wantNil {
				t.Errorf("rate limiter nil = %v, want nil = %v", limiter == nil, tt.wantNil)
			}

			if limiter != nil && !limiter.Allow() {
				t.Error("first request should be allowed")
			}
		})
	}
}

// TestRateLimiterBurst tests that the limiter stops after the burst is spent
func TestRateLimiterBurst(t *testing.T) {
	t.Parallel()

	limiter := (&RateLimitConfig{MessagesPerSecond: 1, Burst: 5, Enabled: true}).NewLimiter()

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow() {
			allowed++
		}
	}

	if allowed != 5 {
		t.Errorf("allowed %d requests, want burst of 5", allowed)
	}
}
