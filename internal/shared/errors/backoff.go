package errors

import (
	"math"
	"time"
)

// BackoffConfig configures exponential backoff delays.
type BackoffConfig struct {
	BaseDelay time.Duration // first retry delay (default 1s)
	MaxDelay  time.Duration // cap on any single delay (default 30s)
}

// DefaultBackoffConfig returns the delays used for output-tool recovery.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at MaxDelay.
func Backoff(attempt int, cfg BackoffConfig) time.Duration {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// BackoffForKind adjusts the plain exponential delay by error class:
// rate limits double the wait, network blips retry quickly at the base delay.
func BackoffForKind(kind Kind, attempt int, cfg BackoffConfig) time.Duration {
	delay := Backoff(attempt, cfg)
	switch kind {
	case KindRateLimit:
		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	case KindNetwork:
		if cfg.BaseDelay <= 0 {
			return time.Second
		}
		return cfg.BaseDelay
	}
	return delay
}
