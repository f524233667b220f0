// Package retry provides exponential backoff with jitter for the inference
// gateway's transport path.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           `json:"max_retries"` // retry attempts after the first try
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"` // up to +/-10% random spread on each delay
}

// Result describes how a retried operation went.
type Result struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
}

// DefaultConfig returns sensible general-purpose defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// EngineConfig returns retry settings tuned for a local model server: fewer
// attempts and shorter delays, since the caller is interactive.
func EngineConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do executes op with exponential backoff. Non-retryable errors and context
// cancellation stop the loop immediately; the caller decides what the final
// error means.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := op()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			return result
		}
		result.LastError = err

		if attempt >= cfg.MaxRetries || !IsRetryable(err) || ctx.Err() != nil {
			result.TotalDuration = time.Since(start)
			return result
		}

		delay := backoffDelay(cfg, attempt)
		log.Debug().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after transient error")

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-time.After(delay):
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// backoffDelay computes baseDelay * multiplier^attempt capped at MaxDelay,
// with optional jitter.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// retryableFragments are transport-level failures worth another attempt.
// Anything else (including cancellation) fails fast.
var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"no such host",
	"network unreachable",
	"broken pipe",
}

// IsRetryable reports whether an error looks like a transient transport
// failure. Deadline expiry is deliberately not retryable here: the router
// owns the request deadline and a retry cannot beat it.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
