package deliver

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls retry pacing for failed deliveries.
type BackoffConfig struct {
	Base        time.Duration
	Factor      float64
	Jitter      float64 // ±fraction (0.25 = ±25%)
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the delivery retry defaults: 1s base, factor
// 2, ±25% jitter, 5 minute cap, 5 attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:        time.Second,
		Factor:      2,
		Jitter:      0.25,
		Cap:         5 * time.Minute,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff before the next attempt, given the 1-based
// attempt number that just failed.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(c.Base) * math.Pow(c.Factor, float64(attempt-1))
	if backoff > float64(c.Cap) {
		backoff = float64(c.Cap)
	}
	if c.Jitter > 0 {
		jitter := backoff * c.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(backoff)
}
