package relay

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the delay between reconnect attempts.
type BackoffConfig struct {
	Min        time.Duration // delay before the first retry
	Max        time.Duration // cap on any single delay
	Multiplier float64       // growth factor per consecutive failure
	Jitter     float64       // fraction of the delay that is randomised, 0..1
}

// DefaultBackoffConfig returns 1s growing by 1.5x up to 30s, with 20% jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Min:        1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 1.5,
		Jitter:     0.2,
	}
}

// withDefaults fills unset fields. A zero config is the default config; in
// any other config a zero Jitter means no jitter.
func (c BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if c == (BackoffConfig{}) {
		return def
	}
	if c.Min <= 0 {
		c.Min = def.Min
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = def.Jitter
	}
	return c
}

// Delay returns the wait before retry number attempt (1-based):
// Min * Multiplier^(attempt-1), capped at Max, then reduced by up to
// Jitter of itself. rnd must return a value in [0, 1); nil uses math/rand.
func (c BackoffConfig) Delay(attempt int, rnd func() float64) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	d := float64(c.Min) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.Max) {
		d = float64(c.Max)
	}
	d -= d * c.Jitter * rnd()
	return time.Duration(d)
}
