package fetcher

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase        = time.Second
	defaultBackoffCeiling     = 300 * time.Second
	defaultBackoffExponentCap = 10
)

// Backoff computes the cool-down imposed after consecutive upstream failures:
// min(Ceiling, 2^min(ExponentCap, failures) * Base), optionally widened by Jitter.
type Backoff struct {
	Base        time.Duration
	Ceiling     time.Duration
	ExponentCap int

	// Jitter adds a random extra of up to Jitter*delay. 0 disables it.
	Jitter float64

	rand func() float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBackoffBase
	}
	if b.Ceiling <= 0 {
		b.Ceiling = defaultBackoffCeiling
	}
	if b.ExponentCap <= 0 {
		b.ExponentCap = defaultBackoffExponentCap
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b
}

// Delay returns the cool-down after the given number of consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	exp := min(failures, b.ExponentCap)

	d := b.Base
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= b.Ceiling {
			return b.Ceiling
		}
	}
	if b.Jitter > 0 && b.rand != nil {
		d += time.Duration(b.rand() * b.Jitter * float64(d))
	}
	return min(d, b.Ceiling)
}
