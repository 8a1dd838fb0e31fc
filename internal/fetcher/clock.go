package fetcher

import "time"

// Clock is the time source used for freshness and backoff decisions.
// Production code uses SystemClock; tests inject a controllable clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
