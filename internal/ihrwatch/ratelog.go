package ihrwatch

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger emits at most one warning per interval and drops the rest.
type rateLimitedLogger struct {
	log   *slog.Logger
	every rate.Sometimes
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, every: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.every.Do(func() { l.log.Warn(msg, args...) })
}
