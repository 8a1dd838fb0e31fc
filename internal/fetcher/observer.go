package fetcher

import (
	"encoding/json"
	"time"
)

// Observer receives the outcome of every Get. Implementations must be cheap
// and must not block: they run on the caller's goroutine.
type Observer interface {
	Hit(name string)
	Blocked(name string, remaining time.Duration)
	Coalesced(name string)
	Fetched(name string, bodyBytes int, took time.Duration)
	Failed(name string, err error, failures int, delay time.Duration)
}

// NoopObserver ignores all events.
type NoopObserver struct{}

func (NoopObserver) Hit(string)                               {}
func (NoopObserver) Blocked(string, time.Duration)            {}
func (NoopObserver) Coalesced(string)                         {}
func (NoopObserver) Fetched(string, int, time.Duration)       {}
func (NoopObserver) Failed(string, error, int, time.Duration) {}

// Snapshot is the persisted form of a cache entry.
type Snapshot struct {
	Data      json.RawMessage
	FetchedAt time.Time
}

// Store persists the last successful payload of a fetcher so a restarted
// process can serve it as stale data before the first upstream success.
// Save must not block on I/O.
type Store interface {
	Load(name string) (Snapshot, bool)
	Save(name string, snap Snapshot)
}
