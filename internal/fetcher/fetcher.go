// Package fetcher wraps a remote HTTP GET behind a cache with a freshness
// window, in-flight request coalescing and exponential backoff on failure.
//
// A Fetcher never returns an error to its caller. Every Get resolves into a
// Result that tells the caller whether usable data is present, whether it is
// stale, and why the last attempt did not produce fresh data.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

var ErrNoURLBuilder = errors.New("fetcher: URL builder is required")

const (
	defaultTTL          = 60 * time.Second
	defaultTimeout      = 5 * time.Second
	defaultMaxBodyBytes = 8 << 20
)

// Params are the call parameters of a Get. They are interpreted only by the
// URL builder.
type Params map[string]string

// Value returns p[key], or def when the key is missing or empty.
func (p Params) Value(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// URLBuilder maps call parameters to a fully-qualified request target.
type URLBuilder func(Params) (string, error)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type Config struct {
	// Name identifies the fetcher in logs, stats and snapshots.
	Name    string
	TTL     time.Duration
	Timeout time.Duration
	URL     URLBuilder

	// Header is added to every upstream request, overriding the defaults.
	Header       http.Header
	AcceptStatus func(code int) bool
	MaxBodyBytes int64
	Backoff      Backoff

	Client   Doer
	Clock    Clock
	Observer Observer
	Store    Store
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "fetcher"
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	h := http.Header{}
	h.Set("User-Agent", "IhrClient/"+c.Name)
	h.Set("Accept", "application/json,text/html,*/*")
	for k, vs := range c.Header {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	c.Header = h
	if c.AcceptStatus == nil {
		c.AcceptStatus = func(code int) bool { return code >= 200 && code < 300 }
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	c.Backoff = c.Backoff.withDefaults()
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Observer == nil {
		c.Observer = NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Result is the envelope returned by Get regardless of how it was produced.
// Data is shared between callers and must not be modified.
type Result struct {
	OK        bool
	Data      json.RawMessage
	Stale     bool
	FetchedAt time.Time
	Error     string
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Stale bool            `json:"stale"`
		TS    *time.Time      `json:"ts"`
		Error *string         `json:"error"`
	}{OK: r.OK, Data: r.Data, Stale: r.Stale}
	if !r.FetchedAt.IsZero() {
		ts := r.FetchedAt.UTC()
		out.TS = &ts
	}
	if r.Error != "" {
		e := r.Error
		out.Error = &e
	}
	return json.Marshal(out)
}

// StatusError reports an upstream response whose status was not accepted.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

type entry struct {
	data      json.RawMessage
	fetchedAt time.Time
}

type call struct {
	done chan struct{}
	res  Result
}

// Fetcher serves the latest known value of one upstream resource. All of its
// state is private to the instance; at most one upstream request is
// outstanding at any time.
type Fetcher struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	cache        *entry
	failures     int
	blockedUntil time.Time
	inflight     *call
}

func New(cfg Config) (*Fetcher, error) {
	if cfg.URL == nil {
		return nil, fmt.Errorf("%w (%s)", ErrNoURLBuilder, cfg.Name)
	}
	return newFetcher(cfg), nil
}

func newFetcher(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	f := &Fetcher{
		cfg: cfg,
		log: cfg.Logger.With("fetcher", cfg.Name),
	}
	if cfg.Store != nil {
		if snap, ok := cfg.Store.Load(cfg.Name); ok && len(snap.Data) > 0 && !snap.FetchedAt.IsZero() {
			f.cache = &entry{data: snap.Data, fetchedAt: snap.FetchedAt}
			f.log.Debug("restored snapshot", "fetchedAt", snap.FetchedAt)
		}
	}
	return f
}

func (f *Fetcher) Name() string { return f.cfg.Name }

// Get returns the cached value while it is fresh, the stale value while the
// upstream is cooling down, the pending result of an outstanding request, or
// the result of a new upstream request, in that order of preference.
func (f *Fetcher) Get(p Params) Result {
	f.mu.Lock()
	now := f.cfg.Clock.Now()

	if f.cache != nil && now.Sub(f.cache.fetchedAt) <= f.cfg.TTL {
		res := Result{OK: true, Data: f.cache.data, FetchedAt: f.cache.fetchedAt}
		f.mu.Unlock()
		f.cfg.Observer.Hit(f.cfg.Name)
		return res
	}

	if now.Before(f.blockedUntil) {
		remaining := f.blockedUntil.Sub(now)
		res := f.staleLocked(fmt.Sprintf("backoff:%ds", ceilSeconds(remaining)))
		f.mu.Unlock()
		f.cfg.Observer.Blocked(f.cfg.Name, remaining)
		f.log.Debug("upstream cooling down", "remaining", remaining)
		return res
	}

	if c := f.inflight; c != nil {
		f.mu.Unlock()
		f.cfg.Observer.Coalesced(f.cfg.Name)
		<-c.done
		return c.res
	}

	c := &call{done: make(chan struct{})}
	f.inflight = c
	f.mu.Unlock()

	start := f.cfg.Clock.Now()
	data, err := f.fetchRecovered(p)

	f.mu.Lock()
	settled := f.cfg.Clock.Now()
	var (
		res   Result
		delay time.Duration
	)
	if err == nil {
		f.cache = &entry{data: data, fetchedAt: settled}
		f.failures = 0
		f.blockedUntil = time.Time{}
		res = Result{OK: true, Data: data, FetchedAt: settled}
	} else {
		f.failures++
		delay = f.cfg.Backoff.Delay(f.failures)
		f.blockedUntil = settled.Add(delay)
		res = f.staleLocked(err.Error())
	}
	failures := f.failures
	f.inflight = nil
	c.res = res
	f.mu.Unlock()
	close(c.done)

	if err != nil {
		f.cfg.Observer.Failed(f.cfg.Name, err, failures, delay)
		f.log.Warn("upstream fetch failed", "err", err, "failures", failures, "backoff", delay, "hasStale", res.OK)
		return res
	}
	f.cfg.Observer.Fetched(f.cfg.Name, len(data), settled.Sub(start))
	if f.cfg.Store != nil {
		f.cfg.Store.Save(f.cfg.Name, Snapshot{Data: data, FetchedAt: settled})
	}
	return res
}

func (f *Fetcher) staleLocked(reason string) Result {
	res := Result{Stale: true, Error: reason}
	if f.cache != nil {
		res.OK = len(f.cache.data) > 0
		res.Data = f.cache.data
		res.FetchedAt = f.cache.fetchedAt
	}
	return res
}

// fetchRecovered turns a panic in the URL builder or the client into a
// failure so the in-flight call is always settled.
func (f *Fetcher) fetchRecovered(p Params) (data json.RawMessage, err error) {
	defer func() {
		if v := recover(); v != nil {
			data, err = nil, fmt.Errorf("upstream request panicked: %v", v)
		}
	}()
	return f.fetch(p)
}

func (f *Fetcher) fetch(p Params) (json.RawMessage, error) {
	target, err := f.cfg.URL(p)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range f.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, f.describe(err)
	}
	defer resp.Body.Close()

	if !f.cfg.AcceptStatus(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, f.describe(err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", f.cfg.MaxBodyBytes)
	}
	return asJSON(body), nil
}

func (f *Fetcher) describe(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("timeout after %s: %w", f.cfg.Timeout, err)
	}
	return err
}

// asJSON keeps JSON bodies as-is and wraps anything else in a JSON string.
func asJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return body
	}
	b, _ := json.Marshal(string(body))
	return b
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// State is a point-in-time view of a fetcher, for diagnostics.
type State struct {
	Name         string    `json:"name"`
	HasData      bool      `json:"hasData"`
	Fresh        bool      `json:"fresh"`
	FetchedAt    time.Time `json:"fetchedAt,omitzero"`
	Failures     int       `json:"failures"`
	BlockedUntil time.Time `json:"blockedUntil,omitzero"`
	InFlight     bool      `json:"inFlight"`
}

// pinned reports whether dropping the fetcher would lose live state: an
// outstanding request or an unexpired backoff.
func (f *Fetcher) pinned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight != nil || f.cfg.Clock.Now().Before(f.blockedUntil)
}

func (f *Fetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.cfg.Clock.Now()
	st := State{
		Name:     f.cfg.Name,
		Failures: f.failures,
		InFlight: f.inflight != nil,
	}
	if f.cache != nil {
		st.HasData = len(f.cache.data) > 0
		st.FetchedAt = f.cache.fetchedAt
		st.Fresh = now.Sub(f.cache.fetchedAt) <= f.cfg.TTL
	}
	if now.Before(f.blockedUntil) {
		st.BlockedUntil = f.blockedUntil
	}
	return st
}
