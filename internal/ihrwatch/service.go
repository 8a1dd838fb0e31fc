package ihrwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"ihrwatch/internal/fetcher"
)

const headerName = "X-Ihrwatch"

// Option customizes a Service.
type Option func(*options)

type options struct {
	log    *slog.Logger
	client fetcher.Doer
	clock  fetcher.Clock
}

func WithLogger(log *slog.Logger) Option { return func(o *options) { o.log = log } }

// WithClient replaces the HTTP client used for upstream requests.
func WithClient(c fetcher.Doer) Option { return func(o *options) { o.client = c } }

func WithClock(c fetcher.Clock) Option { return func(o *options) { o.clock = c } }

type endpoint struct {
	name   string
	ttl    time.Duration
	keyed  *fetcher.Keyed
	key    fetcher.KeyFunc
	stats  *statsCollector
	params func(url.Values) (fetcher.Params, error)
}

// Service exposes the IHR endpoints behind cached fetchers.
type Service struct {
	cfg   Config
	log   *slog.Logger
	clock fetcher.Clock

	store    *SnapshotStore
	evictLog *rateLimitedLogger

	alerts  *endpoint
	network *endpoint
	search  *endpoint
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	o := options{log: slog.Default(), client: &http.Client{}, clock: fetcher.SystemClock()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:      cfg,
		log:      o.log,
		clock:    o.clock,
		evictLog: newRateLimitedLogger(o.log, time.Minute),
	}

	var store fetcher.Store
	if path := cfg.Storage.Disk.Path; path != "" {
		st, err := OpenSnapshotStore(path, cfg.Storage.Disk.maxBytes, o.log)
		if err != nil {
			return nil, fmt.Errorf("open snapshot store %s: %w", path, err)
		}
		s.store = st
		store = st
	}

	base := cfg.IHR.Base
	template := fetcher.Config{
		MaxBodyBytes: cfg.IHR.maxBodyBytes,
		Backoff:      fetcher.Backoff{
			Base:        cfg.IHR.Backoff.baseDur,
			Ceiling:     cfg.IHR.Backoff.ceilingDur,
			ExponentCap: cfg.IHR.Backoff.ExponentCap,
			Jitter:      cfg.IHR.Backoff.Jitter,
		},
		Client: o.client,
		Clock:  o.clock,
		Store:  store,
		Logger: o.log,
	}

	var err error
	if s.alerts, err = s.newEndpoint("ihrAlerts", template, cfg.Endpoints.Alerts,
		alertsURL(base, o.clock), alertsKey,
		func(q url.Values) (fetcher.Params, error) { return alertsParams(q, cfg.IHR.ASN, cfg.IHR.Minutes) },
	); err != nil {
		return nil, s.closeOnError(err)
	}
	if s.network, err = s.newEndpoint("ihrNetwork", template, cfg.Endpoints.Network,
		networkURL(base), networkKey,
		func(q url.Values) (fetcher.Params, error) { return networkParams(q, cfg.IHR.ASN) },
	); err != nil {
		return nil, s.closeOnError(err)
	}
	if s.search, err = s.newEndpoint("ihrSearchNetworks", template, cfg.Endpoints.Search,
		searchURL(base), searchKey,
		func(q url.Values) (fetcher.Params, error) {
			return searchParams(q, cfg.Discover.Query, cfg.Discover.Country)
		},
	); err != nil {
		return nil, s.closeOnError(err)
	}
	return s, nil
}

func (s *Service) newEndpoint(name string, template fetcher.Config, ep Endpoint, build fetcher.URLBuilder,
	key fetcher.KeyFunc, params func(url.Values) (fetcher.Params, error)) (*endpoint, error) {
	stats := newStatsCollector()
	template.Name = name
	template.TTL = ep.ttlDur
	template.Timeout = ep.timeoutDur
	template.URL = build
	template.Observer = stats

	keyed, err := fetcher.NewKeyed(fetcher.KeyedConfig{
		Template: template,
		Key:      key,
		MaxKeys:  s.cfg.IHR.MaxKeys,
		OnEvict: func(k string) {
			s.evictLog.Warn("fetcher registry full, dropped least recently used key", "endpoint", name, "key", k)
		},
	})
	if err != nil {
		return nil, err
	}
	return &endpoint{name: name, ttl: ep.ttlDur, keyed: keyed, key: key, stats: stats, params: params}, nil
}

func (s *Service) closeOnError(err error) error {
	if s.store != nil {
		_ = s.store.Close()
	}
	return err
}

func (s *Service) endpoints() []*endpoint { return []*endpoint{s.alerts, s.network, s.search} }

// Close flushes and closes the snapshot store.
func (s *Service) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Run drives the warmup and stats loops until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if every := s.cfg.warmUpDur; every > 0 {
		s.log.Info("warmup enabled", "every", every, "asn", s.cfg.IHR.ASN)
		g.Go(func() error {
			s.warmupLoop(ctx, every)
			return nil
		})
	}
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		g.Go(func() error {
			s.statsLoop(ctx, every)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) warmupLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		s.warm(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// warm refreshes the default ASN's alerts and network entries and the
// discovery search. Fresh entries are cache hits and cost nothing.
func (s *Service) warm(ctx context.Context) {
	for _, ep := range []*endpoint{s.alerts, s.network, s.search} {
		if ctx.Err() != nil {
			return
		}
		p, err := ep.params(url.Values{})
		if err != nil {
			s.log.Error("warmup params", "endpoint", ep.name, "err", err)
			continue
		}
		res := ep.keyed.Get(p)
		s.log.Debug("warmed", "endpoint", ep.name, "ok", res.OK, "stale", res.Stale, "error", res.Error)
	}
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	for _, ep := range s.endpoints() {
		ss := ep.stats.Snapshot()
		s.log.Info("stats",
			"endpoint", ep.name,
			"keys", ep.keyed.Len(),
			"hits", ss.Hits,
			"coalesced", ss.Coalesced,
			"blocked", ss.Blocked,
			"fetched", ss.Fetched,
			"failed", ss.Failed,
			"body", fmt.Sprintf("%s/%s/%s", formatBytes(ss.MinBodyBytes), formatBytes(ss.AvgBodyBytes), formatBytes(ss.MaxBodyBytes)),
			"avgLatency", ss.AvgLatency,
		)
	}
	if s.store != nil {
		s.log.Info("snapshots", "count", s.store.Len(), "disk", formatBytes(uint64(max(0, s.store.TotalSize()))))
	}
}

func (s *Service) endpointByName(name string) (*endpoint, error) {
	switch strings.ToLower(name) {
	case endpointAlert, "ihralerts":
		return s.alerts, nil
	case endpointNet, "ihrnetwork":
		return s.network, nil
	case endpointFind, "networks", "ihrsearchnetworks":
		return s.search, nil
	}
	return nil, fmt.Errorf("unknown endpoint %q (want %s, %s or %s)", name, endpointAlert, endpointNet, endpointFind)
}

// Probe resolves one Get against the named endpoint and reports the state
// of the fetcher that served it.
func (s *Service) Probe(name string, q url.Values) (fetcher.Result, fetcher.State, error) {
	ep, err := s.endpointByName(name)
	if err != nil {
		return fetcher.Result{}, fetcher.State{}, err
	}
	p, err := ep.params(q)
	if err != nil {
		return fetcher.Result{}, fetcher.State{}, err
	}
	f := ep.keyed.Fetcher(ep.key(p))
	res := f.Get(p)
	return res, f.State(), nil
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ihr/alerts", s.handleEndpoint(s.alerts))
	mux.HandleFunc("GET /api/ihr/network", s.handleEndpoint(s.network))
	mux.HandleFunc("GET /api/ihr/networks", s.handleEndpoint(s.search))
	mux.HandleFunc("GET /api/ihr/asns", s.handleASNs)
	mux.HandleFunc("GET /api/ihr/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	return s.recoverer(s.accessLog(mux))
}

func (s *Service) handleEndpoint(ep *endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ep.params(r.URL.Query())
		if err != nil {
			writeJSON(w, http.StatusBadRequest, fetcher.Result{Error: err.Error()})
			return
		}
		writeResult(w, ep.keyed.Get(p))
	}
}

// writeResult maps an envelope onto the HTTP response: 200 whenever data is
// available, 202 with an empty envelope otherwise.
func writeResult(w http.ResponseWriter, res fetcher.Result) {
	if !res.OK {
		reason := res.Error
		if reason == "" {
			reason = "warming"
		}
		setStateHeader(w.Header(), "warming")
		writeJSON(w, http.StatusAccepted, fetcher.Result{Error: reason})
		return
	}
	state := "fresh"
	if res.Stale {
		state = "stale"
	} else {
		res.Error = ""
	}
	setStateHeader(w.Header(), state)
	writeJSON(w, http.StatusOK, res)
}

type asnsResponse struct {
	OK    bool       `json:"ok"`
	Stale bool       `json:"stale"`
	TS    *time.Time `json:"ts"`
	Error *string    `json:"error"`
	ASNs  []ASNInfo  `json:"asns"`
}

func (s *Service) handleASNs(w http.ResponseWriter, r *http.Request) {
	p, err := s.search.params(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fetcher.Result{Error: err.Error()})
		return
	}
	res := s.search.keyed.Get(p)

	out := asnsResponse{ASNs: []ASNInfo{}}
	if res.OK {
		asns, err := parseASNs(res.Data)
		if err != nil {
			res = fetcher.Result{Error: err.Error()}
		} else {
			out.ASNs = asns
		}
	}
	if !res.OK {
		reason := res.Error
		if reason == "" {
			reason = "warming"
		}
		out.Error = &reason
		setStateHeader(w.Header(), "warming")
		writeJSON(w, http.StatusAccepted, out)
		return
	}

	out.OK = true
	out.Stale = res.Stale
	ts := res.FetchedAt.UTC()
	out.TS = &ts
	state := "fresh"
	if res.Stale {
		state = "stale"
		reason := res.Error
		out.Error = &reason
	}
	setStateHeader(w.Header(), state)
	writeJSON(w, http.StatusOK, out)
}

type endpointStatus struct {
	Name     string          `json:"name"`
	TTL      string          `json:"ttl"`
	Stats    statsSnapshot   `json:"stats"`
	Fetchers []fetcher.State `json:"fetchers"`
}

type snapshotStatus struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

type statusResponse struct {
	Endpoints []endpointStatus `json:"endpoints"`
	Snapshots *snapshotStatus  `json:"snapshots,omitempty"`
}

func (s *Service) status() statusResponse {
	var out statusResponse
	for _, ep := range s.endpoints() {
		states := ep.keyed.States()
		if states == nil {
			states = []fetcher.State{}
		}
		out.Endpoints = append(out.Endpoints, endpointStatus{
			Name:     ep.name,
			TTL:      ep.ttl.String(),
			Stats:    ep.stats.Snapshot(),
			Fetchers: states,
		})
	}
	if s.store != nil {
		out.Snapshots = &snapshotStatus{Count: s.store.Len(), Bytes: s.store.TotalSize()}
	}
	return out
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setStateHeader(h http.Header, state string) {
	h.Set(headerName, state)
	// Browsers only let scripts read custom headers that are exposed.
	ensureExposedHeader(h, headerName)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Service) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"state", rec.Header().Get(headerName),
			"took", s.clock.Now().Sub(start),
		)
	})
}

func (s *Service) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("handler panic", "path", r.URL.Path, "panic", v)
				writeJSON(w, http.StatusInternalServerError, fetcher.Result{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NewLogger builds the process logger from the logging section.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Logging.level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
