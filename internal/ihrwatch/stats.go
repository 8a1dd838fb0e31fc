package ihrwatch

import (
	"math"
	"sync/atomic"
	"time"

	"ihrwatch/internal/fetcher"
)

// statsCollector aggregates fetcher outcomes for one endpoint. It is a
// fetcher.Observer shared by every keyed fetcher of that endpoint.
type statsCollector struct {
	hits      atomic.Uint64
	coalesced atomic.Uint64
	blocked   atomic.Uint64
	fetched   atomic.Uint64
	failed    atomic.Uint64

	totalBodyBytes atomic.Uint64
	minBodyBytes   atomic.Uint64
	maxBodyBytes   atomic.Uint64
	totalLatencyNs atomic.Int64
}

var _ fetcher.Observer = (*statsCollector)(nil)

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBodyBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Hit(string) { s.hits.Add(1) }

func (s *statsCollector) Blocked(string, time.Duration) { s.blocked.Add(1) }

func (s *statsCollector) Coalesced(string) { s.coalesced.Add(1) }

func (s *statsCollector) Failed(string, error, int, time.Duration) { s.failed.Add(1) }

func (s *statsCollector) Fetched(_ string, bodyBytes int, took time.Duration) {
	if bodyBytes < 0 {
		bodyBytes = 0
	}
	n := uint64(bodyBytes)

	s.fetched.Add(1)
	s.totalBodyBytes.Add(n)
	s.totalLatencyNs.Add(int64(took))

	for {
		cur := s.minBodyBytes.Load()
		if n >= cur || s.minBodyBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBodyBytes.Load()
		if n <= cur || s.maxBodyBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits      uint64 `json:"hits"`
	Coalesced uint64 `json:"coalesced"`
	Blocked   uint64 `json:"blocked"`
	Fetched   uint64 `json:"fetched"`
	Failed    uint64 `json:"failed"`

	MinBodyBytes uint64        `json:"minBodyBytes"`
	AvgBodyBytes uint64        `json:"avgBodyBytes"`
	MaxBodyBytes uint64        `json:"maxBodyBytes"`
	AvgLatency   time.Duration `json:"avgLatencyNs"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:      s.hits.Load(),
		Coalesced: s.coalesced.Load(),
		Blocked:   s.blocked.Load(),
		Fetched:   s.fetched.Load(),
		Failed:    s.failed.Load(),
	}
	if ss.Fetched == 0 {
		return ss
	}
	ss.MinBodyBytes = s.minBodyBytes.Load()
	if ss.MinBodyBytes == math.MaxUint64 {
		ss.MinBodyBytes = 0
	}
	ss.MaxBodyBytes = s.maxBodyBytes.Load()
	ss.AvgBodyBytes = s.totalBodyBytes.Load() / ss.Fetched
	ss.AvgLatency = time.Duration(s.totalLatencyNs.Load() / int64(ss.Fetched))
	return ss
}
