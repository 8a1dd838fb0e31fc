package fetcher

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedIsolatesKeys(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("asn") == "AS2" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"asn":"` + r.URL.Query().Get("asn") + `"}`))
	}))
	t.Cleanup(srv.Close)

	k, err := NewKeyed(KeyedConfig{
		Template: Config{
			Name:  "alerts",
			TTL:   time.Minute,
			Clock: newFakeClock(),
			URL: func(p Params) (string, error) {
				return srv.URL + "/?asn=" + p.Value("asn", "AS1"), nil
			},
		},
		Key: func(p Params) string { return p.Value("asn", "AS1") },
	})
	require.NoError(t, err)

	a := k.Get(Params{"asn": "AS1"})
	b := k.Get(Params{"asn": "AS2"})
	require.True(t, a.OK)
	assert.JSONEq(t, `{"asn":"AS1"}`, string(a.Data))
	assert.False(t, b.OK)

	// AS2 is cooling down, AS1 is still served fresh from its own cache
	a = k.Get(Params{"asn": "AS1"})
	b = k.Get(Params{"asn": "AS2"})
	assert.False(t, a.Stale)
	assert.Contains(t, b.Error, "backoff:")
	assert.EqualValues(t, 2, calls.Load())

	states := k.States()
	require.Len(t, states, 2)
	assert.Equal(t, "alerts:AS1", states[0].Name)
	assert.True(t, states[0].Fresh)
	assert.Equal(t, "alerts:AS2", states[1].Name)
	assert.Equal(t, 1, states[1].Failures)
}

func TestKeyedEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	k, err := NewKeyed(KeyedConfig{
		Template: Config{Name: "n", URL: func(Params) (string, error) { return "http://127.0.0.1:1/", nil }},
		Key:      func(p Params) string { return p["k"] },
		MaxKeys:  2,
		OnEvict:  func(key string) { evicted = append(evicted, key) },
	})
	require.NoError(t, err)

	a := k.Fetcher("a")
	k.Fetcher("b")
	assert.Same(t, a, k.Fetcher("a"))
	k.Fetcher("c")

	assert.Equal(t, 2, k.Len())
	assert.Equal(t, []string{"b"}, evicted)
	assert.Same(t, a, k.Fetcher("a"))
	assert.Equal(t, "n:a", a.Name())
}

func TestKeyedKeepsInFlightFetcher(t *testing.T) {
	u := newUpstream(t, ok(`{"v":1}`))
	u.hold = make(chan struct{})
	var evicted []string
	k, err := NewKeyed(KeyedConfig{
		Template: Config{Name: "n", URL: u.builder(), Timeout: 5 * time.Second},
		Key:      func(p Params) string { return p["k"] },
		MaxKeys:  1,
		OnEvict:  func(key string) { evicted = append(evicted, key) },
	})
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- k.Get(Params{"k": "a"}) }()
	require.Eventually(t, func() bool {
		states := k.States()
		return len(states) == 1 && states[0].InFlight
	}, 2*time.Second, 5*time.Millisecond)

	k.Fetcher("b")
	assert.Equal(t, 2, k.Len())
	assert.Empty(t, evicted)

	close(u.hold)
	assert.True(t, (<-done).OK)

	// Once settled, both idle fetchers are eligible again.
	k.Fetcher("c")
	assert.Equal(t, 1, k.Len())
	assert.Equal(t, []string{"a", "b"}, evicted)
	assert.EqualValues(t, 1, u.calls.Load())
}

func TestKeyedKeepsFetcherInBackoff(t *testing.T) {
	clk := newFakeClock()
	var evicted []string
	k, err := NewKeyed(KeyedConfig{
		Template: Config{
			Name:  "n",
			Clock: clk,
			URL:   func(Params) (string, error) { return "http://127.0.0.1:1/", nil },
		},
		Key:     func(p Params) string { return p["k"] },
		MaxKeys: 1,
		OnEvict: func(key string) { evicted = append(evicted, key) },
	})
	require.NoError(t, err)

	res := k.Get(Params{"k": "a"})
	require.False(t, res.OK)
	a := k.Fetcher("a")

	k.Fetcher("b")
	assert.Equal(t, 2, k.Len())
	assert.Empty(t, evicted)
	assert.Same(t, a, k.Fetcher("a"))

	waitOutBackoff(clk, a)
	k.Fetcher("c")
	assert.Equal(t, 1, k.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, evicted)
}

func TestNewKeyedRequiresURLBuilder(t *testing.T) {
	_, err := NewKeyed(KeyedConfig{Template: Config{Name: "x"}})
	assert.ErrorIs(t, err, ErrNoURLBuilder)
}
