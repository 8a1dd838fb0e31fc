package ihrwatch

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ihrwatch/internal/fetcher"
)

func TestPrintProbe(t *testing.T) {
	color.NoColor = true
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	rows := []ProbeRow{
		{
			Attempt: 1,
			Result:  fetcher.Result{OK: true, Data: json.RawMessage(`{"results":[]}`), FetchedAt: now},
			State:   fetcher.State{Name: "ihrAlerts:AS21928|5", HasData: true, Fresh: true},
			Took:    120 * time.Millisecond,
		},
		{
			Attempt: 2,
			Result:  fetcher.Result{
				OK: true, Stale: true, Data: json.RawMessage(`{"results":[]}`),
				FetchedAt: now.Add(-90 * time.Second), Error: "upstream status 503",
			},
			State: fetcher.State{Name: "ihrAlerts:AS21928|5", HasData: true, Failures: 1, BlockedUntil: now.Add(2 * time.Second)},
		},
		{
			Attempt: 3,
			Result:  fetcher.Result{Error: "backoff:2s"},
			State:   fetcher.State{Name: "ihrNetwork:AS1"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, PrintProbe(&buf, rows, now))
	out := buf.String()

	assert.Contains(t, out, "ihrAlerts:AS21928|5")
	assert.Contains(t, out, "fresh")
	assert.Contains(t, out, "stale")
	assert.Contains(t, out, "warming")
	assert.Contains(t, out, "upstream status 503")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "120ms")
}

func TestPrintASNs(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	require.NoError(t, PrintASNs(&buf, []byte(`{"results":[{"number":21928,"name":"T-Mobile","country":"US"}]}`)))
	assert.Contains(t, buf.String(), "AS21928")
	assert.Contains(t, buf.String(), "1 networks")

	assert.Error(t, PrintASNs(&buf, []byte(`"maintenance"`)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	got := truncate(strings.Repeat("x", 20), 10)
	assert.Equal(t, 10, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
