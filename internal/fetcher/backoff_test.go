package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{}.withDefaults()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},
		{10, 300 * time.Second},
		{50, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.failures), "failures=%d", tt.failures)
	}
}

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	b := Backoff{Base: 250 * time.Millisecond, Ceiling: time.Minute}.withDefaults()

	prev := time.Duration(0)
	for k := 1; k <= 40; k++ {
		d := b.Delay(k)
		assert.GreaterOrEqual(t, d, prev, "k=%d", k)
		assert.LessOrEqual(t, d, time.Minute, "k=%d", k)
		prev = d
	}
	assert.Equal(t, time.Minute, prev)
}

func TestBackoffExponentCap(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Ceiling: time.Hour, ExponentCap: 3}.withDefaults()
	assert.Equal(t, 8*time.Millisecond, b.Delay(3))
	assert.Equal(t, 8*time.Millisecond, b.Delay(20))
}

func TestBackoffJitter(t *testing.T) {
	b := Backoff{Jitter: 0.5}.withDefaults()

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 4*time.Second, b.Delay(2))

	b.rand = func() float64 { return 0.999999 }
	d := b.Delay(2)
	assert.Greater(t, d, 4*time.Second)
	assert.LessOrEqual(t, d, 6*time.Second)

	// jitter never pushes past the ceiling
	assert.Equal(t, 300*time.Second, b.Delay(8))
}
