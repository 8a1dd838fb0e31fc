package ihrwatch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// parseByteSize accepts sizes such as "512", "64k", "8mb" or "1.5GB".
// Units are binary multiples.
func parseByteSize(s string) (int64, error) {
	in := s
	s = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(s)), "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size %q", in)
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid size %q", in)
	}
	n := v * float64(mult)
	if n < 1 {
		return 0, fmt.Errorf("size %q must be positive", in)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if n >= math.MaxInt64 {
		return 0, fmt.Errorf("size %q is too large", in)
	}
	return int64(n), nil
}

func formatBytes(b uint64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	default:
		return trimFloat(float64(b)/gb) + "gb"
	}
}

func trimFloat(v float64) string {
	return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0")
}
