package broker

import (
	"fmt"
	"strconv"
	"strings"
)

// Prices cross the wire as rupee decimal strings; internally everything is
// int64 paise.

func paiseToRupees(p int64) string {
	neg := ""
	if p < 0 {
		neg = "-"
		p = -p
	}
	return fmt.Sprintf("%s%d.%02d", neg, p/100, p%100)
}

func rupeesToPaise(v float64) int64 {
	if v >= 0 {
		return int64(v*100 + 0.5)
	}
	return -int64(-v*100 + 0.5)
}

func parseRupees(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return rupeesToPaise(f)
}

// reverse builds the decode map for a declarative encode table. Encode
// tables must be injective per broker or decode tests will catch it.
func reverse[K comparable, V comparable](m map[K]V) map[V]K {
	out := make(map[V]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}
