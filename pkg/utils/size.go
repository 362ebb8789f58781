// Package utils holds small helpers shared by the commands.
package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	KiB int64 = 1 << (10 * (iota + 1))
	MiB
	GiB
	TiB
)

// Decimal units are powers of 1000, IEC units and bare letters powers of
// 1024.
var units = map[string]int64{
	"":  1,
	"B": 1,

	"KB": 1e3,
	"MB": 1e6,
	"GB": 1e9,
	"TB": 1e12,

	"K": KiB, "KIB": KiB,
	"M": MiB, "MIB": MiB,
	"G": GiB, "GIB": GiB,
	"T": TiB, "TIB": TiB,
}

// ParseDataSize parses sizes such as "512", "64MiB", "1.5GB" or "2G"
// into bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if i < 0 {
		i = len(s)
	}
	number, unit := s[:i], strings.ToUpper(strings.TrimSpace(s[i:]))

	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	multiplier, ok := units[unit]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, s[i:])
	}

	bytes := value * float64(multiplier)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}
	return int64(bytes), nil
}

// FormatDataSize renders bytes with a binary unit, e.g. "1.5 MiB".
func FormatDataSize(bytes int64) string {
	switch {
	case bytes < 0:
		return "invalid"
	case bytes < KiB:
		return fmt.Sprintf("%d B", bytes)
	}

	suffixes := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(bytes) / float64(KiB)
	exp := 0
	for value >= 1024 && exp < len(suffixes)-1 {
		value /= 1024
		exp++
	}
	out := strconv.FormatFloat(value, 'f', 2, 64)
	out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	return out + " " + suffixes[exp]
}
