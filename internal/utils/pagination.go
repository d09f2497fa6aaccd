// Package utils holds small parsing helpers shared by the HTTP layer and the
// services. Nothing here knows about updates or sync runs.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault parses s as a base-10 int, ignoring surrounding whitespace.
// Empty, malformed or out-of-range input yields def.
//
//	utils.AtoiDefault(" 42 ", 0) // 42
//	utils.AtoiDefault("", 20)    // 20
//	utils.AtoiDefault("ten", 5)  // 5
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Clamp bounds v to [lo, hi]. hi < lo leaves the upper bound off.
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi >= lo && v > hi {
		return hi
	}
	return v
}
