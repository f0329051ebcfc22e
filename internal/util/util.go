// Package util provides small string helpers for host command arguments.
package util

import (
	"fmt"
	"strconv"
	"strings"
)

// TrimQuotes removes leading and trailing double quotes from a string.
func TrimQuotes(s string) string {
	return strings.Trim(s, `"`)
}

// FixEscapeQuotes replaces escaped double quotes ("") with single double quotes (").
func FixEscapeQuotes(s string) string {
	return strings.ReplaceAll(s, `""`, `"`)
}

// CleanArgs trims and unescapes every argument in place and returns data.
func CleanArgs(data []string) []string {
	for i, v := range data {
		data[i] = FixEscapeQuotes(TrimQuotes(strings.TrimSpace(v)))
	}
	return data
}

// ParseFloats parses a comma separated list of exactly n numbers, with or
// without surrounding brackets: "1,2,3" or "[1,2,3]".
func ParseFloats(s string, n int) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d values, got %d in %q", n, len(parts), s)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d of %q: %w", i, s, err)
		}
		out[i] = f
	}
	return out, nil
}

// Optional returns data[i] and whether it is present and not empty.
func Optional(data []string, i int) (string, bool) {
	if i >= len(data) || data[i] == "" {
		return "", false
	}
	return data[i], true
}
