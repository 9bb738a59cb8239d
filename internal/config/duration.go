package config

import (
	"strconv"
	"time"
)

// parseInterval accepts either a Go duration string ("5s", "250ms") or a bare
// integer interpreted as milliseconds, matching the service option schema.
func parseInterval(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
