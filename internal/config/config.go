package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/infermesh/infermesh/internal/logx"
)

// GetEnv returns the value of key or def when unset or empty.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoi(v string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(v))
}

func splitComma(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

const defaultMaxModelSize = 1 << 30

var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseSize converts a human-readable size string such as "1GB" or "500MB"
// into a byte count. Bare integers are taken as bytes. Unparseable input
// yields a 1 GiB default rather than an error; callers that care should
// validate upstream.
func ParseSize(s string) int64 {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	if trimmed == "" {
		return defaultMaxModelSize
	}
	for _, sz := range sizeSuffixes {
		if !strings.HasSuffix(trimmed, sz.suffix) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(trimmed, sz.suffix))
		f, err := strconv.ParseFloat(num, 64)
		if err != nil || f < 0 {
			break
		}
		return int64(f * float64(sz.mult))
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil && n >= 0 {
		return n
	}
	logx.Log.Warn().Str("size", s).Msg("unparseable size; defaulting to 1GB")
	return defaultMaxModelSize
}
