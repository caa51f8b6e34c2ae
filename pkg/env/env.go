// Package env reads process settings that must be known before config.Load,
// such as the log format and worker identity.
package env

import (
	"os"
	"strings"
)

// String returns the trimmed value of key, or fallback when unset or blank.
func String(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}
