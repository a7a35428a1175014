// Package environment reads the FLOTILLA_* operational overrides: each
// helper returns the variable's parsed value or the caller's default, so a
// fleet file stays the single source of truth and the environment only
// adjusts it. Malformed values fall back to the default instead of
// aborting a run.
package environment

import (
	"os"
	"strconv"
	"time"
)

// StringOr returns the named variable, or defaultValue if it is unset or
// empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// BoolOr parses the named variable with strconv.ParseBool ("1", "t",
// "true", "0", "f", "false", ...). Unset, empty, or unparseable values
// yield defaultValue.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// DurationOr parses the named variable as a time.Duration ("30s", "5m").
// Unset, empty, or unparseable values yield defaultValue.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
