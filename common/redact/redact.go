// Package redact provides helpers for stripping sensitive values from log
// output and persisted run records before they leave the process boundary.
//
// Container environments routinely carry credentials (database passwords,
// registry tokens) that end up echoed into captured stdout/stderr. Redaction
// is best-effort: it operates on string representations and relies on
// callers to pass the right set of sensitive terms. It is NOT a substitute
// for keeping secrets out of container output in the first place.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logTail, dbPassword, registryToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// SensitiveEnvValues extracts the values of "KEY=value" entries whose key
// suggests it holds a secret. Feed the result to String when persisting
// captured container output.
func SensitiveEnvValues(env []string) []string {
	var out []string
	for _, e := range env {
		k, v, ok := strings.Cut(e, "=")
		if !ok || v == "" {
			continue
		}
		if isSensitiveKey(k) {
			out = append(out, v)
		}
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
