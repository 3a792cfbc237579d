// Package redact masks credential-shaped values in free-form metadata before
// it is written to durable sinks.
package redact

import (
	"regexp"
	"strings"
)

// Mask replaces any value considered sensitive.
const Mask = "[REDACTED]"

var sensitiveKeyFragments = []string{
	"token",
	"secret",
	"password",
	"passwd",
	"db_pass",
	"api_key",
	"apikey",
	"anon_key",
	"service_role",
	"authorization",
	"private_key",
	"credential",
	"ciphertext",
}

var sensitiveValuePatterns = []*regexp.Regexp{
	// JWT
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),
	// GitHub tokens
	regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})\b`),
	// Supabase management tokens
	regexp.MustCompile(`\bsbp_[A-Za-z0-9]{20,}\b`),
	// Bearer headers
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	// age identities
	regexp.MustCompile(`AGE-SECRET-KEY-1[0-9A-Z]{20,}`),
}

// IsSensitiveKey reports whether a metadata key name suggests its value is a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	k = strings.ReplaceAll(k, "-", "_")
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// String masks every credential-shaped substring of s.
func String(s string) string {
	for _, re := range sensitiveValuePatterns {
		s = re.ReplaceAllString(s, Mask)
	}
	return s
}

// Map returns a deep copy of m with sensitive keys masked and string values
// scrubbed. The input is never modified.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			if v == nil || v == "" {
				out[k] = v
				continue
			}
			out[k] = Mask
			continue
		}
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		return Map(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return Map(m)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = value(t[i])
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i := range t {
			out[i] = String(t[i])
		}
		return out
	default:
		return v
	}
}
