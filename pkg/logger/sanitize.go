package logger

import (
	"log/slog"
	"strings"
)

// SanitizedUsername masks a login name for logging (e.g., "a****e"). Login
// names identify real accounts; logs must not become a username directory.
func SanitizedUsername(name string) string {
	if name == "" {
		return "[empty]"
	}
	if len(name) <= 2 {
		return strings.Repeat("*", len(name))
	}
	return string(name[0]) + strings.Repeat("*", len(name)-2) + string(name[len(name)-1])
}

// RedactedAttr returns a redacted slog attribute for sensitive values
// In production, returns "[REDACTED]"; in development, returns the actual value
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

// SanitizeQueryString checks if query string contains sensitive parameters
// and returns true if the entire query string should be redacted
func SanitizeQueryString(rawQuery string) bool {
	sensitiveParams := map[string]bool{
		"password": true,
		"token":    true,
		"secret":   true,
		"user":     true,
		"auth":     true,
		"csrf":     true,
	}

	query := strings.ToLower(rawQuery)
	for param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
