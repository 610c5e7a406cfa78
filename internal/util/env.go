// Package util holds small configuration helpers shared by the server's
// entrypoint.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean toggle from the environment. Unset variables
// take the default; so do values outside the recognized sets true/1/yes/on
// and false/0/no/off (case-insensitive), after a warning.
func ParseBoolEnv(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("ParseBoolEnv: unrecognized boolean value, using default", "key", key, "value", raw, "default", defaultValue)
	return defaultValue
}
