// Package env provides utilities for working with environment variables.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Get returns the value of the environment variable or the default if not set.
func Get(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetInt parses an integer variable, returning defaultValue when unset.
func GetInt(key string, defaultValue int) (int, error) {
	raw := Get(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

// GetDuration parses a time.Duration variable ("200ms", "5s"), returning
// defaultValue when unset.
func GetDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := Get(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return v, nil
}

// GetBool parses a boolean variable ("true", "1", "false", ...), returning
// defaultValue when unset.
func GetBool(key string, defaultValue bool) (bool, error) {
	raw := Get(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return v, nil
}
