package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the trimmed value of key and whether it is set to something non-blank.
func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// GetEnvOrDefault returns the trimmed value of key, or defaultValue when unset or blank.
func GetEnvOrDefault(key, defaultValue string) string {
	if value, ok := lookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// ParseIntEnv parses key as an integer, falling back to defaultValue when unset.
// A value that is set but malformed is a ConfigError.
func ParseIntEnv(key string, defaultValue int) (int, error) {
	value, ok := lookupEnv(key)
	if !ok {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, ErrInvalidValue(key, value, "not an integer")
	}
	return n, nil
}

// ParseFloat64Env parses key as a float64, falling back to defaultValue when unset.
func ParseFloat64Env(key string, defaultValue float64) (float64, error) {
	value, ok := lookupEnv(key)
	if !ok {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, ErrInvalidValue(key, value, "not a number")
	}
	return f, nil
}

// ParseBoolEnv parses key as a boolean. It accepts true/1/yes/on and
// false/0/no/off, case-insensitively; anything else yields defaultValue.
func ParseBoolEnv(key string, defaultValue bool) bool {
	value, ok := lookupEnv(key)
	if !ok {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// ParseDurationEnv parses key as whole seconds.
func ParseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value, ok := lookupEnv(key)
	if !ok {
		return defaultValue, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return defaultValue, ErrInvalidValue(key, value, fmt.Sprintf("want a non-negative number of seconds, got %q", value))
	}
	return time.Duration(secs) * time.Second, nil
}
