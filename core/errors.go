package core

import (
	"errors"
	"fmt"
)

// ConfigError is a configuration problem the user can fix.
type ConfigError struct {
	Code    string // Stable code for programmatic handling
	Message string // What is wrong
	Action  string // How to fix it
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeUnknownBackend    = "UNKNOWN_BACKEND"
	ErrCodeMissingBackendURL = "MISSING_BACKEND_URL"
	ErrCodeInvalidBackendURL = "INVALID_BACKEND_URL"
	ErrCodeMissingAuth       = "MISSING_AUTH"
	ErrCodeInvalidValue      = "INVALID_VALUE"
)

// ErrUnknownBackend returns an error for an unsupported backend name.
func ErrUnknownBackend(name string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeUnknownBackend,
		Message: fmt.Sprintf("Unknown backend %q", name),
		Action:  fmt.Sprintf("Set --backend or SDFORGE_BACKEND to one of: %s", backendList()),
	}
}

// ErrMissingBackendURL returns an error when a remote backend has no endpoint.
func ErrMissingBackendURL(backend string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingBackendURL,
		Message: fmt.Sprintf("The %s backend needs a server URL", backend),
		Action:  "Set --backend-url or SDFORGE_BACKEND_URL (e.g., http://127.0.0.1:7860)",
	}
}

// ErrInvalidBackendURL returns an error for a malformed backend URL.
func ErrInvalidBackendURL(url, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidBackendURL,
		Message: fmt.Sprintf("Invalid backend URL '%s': %s", url, reason),
		Action:  "Use an http or https URL including the host",
	}
}

// ErrMissingAuth returns an error when a backend requires credentials.
func ErrMissingAuth(backend string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingAuth,
		Message: fmt.Sprintf("Missing API key for the %s backend", backend),
		Action:  "Set SDFORGE_API_KEY in your .env file, or point --backend-url at a server that needs no key",
	}
}

// ErrInvalidValue returns an error for an environment variable that failed to parse.
func ErrInvalidValue(varName, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s value %q: %s", varName, value, reason),
		Action:  fmt.Sprintf("Fix or unset %s", varName),
	}
}

// IsConfigError reports whether err wraps a ConfigError and returns it.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode returns the ConfigError code carried by err, or "".
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
