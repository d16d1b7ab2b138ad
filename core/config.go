package core

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sdforge/sdruntime"
)

// Backend names accepted by --backend and SDFORGE_BACKEND.
const (
	BackendProcedural = "procedural"
	BackendA1111      = "a1111"
	BackendOpenAI     = "openai"
)

// Backends lists every supported backend name.
var Backends = []string{BackendProcedural, BackendA1111, BackendOpenAI}

func backendList() string {
	return strings.Join(Backends, ", ")
}

// Config holds environment-level settings. CLI flags override these values
// before Validate is called.
type Config struct {
	// Backend selection
	Backend              string
	BackendURL           string
	APIKey               string
	AllowSelfSignedCerts bool
	RequestTimeout       time.Duration

	// Pipeline defaults; empty strings defer to sdruntime defaults
	ModelID    string
	Encoder    string
	Device     string
	AdapterDir string // Where the procedural backend looks for <id>.safetensors

	// Request defaults
	DefaultWidth  int
	DefaultHeight int
	DefaultSteps  int

	// Output
	OutputDir string
	HistoryDB string // Empty disables the generation history
	// HistoryRetentionDays prunes older history rows after each run; 0 keeps everything
	HistoryRetentionDays int

	// Logging
	LogLevel string
	LogFile  string
	DevMode  bool
}

// LoadConfig reads configuration from the environment. Call godotenv.Load
// first so values from .env are visible.
func LoadConfig() (*Config, error) {
	timeout, err := ParseDurationEnv("SDFORGE_REQUEST_TIMEOUT_SECONDS", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	steps, err := ParseIntEnv("SDFORGE_STEPS", sdruntime.DefaultSteps)
	if err != nil {
		return nil, err
	}

	retention, err := ParseIntEnv("SDFORGE_HISTORY_RETENTION_DAYS", 0)
	if err != nil {
		return nil, err
	}

	width, height := sdruntime.DefaultImageSize, sdruntime.DefaultImageSize
	if size := GetEnvOrDefault("SDFORGE_DEFAULT_SIZE", ""); size != "" {
		width, height, err = sdruntime.ParseSize(size)
		if err != nil {
			return nil, ErrInvalidValue("SDFORGE_DEFAULT_SIZE", size, "want WxH, e.g. 1024x1024")
		}
	}

	return &Config{
		Backend:              strings.ToLower(GetEnvOrDefault("SDFORGE_BACKEND", BackendProcedural)),
		BackendURL:           GetEnvOrDefault("SDFORGE_BACKEND_URL", ""),
		APIKey:               GetEnvOrDefault("SDFORGE_API_KEY", ""),
		AllowSelfSignedCerts: ParseBoolEnv("SDFORGE_ALLOW_SELF_SIGNED_CERTS", false),
		RequestTimeout:       timeout,

		ModelID:    GetEnvOrDefault("SDFORGE_MODEL", ""),
		Encoder:    GetEnvOrDefault("SDFORGE_ENCODER", ""),
		Device:     GetEnvOrDefault("SDFORGE_DEVICE", "accelerator"),
		AdapterDir: GetEnvOrDefault("SDFORGE_ADAPTER_DIR", ""),

		DefaultWidth:  width,
		DefaultHeight: height,
		DefaultSteps:  steps,

		OutputDir:            GetEnvOrDefault("SDFORGE_OUTPUT_DIR", "outputs"),
		HistoryDB:            GetEnvOrDefault("SDFORGE_HISTORY_DB", ""),
		HistoryRetentionDays: retention,

		LogLevel: GetEnvOrDefault("SDFORGE_LOG_LEVEL", ""),
		LogFile:  GetEnvOrDefault("SDFORGE_LOG_FILE", ""),
		DevMode:  ParseBoolEnv("DEV_MODE", false),
	}, nil
}

// Validate checks backend selection and its endpoint.
//
// Rules:
//   - Backend must be one of Backends
//   - a1111 requires BackendURL
//   - openai requires APIKey unless BackendURL points at a self-hosted server
//   - BackendURL, when set, must be an http(s) URL with a host
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendProcedural:
	case BackendA1111:
		if c.BackendURL == "" {
			return ErrMissingBackendURL(c.Backend)
		}
	case BackendOpenAI:
		if c.APIKey == "" && c.BackendURL == "" {
			return ErrMissingAuth(c.Backend)
		}
	default:
		return ErrUnknownBackend(c.Backend)
	}

	if c.BackendURL != "" {
		if err := ValidateBackendURL(c.BackendURL); err != nil {
			return ErrInvalidBackendURL(c.BackendURL, err.Error())
		}
	}

	if c.HistoryRetentionDays < 0 {
		return ErrInvalidValue("SDFORGE_HISTORY_RETENTION_DAYS", fmt.Sprint(c.HistoryRetentionDays), "must not be negative")
	}
	if c.RequestTimeout < 0 {
		return ErrInvalidValue("SDFORGE_REQUEST_TIMEOUT_SECONDS", c.RequestTimeout.String(), "must not be negative")
	}
	return nil
}

// ValidateBackendURL checks that rawURL is an http or https URL with a host.
func ValidateBackendURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme, got: %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	return nil
}

// HTTPClient returns the client used for remote backends. A zero
// RequestTimeout means no client-side timeout; cancellation then relies on
// the request context.
func (c *Config) HTTPClient() *http.Client {
	client := &http.Client{Timeout: c.RequestTimeout}

	if c.AllowSelfSignedCerts {
		client.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}
