// Package imagegen provides the model backends that sdruntime provisions.
//
// Three backends are available:
//   - procedural: an in-process, fully deterministic raster generator. It needs
//     no GPU or network and is what the test suites run against.
//   - a1111: an Automatic1111 / Forge WebUI server reached over its HTTP API.
//   - openai: any OpenAI-compatible image endpoint (OpenAI, LocalAI) via go-openai.
package imagegen

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"sdforge/core"
	"sdforge/logging"
	"sdforge/sdruntime"
)

// ProgressFunc receives generation progress in [0,1] and the server's ETA.
type ProgressFunc func(fraction float64, eta time.Duration)

// Options selects and configures a backend.
type Options struct {
	// Name is one of core.Backends.
	Name string

	// BaseURL is the server endpoint for remote backends.
	BaseURL string

	// APIKey authenticates against OpenAI-compatible endpoints.
	APIKey string

	// HTTPClient is used for remote calls. Defaults to a client without timeout.
	HTTPClient *http.Client

	// Procedural configures the in-process backend.
	Procedural ProceduralConfig

	// Progress, if set, is polled while a remote generation runs.
	Progress ProgressFunc

	Logger *logging.Logger
}

// NewBackend creates the backend named by opts.Name.
func NewBackend(opts Options) (sdruntime.Backend, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	switch strings.ToLower(opts.Name) {
	case core.BackendProcedural, "":
		return NewProcedural(opts.Procedural), nil
	case core.BackendA1111:
		b, err := NewA1111(A1111Config{
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
			Progress:   opts.Progress,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case core.BackendOpenAI:
		b, err := NewOpenAI(OpenAIConfig{
			APIKey:     opts.APIKey,
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, core.ErrUnknownBackend(opts.Name)
	}
}

// errClosed is returned by models used after Close.
var errClosed = fmt.Errorf("imagegen: model is closed")
