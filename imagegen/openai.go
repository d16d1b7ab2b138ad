package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"sdforge/core"
	"sdforge/logging"
	"sdforge/sdruntime"
)

// DefaultOpenAIURL is used when no base URL is configured.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// OpenAI generates through an OpenAI-compatible images endpoint. Hosted OpenAI
// and self-hosted LocalAI both work; only the latter honors Stable Diffusion
// model names.
//
// The images API has no notion of encoders, adapters, seeds or step counts.
// Encoder overrides and adapters fail provisioning; seed, guidance and steps
// are accepted but not forwarded.
type OpenAI struct {
	client *openai.Client
	http   *http.Client
	logger *logging.Logger
}

// NewOpenAI creates the backend. An API key is required unless BaseURL points
// at a self-hosted server.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if endpoint == "" {
		if cfg.APIKey == "" {
			return nil, core.ErrMissingAuth(core.BackendOpenAI)
		}
		endpoint = DefaultOpenAIURL
	}
	if err := core.ValidateBackendURL(endpoint); err != nil {
		return nil, core.ErrInvalidBackendURL(endpoint, err.Error())
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = endpoint
	clientConfig.HTTPClient = httpClient

	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		http:   httpClient,
		logger: logger.Named("openai"),
	}, nil
}

func (b *OpenAI) Name() string { return core.BackendOpenAI }

// LoadModel checks that modelID is listed by the server.
func (b *OpenAI) LoadModel(ctx context.Context, modelID string) (sdruntime.Model, error) {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	for _, m := range list.Models {
		if m.ID == modelID {
			return &openAIModel{backend: b, id: modelID}, nil
		}
	}
	return nil, fmt.Errorf("model %q is not served by this endpoint", modelID)
}

type openAIModel struct {
	backend *OpenAI
	id      string
	closed  bool
}

func (m *openAIModel) OverrideEncoder(ctx context.Context, encoderID string) error {
	return fmt.Errorf("encoder overrides are not supported by the images API")
}

func (m *openAIModel) ApplyAdapter(ctx context.Context, adapter sdruntime.Adapter) error {
	return fmt.Errorf("adapters are not supported by the images API")
}

// BindDevice accepts any device; placement is decided by the server.
func (m *openAIModel) BindDevice(ctx context.Context, device sdruntime.Device) error {
	return nil
}

func (m *openAIModel) Infer(ctx context.Context, params sdruntime.InferenceParams) ([]image.Image, error) {
	if m.closed {
		return nil, errClosed
	}

	prompt := params.Prompt
	if params.NegativePrompt != "" {
		// LocalAI splits positive and negative prompts on "|".
		prompt = prompt + "|" + params.NegativePrompt
	}
	if params.Randomness != nil {
		m.backend.logger.Warn("seed is not supported by the images API and was ignored",
			zap.Int64("seed", params.Randomness.Seed))
	}
	m.backend.logger.Debug("steps and guidance are not forwarded",
		zap.Int("steps", params.Steps), zap.Float64("guidance", params.Guidance))

	resp, err := m.backend.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          m.id,
		N:              params.Count,
		Size:           fmt.Sprintf("%dx%d", params.Width, params.Height),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	if len(resp.Data) != params.Count {
		return nil, fmt.Errorf("server returned %d images, requested %d", len(resp.Data), params.Count)
	}

	images := make([]image.Image, len(resp.Data))
	for i, d := range resp.Data {
		var data []byte
		switch {
		case d.B64JSON != "":
			data, err = base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, fmt.Errorf("image %d: invalid base64: %w", i, err)
			}
		case d.URL != "":
			data, err = fetch(ctx, m.backend.http, d.URL)
			if err != nil {
				return nil, fmt.Errorf("image %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("image %d: response has neither data nor URL", i)
		}

		img, err := decodeImage(data)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images[i] = img
	}
	return images, nil
}

func (m *openAIModel) Close() error {
	m.closed = true
	return nil
}

var (
	_ sdruntime.Backend = (*OpenAI)(nil)
	_ sdruntime.Backend = (*A1111)(nil)
	_ sdruntime.Backend = (*Procedural)(nil)
	_ sdruntime.Model   = (*openAIModel)(nil)
	_ sdruntime.Model   = (*a1111Model)(nil)
	_ sdruntime.Model   = (*proceduralModel)(nil)
)
