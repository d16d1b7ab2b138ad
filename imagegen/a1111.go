package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sdforge/core"
	"sdforge/logging"
	"sdforge/sdruntime"
)

// DefaultPollInterval is how often /sdapi/v1/progress is queried during txt2img.
const DefaultPollInterval = 500 * time.Millisecond

// maxErrorBody caps how much of a failed response is quoted in errors.
const maxErrorBody = 512

// A1111Config configures the Automatic1111 backend.
type A1111Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	Progress     ProgressFunc
	PollInterval time.Duration
	Logger       *logging.Logger
}

// A1111 talks to an Automatic1111 (or Forge) WebUI started with --api.
//
// Provisioning maps onto the API as follows:
//   - base model: a checkpoint listed by /sdapi/v1/sd-models
//   - encoder override: a VAE listed by /sdapi/v1/sd-vae
//   - adapters: LoRAs listed by /sdapi/v1/loras, applied as <lora:name:weight> prompt tags
//   - device: checked against /sdapi/v1/memory
//
// Checkpoint and VAE are sent as per-request override settings, so the
// server's global selection is restored after each generation.
type A1111 struct {
	host     string
	client   *http.Client
	progress ProgressFunc
	interval time.Duration
	logger   *logging.Logger
}

// NewA1111 creates the backend. The server is not contacted until LoadModel.
func NewA1111(cfg A1111Config) (*A1111, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if host == "" {
		return nil, core.ErrMissingBackendURL(core.BackendA1111)
	}
	if err := core.ValidateBackendURL(host); err != nil {
		return nil, core.ErrInvalidBackendURL(host, err.Error())
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &A1111{
		host:     host,
		client:   client,
		progress: cfg.Progress,
		interval: interval,
		logger:   logger.Named("a1111"),
	}, nil
}

func (b *A1111) Name() string { return core.BackendA1111 }

type sdModel struct {
	Title     string `json:"title"`
	ModelName string `json:"model_name"`
	Hash      string `json:"hash"`
	Filename  string `json:"filename"`
}

type sdVAE struct {
	ModelName string `json:"model_name"`
	Filename  string `json:"filename"`
}

type sdLora struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
	Path  string `json:"path"`
}

// LoadModel resolves modelID against the server's checkpoint list. A model
// matches by title ("name.safetensors [hash]"), model name or file name.
// Hugging Face style IDs match on their last path segment.
func (b *A1111) LoadModel(ctx context.Context, modelID string) (sdruntime.Model, error) {
	var models []sdModel
	if err := b.getJSON(ctx, "/sdapi/v1/sd-models", &models); err != nil {
		return nil, err
	}

	want := lastSegment(modelID)
	for _, m := range models {
		if m.Title == modelID || strings.EqualFold(m.ModelName, want) || strings.EqualFold(stripExt(lastSegment(m.Filename)), want) {
			b.logger.Debug("checkpoint resolved", zap.String("model", modelID), zap.String("title", m.Title))
			return &a1111Model{backend: b, checkpoint: m.Title}, nil
		}
	}
	return nil, fmt.Errorf("checkpoint %q not found on %s (%d available)", modelID, b.host, len(models))
}

type a1111Model struct {
	backend    *A1111
	checkpoint string
	vae        string
	loraTags   []string
	closed     bool
}

func (m *a1111Model) OverrideEncoder(ctx context.Context, encoderID string) error {
	var vaes []sdVAE
	if err := m.backend.getJSON(ctx, "/sdapi/v1/sd-vae", &vaes); err != nil {
		return err
	}

	want := lastSegment(encoderID)
	for _, v := range vaes {
		if v.ModelName == encoderID || strings.EqualFold(stripExt(v.ModelName), stripExt(want)) {
			m.vae = v.ModelName
			return nil
		}
	}
	return fmt.Errorf("VAE %q not found on server", encoderID)
}

func (m *a1111Model) ApplyAdapter(ctx context.Context, adapter sdruntime.Adapter) error {
	var loras []sdLora
	if err := m.backend.getJSON(ctx, "/sdapi/v1/loras", &loras); err != nil {
		return err
	}

	for _, l := range loras {
		if strings.EqualFold(l.Name, adapter.ID) || (l.Alias != "" && strings.EqualFold(l.Alias, adapter.ID)) {
			m.loraTags = append(m.loraTags, fmt.Sprintf("<lora:%s:%g>", l.Name, adapter.Weight))
			return nil
		}
	}
	return fmt.Errorf("LoRA %q not found on server", adapter.ID)
}

type memoryResponse struct {
	CUDA struct {
		System struct {
			Total float64 `json:"total"`
		} `json:"system"`
		Error string `json:"error"`
	} `json:"cuda"`
}

// BindDevice checks that the server has a CUDA device when the accelerator is
// requested. Host placement is always accepted.
func (m *a1111Model) BindDevice(ctx context.Context, device sdruntime.Device) error {
	var mem memoryResponse
	if err := m.backend.getJSON(ctx, "/sdapi/v1/memory", &mem); err != nil {
		return err
	}
	if device == sdruntime.DeviceAccelerator && mem.CUDA.System.Total <= 0 {
		reason := mem.CUDA.Error
		if reason == "" {
			reason = "server reports no CUDA memory"
		}
		return fmt.Errorf("accelerator unavailable: %s", reason)
	}
	return nil
}

type txt2imgRequest struct {
	Prompt                            string         `json:"prompt"`
	NegativePrompt                    string         `json:"negative_prompt"`
	Width                             int            `json:"width"`
	Height                            int            `json:"height"`
	Steps                             int            `json:"steps"`
	CfgScale                          float64        `json:"cfg_scale"`
	Seed                              int64          `json:"seed"`
	BatchSize                         int            `json:"batch_size"`
	NIter                             int            `json:"n_iter"`
	OverrideSettings                  map[string]any `json:"override_settings,omitempty"`
	OverrideSettingsRestoreAfterwards bool           `json:"override_settings_restore_afterwards"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

type progressResponse struct {
	Progress    float64 `json:"progress"`
	EtaRelative float64 `json:"eta_relative"`
}

// Infer sends one txt2img call with batch_size = Count. When the server
// returns a leading grid image it is dropped.
func (m *a1111Model) Infer(ctx context.Context, params sdruntime.InferenceParams) ([]image.Image, error) {
	if m.closed {
		return nil, errClosed
	}

	req := m.buildRequest(params)

	stop := m.backend.watchProgress(ctx)
	var resp txt2imgResponse
	err := m.backend.postJSON(ctx, "/sdapi/v1/txt2img", req, &resp)
	stop()
	if err != nil {
		return nil, err
	}

	encoded := resp.Images
	if len(encoded) == params.Count+1 && params.Count > 1 {
		encoded = encoded[1:]
	}
	if len(encoded) != params.Count {
		return nil, fmt.Errorf("server returned %d images, requested %d", len(encoded), params.Count)
	}

	images := make([]image.Image, len(encoded))
	for i, s := range encoded {
		// Some builds prefix a data URI header.
		if idx := strings.Index(s, ","); idx >= 0 && strings.HasPrefix(s, "data:") {
			s = s[idx+1:]
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("image %d: invalid base64: %w", i, err)
		}
		img, err := sdruntime.DecodePNG(data)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images[i] = img
	}
	return images, nil
}

func (m *a1111Model) buildRequest(params sdruntime.InferenceParams) txt2imgRequest {
	prompt := params.Prompt
	if len(m.loraTags) > 0 {
		prompt = prompt + " " + strings.Join(m.loraTags, " ")
	}

	seed := int64(-1)
	if params.Randomness != nil {
		seed = params.Randomness.Seed
	}

	overrides := map[string]any{"sd_model_checkpoint": m.checkpoint}
	if m.vae != "" {
		overrides["sd_vae"] = m.vae
	}

	return txt2imgRequest{
		Prompt:                            prompt,
		NegativePrompt:                    params.NegativePrompt,
		Width:                             params.Width,
		Height:                            params.Height,
		Steps:                             params.Steps,
		CfgScale:                          params.Guidance,
		Seed:                              seed,
		BatchSize:                         params.Count,
		NIter:                             1,
		OverrideSettings:                  overrides,
		OverrideSettingsRestoreAfterwards: true,
	}
}

// Close is a no-op; the server keeps its own checkpoint cache.
func (m *a1111Model) Close() error {
	m.closed = true
	return nil
}

// watchProgress polls the progress endpoint until the returned stop func is called.
func (b *A1111) watchProgress(ctx context.Context) (stop func()) {
	if b.progress == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var p progressResponse
				if err := b.getJSON(ctx, "/sdapi/v1/progress?skip_current_image=true", &p); err != nil {
					if ctx.Err() == nil {
						b.logger.Debug("progress poll failed", zap.Error(err))
					}
					continue
				}
				eta := time.Duration(p.EtaRelative * float64(time.Second))
				b.progress(p.Progress, eta)
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
		b.progress(1, 0)
	}
}

func (b *A1111) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.host+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return b.do(req, out)
}

func (b *A1111) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	return b.do(req, out)
}

func (b *A1111) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func lastSegment(id string) string {
	if i := strings.LastIndexAny(id, `/\`); i >= 0 {
		return id[i+1:]
	}
	return id
}

func stripExt(name string) string {
	for _, ext := range []string{".safetensors", ".ckpt", ".pt"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
