package imagegen

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"sdforge/core"
	"sdforge/sdruntime"
)

// ProceduralConfig configures the in-process backend.
type ProceduralConfig struct {
	// Models extends the built-in catalog of accepted base model IDs.
	Models []string

	// AdapterDir, when set, requires <AdapterDir>/<id>.safetensors to exist for
	// every adapter. Without it any adapter ID is accepted.
	AdapterDir string

	// AdapterChecksums maps adapter IDs to the SHA256 of their weight file.
	// Only consulted when AdapterDir is set.
	AdapterChecksums map[string]string

	// NoAccelerator makes BindDevice fail for sdruntime.DeviceAccelerator.
	NoAccelerator bool

	// BlockedTerms are prompt substrings whose images the safety checker flags.
	// Nil uses DefaultBlockedTerms.
	BlockedTerms []string
}

// DefaultBlockedTerms is the safety checker's default prompt blocklist.
var DefaultBlockedTerms = []string{"nsfw", "gore"}

var builtinModels = []string{
	sdruntime.DefaultModelID,
	"runwayml/stable-diffusion-v1-5",
	"stabilityai/stable-diffusion-2-1",
	"stabilityai/sdxl-turbo",
	"segmind/SSD-1B",
}

var builtinEncoders = map[string]bool{
	"madebyollin/sdxl-vae-fp16-fix": true,
	"stabilityai/sd-vae-ft-mse":     true,
	"stabilityai/sd-vae-ft-ema":     true,
}

// Procedural renders deterministic abstract rasters from the prompt, the
// provisioning state and the seed. Identical inputs always produce identical
// pixels; any change to the model, encoder, adapter list (including its order)
// or seed changes the output.
type Procedural struct {
	cfg    ProceduralConfig
	models map[string]bool
}

// NewProcedural creates the in-process backend.
func NewProcedural(cfg ProceduralConfig) *Procedural {
	models := make(map[string]bool, len(builtinModels)+len(cfg.Models))
	for _, id := range builtinModels {
		models[id] = true
	}
	for _, id := range cfg.Models {
		models[id] = true
	}
	if cfg.BlockedTerms == nil {
		cfg.BlockedTerms = DefaultBlockedTerms
	}
	return &Procedural{cfg: cfg, models: models}
}

func (b *Procedural) Name() string { return core.BackendProcedural }

// LoadModel accepts any model in the catalog.
func (b *Procedural) LoadModel(ctx context.Context, modelID string) (sdruntime.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.models[modelID] {
		return nil, fmt.Errorf("unknown model %q", modelID)
	}
	return &proceduralModel{
		backend: b,
		state:   mix([32]byte{}, "model", modelID),
		flagged: make(map[string]bool),
	}, nil
}

type proceduralModel struct {
	backend *Procedural
	state   [32]byte
	device  sdruntime.Device
	bound   bool
	closed  bool

	// digests of images produced from blocked prompts
	flagged map[string]bool
}

func (m *proceduralModel) OverrideEncoder(ctx context.Context, encoderID string) error {
	if !builtinEncoders[encoderID] {
		return fmt.Errorf("unknown encoder %q", encoderID)
	}
	m.state = mix(m.state, "encoder", encoderID)
	return nil
}

func (m *proceduralModel) ApplyAdapter(ctx context.Context, adapter sdruntime.Adapter) error {
	if dir := m.backend.cfg.AdapterDir; dir != "" {
		if strings.ContainsAny(adapter.ID, `/\`) || strings.Contains(adapter.ID, "..") {
			return fmt.Errorf("adapter id %q must be a plain name", adapter.ID)
		}
		path := filepath.Join(dir, adapter.ID+".safetensors")
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("weights not found: %w", err)
		}
		if err := sdruntime.VerifyChecksum(path, m.backend.cfg.AdapterChecksums[adapter.ID]); err != nil {
			return err
		}
	}

	// A zero-weight merge leaves the model unchanged.
	if adapter.Weight == 0 {
		return nil
	}
	m.state = mix(m.state, "adapter", adapter.String())
	return nil
}

func (m *proceduralModel) BindDevice(ctx context.Context, device sdruntime.Device) error {
	if device == sdruntime.DeviceAccelerator && m.backend.cfg.NoAccelerator {
		return fmt.Errorf("no accelerator available")
	}
	m.device = device
	m.bound = true
	return nil
}

func (m *proceduralModel) Infer(ctx context.Context, params sdruntime.InferenceParams) ([]image.Image, error) {
	if m.closed {
		return nil, errClosed
	}
	if !m.bound {
		return nil, fmt.Errorf("model is not bound to a device")
	}
	if params.Count < 1 || params.Width < 1 || params.Height < 1 {
		return nil, fmt.Errorf("invalid inference shape %dx%d x%d", params.Width, params.Height, params.Count)
	}

	var src *mrand.Rand
	if params.Randomness != nil {
		src = params.Randomness.Source()
	} else {
		src = mrand.New(mrand.NewPCG(uint64(sdruntime.RandomSeed()), uint64(time.Now().UnixNano())))
	}

	cond := m.condition(params)
	blocked := m.isBlocked(params.Prompt)

	images := make([]image.Image, params.Count)
	for i := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img := render(params.Width, params.Height, cond, src.Uint64(), params.Guidance)
		if blocked {
			m.flagged[sdruntime.Digest(img)] = true
		}
		images[i] = img
	}
	return images, nil
}

// Flagged implements sdruntime.SafetyChecker.
func (m *proceduralModel) Flagged(ctx context.Context, img image.Image) (bool, error) {
	return m.flagged[sdruntime.Digest(img)], nil
}

func (m *proceduralModel) Close() error {
	m.closed = true
	m.flagged = nil
	return nil
}

func (m *proceduralModel) isBlocked(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, term := range m.backend.cfg.BlockedTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// condition folds the request text and sampler settings into the model state.
func (m *proceduralModel) condition(p sdruntime.InferenceParams) [32]byte {
	c := mix(m.state, "prompt", p.Prompt)
	c = mix(c, "negative", p.NegativePrompt)
	return mix(c, "sampler", fmt.Sprintf("%d:%x", p.Steps, math.Float64bits(p.Guidance)))
}

// mix hashes a labeled value into prev.
func mix(prev [32]byte, label, value string) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(prev[:])
	h.Write([]byte(label))
	h.Write([]byte{0})
	h.Write([]byte(value))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

type blob struct {
	x, y, r float64
	c       [3]float64
}

// render paints a vertical gradient chosen by cond overlaid with soft discs
// placed by the noise seed. Guidance scales how strongly the discs show.
func render(w, h int, cond [32]byte, noise uint64, guidance float64) *image.RGBA {
	rng := mrand.New(mrand.NewPCG(
		binary.LittleEndian.Uint64(cond[0:8])^noise,
		binary.LittleEndian.Uint64(cond[8:16]),
	))

	top := [3]float64{float64(cond[16]), float64(cond[17]), float64(cond[18])}
	bottom := [3]float64{float64(cond[19]), float64(cond[20]), float64(cond[21])}
	strength := math.Min(1, guidance/15)

	short := float64(min(w, h))
	blobs := make([]blob, 3+int(cond[22]%5))
	for i := range blobs {
		blobs[i] = blob{
			x: rng.Float64() * float64(w),
			y: rng.Float64() * float64(h),
			r: (0.1 + rng.Float64()*0.3) * short,
			c: [3]float64{float64(rng.IntN(256)), float64(rng.IntN(256)), float64(rng.IntN(256))},
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	denom := float64(max(h-1, 1))
	for y := 0; y < h; y++ {
		t := float64(y) / denom
		var base [3]float64
		for k := range base {
			base[k] = top[k]*(1-t) + bottom[k]*t
		}

		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			px := base
			for _, b := range blobs {
				dx, dy := float64(x)-b.x, float64(y)-b.y
				d2 := dx*dx + dy*dy
				if d2 >= b.r*b.r {
					continue
				}
				a := strength * (1 - math.Sqrt(d2)/b.r)
				for k := range px {
					px[k] = px[k]*(1-a) + b.c[k]*a
				}
			}
			off := x * 4
			row[off] = uint8(px[0])
			row[off+1] = uint8(px[1])
			row[off+2] = uint8(px[2])
			row[off+3] = 255
		}
	}
	return img
}
