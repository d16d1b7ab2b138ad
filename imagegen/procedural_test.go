package imagegen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sdforge/sdruntime"
)

// setup loads, configures and binds a procedural model the way Provision does.
func setup(t *testing.T, b *Procedural, encoder string, adapters ...sdruntime.Adapter) sdruntime.Model {
	t.Helper()
	ctx := context.Background()

	m, err := b.LoadModel(ctx, sdruntime.DefaultModelID)
	if err != nil {
		t.Fatalf("LoadModel() error: %v", err)
	}
	if encoder != "" {
		if err := m.OverrideEncoder(ctx, encoder); err != nil {
			t.Fatalf("OverrideEncoder() error: %v", err)
		}
	}
	for _, a := range adapters {
		if err := m.ApplyAdapter(ctx, a); err != nil {
			t.Fatalf("ApplyAdapter(%s) error: %v", a, err)
		}
	}
	if err := m.BindDevice(ctx, sdruntime.DeviceAccelerator); err != nil {
		t.Fatalf("BindDevice() error: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func params(prompt string, w, h, n int, seed *int64) sdruntime.InferenceParams {
	p := sdruntime.InferenceParams{
		Prompt:   prompt,
		Width:    w,
		Height:   h,
		Steps:    20,
		Count:    n,
		Guidance: sdruntime.BaseGuidanceScale,
	}
	if seed != nil {
		p.Randomness = sdruntime.NewRandomness(*seed, sdruntime.DeviceAccelerator)
	}
	return p
}

func digests(t *testing.T, m sdruntime.Model, p sdruntime.InferenceParams) []string {
	t.Helper()
	imgs, err := m.Infer(context.Background(), p)
	if err != nil {
		t.Fatalf("Infer() error: %v", err)
	}
	out := make([]string, len(imgs))
	for i, img := range imgs {
		out[i] = sdruntime.Digest(img)
	}
	return out
}

func seed(v int64) *int64 { return &v }

func TestProcedural_SeededIsReproducible(t *testing.T) {
	b := NewProcedural(ProceduralConfig{})
	p := params("a red bicycle", 1024, 1024, 1, seed(42))

	first := digests(t, setup(t, b, ""), p)
	second := digests(t, setup(t, b, ""), p)

	if first[0] != second[0] {
		t.Errorf("same seed produced different images: %s vs %s", first[0], second[0])
	}

	imgs, _ := setup(t, b, "").Infer(context.Background(), p)
	if got := imgs[0].Bounds(); got.Dx() != 1024 || got.Dy() != 1024 {
		t.Errorf("bounds = %v, want 1024x1024", got)
	}
}

func TestProcedural_SeedAndDeviceChangeOutput(t *testing.T) {
	b := NewProcedural(ProceduralConfig{})
	m := setup(t, b, "")

	base := digests(t, m, params("a red bicycle", 128, 128, 1, seed(42)))[0]
	other := digests(t, m, params("a red bicycle", 128, 128, 1, seed(43)))[0]
	if base == other {
		t.Error("different seeds produced identical images")
	}

	onHost := params("a red bicycle", 128, 128, 1, nil)
	onHost.Randomness = sdruntime.NewRandomness(42, sdruntime.DeviceHost)
	if digests(t, m, onHost)[0] == base {
		t.Error("same seed on a different device should give an independent stream")
	}
}

func TestProcedural_UnseededDiffers(t *testing.T) {
	m := setup(t, NewProcedural(ProceduralConfig{}), "")
	p := params("a red bicycle", 128, 128, 1, nil)

	if digests(t, m, p)[0] == digests(t, m, p)[0] {
		t.Error("unseeded generations should differ")
	}
}

func TestProcedural_BatchImagesDistinct(t *testing.T) {
	m := setup(t, NewProcedural(ProceduralConfig{}), "")
	got := digests(t, m, params("a red bicycle", 128, 128, 4, seed(7)))

	if len(got) != 4 {
		t.Fatalf("got %d images, want 4", len(got))
	}
	seen := map[string]bool{}
	for i, d := range got {
		if seen[d] {
			t.Errorf("image %d duplicates an earlier image in the batch", i)
		}
		seen[d] = true
	}

	// The batch is a deterministic function of the seed.
	again := digests(t, m, params("a red bicycle", 128, 128, 4, seed(7)))
	for i := range got {
		if got[i] != again[i] {
			t.Errorf("image %d not reproducible", i)
		}
	}
}

func TestProcedural_AdapterOrderMatters(t *testing.T) {
	b := NewProcedural(ProceduralConfig{})
	p := params("a castle", 128, 128, 1, seed(1))

	styleA := sdruntime.Adapter{ID: "pixel-art", Weight: 0.8}
	styleB := sdruntime.Adapter{ID: "watercolor", Weight: 0.5}

	ab := digests(t, setup(t, b, "", styleA, styleB), p)[0]
	ba := digests(t, setup(t, b, "", styleB, styleA), p)[0]
	none := digests(t, setup(t, b, ""), p)[0]

	if ab == ba {
		t.Error("adapter order should affect the output")
	}
	if ab == none {
		t.Error("adapters should affect the output")
	}
}

func TestProcedural_ZeroWeightAdapterIsNoop(t *testing.T) {
	b := NewProcedural(ProceduralConfig{})
	p := params("a castle", 128, 128, 1, seed(1))

	base := digests(t, setup(t, b, ""), p)[0]
	zero := digests(t, setup(t, b, "", sdruntime.Adapter{ID: "pixel-art", Weight: 0}), p)[0]
	if base != zero {
		t.Error("zero-weight adapter changed the output")
	}
}

func TestProcedural_EncoderOverride(t *testing.T) {
	b := NewProcedural(ProceduralConfig{})
	p := params("a castle", 128, 128, 1, seed(1))

	base := digests(t, setup(t, b, ""), p)[0]
	vae := digests(t, setup(t, b, "madebyollin/sdxl-vae-fp16-fix"), p)[0]
	if base == vae {
		t.Error("encoder override should affect the output")
	}

	m, _ := b.LoadModel(context.Background(), sdruntime.DefaultModelID)
	if err := m.OverrideEncoder(context.Background(), "nobody/no-such-vae"); err == nil {
		t.Error("unknown encoder should fail")
	}
}

func TestProcedural_LoadModel(t *testing.T) {
	b := NewProcedural(ProceduralConfig{Models: []string{"local/custom"}})
	ctx := context.Background()

	for _, id := range []string{sdruntime.DefaultModelID, "segmind/SSD-1B", "local/custom"} {
		if _, err := b.LoadModel(ctx, id); err != nil {
			t.Errorf("LoadModel(%q) error: %v", id, err)
		}
	}
	if _, err := b.LoadModel(ctx, "nobody/no-such-model"); err == nil {
		t.Error("unknown model should fail")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := b.LoadModel(cancelled, sdruntime.DefaultModelID); err == nil {
		t.Error("cancelled context should fail")
	}
}

func TestProcedural_AdapterDir(t *testing.T) {
	dir := t.TempDir()
	weights := []byte("fake safetensors")
	if err := os.WriteFile(filepath.Join(dir, "pixel-art.safetensors"), weights, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(weights)

	tests := []struct {
		name      string
		checksums map[string]string
		id        string
		wantErr   string
	}{
		{"present", nil, "pixel-art", ""},
		{"checksum match", map[string]string{"pixel-art": hex.EncodeToString(sum[:])}, "pixel-art", ""},
		{"checksum mismatch", map[string]string{"pixel-art": strings.Repeat("0", 64)}, "pixel-art", "checksum mismatch"},
		{"missing", nil, "watercolor", "weights not found"},
		{"path traversal", nil, "../pixel-art", "plain name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewProcedural(ProceduralConfig{AdapterDir: dir, AdapterChecksums: tt.checksums})
			m, err := b.LoadModel(context.Background(), sdruntime.DefaultModelID)
			if err != nil {
				t.Fatal(err)
			}
			err = m.ApplyAdapter(context.Background(), sdruntime.Adapter{ID: tt.id, Weight: 1})
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ApplyAdapter() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ApplyAdapter() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestProcedural_BindDevice(t *testing.T) {
	ctx := context.Background()

	b := NewProcedural(ProceduralConfig{NoAccelerator: true})
	m, _ := b.LoadModel(ctx, sdruntime.DefaultModelID)
	if err := m.BindDevice(ctx, sdruntime.DeviceAccelerator); err == nil {
		t.Error("accelerator should be unavailable")
	}
	if err := m.BindDevice(ctx, sdruntime.DeviceHost); err != nil {
		t.Errorf("host should be available: %v", err)
	}

	unbound, _ := NewProcedural(ProceduralConfig{}).LoadModel(ctx, sdruntime.DefaultModelID)
	if _, err := unbound.Infer(ctx, params("x", 128, 128, 1, nil)); err == nil {
		t.Error("Infer on an unbound model should fail")
	}
}

func TestProcedural_SafetyFlagsBlockedPrompts(t *testing.T) {
	b := NewProcedural(ProceduralConfig{BlockedTerms: []string{"forbidden"}})
	m := setup(t, b, "")
	checker, ok := m.(sdruntime.SafetyChecker)
	if !ok {
		t.Fatal("procedural model should implement SafetyChecker")
	}

	ctx := context.Background()
	blocked, err := m.Infer(ctx, params("a FORBIDDEN scene", 128, 128, 2, seed(3)))
	if err != nil {
		t.Fatal(err)
	}
	clean, err := m.Infer(ctx, params("a meadow", 128, 128, 1, seed(3)))
	if err != nil {
		t.Fatal(err)
	}

	for i, img := range blocked {
		if flagged, _ := checker.Flagged(ctx, img); !flagged {
			t.Errorf("blocked image %d not flagged", i)
		}
	}
	if flagged, _ := checker.Flagged(ctx, clean[0]); flagged {
		t.Error("clean image flagged")
	}
}

func TestProcedural_ClosedModel(t *testing.T) {
	m := setup(t, NewProcedural(ProceduralConfig{}), "")
	m.Close()
	if _, err := m.Infer(context.Background(), params("x", 128, 128, 1, nil)); err == nil {
		t.Error("Infer after Close should fail")
	}
}

func TestRender_GuidanceScalesOverlay(t *testing.T) {
	var cond [32]byte
	cond[22] = 2

	faint := render(64, 64, cond, 9, 0.5)
	strong := render(64, 64, cond, 9, 15)
	if sdruntime.Digest(faint) == sdruntime.Digest(strong) {
		t.Error("guidance should change the rendered image")
	}
	if faint.Bounds() != image.Rect(0, 0, 64, 64) {
		t.Errorf("bounds = %v", faint.Bounds())
	}
	for i := 3; i < len(strong.Pix); i += 4 {
		if strong.Pix[i] != 255 {
			t.Fatalf("pixel %d is not opaque", i/4)
		}
	}
}
