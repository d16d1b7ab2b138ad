package sdruntime

import (
	"errors"
	"strings"
	"testing"
)

func validRequest() GenerationRequest {
	req := DefaultRequest()
	req.PositivePrompt = "a red bicycle"
	return req
}

func TestDefaultRequest(t *testing.T) {
	req := DefaultRequest()

	if req.Width != DefaultImageSize || req.Height != DefaultImageSize {
		t.Errorf("default size = %dx%d, want %dx%d", req.Width, req.Height, DefaultImageSize, DefaultImageSize)
	}
	if req.Steps != 20 {
		t.Errorf("default steps = %d, want 20", req.Steps)
	}
	if req.NumImages != 1 {
		t.Errorf("default batch = %d, want 1", req.NumImages)
	}
	if req.Guidance != BaseGuidanceScale {
		t.Errorf("default guidance = %v, want %v", req.Guidance, BaseGuidanceScale)
	}
	if req.Seed != nil {
		t.Errorf("default seed should be nil, got %d", *req.Seed)
	}
}

func TestGenerationRequest_Validate(t *testing.T) {
	negativeSeed := int64(-3)

	tests := []struct {
		name    string
		mutate  func(r *GenerationRequest)
		wantErr bool
	}{
		{"valid defaults", func(r *GenerationRequest) {}, false},
		{"empty negative prompt is fine", func(r *GenerationRequest) { r.NegativePrompt = "" }, false},
		{"blank prompt", func(r *GenerationRequest) { r.PositivePrompt = "   " }, true},
		{"null byte in prompt", func(r *GenerationRequest) { r.PositivePrompt = "a\x00b" }, true},
		{"null byte in negative prompt", func(r *GenerationRequest) { r.NegativePrompt = "x\x00" }, true},
		{"prompt too long", func(r *GenerationRequest) { r.PositivePrompt = strings.Repeat("a", MaxPromptLength+1) }, true},
		{"zero guidance", func(r *GenerationRequest) { r.Guidance = 0 }, true},
		{"width not multiple of 8", func(r *GenerationRequest) { r.Width = 1001 }, true},
		{"width too small", func(r *GenerationRequest) { r.Width = 64 }, true},
		{"height too large", func(r *GenerationRequest) { r.Height = 4096 }, true},
		{"non-default size", func(r *GenerationRequest) { r.Width, r.Height = 768, 512 }, false},
		{"zero steps", func(r *GenerationRequest) { r.Steps = 0 }, true},
		{"zero images", func(r *GenerationRequest) { r.NumImages = 0 }, true},
		{"batch at cap", func(r *GenerationRequest) { r.NumImages = MaxBatchSize }, false},
		{"batch over cap", func(r *GenerationRequest) { r.NumImages = MaxBatchSize + 1 }, true},
		{"negative seed", func(r *GenerationRequest) { r.Seed = &negativeSeed }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParameter) {
					t.Errorf("Validate() error = %v, want ErrInvalidParameter", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		w, h    int
		wantErr bool
	}{
		{"1024x1024", 1024, 1024, false},
		{"768X512", 768, 512, false},
		{" 512 x 640 ", 512, 640, false},
		{"1024", 0, 0, true},
		{"axb", 0, 0, true},
		{"0x512", 0, 0, true},
		{"512x512x3", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			w, h, err := ParseSize(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParameter) {
					t.Errorf("ParseSize(%q) error = %v, want ErrInvalidParameter", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize(%q) unexpected error: %v", tt.input, err)
			}
			if w != tt.w || h != tt.h {
				t.Errorf("ParseSize(%q) = %dx%d, want %dx%d", tt.input, w, h, tt.w, tt.h)
			}
		})
	}
}

func TestSanitizePrompt(t *testing.T) {
	if got := SanitizePrompt("  a cat \n"); got != "a cat" {
		t.Errorf("SanitizePrompt() = %q, want %q", got, "a cat")
	}
}

func TestRandomSeed_NonNegative(t *testing.T) {
	seeds := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		seed := RandomSeed()
		if seed < 0 {
			t.Fatalf("seed should be non-negative, got: %d", seed)
		}
		seeds[seed] = true
	}
	if len(seeds) < 90 {
		t.Errorf("expected mostly unique seeds, got %d unique values", len(seeds))
	}
}

func TestRandomness_SourceIsReproducible(t *testing.T) {
	r := NewRandomness(42, DeviceAccelerator)
	a, b := r.Source(), r.Source()
	for i := 0; i < 10; i++ {
		if x, y := a.Uint64(), b.Uint64(); x != y {
			t.Fatalf("draw %d differs: %d vs %d", i, x, y)
		}
	}

	host := NewRandomness(42, DeviceHost).Source()
	if host.Uint64() == NewRandomness(42, DeviceAccelerator).Source().Uint64() {
		t.Error("streams for different devices should differ")
	}
}
