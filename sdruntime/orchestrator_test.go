package sdruntime

import (
	"context"
	"errors"
	"testing"
)

func newTestPipeline(t *testing.T, backend *fakeBackend, cfg PipelineConfig) *Pipeline {
	t.Helper()
	if cfg.ModelID == "" {
		cfg.ModelID = "m"
	}
	p, err := Provision(context.Background(), backend, cfg)
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func smallRequest(n int) GenerationRequest {
	req := DefaultRequest()
	req.PositivePrompt = "lighthouse at dusk"
	req.Width, req.Height = 256, 256
	req.NumImages = n
	return req
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(nil, &memWriter{}, nil); err == nil {
		t.Error("expected error for nil resolver")
	}
	if _, err := NewOrchestrator(memResolver{}, nil, nil); err == nil {
		t.Error("expected error for nil writer")
	}
}

func TestGenerate_BatchInOrder(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPipeline(t, backend, PipelineConfig{DisableWatermark: true, DisableSafetyFilter: true})
	writer := &memWriter{}
	orch, err := NewOrchestrator(memResolver{}, writer, nil)
	if err != nil {
		t.Fatal(err)
	}

	seed := int64(1234)
	req := smallRequest(3)
	req.Seed = &seed

	result, err := orch.Generate(context.Background(), p, req, "")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if len(result.Images) != 3 {
		t.Fatalf("got %d images, want 3", len(result.Images))
	}
	for i, img := range result.Images {
		if img.Index != i {
			t.Errorf("image %d has index %d", i, img.Index)
		}
		if img.Path == "" {
			t.Errorf("image %d has no path", i)
		}
		if img.Digest == "" {
			t.Errorf("image %d has no digest", i)
		}
		if img.Info.Seed == nil || *img.Info.Seed != seed {
			t.Errorf("image %d seed not recorded", i)
		}
	}
	if result.Primary() != &result.Images[0] {
		t.Error("Primary() should be the first image")
	}
	if result.Saved() != 3 || len(writer.paths) != 3 {
		t.Errorf("saved %d (writer %d), want 3", result.Saved(), len(writer.paths))
	}

	params := backend.model.lastInfer
	if backend.model.inferred != 1 {
		t.Errorf("Infer called %d times, want exactly 1", backend.model.inferred)
	}
	if params.Count != 3 || params.Guidance != BaseGuidanceScale {
		t.Errorf("Infer params = %+v", params)
	}
	if params.Randomness == nil || params.Randomness.Seed != seed {
		t.Error("seeded request should pass a randomness context")
	}
}

func TestGenerate_UnseededHasNoRandomness(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPipeline(t, backend, PipelineConfig{DisableWatermark: true, DisableSafetyFilter: true})
	orch, _ := NewOrchestrator(memResolver{}, &memWriter{}, nil)

	if _, err := orch.Generate(context.Background(), p, smallRequest(1), ""); err != nil {
		t.Fatal(err)
	}
	if backend.model.lastInfer.Randomness != nil {
		t.Error("unseeded request should not carry randomness")
	}
}

func TestGenerate_InvalidRequestSkipsInference(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPipeline(t, backend, PipelineConfig{})
	orch, _ := NewOrchestrator(memResolver{}, &memWriter{}, nil)

	req := smallRequest(1)
	req.Width = 250

	result, err := orch.Generate(context.Background(), p, req, "")
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("error = %v, want ErrInvalidParameter", err)
	}
	if result != nil {
		t.Error("expected nil result")
	}
	if backend.model.inferred != 0 {
		t.Error("inference must not run for an invalid request")
	}
}

func TestGenerate_InferenceFailureReturnsNoImages(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
	}{
		{"model error", &fakeBackend{inferErr: errors.New("out of memory")}},
		{"short batch", &fakeBackend{shortBatch: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, tt.backend, PipelineConfig{})
			writer := &memWriter{}
			orch, _ := NewOrchestrator(memResolver{}, writer, nil)

			result, err := orch.Generate(context.Background(), p, smallRequest(2), "")
			if !errors.Is(err, ErrInference) {
				t.Fatalf("error = %v, want ErrInference", err)
			}
			if result != nil {
				t.Error("expected nil result")
			}
			if len(writer.paths) != 0 {
				t.Error("nothing should be persisted after an inference failure")
			}
		})
	}
}

func TestGenerate_PartialPersistence(t *testing.T) {
	p := newTestPipeline(t, &fakeBackend{}, PipelineConfig{DisableWatermark: true, DisableSafetyFilter: true})
	writer := &memWriter{failOn: map[int]bool{1: true}}
	orch, _ := NewOrchestrator(memResolver{}, writer, nil)

	result, err := orch.Generate(context.Background(), p, smallRequest(3), "")
	if err != nil {
		t.Fatalf("persistence failures must not fail the request: %v", err)
	}

	if len(result.Images) != 3 {
		t.Fatalf("got %d images, want all 3 in memory", len(result.Images))
	}
	if len(result.PersistErrors) != 1 {
		t.Fatalf("got %d persistence errors, want 1", len(result.PersistErrors))
	}
	perr := result.PersistErrors[0]
	if perr.Index != 1 || perr.Path != "out_1.png" {
		t.Errorf("persistence error = %+v", perr)
	}
	if !errors.Is(perr, ErrPersistence) || !errors.Is(perr, errDiskFull) {
		t.Errorf("persistence error should match both sentinel and cause: %v", perr)
	}
	if result.Images[1].Path != "" {
		t.Error("failed image should have no path")
	}
	if result.Images[0].Path == "" || result.Images[2].Path == "" {
		t.Error("other images should be saved")
	}
	if result.Saved() != 2 {
		t.Errorf("Saved() = %d, want 2", result.Saved())
	}
}

func TestGenerate_ResolverFailure(t *testing.T) {
	p := newTestPipeline(t, &fakeBackend{}, PipelineConfig{})
	orch, _ := NewOrchestrator(memResolver{err: errors.New("read-only")}, &memWriter{}, nil)

	result, err := orch.Generate(context.Background(), p, smallRequest(2), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.PersistErrors) != 2 {
		t.Errorf("got %d persistence errors, want 2", len(result.PersistErrors))
	}
	for _, perr := range result.PersistErrors {
		if perr.Path != "" {
			t.Errorf("unresolved path should be empty, got %q", perr.Path)
		}
	}
}

func TestGenerate_RequestedPathPassedThrough(t *testing.T) {
	p := newTestPipeline(t, &fakeBackend{}, PipelineConfig{})
	writer := &memWriter{}
	orch, _ := NewOrchestrator(memResolver{}, writer, nil)

	result, err := orch.Generate(context.Background(), p, smallRequest(1), "poster.png")
	if err != nil {
		t.Fatal(err)
	}
	if result.Images[0].Path != "poster.png_0" {
		t.Errorf("path = %q, want poster.png_0", result.Images[0].Path)
	}
}

func TestGenerate_WatermarkAndSafetyApplied(t *testing.T) {
	// Shade 0 at index 0 is flagged by fakeModel.Flagged.
	p := newTestPipeline(t, &fakeBackend{}, PipelineConfig{})
	orch, _ := NewOrchestrator(memResolver{}, &memWriter{}, nil)

	result, err := orch.Generate(context.Background(), p, smallRequest(2), "")
	if err != nil {
		t.Fatal(err)
	}

	blank := Digest(solidImage(32, 32, 0))
	if result.Images[0].Digest == blank {
		t.Error("flagged image should be replaced")
	}
	r, g, b, _ := result.Images[0].Image.At(0, 0).RGBA()
	if r != 0 || g != 0 || b != 0 {
		t.Errorf("flagged image corner = (%d,%d,%d), want black", r, g, b)
	}
	if result.Images[1].Digest == Digest(solidImage(32, 32, 40)) {
		t.Error("vendor watermark should alter the unflagged image")
	}
}

func TestGenerate_ClosedPipeline(t *testing.T) {
	p := newTestPipeline(t, &fakeBackend{}, PipelineConfig{})
	p.Close()
	orch, _ := NewOrchestrator(memResolver{}, &memWriter{}, nil)

	if _, err := orch.Generate(context.Background(), p, smallRequest(1), ""); !errors.Is(err, ErrPipelineClosed) {
		t.Errorf("error = %v, want ErrPipelineClosed", err)
	}
}
