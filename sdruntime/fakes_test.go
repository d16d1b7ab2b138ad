package sdruntime

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// fakeBackend records every provisioning call in order.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	loadErr    error
	encoderErr error
	adapterErr map[string]error
	deviceErr  error
	inferErr   error
	shortBatch bool

	model *fakeModel
}

func (b *fakeBackend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) LoadModel(_ context.Context, modelID string) (Model, error) {
	b.record("load:" + modelID)
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	b.model = &fakeModel{backend: b}
	return b.model, nil
}

type fakeModel struct {
	backend *fakeBackend

	mu        sync.Mutex
	closed    int
	lastInfer InferenceParams
	inferred  int
}

func (m *fakeModel) OverrideEncoder(_ context.Context, encoderID string) error {
	m.backend.record("encoder:" + encoderID)
	return m.backend.encoderErr
}

func (m *fakeModel) ApplyAdapter(_ context.Context, a Adapter) error {
	m.backend.record(fmt.Sprintf("adapter:%s", a))
	return m.backend.adapterErr[a.ID]
}

func (m *fakeModel) BindDevice(_ context.Context, d Device) error {
	m.backend.record("device:" + d.String())
	return m.backend.deviceErr
}

func (m *fakeModel) Infer(ctx context.Context, params InferenceParams) ([]image.Image, error) {
	m.mu.Lock()
	m.lastInfer = params
	m.inferred++
	m.mu.Unlock()

	if m.backend.inferErr != nil {
		return nil, m.backend.inferErr
	}

	n := params.Count
	if m.backend.shortBatch {
		n--
	}
	imgs := make([]image.Image, n)
	for i := range imgs {
		imgs[i] = solidImage(params.Width/8, params.Height/8, uint8(i*40))
	}
	return imgs, nil
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeModel) Flagged(_ context.Context, img image.Image) (bool, error) {
	r, _, _, _ := img.At(0, 0).RGBA()
	return r == 0, nil
}

// memResolver hands out "out_<index>.png" paths.
type memResolver struct {
	err error
}

func (r memResolver) Resolve(index int, requested string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if requested != "" {
		return fmt.Sprintf("%s_%d", requested, index), nil
	}
	return fmt.Sprintf("out_%d.png", index), nil
}

// memWriter stores written paths and can fail on selected indices.
type memWriter struct {
	mu     sync.Mutex
	failOn map[int]bool
	paths  []string
}

var errDiskFull = errors.New("disk full")

func (w *memWriter) Write(_ context.Context, img GeneratedImage, path string) error {
	if w.failOn[img.Index] {
		return errDiskFull
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paths = append(w.paths, path)
	return nil
}

func solidImage(w, h int, shade uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: 100, B: 200, A: 255})
		}
	}
	return img
}
