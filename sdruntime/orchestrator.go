// orchestrator.go runs a single request against a provisioned pipeline:
// one batched inference call, policy application, then per-image persistence.

package sdruntime

import (
	"context"
	"fmt"
	"image"
	"time"

	"sdforge/logging"

	"go.uber.org/zap"
)

// ImageInfo is the provenance recorded alongside each image.
type ImageInfo struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Guidance       float64
	Seed           *int64
	BatchSize      int
	ModelID        string
	Encoder        string
	Adapters       []Adapter
	Backend        string
}

// GeneratedImage is an in-memory raster and where it was written.
type GeneratedImage struct {
	Index  int
	Image  image.Image
	Path   string // empty if persistence failed
	Digest string // blake2b-256 of the RGBA pixels
	Info   ImageInfo
}

// GenerationResult holds every image of the batch and any persistence failures.
type GenerationResult struct {
	Images        []GeneratedImage
	PersistErrors []*PersistenceError
	Duration      time.Duration
}

// Primary returns the first image of the batch.
func (r *GenerationResult) Primary() *GeneratedImage {
	if r == nil || len(r.Images) == 0 {
		return nil
	}
	return &r.Images[0]
}

// Saved returns the number of images written successfully.
func (r *GenerationResult) Saved() int {
	return len(r.Images) - len(r.PersistErrors)
}

// Orchestrator turns requests into persisted images. It holds no state
// between calls beyond its collaborators.
type Orchestrator struct {
	resolver PathResolver
	writer   ImageWriter
	logger   *logging.Logger
}

// NewOrchestrator creates an orchestrator that persists through resolver and writer.
// A nil logger discards log output.
func NewOrchestrator(resolver PathResolver, writer ImageWriter, logger *logging.Logger) (*Orchestrator, error) {
	if resolver == nil {
		return nil, fmt.Errorf("sdruntime: path resolver is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("sdruntime: image writer is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{resolver: resolver, writer: writer, logger: logger}, nil
}

// Generate runs req on p and persists each image to the path chosen by the
// resolver. requestedPath is the user-supplied output path, or empty.
//
// Error cases:
//   - ErrInvalidParameter: req failed validation; no model work was done
//   - ErrPipelineClosed, ErrPipelineBusy: the pipeline could not be leased
//   - ErrInference: the batched call failed; no images are returned
//
// Persistence failures do not produce an error. They are reported per image in
// GenerationResult.PersistErrors and the in-memory images are still returned.
func (o *Orchestrator) Generate(ctx context.Context, p *Pipeline, req GenerationRequest, requestedPath string) (*GenerationResult, error) {
	// Step 1: Validate parameters before touching the pipeline
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Step 2: Lease the pipeline
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	log := o.logger.With(zap.String("model", p.config.ModelID), zap.Int("batch", req.NumImages))
	start := time.Now()

	// Step 3: Randomness context (absent when unseeded)
	var randomness *Randomness
	if req.Seed != nil {
		randomness = NewRandomness(*req.Seed, p.config.Device)
	}

	// Step 4: One atomic batched call
	images, err := p.model.Infer(ctx, InferenceParams{
		Prompt:         req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Count:          req.NumImages,
		Guidance:       req.Guidance,
		Randomness:     randomness,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(images) != req.NumImages {
		return nil, fmt.Errorf("%w: model returned %d images, requested %d", ErrInference, len(images), req.NumImages)
	}
	for i, img := range images {
		if img == nil {
			return nil, fmt.Errorf("%w: model returned a nil image at index %d", ErrInference, i)
		}
	}

	// Step 5: Policies, safety before watermark
	images, flagged, err := p.safety.Filter(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	for i, f := range flagged {
		if f {
			log.Warn("image flagged by safety policy", zap.Int("index", i))
		}
	}

	info := ImageInfo{
		Prompt:         req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Guidance:       req.Guidance,
		Seed:           req.Seed,
		BatchSize:      req.NumImages,
		ModelID:        p.config.ModelID,
		Encoder:        p.config.EncoderOverride,
		Adapters:       p.config.Adapters,
		Backend:        p.backend,
	}

	result := &GenerationResult{Images: make([]GeneratedImage, len(images))}
	for i, img := range images {
		img = p.watermark.Apply(img)
		result.Images[i] = GeneratedImage{
			Index:  i,
			Image:  img,
			Digest: Digest(img),
			Info:   info,
		}
	}
	log.Info("inference complete", zap.Duration("elapsed", time.Since(start)))

	// Step 6: Persist each image independently
	for i := range result.Images {
		if perr := o.persist(ctx, &result.Images[i], requestedPath); perr != nil {
			log.Error("failed to persist image", zap.Int("index", i), zap.String("path", perr.Path), zap.Error(perr.Err))
			result.PersistErrors = append(result.PersistErrors, perr)
			continue
		}
		log.Debug("image saved", zap.Int("index", i), zap.String("path", result.Images[i].Path))
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (o *Orchestrator) persist(ctx context.Context, img *GeneratedImage, requestedPath string) *PersistenceError {
	path, err := o.resolver.Resolve(img.Index, requestedPath)
	if err != nil {
		return &PersistenceError{Index: img.Index, Err: err}
	}
	if err := o.writer.Write(ctx, *img, path); err != nil {
		return &PersistenceError{Index: img.Index, Path: path, Err: err}
	}
	img.Path = path
	return nil
}
