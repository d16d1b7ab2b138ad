package sdruntime

import (
	"context"
	"image"
)

// Backend resolves and loads base models. It is the model capability consumed
// by Provision; implementations live in package imagegen.
type Backend interface {
	// Name identifies the backend in logs and history records.
	Name() string

	// LoadModel resolves modelID and returns an unbound, unconfigured model.
	LoadModel(ctx context.Context, modelID string) (Model, error)
}

// Model is a loaded generative model that Provision configures step by step.
// A Model is not safe for concurrent use; Pipeline serializes access to it.
type Model interface {
	// OverrideEncoder substitutes an auxiliary encoder component.
	// Provision calls it before any adapter is applied.
	OverrideEncoder(ctx context.Context, encoderID string) error

	// ApplyAdapter merges a style adapter on top of everything applied so far.
	ApplyAdapter(ctx context.Context, adapter Adapter) error

	// BindDevice places the configured model on a compute device.
	BindDevice(ctx context.Context, device Device) error

	// Infer runs one batched generation. It returns exactly params.Count images
	// in request order or an error; there is no partial success.
	Infer(ctx context.Context, params InferenceParams) ([]image.Image, error)

	// Close frees device memory held by the model.
	Close() error
}

// SafetyChecker is implemented by models that ship a content classifier.
// VendorSafety uses it; PassThroughSafety never calls it.
type SafetyChecker interface {
	Flagged(ctx context.Context, img image.Image) (bool, error)
}

// InferenceParams is what a single Infer call receives.
type InferenceParams struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Count          int
	Guidance       float64
	Randomness     *Randomness // nil for non-deterministic generation
}

// PathResolver picks the destination for the image at index.
// requested is the user-supplied --output path, or empty.
type PathResolver interface {
	Resolve(index int, requested string) (string, error)
}

// ImageWriter persists one generated image to path.
type ImageWriter interface {
	Write(ctx context.Context, img GeneratedImage, path string) error
}
