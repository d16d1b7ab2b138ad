package sdruntime

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GenerationRequest is one unit of work: a single batched inference call.
type GenerationRequest struct {
	PositivePrompt string  // Required: text description of the image
	NegativePrompt string  // Optional: what to steer away from
	Guidance       float64 // Derived from strength via Normalize
	Width          int     // Pixels, divisible by 8
	Height         int     // Pixels, divisible by 8
	Steps          int     // Denoising steps
	NumImages      int     // Batch size
	Seed           *int64  // nil means non-deterministic
}

// Parameter validation constants
const (
	MinImageSize      = 128
	MaxImageSize      = 2048
	ImageSizeMultiple = 8

	MinSteps     = 1
	MaxSteps     = 150
	DefaultSteps = 20

	MaxBatchSize = 10

	// DefaultImageSize is used when neither --size nor --width/--height is given.
	DefaultImageSize = 1024

	MaxPromptLength = 2000
)

// DefaultRequest returns a request with the default resolution, step count and a
// single image at strength 1.0. The caller sets the prompts.
func DefaultRequest() GenerationRequest {
	return GenerationRequest{
		Guidance:  BaseGuidanceScale,
		Width:     DefaultImageSize,
		Height:    DefaultImageSize,
		Steps:     DefaultSteps,
		NumImages: 1,
	}
}

// Validate checks the request before any model work is started.
func (r GenerationRequest) Validate() error {
	if err := ValidatePrompt(r.PositivePrompt); err != nil {
		return err
	}
	if err := validatePromptText("negative prompt", r.NegativePrompt); err != nil {
		return err
	}

	if r.Guidance <= 0 || math.IsNaN(r.Guidance) || math.IsInf(r.Guidance, 0) {
		return invalidParam("guidance %v must be a positive number", r.Guidance)
	}

	if err := validateDimension("width", r.Width); err != nil {
		return err
	}
	if err := validateDimension("height", r.Height); err != nil {
		return err
	}

	if r.Steps < MinSteps || r.Steps > MaxSteps {
		return invalidParam("steps %d must be between %d and %d", r.Steps, MinSteps, MaxSteps)
	}

	if r.NumImages < 1 || r.NumImages > MaxBatchSize {
		return invalidParam("batch size %d must be between 1 and %d", r.NumImages, MaxBatchSize)
	}

	if r.Seed != nil && *r.Seed < 0 {
		return invalidParam("seed %d must not be negative", *r.Seed)
	}

	return nil
}

func validateDimension(name string, v int) error {
	if v < MinImageSize || v > MaxImageSize {
		return invalidParam("%s %d must be between %d and %d", name, v, MinImageSize, MaxImageSize)
	}
	if v%ImageSizeMultiple != 0 {
		return invalidParam("%s %d must be divisible by %d", name, v, ImageSizeMultiple)
	}
	return nil
}

// ParseSize parses a "WxH" string such as "1024x768".
func ParseSize(s string) (width, height int, err error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, invalidParam("size %q must be in WxH format", s)
	}

	width, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, invalidParam("size %q has a non-numeric width", s)
	}
	height, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, invalidParam("size %q has a non-numeric height", s)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, invalidParam("size %q must have positive dimensions", s)
	}
	return width, height, nil
}

// SeedValue returns the seed for display purposes, or -1 when unseeded.
func (r GenerationRequest) SeedValue() int64 {
	if r.Seed == nil {
		return -1
	}
	return *r.Seed
}

func (r GenerationRequest) String() string {
	return fmt.Sprintf("%dx%d steps=%d guidance=%.2f n=%d seed=%d",
		r.Width, r.Height, r.Steps, r.Guidance, r.NumImages, r.SeedValue())
}
